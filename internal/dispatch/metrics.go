package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoke",
		Subsystem: "dispatch",
		Name:      "messages_sent_total",
		Help:      "Messages delivered to the provider, by tenant.",
	}, []string{"tenant"})

	metricMessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoke",
		Subsystem: "dispatch",
		Name:      "messages_failed_total",
		Help:      "Messages that could not be delivered, by tenant.",
	}, []string{"tenant"})

	metricJobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spoke",
		Subsystem: "dispatch",
		Name:      "jobs_completed_total",
		Help:      "Dispatch jobs run to completion.",
	})
)
