package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc(a.appConfig.Messaging.SessionSweepCron, func() {
		a.SchedSessionSweepTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 1m", func() {
		a.SchedJobSweepTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSessionSweepTask tears down every tracked session, bounding the
// resource cost of tenants that paired and walked away.
func (a *Application) SchedSessionSweepTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	cleared := a.sessions.SweepAll()
	if cleared > 0 {
		zap.S().Infof("session sweep cleared %d sessions", cleared)
	}
}

// SchedJobSweepTask drops completed jobs past the retention window.
func (a *Application) SchedJobSweepTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	a.registry.Sweep(time.Now())
}
