package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/spokecrm/spoke/internal/session"
	"go.uber.org/zap"
)

// Sender is the slice of the provider client the engine needs.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendImage(ctx context.Context, to string, caption string, media session.Media) (string, error)
}

// SessionSource resolves a ready provider client for a tenant at send time.
type SessionSource interface {
	ReadySender(tenantID string) (Sender, error)
}

var ErrNoRecipients = errors.New("no usable recipients")

// Engine runs one worker per submitted job. Within a job sends are strictly
// sequential with a randomized pause between them; jobs of different tenants
// run concurrently on the shared pool.
type Engine struct {
	sessions   SessionSource
	registry   *Registry
	normalizer Normalizer
	delayMin   time.Duration
	delayMax   time.Duration

	pool *ants.Pool
	node *snowflake.Node
}

// EngineConfig carries the dispatch tunables out of the app config.
type EngineConfig struct {
	Workers  int
	DelayMin time.Duration
	DelayMax time.Duration
}

func NewEngine(sessions SessionSource, registry *Registry, normalizer Normalizer, cfg EngineConfig) (*Engine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 64
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		pool.Release()
		return nil, errors.Wrap(err, "create id node")
	}
	return &Engine{
		sessions:   sessions,
		registry:   registry,
		normalizer: normalizer,
		delayMin:   cfg.DelayMin,
		delayMax:   cfg.DelayMax,
		pool:       pool,
		node:       node,
	}, nil
}

// Submit normalizes the batch, registers a job and schedules its worker.
// The returned channel carries one StartedEvent, a ProgressEvent per
// recipient and a final CompletedEvent, then closes. It is buffered to hold
// the whole stream, so the worker never blocks on a slow or absent consumer.
func (e *Engine) Submit(tenantID string, numbers []string, payload Payload) (*Job, <-chan interface{}, error) {
	recipients := e.normalizer.NormalizeAll(numbers)
	if len(recipients) == 0 {
		return nil, nil, ErrNoRecipients
	}
	if _, err := e.sessions.ReadySender(tenantID); err != nil {
		return nil, nil, err
	}

	job := newJob(e.node.Generate().String(), tenantID, recipients, payload)
	e.registry.add(job)

	events := make(chan interface{}, len(recipients)+2)
	if err := e.pool.Submit(func() { e.run(job, events) }); err != nil {
		e.registry.Delete(job.ID)
		close(events)
		return nil, nil, errors.Wrap(err, "schedule job")
	}
	zap.L().Info("dispatch: job submitted",
		zap.String("jobId", job.ID),
		zap.String("tenant", tenantID),
		zap.Int("total", len(recipients)),
		zap.Bool("image", payload.Image != nil))
	return job, events, nil
}

// run processes one job to completion. Per-recipient failures are recorded
// and never abort the batch.
func (e *Engine) run(job *Job, events chan<- interface{}) {
	defer close(events)

	job.start()
	total := job.Total()
	events <- StartedEvent{Type: "started", JobID: job.ID, Total: total}

	for i, number := range job.Recipients {
		if i > 0 {
			time.Sleep(e.sendDelay())
		}

		result := e.sendOne(job, number)
		if result.Outcome == OutcomeSent {
			metricMessagesSent.WithLabelValues(job.TenantID).Inc()
		} else {
			metricMessagesFailed.WithLabelValues(job.TenantID).Inc()
		}
		sent, failed := job.record(result)
		events <- ProgressEvent{
			Type:    "progress",
			JobID:   job.ID,
			Current: sent + failed,
			Total:   total,
			Sent:    sent,
			Failed:  failed,
			Number:  number,
			Status:  result.Outcome,
			Error:   result.Error,
		}
	}

	sent, failed, results := job.complete()
	metricJobsCompleted.Inc()
	events <- CompletedEvent{
		Type:    "completed",
		JobID:   job.ID,
		Sent:    sent,
		Failed:  failed,
		Results: results,
	}
	zap.L().Info("dispatch: job completed",
		zap.String("jobId", job.ID),
		zap.String("tenant", job.TenantID),
		zap.Int("sent", sent),
		zap.Int("failed", failed))
}

// sendOne delivers to a single recipient. The sender is re-resolved per send
// so a session torn down mid-job fails the remaining recipients cleanly.
func (e *Engine) sendOne(job *Job, number string) Result {
	sender, err := e.sessions.ReadySender(job.TenantID)
	if err != nil {
		return Result{Recipient: number, Outcome: OutcomeFailed, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	payload := job.currentPayload()
	if payload.Image != nil {
		_, err := sender.SendImage(ctx, number, payload.Message, *payload.Image)
		if err == nil {
			return Result{Recipient: number, Outcome: OutcomeSent}
		}
		// Degrade to a plain text send rather than failing the recipient.
		zap.L().Warn("dispatch: image send failed, retrying as text",
			zap.String("jobId", job.ID), zap.String("number", number), zap.Error(err))
	}
	if _, err := sender.SendText(ctx, number, payload.Message); err != nil {
		return Result{Recipient: number, Outcome: OutcomeFailed, Error: err.Error()}
	}
	return Result{Recipient: number, Outcome: OutcomeSent}
}

// sendDelay picks a uniform pause in [delayMin, delayMax]. Workers of
// different jobs share the global source, which is concurrency safe.
func (e *Engine) sendDelay() time.Duration {
	if e.delayMax <= e.delayMin {
		return e.delayMin
	}
	return e.delayMin + time.Duration(rand.Int63n(int64(e.delayMax-e.delayMin)))
}

// Stop releases the worker pool. In-flight jobs finish their current task.
func (e *Engine) Stop() {
	e.pool.Release()
}
