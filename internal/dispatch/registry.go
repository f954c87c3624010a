package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry indexes jobs by id for status polling. Completed jobs stay
// queryable for the retention window and are then garbage collected.
type Registry struct {
	retention time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		retention: retention,
		jobs:      make(map[string]*Job),
	}
}

func (r *Registry) add(j *Job) {
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
}

// Get returns the job and whether it is (still) known.
func (r *Registry) Get(jobID string) (*Job, bool) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	return j, ok
}

// Delete drops a job immediately, ahead of the retention sweep.
func (r *Registry) Delete(jobID string) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

// Sweep removes jobs that completed before now minus the retention window.
// In-flight jobs are never collected.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.retention)
	r.mu.Lock()
	var removed int
	for id, j := range r.jobs {
		if j.completedBefore(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	remaining := len(r.jobs)
	r.mu.Unlock()
	if removed > 0 {
		zap.L().Info("dispatch: registry sweep", zap.Int("removed", removed), zap.Int("remaining", remaining))
	}
	return removed
}
