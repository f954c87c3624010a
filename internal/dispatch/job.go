package dispatch

import (
	"sync"
	"time"

	"github.com/spokecrm/spoke/internal/session"
)

type JobStatus string

const (
	StatusPending    JobStatus = "Pending"
	StatusInProgress JobStatus = "InProgress"
	StatusCompleted  JobStatus = "Completed"
)

type Outcome string

const (
	OutcomeSent   Outcome = "Sent"
	OutcomeFailed Outcome = "Failed"
)

// Result is one recipient's outcome, recorded in send order.
type Result struct {
	Recipient string  `json:"number"`
	Outcome   Outcome `json:"status"`
	Error     string  `json:"error,omitempty"`
}

// Payload is the message body plus an optional single image attachment.
type Payload struct {
	Message string
	Image   *session.Media
}

// Job is one submitted batch. It has exactly one writer (the dispatch
// worker) and any number of snapshot readers.
type Job struct {
	ID         string
	TenantID   string
	Recipients []string

	mu          sync.RWMutex
	payload     Payload
	status      JobStatus
	sent        int
	failed      int
	results     []Result
	startedAt   time.Time
	completedAt time.Time
}

func newJob(id, tenantID string, recipients []string, payload Payload) *Job {
	return &Job{
		ID:         id,
		TenantID:   tenantID,
		Recipients: recipients,
		payload:    payload,
		status:     StatusPending,
		results:    make([]Result, 0, len(recipients)),
	}
}

// Total is the de-duplicated recipient count.
func (j *Job) Total() int {
	return len(j.Recipients)
}

func (j *Job) start() {
	j.mu.Lock()
	j.status = StatusInProgress
	j.startedAt = time.Now()
	j.mu.Unlock()
}

// record appends one result and returns the running counts.
func (j *Job) record(r Result) (sent, failed int) {
	j.mu.Lock()
	if r.Outcome == OutcomeSent {
		j.sent++
	} else {
		j.failed++
	}
	j.results = append(j.results, r)
	sent, failed = j.sent, j.failed
	j.mu.Unlock()
	return sent, failed
}

// complete marks the job terminal and releases the attachment bytes
// immediately rather than holding them for the retention window.
func (j *Job) complete() (sent, failed int, results []Result) {
	j.mu.Lock()
	j.status = StatusCompleted
	j.completedAt = time.Now()
	j.payload.Image = nil
	sent, failed = j.sent, j.failed
	results = append([]Result(nil), j.results...)
	j.mu.Unlock()
	return sent, failed, results
}

func (j *Job) currentPayload() Payload {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.payload
}

// completedBefore reports whether the job finished before the cutoff.
func (j *Job) completedBefore(cutoff time.Time) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status == StatusCompleted && j.completedAt.Before(cutoff)
}

// Snapshot is the poll view of a job.
type Snapshot struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Total       int        `json:"total"`
	Sent        int        `json:"sent"`
	Failed      int        `json:"failed"`
	Progress    int        `json:"progress"` // percent of recipients processed
	Results     []Result   `json:"results"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Snapshot returns a consistent copy of the job state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	snap := Snapshot{
		JobID:     j.ID,
		Status:    j.status,
		Total:     len(j.Recipients),
		Sent:      j.sent,
		Failed:    j.failed,
		Results:   append([]Result(nil), j.results...),
		StartedAt: j.startedAt,
	}
	if total := len(j.Recipients); total > 0 {
		snap.Progress = (j.sent + j.failed) * 100 / total
	}
	if j.status == StatusCompleted {
		t := j.completedAt
		snap.CompletedAt = &t
	}
	return snap
}
