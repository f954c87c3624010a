package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetDelete(t *testing.T) {
	r := NewRegistry(time.Minute)
	j := newJob("1", "acme", []string{"919876543210"}, Payload{Message: "hi"})
	r.add(j)

	got, found := r.Get("1")
	require.True(t, found)
	assert.Same(t, j, got)

	r.Delete("1")
	_, found = r.Get("1")
	assert.False(t, found)
}

func TestRegistry_SweepRespectsRetention(t *testing.T) {
	r := NewRegistry(5 * time.Minute)

	old := newJob("old", "acme", []string{"919876543210"}, Payload{})
	old.start()
	old.complete()
	old.mu.Lock()
	old.completedAt = time.Now().Add(-10 * time.Minute)
	old.mu.Unlock()
	r.add(old)

	fresh := newJob("fresh", "acme", []string{"919876543210"}, Payload{})
	fresh.start()
	fresh.complete()
	r.add(fresh)

	running := newJob("running", "acme", []string{"919876543210"}, Payload{})
	running.start()
	r.add(running)

	removed := r.Sweep(time.Now())
	assert.Equal(t, 1, removed)

	_, found := r.Get("old")
	assert.False(t, found)
	_, found = r.Get("fresh")
	assert.True(t, found)
	_, found = r.Get("running")
	assert.True(t, found, "in-flight jobs must never be collected")
}

func TestRegistry_SweepEmpty(t *testing.T) {
	r := NewRegistry(time.Minute)
	assert.Zero(t, r.Sweep(time.Now()))
}
