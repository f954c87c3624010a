package waclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spokecrm/spoke/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acme", "acme"},
		{"acme-42_x.y", "acme-42_x.y"},
		{"../etc/passwd", ".._etc_passwd"},
		{"a b/c", "a_b_c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitize(tt.in))
	}
}

func TestDialer_TenantDir(t *testing.T) {
	d := NewDialer("/data/sessions", false)
	assert.Equal(t, filepath.Join("/data/sessions", "acme"), d.tenantDir("acme"))
	// Path traversal in a tenant id stays inside the root.
	assert.Equal(t, filepath.Join("/data/sessions", ".._.._x"), d.tenantDir("../../x"))
}

func TestDialer_CleanStaleLock(t *testing.T) {
	root := t.TempDir()
	d := NewDialer(root, false)

	// Missing lock is not an error.
	require.NoError(t, d.CleanStaleLock("acme"))

	dir := d.tenantDir("acme")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	lock := filepath.Join(dir, lockFile)
	require.NoError(t, os.WriteFile(lock, []byte("123\n"), 0o600))

	require.NoError(t, d.CleanStaleLock("acme"))
	_, err := os.Stat(lock)
	assert.True(t, os.IsNotExist(err))
}

func TestDialer_CleanCredentials(t *testing.T) {
	root := t.TempDir()
	d := NewDialer(root, false)

	dir := d.tenantDir("acme")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, credentialFile), []byte("x"), 0o600))

	require.NoError(t, d.CleanCredentials("acme"))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, d.CleanCredentials("acme"))
}

func TestClientEmit_OverflowKeepsNewest(t *testing.T) {
	c := &client{tenantID: "acme", events: make(chan session.Event, 4)}

	for i := 0; i < 8; i++ {
		c.emit(session.Event{Type: session.EventPairingCode, Code: "code"})
	}
	c.emit(session.Event{Type: session.EventDisconnected})

	var last session.Event
	for len(c.events) > 0 {
		last = <-c.events
	}
	assert.Equal(t, session.EventDisconnected, last.Type)
}

func TestClientEmit_AfterCloseIsNoop(t *testing.T) {
	c := &client{tenantID: "acme", events: make(chan session.Event, 1)}
	c.evMu.Lock()
	c.evClosed = true
	close(c.events)
	c.evMu.Unlock()

	assert.NotPanics(t, func() {
		c.emit(session.Event{Type: session.EventDisconnected})
	})
}

func TestRecipientJID(t *testing.T) {
	jid, err := recipientJID("919876543210")
	require.NoError(t, err)
	assert.Equal(t, "919876543210@s.whatsapp.net", jid.String())

	jid, err = recipientJID("919876543210@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "919876543210", jid.User)

	_, err = recipientJID("")
	assert.Error(t, err)
}
