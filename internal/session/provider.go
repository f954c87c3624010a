package session

import "context"

// EventType enumerates lifecycle notifications emitted by a provider client.
type EventType int

const (
	// EventPairingCode carries a fresh QR payload; a new code supersedes the old one.
	EventPairingCode EventType = iota
	// EventPairingAccepted fires when the code was scanned but login is still settling.
	EventPairingAccepted
	// EventAuthenticated fires once the provider connection is logged in and usable.
	EventAuthenticated
	// EventAuthFailed is terminal: login was rejected or the pairing window expired.
	EventAuthFailed
	// EventDisconnected is terminal: the underlying connection dropped.
	EventDisconnected
)

// Event is a single provider lifecycle notification.
type Event struct {
	Type EventType
	Code string
	Err  error
}

// Media is a binary attachment with its declared mime type.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Client is one tenant's live connection to the messaging provider.
type Client interface {
	// SendText delivers a plain text message and returns the provider message id.
	SendText(ctx context.Context, to string, body string) (string, error)
	// SendImage delivers a captioned image message.
	SendImage(ctx context.Context, to string, caption string, media Media) (string, error)
	IsLoggedIn() bool
	// JID returns the provider identity once paired, empty otherwise.
	JID() string
	// Disconnect releases the connection synchronously. Safe to call twice.
	Disconnect()
	Logout(ctx context.Context) error
}

// Dialer opens provider clients. Lifecycle events for a dialed client are
// delivered on the returned channel, which the dialer closes when the
// connection is permanently gone.
type Dialer interface {
	Dial(ctx context.Context, tenantID string) (Client, <-chan Event, error)
	// CleanStaleLock clears leftovers of a crashed connection attempt.
	// Idempotent; called before every dial.
	CleanStaleLock(tenantID string) error
	// CleanCredentials deletes the tenant's persisted login material,
	// forcing re-pairing on the next dial.
	CleanCredentials(tenantID string) error
}
