package session

import "sync"

// State is the pairing lifecycle position of one tenant session.
type State int

const (
	StateUninitialized State = iota
	StateAwaitingPairing
	StateAuthenticating
	StateReady
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateAwaitingPairing:
		return "AwaitingPairing"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Session tracks one tenant's provider connection. All mutation goes through
// set() so waiters blocked in AwaitPairingOrReady observe every transition.
type Session struct {
	TenantID string

	mu          sync.Mutex
	state       State
	pairingCode string
	client      Client
	failure     error
	notify      chan struct{}
}

func newSession(tenantID string) *Session {
	return &Session{
		TenantID: tenantID,
		state:    StateUninitialized,
		notify:   make(chan struct{}),
	}
}

// set applies fn under the lock and wakes all waiters.
func (s *Session) set(fn func(s *Session)) {
	s.mu.Lock()
	fn(s)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// observe returns the current state, pairing code, terminal failure and a
// channel that closes on the next transition. Grabbing the channel together
// with the snapshot makes the wait loop race-free.
func (s *Session) observe() (State, string, error, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.pairingCode, s.failure, s.notify
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PairingCode returns the outstanding QR payload, empty if none.
func (s *Session) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCode
}

func (s *Session) hasClient() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// readyClient returns the client only when the session is Ready.
func (s *Session) readyClient() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil
	}
	return s.client
}

// takeClient detaches the client handle for teardown.
func (s *Session) takeClient() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.client
	s.client = nil
	return c
}
