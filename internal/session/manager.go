package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spokecrm/spoke/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotReady means dispatch was attempted before pairing completed.
	ErrNotReady = errors.New("session not ready")
	// ErrPairingTimeout means no pairing code or readiness arrived in time.
	ErrPairingTimeout = errors.New("pairing wait timed out")
	// ErrAuthFailed means the provider rejected the login.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrConnectionFailed means the provider connection could not be established.
	ErrConnectionFailed = errors.New("provider connection failed")
)

// Status is the non-blocking poll view of a tenant session.
type Status struct {
	Ready          bool `json:"isReady"`
	HasClient      bool `json:"hasClient"`
	HasPairingCode bool `json:"hasPairingCode"`
}

// PairingResult is the outcome of a blocking pairing wait.
type PairingResult struct {
	Status      string `json:"status"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// Info is a listing row for one tracked session.
type Info struct {
	TenantID       string `json:"tenantId"`
	State          string `json:"state"`
	HasPairingCode bool   `json:"hasPairingCode"`
}

// Manager guarantees at most one live provider connection per tenant and
// drives each session's state machine from the dialer's event channel.
type Manager struct {
	dialer Dialer
	db     *gorm.DB

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a manager around the given provider dialer. db may be
// nil; when present, tenant pairing status is mirrored into tenant_session rows.
func NewManager(dialer Dialer, db *gorm.DB) *Manager {
	return &Manager{
		dialer:   dialer,
		db:       db,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the tenant's session, starting a connection attempt if
// none is tracked yet. The existing session is returned regardless of state.
func (m *Manager) GetOrCreate(tenantID string) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[tenantID]; ok {
		m.mu.Unlock()
		return s
	}
	s := newSession(tenantID)
	m.sessions[tenantID] = s
	m.mu.Unlock()

	go m.connect(s)
	return s
}

// connect dials the provider and hands the event channel to the state machine.
func (m *Manager) connect(s *Session) {
	if err := m.dialer.CleanStaleLock(s.TenantID); err != nil {
		zap.L().Warn("session: stale lock cleanup failed", zap.String("tenant", s.TenantID), zap.Error(err))
	}

	client, events, err := m.dialer.Dial(context.Background(), s.TenantID)
	if err != nil {
		zap.L().Warn("session: connect failed", zap.String("tenant", s.TenantID), zap.Error(err))
		s.set(func(s *Session) {
			s.state = StateFailed
			s.failure = errors.Wrap(ErrConnectionFailed, err.Error())
		})
		m.remove(s.TenantID, s)
		return
	}

	// Attach only while the session is still the tracked one. A Reset or
	// sweep that ran during the dial has already untracked it; the fresh
	// handle must not outlive that teardown. Attaching under m.mu means a
	// concurrent Reset either sees the client (and disconnects it via
	// takeClient) or has already removed the session (and we land here).
	m.mu.Lock()
	if cur, ok := m.sessions[s.TenantID]; ok && cur == s {
		s.set(func(s *Session) { s.client = client })
		m.mu.Unlock()
		go m.consume(s, events)
		return
	}
	m.mu.Unlock()

	zap.L().Info("session: discarding connection dialed before reset", zap.String("tenant", s.TenantID))
	client.Disconnect()
	// The dial recreated the credential dir; honor the reset's deletion.
	if err := m.dialer.CleanCredentials(s.TenantID); err != nil {
		zap.L().Warn("session: credential cleanup failed", zap.String("tenant", s.TenantID), zap.Error(err))
	}
	s.set(func(s *Session) {
		s.state = StateDisconnected
		s.pairingCode = ""
		if s.failure == nil {
			s.failure = ErrConnectionFailed
		}
	})
}

// consume applies provider events until a terminal one arrives or the
// channel closes.
func (m *Manager) consume(s *Session, events <-chan Event) {
	for ev := range events {
		switch ev.Type {
		case EventPairingCode:
			zap.L().Info("session: pairing code issued", zap.String("tenant", s.TenantID))
			s.set(func(s *Session) {
				s.state = StateAwaitingPairing
				s.pairingCode = ev.Code
			})
		case EventPairingAccepted:
			s.set(func(s *Session) {
				s.state = StateAuthenticating
				s.pairingCode = ""
			})
		case EventAuthenticated:
			jid := ""
			s.mu.Lock()
			if s.client != nil {
				jid = s.client.JID()
			}
			s.mu.Unlock()
			zap.L().Info("session: authenticated", zap.String("tenant", s.TenantID), zap.String("jid", jid))
			s.set(func(s *Session) {
				s.state = StateReady
				s.pairingCode = ""
			})
			m.recordStatus(s.TenantID, jid, "connected")
		case EventAuthFailed:
			zap.L().Warn("session: authentication failed", zap.String("tenant", s.TenantID), zap.Error(ev.Err))
			m.teardown(s, StateFailed, ErrAuthFailed)
			return
		case EventDisconnected:
			zap.L().Warn("session: disconnected", zap.String("tenant", s.TenantID), zap.Error(ev.Err))
			m.teardown(s, StateDisconnected, ErrConnectionFailed)
			return
		}
	}
}

// GetStatus is a pure, non-blocking read used for polling.
func (m *Manager) GetStatus(tenantID string) Status {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if !ok {
		return Status{}
	}
	state, code, _, _ := s.observe()
	return Status{
		Ready:          state == StateReady,
		HasClient:      s.hasClient(),
		HasPairingCode: code != "",
	}
}

// AwaitPairingOrReady blocks until a pairing code is available, the session
// becomes ready, or authentication fails - whichever happens first. On
// timeout it returns ErrPairingTimeout rather than hanging.
func (m *Manager) AwaitPairingOrReady(ctx context.Context, tenantID string, timeout time.Duration) (PairingResult, error) {
	s := m.GetOrCreate(tenantID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		state, code, failure, changed := s.observe()
		switch {
		case state == StateReady:
			return PairingResult{Status: "authenticated"}, nil
		case code != "":
			return PairingResult{Status: "qr", PairingCode: code}, nil
		case state == StateFailed || state == StateDisconnected:
			if failure != nil {
				return PairingResult{}, failure
			}
			return PairingResult{}, ErrAuthFailed
		}

		select {
		case <-ctx.Done():
			return PairingResult{}, ErrPairingTimeout
		case <-timer.C:
			return PairingResult{}, ErrPairingTimeout
		case <-changed:
		}
	}
}

// ReadyClient returns the tenant's provider client, or ErrNotReady when the
// session does not exist or has not completed pairing.
func (m *Manager) ReadyClient(tenantID string) (Client, error) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotReady
	}
	c := s.readyClient()
	if c == nil {
		return nil, ErrNotReady
	}
	return c, nil
}

// Reset forcibly destroys the tenant's session and deletes its persisted
// credentials. Idempotent: resetting an unknown tenant only clears credentials.
func (m *Manager) Reset(tenantID string) error {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	delete(m.sessions, tenantID)
	m.mu.Unlock()

	if ok {
		if c := s.takeClient(); c != nil {
			c.Disconnect()
		}
		s.set(func(s *Session) {
			s.state = StateDisconnected
			s.pairingCode = ""
			s.failure = ErrConnectionFailed
		})
	}
	if err := m.dialer.CleanCredentials(tenantID); err != nil {
		return errors.Wrap(err, "delete credentials")
	}
	m.recordStatus(tenantID, "", "reset")
	zap.L().Info("session: reset", zap.String("tenant", tenantID))
	return nil
}

// SweepAll destroys every tracked session, releasing handles and deleting
// credentials. Bound resource usage of abandoned sessions; runs on a cron.
func (m *Manager) SweepAll() int {
	m.mu.Lock()
	tracked := make([]string, 0, len(m.sessions))
	for tenantID := range m.sessions {
		tracked = append(tracked, tenantID)
	}
	m.mu.Unlock()

	for _, tenantID := range tracked {
		if err := m.Reset(tenantID); err != nil {
			zap.L().Warn("session: sweep reset failed", zap.String("tenant", tenantID), zap.Error(err))
		}
	}
	if len(tracked) > 0 {
		zap.L().Info("session: sweep complete", zap.Int("cleared", len(tracked)))
	}
	return len(tracked)
}

// Shutdown disconnects all handles without touching persisted credentials,
// so tenants do not have to re-pair after a restart.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if c := s.takeClient(); c != nil {
			c.Disconnect()
		}
	}
}

// List returns a snapshot of all tracked sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		state, code, _, _ := s.observe()
		out = append(out, Info{
			TenantID:       s.TenantID,
			State:          state.String(),
			HasPairingCode: code != "",
		})
	}
	return out
}

// teardown releases the handle, deletes credentials and untracks the session.
func (m *Manager) teardown(s *Session, final State, reason error) {
	if c := s.takeClient(); c != nil {
		c.Disconnect()
	}
	s.set(func(s *Session) {
		s.state = final
		s.pairingCode = ""
		if s.failure == nil {
			s.failure = reason
		}
	})
	if err := m.dialer.CleanCredentials(s.TenantID); err != nil {
		zap.L().Warn("session: credential cleanup failed", zap.String("tenant", s.TenantID), zap.Error(err))
	}
	m.remove(s.TenantID, s)
	m.recordStatus(s.TenantID, "", final.String())
}

// remove untracks only if the map still points at this session; a newer
// session created after a reset must not be evicted by a stale teardown.
func (m *Manager) remove(tenantID string, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[tenantID]; ok && cur == s {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
}

func (m *Manager) recordStatus(tenantID, jid, status string) {
	if m.db == nil {
		return
	}
	var row domain.TenantSession
	if err := m.db.Where("tenant_id = ?", tenantID).FirstOrCreate(&row, domain.TenantSession{TenantID: tenantID}).Error; err != nil {
		zap.L().Warn("session: tenant row lookup failed", zap.String("tenant", tenantID), zap.Error(err))
		return
	}
	updates := map[string]interface{}{"jid": jid, "status": status}
	if status == "connected" {
		updates["paired_at"] = time.Now()
	}
	if err := m.db.Model(&domain.TenantSession{}).Where("tenant_id = ?", tenantID).Updates(updates).Error; err != nil {
		zap.L().Warn("session: tenant row update failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}
