package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spokecrm/spoke/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu           sync.Mutex
	jid          string
	loggedIn     bool
	disconnected bool
}

func (c *fakeClient) SendText(context.Context, string, string) (string, error) {
	return "msg-1", nil
}

func (c *fakeClient) SendImage(context.Context, string, string, session.Media) (string, error) {
	return "img-1", nil
}

func (c *fakeClient) IsLoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *fakeClient) JID() string { return c.jid }

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Logout(context.Context) error {
	c.Disconnect()
	return nil
}

func (c *fakeClient) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	// gate, when set, holds every Dial until it is closed.
	gate chan struct{}

	dials        int
	clients      map[string]*fakeClient
	allClients   []*fakeClient
	channels     map[string]chan session.Event
	cleaned      []string
	locksCleared []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		clients:  make(map[string]*fakeClient),
		channels: make(map[string]chan session.Event),
	}
}

func (d *fakeDialer) Dial(_ context.Context, tenantID string) (session.Client, <-chan session.Event, error) {
	d.mu.Lock()
	if d.dialErr != nil {
		d.mu.Unlock()
		return nil, nil, d.dialErr
	}
	d.dials++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	c := &fakeClient{jid: tenantID + "@s.whatsapp.net"}
	ch := make(chan session.Event, 8)
	d.mu.Lock()
	d.clients[tenantID] = c
	d.allClients = append(d.allClients, c)
	d.channels[tenantID] = ch
	d.mu.Unlock()
	return c, ch, nil
}

func (d *fakeDialer) CleanStaleLock(tenantID string) error {
	d.mu.Lock()
	d.locksCleared = append(d.locksCleared, tenantID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDialer) CleanCredentials(tenantID string) error {
	d.mu.Lock()
	d.cleaned = append(d.cleaned, tenantID)
	d.mu.Unlock()
	return nil
}

// push waits for the tenant's dial to land, then delivers the event.
func (d *fakeDialer) push(t *testing.T, tenantID string, ev session.Event) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		_, ok := d.channels[tenantID]
		d.mu.Unlock()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	d.mu.Lock()
	ch := d.channels[tenantID]
	d.mu.Unlock()
	ch <- ev
}

func (d *fakeDialer) client(tenantID string) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[tenantID]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) cleanedTenants() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.cleaned...)
}

func (d *fakeDialer) clientsDialed() []*fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeClient(nil), d.allClients...)
}

func TestManager_GetOrCreateSingleton(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	var wg sync.WaitGroup
	results := make([]*session.Session, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("acme")
		}(i)
	}
	wg.Wait()

	for _, s := range results[1:] {
		assert.Same(t, results[0], s)
	}
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestManager_AwaitReturnsPairingCode(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	go dialer.push(t, "acme", session.Event{Type: session.EventPairingCode, Code: "2@pairing-blob"})

	result, err := m.AwaitPairingOrReady(context.Background(), "acme", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "qr", result.Status)
	assert.Equal(t, "2@pairing-blob", result.PairingCode)

	status := m.GetStatus("acme")
	assert.False(t, status.Ready)
	assert.True(t, status.HasPairingCode)
}

func TestManager_AwaitReturnsAuthenticated(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	go dialer.push(t, "acme", session.Event{Type: session.EventAuthenticated})

	result, err := m.AwaitPairingOrReady(context.Background(), "acme", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "authenticated", result.Status)
	assert.Empty(t, result.PairingCode)

	require.Eventually(t, func() bool { return m.GetStatus("acme").Ready },
		2*time.Second, 5*time.Millisecond)

	client, err := m.ReadyClient("acme")
	require.NoError(t, err)
	assert.Same(t, dialer.client("acme"), client)
}

func TestManager_AwaitTimesOut(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	start := time.Now()
	_, err := m.AwaitPairingOrReady(context.Background(), "acme", 50*time.Millisecond)
	assert.ErrorIs(t, err, session.ErrPairingTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestManager_AwaitHonorsContext(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := m.AwaitPairingOrReady(ctx, "acme", 10*time.Second)
	assert.ErrorIs(t, err, session.ErrPairingTimeout)
}

func TestManager_AuthFailureTearsDown(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	go dialer.push(t, "acme", session.Event{Type: session.EventAuthFailed, Err: errors.New("rejected")})

	_, err := m.AwaitPairingOrReady(context.Background(), "acme", 2*time.Second)
	assert.ErrorIs(t, err, session.ErrAuthFailed)

	require.Eventually(t, func() bool {
		return dialer.client("acme") != nil && dialer.client("acme").isDisconnected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, dialer.cleanedTenants(), "acme")

	// The failed session is untracked; the next call starts fresh.
	assert.Equal(t, session.Status{}, m.GetStatus("acme"))
}

func TestManager_DisconnectTearsDown(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	m.GetOrCreate("acme")
	dialer.push(t, "acme", session.Event{Type: session.EventAuthenticated})
	require.Eventually(t, func() bool { return m.GetStatus("acme").Ready },
		2*time.Second, 5*time.Millisecond)

	dialer.push(t, "acme", session.Event{Type: session.EventDisconnected, Err: errors.New("dropped")})

	require.Eventually(t, func() bool {
		_, err := m.ReadyClient("acme")
		return errors.Is(err, session.ErrNotReady)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, dialer.cleanedTenants(), "acme")
}

func TestManager_DialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.dialErr = errors.New("socket refused")
	m := session.NewManager(dialer, nil)

	_, err := m.AwaitPairingOrReady(context.Background(), "acme", 2*time.Second)
	assert.ErrorIs(t, err, session.ErrConnectionFailed)
}

func TestManager_Reset(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	m.GetOrCreate("acme")
	dialer.push(t, "acme", session.Event{Type: session.EventAuthenticated})
	require.Eventually(t, func() bool { return m.GetStatus("acme").Ready },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Reset("acme"))

	assert.True(t, dialer.client("acme").isDisconnected())
	assert.Contains(t, dialer.cleanedTenants(), "acme")
	_, err := m.ReadyClient("acme")
	assert.ErrorIs(t, err, session.ErrNotReady)
}

func TestManager_ResetDuringDialDisconnectsOrphan(t *testing.T) {
	dialer := newFakeDialer()
	dialer.gate = make(chan struct{})
	m := session.NewManager(dialer, nil)

	m.GetOrCreate("acme")
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Reset lands while the dial is still in flight.
	require.NoError(t, m.Reset("acme"))
	close(dialer.gate)

	// The handle dialed before the reset must not survive it, and its
	// recreated credentials must be deleted again.
	require.Eventually(t, func() bool {
		clients := dialer.clientsDialed()
		return len(clients) == 1 && clients[0].isDisconnected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, dialer.cleanedTenants(), "acme")

	// A fresh session gets its own handle; exactly one stays live.
	m.GetOrCreate("acme")
	require.Eventually(t, func() bool { return len(dialer.clientsDialed()) == 2 },
		2*time.Second, 5*time.Millisecond)
	dialer.push(t, "acme", session.Event{Type: session.EventAuthenticated})
	require.Eventually(t, func() bool { return m.GetStatus("acme").Ready },
		2*time.Second, 5*time.Millisecond)

	clients := dialer.clientsDialed()
	require.Len(t, clients, 2)
	assert.True(t, clients[0].isDisconnected())
	assert.False(t, clients[1].isDisconnected())
}

func TestManager_ResetUnknownTenant(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	require.NoError(t, m.Reset("ghost"))
	assert.Contains(t, dialer.cleanedTenants(), "ghost")
}

func TestManager_SweepAll(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	m.GetOrCreate("acme")
	m.GetOrCreate("globex")
	dialer.push(t, "acme", session.Event{Type: session.EventAuthenticated})
	dialer.push(t, "globex", session.Event{Type: session.EventAuthenticated})
	require.Eventually(t, func() bool {
		return m.GetStatus("acme").Ready && m.GetStatus("globex").Ready
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, m.SweepAll())
	assert.Empty(t, m.List())
	assert.ElementsMatch(t, []string{"acme", "globex"}, dialer.cleanedTenants())
}

func TestManager_ShutdownKeepsCredentials(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	m.GetOrCreate("acme")
	dialer.push(t, "acme", session.Event{Type: session.EventAuthenticated})
	require.Eventually(t, func() bool { return m.GetStatus("acme").Ready },
		2*time.Second, 5*time.Millisecond)

	m.Shutdown()

	assert.True(t, dialer.client("acme").isDisconnected())
	assert.Empty(t, dialer.cleanedTenants(), "shutdown must not force re-pairing")
}

func TestManager_List(t *testing.T) {
	dialer := newFakeDialer()
	m := session.NewManager(dialer, nil)

	m.GetOrCreate("acme")
	dialer.push(t, "acme", session.Event{Type: session.EventPairingCode, Code: "2@blob"})
	require.Eventually(t, func() bool { return m.GetStatus("acme").HasPairingCode },
		2*time.Second, 5*time.Millisecond)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].TenantID)
	assert.True(t, list[0].HasPairingCode)
}
