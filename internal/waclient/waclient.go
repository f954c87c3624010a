package waclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/errors"
	"github.com/spokecrm/spoke/internal/session"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

const (
	credentialFile = "session.db"
	lockFile       = "client.lock"
)

// Dialer opens whatsmeow clients backed by one sqlite credential store per
// tenant under <root>/<tenantId>/. Deleting a tenant directory simply forces
// re-pairing.
type Dialer struct {
	// Root is the credential directory root (config SessionDir).
	Root string
	// PrintQR renders pairing codes to the terminal in debug runs.
	PrintQR bool
}

func NewDialer(root string, printQR bool) *Dialer {
	return &Dialer{Root: root, PrintQR: printQR}
}

func (d *Dialer) tenantDir(tenantID string) string {
	return filepath.Join(d.Root, sanitize(tenantID))
}

// sanitize keeps tenant ids path-safe.
func sanitize(tenantID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, tenantID)
}

// CleanStaleLock removes a lock left behind by a crashed connection attempt.
func (d *Dialer) CleanStaleLock(tenantID string) error {
	err := os.Remove(filepath.Join(d.tenantDir(tenantID), lockFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CleanCredentials deletes the tenant's credential directory entirely.
func (d *Dialer) CleanCredentials(tenantID string) error {
	return os.RemoveAll(d.tenantDir(tenantID))
}

// Dial opens the tenant's credential store, constructs a whatsmeow client
// and connects it. Pairing and connection lifecycle is reported on the
// returned event channel.
func (d *Dialer) Dial(ctx context.Context, tenantID string) (session.Client, <-chan session.Event, error) {
	dir := d.tenantDir(tenantID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, errors.Wrap(err, "create credential dir")
	}
	if err := os.WriteFile(filepath.Join(dir, lockFile), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		return nil, nil, errors.Wrap(err, "write lock file")
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, credentialFile))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open credential store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, nil, errors.Wrap(err, "load device")
	}

	cli := whatsmeow.NewClient(device, nil)
	c := &client{
		tenantID:  tenantID,
		cli:       cli,
		container: container,
		dir:       dir,
		events:    make(chan session.Event, 16),
	}
	cli.AddEventHandler(c.handleEvent)

	// GetQRChannel only works before Connect and only without stored creds.
	if cli.Store.ID == nil {
		qrChan, err := cli.GetQRChannel(context.Background())
		if err != nil {
			c.close()
			return nil, nil, errors.Wrap(err, "open qr channel")
		}
		go c.forwardQR(qrChan, d.PrintQR)
	}

	if err := cli.Connect(); err != nil {
		c.close()
		return nil, nil, errors.Wrap(err, "connect")
	}
	zap.L().Info("waclient: connected", zap.String("tenant", tenantID), zap.Bool("paired", cli.Store.ID != nil))
	return c, c.events, nil
}

// client adapts one whatsmeow client to the session.Client interface.
type client struct {
	tenantID  string
	cli       *whatsmeow.Client
	container *sqlstore.Container
	dir       string

	evMu      sync.Mutex
	evClosed  bool
	events    chan session.Event
	closeOnce sync.Once
}

func (c *client) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		c.emit(session.Event{Type: session.EventAuthenticated})
	case *events.PairSuccess:
		c.emit(session.Event{Type: session.EventPairingAccepted})
	case *events.LoggedOut:
		c.emit(session.Event{Type: session.EventAuthFailed, Err: errors.Errorf("logged out by provider (reason %d)", int(e.Reason))})
	case *events.StreamReplaced:
		c.emit(session.Event{Type: session.EventDisconnected, Err: errors.New("stream replaced by another connection")})
	case *events.Disconnected:
		c.emit(session.Event{Type: session.EventDisconnected, Err: errors.New("provider connection dropped")})
	case *events.ConnectFailure:
		c.emit(session.Event{Type: session.EventDisconnected, Err: errors.Errorf("connect failure: %s", e.Reason)})
	}
}

// forwardQR translates the whatsmeow QR channel into pairing events.
func (c *client) forwardQR(qrChan <-chan whatsmeow.QRChannelItem, printQR bool) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if printQR {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			c.emit(session.Event{Type: session.EventPairingCode, Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			c.emit(session.Event{Type: session.EventPairingAccepted})
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(session.Event{Type: session.EventAuthFailed, Err: errors.New("pairing window expired")})
		case "error":
			c.emit(session.Event{Type: session.EventAuthFailed, Err: item.Error})
		default:
			c.emit(session.Event{Type: session.EventAuthFailed, Err: errors.Errorf("pairing aborted: %s", item.Event)})
		}
	}
}

// emit never blocks the whatsmeow event loop. On a full buffer the oldest
// queued event is shed so the newest transition, terminal ones included,
// always lands; emit is the only writer (under evMu), so a freed slot
// cannot be stolen.
func (c *client) emit(ev session.Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.evClosed {
		return
	}
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case old := <-c.events:
			zap.L().Debug("waclient: shed stale event", zap.String("tenant", c.tenantID), zap.Int("type", int(old.Type)))
		default:
		}
	}
}

func (c *client) IsLoggedIn() bool {
	return c.cli.IsLoggedIn()
}

func (c *client) JID() string {
	if c.cli.Store.ID == nil {
		return ""
	}
	return c.cli.Store.ID.String()
}

func (c *client) SendText(ctx context.Context, to string, body string) (string, error) {
	jid, err := recipientJID(to)
	if err != nil {
		return "", err
	}
	extra := whatsmeow.SendRequestExtra{ID: c.cli.GenerateMessageID()}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := c.cli.SendMessage(ctx, jid, msg, extra); err != nil {
		return "", errors.Wrap(err, "send text")
	}
	return extra.ID, nil
}

func (c *client) SendImage(ctx context.Context, to string, caption string, media session.Media) (string, error) {
	jid, err := recipientJID(to)
	if err != nil {
		return "", err
	}
	uploaded, err := c.cli.Upload(ctx, media.Data, whatsmeow.MediaImage)
	if err != nil {
		return "", errors.Wrap(err, "upload image")
	}
	extra := whatsmeow.SendRequestExtra{ID: c.cli.GenerateMessageID()}
	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(media.MimeType),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		},
	}
	if _, err := c.cli.SendMessage(ctx, jid, msg, extra); err != nil {
		return "", errors.Wrap(err, "send image")
	}
	return extra.ID, nil
}

func (c *client) Disconnect() {
	// Close first so the provider's own disconnect event is swallowed and
	// does not trigger a second teardown in the manager.
	c.close()
	c.cli.Disconnect()
}

func (c *client) Logout(ctx context.Context) error {
	err := c.cli.Logout(ctx)
	c.close()
	return err
}

// close releases the credential store and the dial lock. Idempotent.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.evMu.Lock()
		c.evClosed = true
		close(c.events)
		c.evMu.Unlock()
		if err := c.container.Close(); err != nil {
			zap.L().Warn("waclient: credential store close failed", zap.String("tenant", c.tenantID), zap.Error(err))
		}
		if err := os.Remove(filepath.Join(c.dir, lockFile)); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("waclient: lock cleanup failed", zap.String("tenant", c.tenantID), zap.Error(err))
		}
	})
}

// recipientJID builds a user JID from a normalized number.
func recipientJID(to string) (waTypes.JID, error) {
	if strings.ContainsRune(to, '@') {
		jid, err := waTypes.ParseJID(to)
		if err != nil {
			return waTypes.EmptyJID, errors.Wrap(err, "parse jid")
		}
		return jid, nil
	}
	if to == "" {
		return waTypes.EmptyJID, errors.New("empty recipient")
	}
	return waTypes.NewJID(to, waTypes.DefaultUserServer), nil
}
