package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wpparchive/internal/bus"
	"github.com/matheus3301/wpparchive/internal/metrics"
	"github.com/matheus3301/wpparchive/internal/status"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotInitialized is returned by operations that need a session before
	// Initialize has run.
	ErrNotInitialized = errors.New("whatsapp session not initialized")
	// ErrNotConnected is returned when a capability needs a live connection.
	ErrNotConnected = errors.New("whatsapp not connected")
	// ErrNoQR is returned when no pairing code is currently shown.
	ErrNoQR = errors.New("no pairing code available")
)

var allStates = []string{
	string(status.Disconnected),
	string(status.Connecting),
	string(status.QRReady),
	string(status.Connected),
}

// NameRecorder receives push names seen on the wire.
type NameRecorder interface {
	RecordPushName(jid, name string)
}

// Options configures the session manager.
type Options struct {
	// SessionDB is the path of the whatsmeow device store.
	SessionDB string
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
}

// Manager owns the whatsmeow client: it connects, pairs, reconnects with
// backoff, and translates protocol events onto the bus.
type Manager struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	names   NameRecorder
	log     *zap.Logger
	backoff *Backoff
	http    *resty.Client

	// connect dials the current client; replaced in tests.
	connect func() error

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	timer     *time.Timer
	loggedOut bool
	closed    bool
}

// NewManager creates a manager. names may be nil.
func NewManager(opts Options, b *bus.Bus, machine *status.Machine, names NameRecorder, logger *zap.Logger) *Manager {
	if opts.DeviceName == "" {
		opts.DeviceName = "wpparchive"
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		bus:     b,
		machine: machine,
		names:   names,
		log:     logger.Named("wa"),
		backoff: NewBackoff(),
		http:    resty.New().SetTimeout(30 * time.Second),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.connect = m.dial
	return m
}

// Initialize opens the device store, creates the client and starts the first
// connection attempt. A failed attempt falls back to the reconnect policy;
// only store errors are returned.
func (m *Manager) Initialize(ctx context.Context) error {
	wastore.SetOSInfo(m.opts.DeviceName, [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", m.opts.SessionDB),
		nil,
	)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("get device store: %w", err)
	}

	m.mu.Lock()
	m.container = container
	m.client = m.newClient(device)
	m.mu.Unlock()

	m.log.Info("session initialized", zap.Bool("paired", device.ID != nil))
	m.attempt()
	return nil
}

func (m *Manager) newClient(device *wastore.Device) *whatsmeow.Client {
	client := whatsmeow.NewClient(device, nil)
	client.EnableAutoReconnect = false
	client.AddEventHandler(m.handle)
	return client
}

func (m *Manager) currentClient() *whatsmeow.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// dial connects the current client, requesting a QR channel first when the
// device has no credentials.
func (m *Manager) dial() error {
	client := m.currentClient()
	if client == nil {
		return ErrNotInitialized
	}
	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(m.ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go m.watchQR(client, qr)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// attempt moves to Connecting and dials once, scheduling a retry on failure.
func (m *Manager) attempt() {
	m.setState(status.Connecting)
	if err := m.connect(); err != nil {
		m.log.Warn("connection attempt failed", zap.Error(err))
		m.setState(status.Disconnected)
		m.scheduleReconnect()
	}
}

// watchQR drains a pairing channel. Items from a client that has since been
// replaced are drained and ignored.
func (m *Manager) watchQR(client *whatsmeow.Client, ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if m.currentClient() != client {
			continue
		}
		switch item.Event {
		case "code":
			if err := m.machine.ShowQR(item.Code); err != nil {
				m.log.Debug("qr not shown", zap.Error(err))
				continue
			}
			m.log.Info("pairing code ready")
		case "success":
			m.log.Info("pairing succeeded")
		case "timeout":
			m.log.Warn("pairing code expired")
			m.onTransportClosed("qr timeout")
		default:
			if item.Error != nil {
				m.log.Warn("pairing failed", zap.String("event", item.Event), zap.Error(item.Error))
				m.onTransportClosed("pairing error")
			}
		}
	}
}

func (m *Manager) setState(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.log.Debug("state transition ignored", zap.Error(err))
	}
	metrics.SetConnectionState(string(m.machine.Current()), allStates...)
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	m.loggedOut = false
	m.mu.Unlock()
	m.backoff.Reset()

	if m.machine.Current() == status.Disconnected {
		m.setState(status.Connecting)
	}
	m.setState(status.Connected)
	m.log.Info("connected", zap.String("number", m.OwnNumber()))
}

func (m *Manager) onTransportClosed(reason string) {
	m.mu.RLock()
	closed, loggedOut := m.closed, m.loggedOut
	m.mu.RUnlock()
	if closed {
		return
	}
	m.log.Warn("connection closed", zap.String("reason", reason))
	if m.machine.Current() != status.Disconnected {
		m.setState(status.Disconnected)
	}
	if !loggedOut {
		m.scheduleReconnect()
	}
}

func (m *Manager) onLoggedOut(reason string) {
	m.mu.Lock()
	m.loggedOut = true
	m.stopTimerLocked()
	m.mu.Unlock()

	m.log.Warn("logged out, waiting for session reset", zap.String("reason", reason))
	if m.machine.Current() != status.Disconnected {
		m.setState(status.Disconnected)
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.loggedOut || m.timer != nil {
		return
	}
	delay := m.backoff.Next()
	metrics.ReconnectAttempts.Inc()
	m.log.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.backoff.Attempt()),
	)
	m.timer = time.AfterFunc(delay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	skip := m.closed || m.loggedOut
	m.mu.Unlock()
	if skip || m.machine.Current() != status.Disconnected {
		return
	}
	m.attempt()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ResetSession drops the paired device without logging out and starts a
// fresh pairing flow.
func (m *Manager) ResetSession(ctx context.Context) error {
	m.mu.Lock()
	if m.container == nil {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	m.stopTimerLocked()
	m.loggedOut = false
	old := m.client
	m.client = nil
	m.mu.Unlock()

	if old != nil {
		// Disconnect first so the QR channel handler sees the close and
		// releases its watcher.
		old.Disconnect()
		old.RemoveEventHandlers()
		if old.Store.ID != nil {
			if err := old.Store.Delete(ctx); err != nil {
				return fmt.Errorf("delete credentials: %w", err)
			}
		}
	}

	m.mu.Lock()
	m.client = m.newClient(m.container.NewDevice())
	m.mu.Unlock()

	m.backoff.Reset()
	if m.machine.Current() != status.Disconnected {
		m.setState(status.Disconnected)
	}
	m.log.Info("session reset, starting pairing")
	m.attempt()
	return nil
}

// Disconnect ends the connection and stops reconnecting. Credentials are kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	m.stopTimerLocked()
	client, container := m.client, m.container
	m.mu.Unlock()

	m.cancel()
	if client != nil {
		client.Disconnect()
	}
	if m.machine.Current() != status.Disconnected {
		m.setState(status.Disconnected)
	}
	if container != nil {
		if err := container.Close(); err != nil {
			m.log.Warn("close session store", zap.Error(err))
		}
	}
	m.log.Info("session disconnected")
}

// Status returns the current connection state.
func (m *Manager) Status() status.Snapshot {
	return m.machine.Snapshot()
}

// QRCode returns the pairing code while in qr_ready, else "".
func (m *Manager) QRCode() string {
	snap := m.machine.Snapshot()
	if snap.State != status.QRReady {
		return ""
	}
	return snap.QR
}

// QRPNG renders the current pairing code.
func (m *Manager) QRPNG() ([]byte, error) {
	code := m.QRCode()
	if code == "" {
		return nil, ErrNoQR
	}
	return RenderQR(code)
}

// QRDataURL renders the current pairing code as a PNG data URL.
func (m *Manager) QRDataURL() (string, error) {
	code := m.QRCode()
	if code == "" {
		return "", ErrNoQR
	}
	return QRDataURL(code)
}

// IsConnected reports whether the client is connected and paired.
func (m *Manager) IsConnected() bool {
	client := m.currentClient()
	return client != nil && m.machine.Current() == status.Connected && client.IsConnected() && client.IsLoggedIn()
}

// OwnNumber returns the paired account's phone number, or "".
func (m *Manager) OwnNumber() string {
	client := m.currentClient()
	if client == nil || client.Store == nil || client.Store.ID == nil {
		return ""
	}
	return client.Store.ID.User
}

// SendText sends a plain text message and returns the server message ID.
func (m *Manager) SendText(ctx context.Context, jid, text string) (string, error) {
	client := m.currentClient()
	if client == nil {
		return "", ErrNotInitialized
	}
	if !m.IsConnected() {
		return "", ErrNotConnected
	}
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// Download fetches and decrypts an attachment.
func (m *Manager) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	client := m.currentClient()
	if client == nil {
		return nil, ErrNotInitialized
	}
	return client.Download(ctx, msg)
}

// ResolvePN maps a LID to its phone-number JID using the device store.
func (m *Manager) ResolvePN(ctx context.Context, lid types.JID) (types.JID, bool) {
	client := m.currentClient()
	if client == nil || client.Store == nil || client.Store.LIDs == nil {
		return types.JID{}, false
	}
	pn, err := client.Store.LIDs.GetPNForLID(ctx, lid)
	if err != nil || pn.IsEmpty() {
		return types.JID{}, false
	}
	return pn, true
}

// GroupName returns the subject of a group.
func (m *Manager) GroupName(ctx context.Context, jid string) (string, error) {
	client := m.currentClient()
	if client == nil {
		return "", ErrNotInitialized
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	info, err := client.GetGroupInfo(ctx, parsed)
	if err != nil {
		return "", fmt.Errorf("get group info: %w", err)
	}
	return info.Name, nil
}

// ContactName returns the address-book name of a contact, falling back to the
// business or push name.
func (m *Manager) ContactName(ctx context.Context, jid string) (string, error) {
	client := m.currentClient()
	if client == nil {
		return "", ErrNotInitialized
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	contact, err := client.Store.Contacts.GetContact(ctx, parsed)
	if err != nil {
		return "", fmt.Errorf("get contact: %w", err)
	}
	switch {
	case contact.FullName != "":
		return contact.FullName, nil
	case contact.BusinessName != "":
		return contact.BusinessName, nil
	default:
		return contact.PushName, nil
	}
}

// ProfilePicture downloads the current profile picture of jid. It returns nil
// when the picture is unset or hidden.
func (m *Manager) ProfilePicture(ctx context.Context, jid string) ([]byte, error) {
	client := m.currentClient()
	if client == nil {
		return nil, ErrNotInitialized
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	if parsed.Server == types.HiddenUserServer {
		if pn, ok := m.ResolvePN(ctx, parsed); ok {
			parsed = pn
		}
	}
	info, err := client.GetProfilePictureInfo(ctx, parsed, &whatsmeow.GetProfilePictureParams{})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile picture info: %w", err)
	}
	if info == nil || info.URL == "" {
		return nil, nil
	}
	return m.fetchPicture(ctx, info.URL)
}

func (m *Manager) fetchPicture(ctx context.Context, url string) ([]byte, error) {
	resp, err := m.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch profile picture: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch profile picture: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
