// Package whatsapp implements the WhatsApp channel using whatsmeow, a
// native Go client for the WhatsApp Web multi-device API. The linked
// device is persisted in SQLite.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store.
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// MaxMessageLen keeps replies well under WhatsApp's per-message limit.
const MaxMessageLen = 4000

// Config holds WhatsApp channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// SessionDir holds whatsapp.db when DatabasePath is empty.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file for the linked device.
	DatabasePath string `yaml:"database_path"`

	// AllowedChats restricts which chat JIDs the bot responds to.
	// Empty means all chats.
	AllowedChats []string `yaml:"allowed_chats"`

	RespondToGroups bool `yaml:"respond_to_groups"`
	RespondToDMs    bool `yaml:"respond_to_dms"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:      "./sessions/whatsapp",
		RespondToGroups: true,
		RespondToDMs:    true,
	}
}

// WhatsApp implements channels.Adapter and channels.HealthReporter.
type WhatsApp struct {
	cfg     Config
	logger  *slog.Logger
	handler channels.Handler

	mu     sync.RWMutex
	client *whatsmeow.Client

	started    atomic.Bool
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	lastQR     atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp adapter.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Start opens the device store and connects. Without a linked device the
// QR pairing runs in the background and the code is logged for scanning.
func (w *WhatsApp) Start(ctx context.Context, handler channels.Handler) error {
	if !w.started.CompareAndSwap(false, true) {
		return channels.ErrAlreadyStarted
	}
	w.handler = handler
	w.ctx, w.cancel = context.WithCancel(ctx)

	dbPath := w.cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(w.cfg.SessionDir, "whatsapp.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		w.started.Store(false)
		return fmt.Errorf("whatsapp: creating session dir: %w", err)
	}

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.started.Store(false)
		return fmt.Errorf("whatsapp: creating session store: %w", err)
	}
	device, err := getDevice(w.ctx, container)
	if err != nil {
		w.started.Store(false)
		return fmt.Errorf("whatsapp: getting device: %w", err)
	}

	store.SetOSInfo("ClawGate", [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(w.handleEvent)
	client.EnableAutoReconnect = true
	client.InitialAutoReconnect = true

	w.mu.Lock()
	w.client = client
	w.mu.Unlock()

	if client.Store.ID == nil {
		w.logger.Info("whatsapp: no linked device, QR pairing required")
		go func() {
			if err := w.loginWithQR(w.ctx, client); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("whatsapp: QR login failed", "error", err)
			}
		}()
		return nil
	}

	if err := client.Connect(); err != nil {
		w.started.Store(false)
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	w.logger.Info("whatsapp: connecting with existing session", "jid", client.Store.ID.String())
	return nil
}

// Send delivers text to a chat JID or bare phone number. WhatsApp has no
// threads, so opts.ThreadID is ignored.
func (w *WhatsApp) Send(ctx context.Context, chatID, text string, _ channels.SendOptions) error {
	w.mu.RLock()
	client := w.client
	w.mu.RUnlock()
	if client == nil || !w.connected.Load() {
		return channels.ErrNotConnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid JID %q: %w", chatID, err)
	}
	for _, chunk := range channels.SplitText(text, MaxMessageLen) {
		msg := &waE2E.Message{Conversation: proto.String(chunk)}
		if _, err := client.SendMessage(ctx, jid, msg); err != nil {
			w.errorCount.Add(1)
			return fmt.Errorf("whatsapp: sending message: %w", err)
		}
	}
	return nil
}

// Stop disconnects the client. The linked device stays in the store.
func (w *WhatsApp) Stop(context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	client := w.client
	w.client = nil
	w.mu.Unlock()
	w.connected.Store(false)
	if client != nil {
		client.Disconnect()
		w.logger.Info("whatsapp: disconnected")
	}
	return nil
}

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := w.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		LastMsgAt:  lastAt,
		ErrorCount: int(w.errorCount.Load()),
	}
	if qr, _ := w.lastQR.Load().(string); qr != "" && !h.Connected {
		h.Details = map[string]any{"needs_qr": true}
	}
	return h
}

// LastQR returns the most recent pairing code, or "" once paired.
func (w *WhatsApp) LastQR() string {
	qr, _ := w.lastQR.Load().(string)
	return qr
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (w *WhatsApp) loginWithQR(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("QR channel closed")
			}
			switch evt.Event {
			case "code":
				w.lastQR.Store(evt.Code)
				w.logger.Info("whatsapp: scan this QR code with WhatsApp > Linked devices", "code", evt.Code)
			case "success":
				w.lastQR.Store("")
				w.logger.Info("whatsapp: device linked")
				return nil
			case "timeout":
				w.lastQR.Store("")
				return errors.New("QR code expired")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsApp) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		msg := w.inbound(evt)
		if msg == nil {
			return
		}
		w.lastMsg.Store(time.Now())
		w.handler(w.ctx, msg)

	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.logger.Info("whatsapp: connected")

	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: disconnected, auto-reconnect enabled")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out, re-link the device", "reason", evt.Reason.String())

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced by another client")

	case *events.ConnectFailure:
		w.errorCount.Add(1)
		w.logger.Warn("whatsapp: connect failure", "reason", evt.Reason.String())
	}
}

// inbound converts a whatsmeow message event. It returns nil for events
// the bot should ignore.
func (w *WhatsApp) inbound(evt *events.Message) *channels.InboundMessage {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return nil
	}
	isGroup := evt.Info.IsGroup
	if isGroup && !w.cfg.RespondToGroups {
		return nil
	}
	if !isGroup && !w.cfg.RespondToDMs {
		return nil
	}

	chat := evt.Info.Chat.String()
	if len(w.cfg.AllowedChats) > 0 && !slices.Contains(w.cfg.AllowedChats, chat) {
		return nil
	}

	text := messageText(evt.Message)
	if text == "" {
		return nil
	}
	return &channels.InboundMessage{
		ID:         string(evt.Info.ID),
		Channel:    "whatsapp",
		ChatID:     chat,
		SenderID:   evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Text:       text,
		IsGroup:    isGroup,
		ReceivedAt: evt.Info.Timestamp,
	}
}

// messageText extracts text or a media caption.
func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.Conversation != nil:
		return m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		return m.GetVideoMessage().GetCaption()
	case m.DocumentMessage != nil:
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

// parseJID accepts "5511999999999", "5511999999999@s.whatsapp.net" or a
// group id like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, errors.New("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

var (
	_ channels.Adapter        = (*WhatsApp)(nil)
	_ channels.HealthReporter = (*WhatsApp)(nil)
)
