// Package telegram implements the Telegram channel using the Bot API
// directly over HTTP with long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

const (
	// MaxMessageLen is the Bot API limit for one text message, in UTF-16
	// code units.
	MaxMessageLen = 4096

	defaultAPIBase     = "https://api.telegram.org"
	defaultPollTimeout = 30
	maxBackoff         = 30 * time.Second
)

// Config holds Telegram channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`

	// AllowedChats restricts which chat ids the bot responds to. Empty
	// means all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	RespondToGroups bool `yaml:"respond_to_groups"`
	RespondToDMs    bool `yaml:"respond_to_dms"`

	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`

	// APIBase overrides the Bot API endpoint.
	APIBase string `yaml:"api_base"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToGroups: true,
		RespondToDMs:    true,
		PollTimeout:     defaultPollTimeout,
	}
}

// Telegram implements channels.Adapter and channels.HealthReporter.
type Telegram struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	baseURL string

	handler channels.Handler
	started atomic.Bool

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update id + 1. Only the poll loop
	// touches it.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram adapter.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	return &Telegram{
		cfg:    cfg,
		logger: logger.With("component", "telegram"),
		// Long polls hold the request open for PollTimeout seconds.
		client:  &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		baseURL: strings.TrimRight(base, "/") + "/bot" + cfg.Token,
		done:    make(chan struct{}),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Start verifies the token and starts the polling loop.
func (t *Telegram) Start(ctx context.Context, handler channels.Handler) error {
	if t.cfg.Token == "" {
		return errors.New("telegram: bot token is required")
	}
	if !t.started.CompareAndSwap(false, true) {
		return channels.ErrAlreadyStarted
	}
	t.handler = handler
	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe()
	if err != nil {
		t.cancel()
		close(t.done)
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	go t.pollLoop()
	return nil
}

// Send delivers text to chatID, split at MaxMessageLen.
func (t *Telegram) Send(ctx context.Context, chatID, text string, opts channels.SendOptions) error {
	if !t.connected.Load() {
		return channels.ErrNotConnected
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}

	for _, chunk := range channels.SplitUTF16(text, MaxMessageLen) {
		payload := map[string]any{
			"chat_id": id,
			"text":    chunk,
		}
		if opts.ThreadID != "" {
			if tid, err := strconv.ParseInt(opts.ThreadID, 10, 64); err == nil {
				payload["message_thread_id"] = tid
			}
		}
		if _, err := t.apiCall(ctx, "sendMessage", payload); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends polling and waits for the loop to exit, bounded by ctx.
func (t *Telegram) Stop(ctx context.Context) error {
	if !t.started.Load() {
		return nil
	}
	t.cancel()
	t.connected.Store(false)
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.logger.Info("telegram: disconnected")
	return nil
}

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:  t.connected.Load(),
		LastMsgAt:  lastAt,
		ErrorCount: int(t.errorCount.Load()),
	}
}

// pollLoop long-polls getUpdates, backing off from 1s to 30s on errors.
func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		if t.ctx.Err() != nil {
			t.logger.Info("telegram: polling stopped")
			return
		}

		updates, err := t.getUpdates()
		if err != nil {
			if t.ctx.Err() != nil {
				t.logger.Info("telegram: polling stopped")
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate turns a text message into an InboundMessage. Other update
// kinds are ignored.
func (t *Telegram) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	if len(t.cfg.AllowedChats) > 0 && !containsID(t.cfg.AllowedChats, msg.Chat.ID) {
		t.logger.Debug("telegram: ignoring chat not in allow-list", "chat_id", msg.Chat.ID)
		return
	}
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	if isGroup && !t.cfg.RespondToGroups {
		return
	}
	if !isGroup && !t.cfg.RespondToDMs {
		return
	}

	inbound := &channels.InboundMessage{
		ID:         strconv.FormatInt(int64(msg.MessageID), 10),
		Channel:    "telegram",
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Text:       text,
		IsGroup:    isGroup,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		inbound.ThreadID = strconv.FormatInt(msg.MessageThreadID, 10)
	}
	if msg.From != nil {
		inbound.SenderID = strconv.FormatInt(msg.From.ID, 10)
		inbound.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if inbound.SenderName == "" {
			inbound.SenderName = msg.From.Username
		}
	}

	t.lastMsg.Store(time.Now())
	t.handler(t.ctx, inbound)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ---------- Bot API ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID       int     `json:"message_id"`
	MessageThreadID int64   `json:"message_thread_id"`
	IsTopicMessage  bool    `json:"is_topic_message"`
	From            *tgUser `json:"from"`
	Chat            tgChat  `json:"chat"`
	Date            int     `json:"date"`
	Text            string  `json:"text"`
	Caption         string  `json:"caption"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

func (t *Telegram) getMe() (*tgUser, error) {
	result, err := t.apiCall(t.ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	var me tgUser
	if err := json.Unmarshal(result, &me); err != nil {
		return nil, fmt.Errorf("telegram: decoding getMe: %w", err)
	}
	return &me, nil
}

func (t *Telegram) getUpdates() ([]tgUpdate, error) {
	result, err := t.apiCall(t.ctx, "getUpdates", map[string]any{
		"offset":          t.offset,
		"limit":           100,
		"timeout":         t.cfg.PollTimeout,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decoding updates: %w", err)
	}
	return updates, nil
}

// apiCall posts payload to a Bot API method and returns its result.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		if result.ErrorCode == http.StatusUnauthorized {
			t.connected.Store(false)
			return nil, fmt.Errorf("telegram: %s: %s: %w", method, result.Description, channels.ErrNotConnected)
		}
		return nil, fmt.Errorf("telegram: %s failed: %s", method, result.Description)
	}
	return result.Result, nil
}

var (
	_ channels.Adapter        = (*Telegram)(nil)
	_ channels.HealthReporter = (*Telegram)(nil)
)
