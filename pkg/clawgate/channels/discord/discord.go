// Package discord implements the Discord channel using discordgo.
//
// Threads are reported as ChatID = parent channel and ThreadID = thread,
// so a thread gets its own session while replies still land in it.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// MaxMessageLen is Discord's limit for one message.
const MaxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// For threads the parent channel is checked. Empty means all.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToThreads enables responding inside threads.
	RespondToThreads bool `yaml:"respond_to_threads"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{RespondToThreads: true}
}

// Discord implements channels.Adapter and channels.HealthReporter.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	handler channels.Handler

	mu      sync.RWMutex
	session *discordgo.Session

	started    atomic.Bool
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord adapter.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Start opens the Discord gateway connection.
func (d *Discord) Start(ctx context.Context, handler channels.Handler) error {
	if d.cfg.Token == "" {
		return errors.New("discord: bot token is required")
	}
	if !d.started.CompareAndSwap(false, true) {
		return channels.ErrAlreadyStarted
	}
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		d.started.Store(false)
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(func(*discordgo.Session, *discordgo.Disconnect) {
		d.connected.Store(false)
		d.errorCount.Add(1)
		d.logger.Warn("discord: gateway disconnected, discordgo will reconnect")
	})
	session.AddHandler(func(*discordgo.Session, *discordgo.Resumed) {
		d.connected.Store(true)
		d.logger.Info("discord: gateway resumed")
	})

	if err := session.Open(); err != nil {
		d.started.Store(false)
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	d.connected.Store(true)

	if user := session.State.User; user != nil {
		d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Send posts text to chatID, or to the thread when opts.ThreadID is set.
func (d *Discord) Send(_ context.Context, chatID, text string, opts channels.SendOptions) error {
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()
	if session == nil || !d.connected.Load() {
		return channels.ErrNotConnected
	}

	target := chatID
	if opts.ThreadID != "" {
		target = opts.ThreadID
	}
	for _, chunk := range channels.SplitText(text, MaxMessageLen) {
		if _, err := session.ChannelMessageSendComplex(target, &discordgo.MessageSend{Content: chunk}); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: send to %s: %w", target, err)
		}
	}
	return nil
}

// Stop closes the gateway connection.
func (d *Discord) Stop(context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.mu.Unlock()
	d.connected.Store(false)
	if session != nil {
		if err := session.Close(); err != nil {
			return fmt.Errorf("discord: closing gateway: %w", err)
		}
		d.logger.Info("discord: disconnected")
	}
	return nil
}

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:  d.connected.Load(),
		LastMsgAt:  lastAt,
		ErrorCount: int(d.errorCount.Load()),
	}
}

// onMessageCreate runs on discordgo's event goroutine. The handler is called
// synchronously so messages from one channel keep their order.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	var selfID string
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	msg := d.inbound(selfID, m.Message, d.lookupChannel(s, m.ChannelID))
	if msg == nil {
		return
	}
	d.lastMsg.Store(time.Now())
	d.handler(d.ctx, msg)
}

// lookupChannel reads the channel from the state cache, falling back to
// the REST API.
func (d *Discord) lookupChannel(s *discordgo.Session, id string) *discordgo.Channel {
	if s.State != nil {
		if ch, err := s.State.Channel(id); err == nil {
			return ch
		}
	}
	ch, err := s.Channel(id)
	if err != nil {
		d.logger.Debug("discord: channel lookup failed", "channel", id, "error", err)
		return nil
	}
	return ch
}

// inbound converts a Discord message. It returns nil for messages the bot
// should ignore.
func (d *Discord) inbound(selfID string, m *discordgo.Message, ch *discordgo.Channel) *channels.InboundMessage {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == selfID {
		return nil
	}
	if m.Content == "" {
		return nil
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return nil
	}

	chatID, threadID := m.ChannelID, ""
	if ch != nil && ch.IsThread() {
		if !d.cfg.RespondToThreads {
			return nil
		}
		chatID, threadID = ch.ParentID, ch.ID
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, chatID) {
		return nil
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	return &channels.InboundMessage{
		ID:         m.ID,
		Channel:    "discord",
		ChatID:     chatID,
		ThreadID:   threadID,
		SenderID:   m.Author.ID,
		SenderName: name,
		Text:       m.Content,
		IsGroup:    m.GuildID != "",
		ReceivedAt: m.Timestamp,
	}
}

var (
	_ channels.Adapter        = (*Discord)(nil)
	_ channels.HealthReporter = (*Discord)(nil)
)
