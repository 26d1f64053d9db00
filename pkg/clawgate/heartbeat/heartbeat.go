// Package heartbeat runs periodic proactive turns. Each tick prompts the
// conversation that was active most recently and delivers the reply back to
// the same chat, unless the agent reports there is nothing to say.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/convlock"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

const (
	// TokenOK and TokenNoReply mark replies that are not delivered.
	TokenOK      = "HEARTBEAT_OK"
	TokenNoReply = "NO_REPLY"

	// PromptFile in the workspace replaces the default checklist.
	PromptFile = "HEARTBEAT.md"

	defaultSchedule    = "@every 30m"
	defaultTurnTimeout = 2 * time.Minute
)

// ErrNoRoute is returned by Tick when no chat has been active and no
// fallback route is configured.
var ErrNoRoute = errors.New("no route for heartbeat")

// Config configures the heartbeat.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression or descriptor. Default: "@every 30m".
	Schedule string `yaml:"schedule"`

	// ActiveStart and ActiveEnd bound the local hours in which ticks run.
	// Equal values mean always active; ActiveStart > ActiveEnd wraps past
	// midnight.
	ActiveStart int `yaml:"active_start"`
	ActiveEnd   int `yaml:"active_end"`

	// Channel and ChatID are used when no chat has been active yet.
	Channel string `yaml:"channel"`
	ChatID  string `yaml:"chat_id"`

	// WorkspaceDir is where HEARTBEAT.md is looked up.
	WorkspaceDir string `yaml:"workspace_dir"`

	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:     defaultSchedule,
		ActiveStart:  9,
		ActiveEnd:    22,
		WorkspaceDir: ".",
		TurnTimeout:  defaultTurnTimeout,
	}
}

// Router finds the most recent chat and delivers text to it.
// *channels.Manager implements it.
type Router interface {
	LastActive() (channels.Route, bool)
	Send(ctx context.Context, channel, chatID, text string, opts channels.SendOptions) error
}

// Sessions opens the conversation of a key. *session.Registry implements it.
type Sessions interface {
	GetOrCreate(ctx context.Context, key session.Key) (agent.Session, error)
}

// Heartbeat schedules and runs heartbeat turns.
type Heartbeat struct {
	cfg      Config
	router   Router
	sessions Sessions
	locker   *convlock.Locker
	logger   *slog.Logger
	now      func() time.Time

	cron    *cron.Cron
	running atomic.Bool
}

// New creates a heartbeat. It does nothing until Start.
func New(cfg Config, router Router, sessions Sessions, locker *convlock.Locker, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	return &Heartbeat{
		cfg:      cfg,
		router:   router,
		sessions: sessions,
		locker:   locker,
		logger:   logger.With("component", "heartbeat"),
		now:      time.Now,
	}
}

// Start schedules ticks. Ticks run on ctx until Stop.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.cfg.Enabled {
		h.logger.Info("heartbeat disabled")
		return nil
	}

	h.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := h.cron.AddFunc(h.cfg.Schedule, func() { h.run(ctx) }); err != nil {
		return fmt.Errorf("invalid heartbeat schedule %q: %w", h.cfg.Schedule, err)
	}
	h.cron.Start()

	h.logger.Info("heartbeat started",
		"schedule", h.cfg.Schedule,
		"active_hours", fmt.Sprintf("%02d:00-%02d:00", h.cfg.ActiveStart, h.cfg.ActiveEnd),
	)
	return nil
}

// Stop unschedules ticks and waits for a running one, bounded by ctx.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if h.cron == nil {
		return nil
	}
	select {
	case <-h.cron.Stop().Done():
		h.logger.Info("heartbeat stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the cron callback. Overlapping ticks are skipped.
func (h *Heartbeat) run(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		h.logger.Debug("previous heartbeat still running, skipping")
		return
	}
	defer h.running.Store(false)

	if _, err := h.Tick(ctx); err != nil {
		if errors.Is(err, ErrNoRoute) {
			h.logger.Debug("heartbeat skipped", "reason", err)
			return
		}
		h.logger.Error("heartbeat failed", "error", err)
	}
}

// Tick runs one heartbeat now. It returns the delivered text, or "" when the
// tick was outside active hours or the agent had nothing to say.
func (h *Heartbeat) Tick(ctx context.Context) (string, error) {
	now := h.now()
	if !h.active(now) {
		h.logger.Debug("outside active hours, skipping")
		return "", nil
	}

	route, ok := h.router.LastActive()
	if !ok {
		if h.cfg.Channel == "" || h.cfg.ChatID == "" {
			return "", ErrNoRoute
		}
		route = channels.Route{Channel: h.cfg.Channel, ChatID: h.cfg.ChatID}
	}
	key, err := session.NewKey(route.Channel, route.ChatID, route.ThreadID)
	if err != nil {
		return "", err
	}

	turnCtx, cancel := context.WithTimeout(ctx, h.cfg.TurnTimeout)
	defer cancel()

	prompt := h.Prompt(now)
	reply, err := convlock.Run(turnCtx, h.locker, key.String(), func(ctx context.Context) (string, error) {
		s, err := h.sessions.GetOrCreate(ctx, key)
		if err != nil {
			return "", err
		}
		turn, err := s.Prompt(ctx, prompt)
		if err != nil {
			return "", err
		}
		return turn.Text, nil
	})
	if err != nil {
		return "", fmt.Errorf("heartbeat turn for %s: %w", key, err)
	}

	if Silent(reply) {
		h.logger.Debug("nothing to deliver", "session", key)
		return "", nil
	}
	if err := h.router.Send(ctx, route.Channel, route.ChatID, reply, channels.SendOptions{ThreadID: route.ThreadID}); err != nil {
		return "", fmt.Errorf("delivering heartbeat: %w", err)
	}
	h.logger.Info("proactive message delivered", "channel", route.Channel, "response_len", len(reply))
	return reply, nil
}

// Silent reports whether reply should not be delivered.
func Silent(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	return trimmed == "" || strings.EqualFold(trimmed, TokenOK) || strings.EqualFold(trimmed, TokenNoReply)
}

func (h *Heartbeat) active(now time.Time) bool {
	start, end, hour := h.cfg.ActiveStart, h.cfg.ActiveEnd, now.Hour()
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// Prompt builds the heartbeat prompt, preferring HEARTBEAT.md.
func (h *Heartbeat) Prompt(now time.Time) string {
	stamp := now.Format("2006-01-02 15:04")
	content, err := os.ReadFile(filepath.Join(h.cfg.WorkspaceDir, PromptFile))
	if err == nil && len(strings.TrimSpace(string(content))) > 0 {
		return fmt.Sprintf("[HEARTBEAT at %s]\n\n%s\n\nIf there is nothing to do, respond with %s.",
			stamp, strings.TrimSpace(string(content)), TokenOK)
	}

	return fmt.Sprintf(`[HEARTBEAT at %s]

Check if there are any pending reminders or proactive actions to take.

If there is nothing to do, respond with %s.
If there is something to communicate to the user, write a concise message.`, stamp, TokenOK)
}
