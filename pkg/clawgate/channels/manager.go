// manager.go runs several adapters side by side, feeding every inbound
// message to a single handler and routing replies back by channel name.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Route identifies where a conversation lives.
type Route struct {
	Channel  string
	ChatID   string
	ThreadID string
	At       time.Time
}

// Manager orchestrates the registered adapters.
type Manager struct {
	adapters map[string]Adapter
	started  map[string]bool
	logger   *slog.Logger

	mu sync.RWMutex

	lastMu     sync.Mutex
	lastActive Route
	hasLast    bool
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adapters: make(map[string]Adapter),
		started:  make(map[string]bool),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds an adapter. Must be called before Start.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := a.Name()
	if _, exists := m.adapters[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.adapters[name] = a
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start starts every registered adapter. An adapter that fails to start is
// logged and skipped; the others keep running.
func (m *Manager) Start(ctx context.Context, handler Handler) {
	wrapped := func(ctx context.Context, msg *InboundMessage) {
		m.touch(msg)
		handler(ctx, msg)
	}

	for _, name := range m.Names() {
		a, _ := m.Adapter(name)
		if err := a.Start(ctx, wrapped); err != nil {
			m.logger.Error("failed to start channel", "channel", name, "error", err)
			continue
		}
		m.mu.Lock()
		m.started[name] = true
		m.mu.Unlock()
		m.logger.Info("channel started", "channel", name)
	}
}

// Stop stops the adapters that were started.
func (m *Manager) Stop(ctx context.Context) {
	for _, name := range m.Names() {
		m.mu.RLock()
		a, started := m.adapters[name], m.started[name]
		m.mu.RUnlock()
		if !started {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			m.logger.Warn("error stopping channel", "channel", name, "error", err)
		}
	}
	m.logger.Info("channels stopped")
}

// Send delivers text through the named adapter.
func (m *Manager) Send(ctx context.Context, channel, chatID, text string, opts SendOptions) error {
	a, ok := m.Adapter(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return a.Send(ctx, chatID, text, opts)
}

// Adapter returns a registered adapter by name.
func (m *Manager) Adapter(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// Names returns the registered adapter names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthAll returns the health of adapters that report it.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.adapters))
	for name, a := range m.adapters {
		if hr, ok := a.(HealthReporter); ok {
			out[name] = hr.Health()
		}
	}
	return out
}

// LastActive returns the route that most recently delivered a message.
func (m *Manager) LastActive() (Route, bool) {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.lastActive, m.hasLast
}

// Touch records route as the most recent activity. Channels that do not
// deliver through the manager, such as the web gateway, report their
// conversations here. A zero At means now.
func (m *Manager) Touch(route Route) {
	if route.At.IsZero() {
		route.At = time.Now()
	}
	m.lastMu.Lock()
	m.lastActive = route
	m.hasLast = true
	m.lastMu.Unlock()
}

func (m *Manager) touch(msg *InboundMessage) {
	m.Touch(Route{Channel: msg.Channel, ChatID: msg.ChatID, ThreadID: msg.ThreadID, At: msg.ReceivedAt})
}
