package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
)

const maxTitleLen = 100

var (
	// ErrNotFound is returned by Restore when a key has neither a cached
	// handle nor a session directory.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session registry closed")
)

// ListItem describes one known session.
type ListItem struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Loaded       bool      `json:"loaded"`
}

// Observer is told when the registry opens or drops a handle. Observers run
// before the handle is visible to other callers.
type Observer interface {
	SessionOpened(key Key, s agent.Session)
	SessionClosed(key Key, s agent.Session)
}

// Options configures a Registry.
type Options struct {
	// Root holds one directory per conversation key.
	Root string

	// DefaultModel applies to sessions that never chose a model.
	DefaultModel string

	// Models holds per-conversation model overrides.
	Models map[Key]string

	Logger *slog.Logger
}

// Registry owns the live session handles, one per key.
type Registry struct {
	engine       agent.Engine
	root         string
	defaultModel string
	logger       *slog.Logger

	mu        sync.Mutex
	entries   map[Key]agent.Session
	inflight  map[Key]*creation
	overrides map[Key]string
	observers []Observer
	closed    bool
}

// creation lets concurrent misses on one key share a single open.
type creation struct {
	done    chan struct{}
	session agent.Session
	err     error
}

// NewRegistry creates a registry rooted at opts.Root.
func NewRegistry(engine agent.Engine, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	overrides := make(map[Key]string, len(opts.Models))
	for k, v := range opts.Models {
		overrides[k] = v
	}
	return &Registry{
		engine:       engine,
		root:         opts.Root,
		defaultModel: opts.DefaultModel,
		logger:       logger.With("component", "sessions"),
		entries:      make(map[Key]agent.Session),
		inflight:     make(map[Key]*creation),
		overrides:    overrides,
	}
}

// AddObserver registers o for future opens and closes.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Dir returns the session directory for key.
func (r *Registry) Dir(key Key) string {
	return filepath.Join(r.root, string(key))
}

// GetOrCreate returns the cached handle for key, or opens (and if needed
// creates) the session directory.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (agent.Session, error) {
	return r.load(ctx, key, true)
}

// Restore is GetOrCreate restricted to sessions that already exist in the
// cache or on disk.
func (r *Registry) Restore(ctx context.Context, key Key) (agent.Session, error) {
	return r.load(ctx, key, false)
}

// Get returns the cached handle only.
func (r *Registry) Get(key Key) (agent.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	return s, ok
}

func (r *Registry) load(ctx context.Context, key Key, create bool) (agent.Session, error) {
	if _, err := ParseKey(string(key)); err != nil {
		return nil, err
	}

	if s, c, err := r.lookup(key); err != nil || s != nil {
		return s, err
	} else if c != nil {
		return waitCreation(ctx, c)
	}

	if !create {
		info, err := os.Stat(r.Dir(key))
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if c, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		return waitCreation(ctx, c)
	}
	c := &creation{done: make(chan struct{})}
	r.inflight[key] = c
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	s, err := r.open(ctx, key)
	if err == nil {
		for _, o := range observers {
			o.SessionOpened(key, s)
		}
	}

	r.mu.Lock()
	delete(r.inflight, key)
	if err == nil {
		r.entries[key] = s
	}
	r.mu.Unlock()

	c.session, c.err = s, err
	close(c.done)
	return s, err
}

func (r *Registry) lookup(key Key) (agent.Session, *creation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrClosed
	}
	if s, ok := r.entries[key]; ok {
		return s, nil, nil
	}
	return nil, r.inflight[key], nil
}

func waitCreation(ctx context.Context, c *creation) (agent.Session, error) {
	select {
	case <-c.done:
		return c.session, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) open(ctx context.Context, key Key) (agent.Session, error) {
	s, err := r.engine.Open(ctx, agent.OpenOptions{
		ID:           string(key),
		Dir:          r.Dir(key),
		Model:        r.resolveOverride(key),
		DefaultModel: r.resolveDefault(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening session %s: %w", key, err)
	}
	r.logger.Info("session opened", "session", key, "model", s.Model())
	return s, nil
}

// resolveOverride returns the per-conversation model, or "" when none is set
// or it cannot be resolved.
func (r *Registry) resolveOverride(key Key) string {
	r.mu.Lock()
	name := r.overrides[key]
	r.mu.Unlock()
	if name == "" {
		return ""
	}
	model, err := r.engine.ResolveModel(name)
	if err != nil {
		r.logger.Warn("model override not resolvable, falling back", "session", key, "model", name, "error", err)
		return ""
	}
	return model
}

func (r *Registry) resolveDefault() string {
	if r.defaultModel == "" {
		return ""
	}
	model, err := r.engine.ResolveModel(r.defaultModel)
	if err != nil {
		r.logger.Warn("default model not resolvable, using engine default", "model", r.defaultModel, "error", err)
		return ""
	}
	return model
}

// SetModelOverride pins the model used the next time key is opened.
func (r *Registry) SetModelOverride(key Key, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if model == "" {
		delete(r.overrides, key)
		return
	}
	r.overrides[key] = model
}

// Reset evicts and closes the cached handle. Persisted history is kept, so
// the next GetOrCreate reopens the conversation where it left off.
func (r *Registry) Reset(key Key) bool {
	r.mu.Lock()
	s, ok := r.entries[key]
	delete(r.entries, key)
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, o := range observers {
		o.SessionClosed(key, s)
	}
	if err := s.Close(); err != nil {
		r.logger.Warn("error closing session", "session", key, "error", err)
	}
	r.logger.Info("session reset", "session", key)
	return true
}

// Fork copies the conversation of key into a new gateway session.
func (r *Registry) Fork(ctx context.Context, key Key) (Key, agent.Session, error) {
	src, err := r.Restore(ctx, key)
	if err != nil {
		return "", nil, err
	}
	newKey := NewWebKey()
	if err := src.Fork(ctx, r.Dir(newKey)); err != nil {
		return "", nil, fmt.Errorf("forking %s: %w", key, err)
	}
	s, err := r.GetOrCreate(ctx, newKey)
	if err != nil {
		return "", nil, err
	}
	return newKey, s, nil
}

// List returns cached sessions plus session directories not loaded yet.
// Disk-only entries carry the title recovered from the last user message and
// a zero message count. The order is unspecified; see SortByActivity.
func (r *Registry) List(ctx context.Context) ([]ListItem, error) {
	r.mu.Lock()
	cached := make(map[Key]agent.Session, len(r.entries))
	for k, s := range r.entries {
		cached[k] = s
	}
	r.mu.Unlock()

	items := make([]ListItem, 0, len(cached))
	for key, s := range cached {
		st := s.State()
		items = append(items, ListItem{
			SessionID:    string(key),
			Title:        Title(st.LastUserMessage),
			MessageCount: st.MessageCount,
			CreatedAt:    st.CreatedAt,
			LastActivity: st.LastActivity,
			Loaded:       true,
		})
	}

	dirs, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return items, nil
		}
		return nil, fmt.Errorf("reading sessions dir: %w", err)
	}
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() {
			continue
		}
		key, err := ParseKey(d.Name())
		if err != nil {
			continue
		}
		if _, ok := cached[key]; ok {
			continue
		}
		sum, err := r.engine.Inspect(r.Dir(key))
		if err != nil {
			r.logger.Warn("skipping unreadable session dir", "session", key, "error", err)
			continue
		}
		items = append(items, ListItem{
			SessionID:    string(key),
			Title:        Title(sum.LastUserMessage),
			CreatedAt:    sum.CreatedAt,
			LastActivity: sum.LastActivity,
		})
	}
	return items, nil
}

// Len returns the number of cached handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every cached handle. The registry refuses further work.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[Key]agent.Session)
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	var errs []error
	for key, s := range entries {
		for _, o := range observers {
			o.SessionClosed(key, s)
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Title turns a user message into a one-line title of at most 100 characters.
func Title(msg string) string {
	title := strings.Join(strings.Fields(msg), " ")
	if utf8.RuneCountInString(title) <= maxTitleLen {
		return title
	}
	return string([]rune(title)[:maxTitleLen])
}

// SortByActivity orders items most recently active first.
func SortByActivity(items []ListItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastActivity.Equal(items[j].LastActivity) {
			return items[i].LastActivity.After(items[j].LastActivity)
		}
		return items[i].SessionID < items[j].SessionID
	})
}
