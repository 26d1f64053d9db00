package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 40
	defaultCompactKeep  = 4
	defaultBashTimeout  = 60 * time.Second
)

// LocalOptions configures a LocalEngine.
type LocalOptions struct {
	Completer    Completer
	DefaultModel string

	// Models lists the accepted model names. Empty accepts any name.
	Models []string

	SystemPrompt string

	// HistoryLimit caps how many past messages are sent with a prompt.
	HistoryLimit int

	// CompactKeep is how many recent messages survive a compaction.
	CompactKeep int

	BashTimeout time.Duration
	Logger      *slog.Logger
}

// LocalEngine opens file-backed sessions that delegate generation to a Completer.
type LocalEngine struct {
	opts   LocalOptions
	logger *slog.Logger
}

// NewLocalEngine creates an engine. A nil Completer falls back to EchoCompleter.
func NewLocalEngine(opts LocalOptions) *LocalEngine {
	if opts.Completer == nil {
		opts.Completer = EchoCompleter{}
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.CompactKeep <= 0 {
		opts.CompactKeep = defaultCompactKeep
	}
	if opts.BashTimeout <= 0 {
		opts.BashTimeout = defaultBashTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalEngine{opts: opts, logger: logger.With("component", "agent")}
}

// DefaultModel returns the configured default, the first known model, or "auto".
func (e *LocalEngine) DefaultModel() string {
	if e.opts.DefaultModel != "" {
		return e.opts.DefaultModel
	}
	if len(e.opts.Models) > 0 {
		return e.opts.Models[0]
	}
	return "auto"
}

// ResolveModel maps a user-supplied name to a known model.
func (e *LocalEngine) ResolveModel(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnknownModel)
	}
	if len(e.opts.Models) == 0 {
		return name, nil
	}
	for _, m := range e.opts.Models {
		if strings.EqualFold(m, name) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownModel, name)
}

// Inspect implements Engine.
func (e *LocalEngine) Inspect(dir string) (Summary, error) {
	return inspectDir(dir)
}

// Open implements Engine. The directory is created if needed and the log is
// replayed into memory.
func (e *LocalEngine) Open(_ context.Context, opts OpenOptions) (Session, error) {
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir %q: %w", opts.Dir, err)
	}

	logger := e.logger.With("session", opts.ID)
	log := newSessionLog(opts.Dir, logger)
	records, err := log.load()
	if err != nil {
		return nil, err
	}
	r := replay(records)

	now := time.Now().UTC()
	model := opts.Model
	if model == "" {
		model = r.model
	}
	if model == "" {
		model = opts.DefaultModel
	}
	if model == "" {
		model = e.DefaultModel()
	}

	if len(records) == 0 {
		if err := log.append(logRecord{Type: recordMeta, TS: now, Model: model}); err != nil {
			return nil, err
		}
		r.createdAt, r.lastActivity = now, now
	} else if model != r.model {
		if err := log.append(logRecord{Type: recordModel, TS: now, Model: model}); err != nil {
			return nil, err
		}
	}

	return &localSession{
		id:           opts.ID,
		dir:          opts.Dir,
		engine:       e,
		log:          log,
		logger:       logger,
		model:        model,
		messages:     r.messages,
		createdAt:    r.createdAt,
		lastActivity: r.lastActivity,
	}, nil
}

type listener struct {
	id uint64
	fn func(Event)
}

type localSession struct {
	id     string
	dir    string
	engine *LocalEngine
	log    *sessionLog
	logger *slog.Logger

	mu           sync.Mutex
	model        string
	messages     []Message
	createdAt    time.Time
	lastActivity time.Time
	streaming    bool
	aborted      bool
	cancelTurn   context.CancelFunc
	closed       bool

	listenMu  sync.RWMutex
	listeners []listener
	nextID    uint64
}

func (s *localSession) ID() string  { return s.id }
func (s *localSession) Dir() string { return s.dir }

func (s *localSession) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *localSession) Subscribe(fn func(Event)) func() {
	s.listenMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.listenMu.Unlock()

	return func() {
		s.listenMu.Lock()
		defer s.listenMu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit calls every listener synchronously. A panicking listener is logged
// and does not stop delivery to the rest.
func (s *localSession) emit(ev Event) {
	s.listenMu.RLock()
	snapshot := make([]listener, len(s.listeners))
	copy(snapshot, s.listeners)
	s.listenMu.RUnlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event listener panicked", "event", ev.EventType(), "panic", r)
				}
			}()
			l.fn(ev)
		}()
	}
}

func (s *localSession) Prompt(ctx context.Context, text string, attachments ...Attachment) (*Turn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.streaming {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.streaming = true
	s.aborted = false
	s.cancelTurn = cancel
	model := s.model
	history := s.recentLocked()
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.streaming = false
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	turnID := uuid.NewString()
	s.emit(AgentStart{TurnID: turnID})

	userText := withAttachmentNotes(text, attachments)
	userMsg, err := s.record(RoleUser, userText)
	if err != nil {
		s.emit(ErrorEvent{Message: err.Error()})
		s.emit(AgentEnd{TurnID: turnID})
		return nil, err
	}
	s.emit(MessageStart{Role: RoleUser})
	s.emit(MessageEnd{Role: RoleUser, Content: userMsg.Content, Timestamp: userMsg.Timestamp})

	s.emit(MessageStart{Role: RoleAssistant})
	reply, err := s.engine.opts.Completer.Complete(turnCtx, Request{
		Model:   model,
		System:  s.engine.opts.SystemPrompt,
		History: history,
		Prompt:  userText,
	}, func(delta string) {
		s.emit(MessageUpdate{Role: RoleAssistant, Delta: delta})
	})
	if err != nil {
		aborted := s.wasAborted() && errors.Is(err, context.Canceled)
		if aborted {
			err = ErrAborted
		}
		s.emit(ErrorEvent{Message: err.Error()})
		s.emit(AgentEnd{TurnID: turnID, Aborted: aborted})
		return nil, err
	}

	assistantMsg, err := s.record(RoleAssistant, reply)
	if err != nil {
		s.emit(ErrorEvent{Message: err.Error()})
		s.emit(AgentEnd{TurnID: turnID})
		return nil, err
	}
	s.emit(MessageEnd{Role: RoleAssistant, Content: assistantMsg.Content, Timestamp: assistantMsg.Timestamp})
	s.emit(AgentEnd{TurnID: turnID})

	return &Turn{ID: turnID, Text: reply, Model: model}, nil
}

func withAttachmentNotes(text string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range attachments {
		name := a.Filename
		if name == "" {
			name = "unnamed"
		}
		fmt.Fprintf(&b, "\n[attachment %s, %s, %d bytes]", name, a.MIMEType, len(a.Data))
	}
	return b.String()
}

// record persists a message and appends it to history.
func (s *localSession) record(role Role, content string) (Message, error) {
	msg := Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
	if err := s.log.append(logRecord{Type: recordMessage, TS: msg.Timestamp, Role: role, Content: content}); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.lastActivity = msg.Timestamp
	s.mu.Unlock()
	return msg, nil
}

func (s *localSession) recentLocked() []Message {
	start := 0
	if len(s.messages) > s.engine.opts.HistoryLimit {
		start = len(s.messages) - s.engine.opts.HistoryLimit
	}
	out := make([]Message, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out
}

func (s *localSession) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *localSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTurn != nil {
		s.aborted = true
		s.cancelTurn()
	}
}

func (s *localSession) SetModel(_ context.Context, model string) error {
	resolved, err := s.engine.ResolveModel(model)
	if err != nil {
		return err
	}
	if err := s.log.append(logRecord{Type: recordModel, TS: time.Now().UTC(), Model: resolved}); err != nil {
		return err
	}
	s.mu.Lock()
	s.model = resolved
	s.mu.Unlock()
	s.emit(ModelChanged{Model: resolved})
	return nil
}

func (s *localSession) Compact(ctx context.Context) (CompactResult, error) {
	s.mu.Lock()
	before := len(s.messages)
	keep := s.engine.opts.CompactKeep
	if before <= keep {
		s.mu.Unlock()
		return CompactResult{MessagesBefore: before, MessagesAfter: before}, nil
	}
	older := make([]Message, before-keep)
	copy(older, s.messages[:before-keep])
	model := s.model
	s.mu.Unlock()

	summary, err := s.engine.opts.Completer.Complete(ctx, Request{
		Model:   model,
		System:  "Summarize the conversation so far in a few sentences. Keep facts, decisions and open tasks.",
		History: older,
		Prompt:  "Summarize.",
	}, nil)
	if err != nil {
		s.logger.Warn("compaction summary failed, using fallback", "error", err)
		summary = fmt.Sprintf("Earlier conversation of %d messages was compacted.", len(older))
	}

	now := time.Now().UTC()
	if err := s.log.append(logRecord{Type: recordCompaction, TS: now, Summary: summary, Kept: keep}); err != nil {
		return CompactResult{}, err
	}

	s.mu.Lock()
	s.messages = compacted(s.messages, summary, keep, now)
	after := len(s.messages)
	s.mu.Unlock()

	res := CompactResult{Summary: summary, MessagesBefore: before, MessagesAfter: after}
	s.emit(Compaction{CompactResult: res})
	return res, nil
}

// Fork writes the current history into a fresh log under dir.
func (s *localSession) Fork(_ context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create fork dir %q: %w", dir, err)
	}
	if _, err := os.Stat(newSessionLog(dir, s.logger).path); err == nil {
		return fmt.Errorf("fork target %q already has a session log", dir)
	}

	s.mu.Lock()
	records := make([]logRecord, 0, len(s.messages)+1)
	records = append(records, logRecord{Type: recordMeta, TS: time.Now().UTC(), Model: s.model})
	for _, m := range s.messages {
		records = append(records, logRecord{Type: recordMessage, TS: m.Timestamp, Role: m.Role, Content: m.Content})
	}
	s.mu.Unlock()

	return newSessionLog(dir, s.logger).append(records...)
}

func (s *localSession) Bash(ctx context.Context, command string) (BashResult, error) {
	s.emit(BashStart{Command: command})
	res, err := runBash(ctx, s.dir, command, s.engine.opts.BashTimeout)
	if err != nil {
		s.emit(ErrorEvent{Message: err.Error()})
		return res, err
	}
	if _, err := s.record(RoleBash, "$ "+command+"\n"+res.Output); err != nil {
		s.logger.Warn("failed to record bash output", "error", err)
	}
	s.emit(BashEnd{BashResult: res})
	return res, nil
}

func (s *localSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		SessionID:    s.id,
		Model:        s.model,
		Streaming:    s.streaming,
		MessageCount: len(s.messages),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleUser {
			st.LastUserMessage = s.messages[i].Content
			break
		}
	}
	return st
}

func (s *localSession) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *localSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	return nil
}
