// Package agent defines the conversational engine clawgate drives. The engine
// itself is a collaborator: the gateway only prompts sessions, listens to
// their event streams and calls the few control operations declared here.
//
// LocalEngine is the engine shipped with the daemon. It keeps one JSONL log
// per session directory and delegates text generation to a Completer.
package agent

import (
	"context"
	"errors"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleBash      Role = "bash"
)

// Message is one entry of a session's conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Attachment is binary input passed along with a prompt.
type Attachment struct {
	Data     []byte
	MIMEType string
	Filename string
}

// Turn is the outcome of a completed prompt.
type Turn struct {
	ID    string
	Text  string
	Model string
}

// State is a point-in-time view of a session.
type State struct {
	SessionID       string    `json:"sessionId"`
	Model           string    `json:"model"`
	Streaming       bool      `json:"streaming"`
	MessageCount    int       `json:"messageCount"`
	LastUserMessage string    `json:"lastUserMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

// Summary is what can be learned about a session directory without opening it.
type Summary struct {
	LastUserMessage string
	CreatedAt       time.Time
	LastActivity    time.Time
}

// CompactResult reports a compaction.
type CompactResult struct {
	Summary        string `json:"summary"`
	MessagesBefore int    `json:"messagesBefore"`
	MessagesAfter  int    `json:"messagesAfter"`
}

// BashResult is the output of a shell command run inside a session.
type BashResult struct {
	Command   string `json:"command"`
	Output    string `json:"output"`
	ExitCode  int    `json:"exitCode"`
	Truncated bool   `json:"truncated,omitempty"`
}

// OpenOptions tells the engine which session to open.
type OpenOptions struct {
	// ID is the conversation key; it is also the directory base name.
	ID string

	// Dir is the session's persistent directory.
	Dir string

	// Model forces a model for this session. Empty keeps the model recorded
	// in the session log.
	Model string

	// DefaultModel is used when neither Model nor the log names a model.
	// Empty lets the engine choose.
	DefaultModel string
}

// Engine creates sessions.
type Engine interface {
	Open(ctx context.Context, opts OpenOptions) (Session, error)
	ResolveModel(name string) (string, error)
	DefaultModel() string
	Inspect(dir string) (Summary, error)
}

// Session is a live conversation handle.
type Session interface {
	ID() string
	Dir() string

	// Prompt runs one turn and returns the assistant reply. Progress is
	// reported to subscribers as events.
	Prompt(ctx context.Context, text string, attachments ...Attachment) (*Turn, error)

	// Subscribe registers fn for every event the session emits, in emission
	// order. The returned func removes it.
	Subscribe(fn func(Event)) (unsubscribe func())

	Model() string
	SetModel(ctx context.Context, model string) error
	Compact(ctx context.Context) (CompactResult, error)
	Fork(ctx context.Context, dir string) error
	Bash(ctx context.Context, command string) (BashResult, error)

	// Abort cancels the running turn, if any.
	Abort()

	State() State
	Messages() []Message
	Close() error
}

var (
	ErrAborted      = errors.New("turn aborted")
	ErrBusy         = errors.New("session is already processing a turn")
	ErrClosed       = errors.New("session closed")
	ErrUnknownModel = errors.New("unknown model")
)
