package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a closed set of session events. Every variant lives in this file
// and carries its wire name through EventType.
type Event interface {
	EventType() string
	isEvent()
}

type SessionStart struct {
	SessionID string    `json:"sessionId"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}

type AgentStart struct {
	TurnID string `json:"turnId"`
}

type MessageStart struct {
	Role Role `json:"role"`
}

type MessageUpdate struct {
	Role  Role   `json:"role"`
	Delta string `json:"delta"`
}

type MessageEnd struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type BashStart struct {
	Command string `json:"command"`
}

type BashEnd struct {
	BashResult
}

type ModelChanged struct {
	Model string `json:"model"`
}

type Compaction struct {
	CompactResult
}

// Notification is pushed into a session from outside a turn (heartbeats,
// background results).
type Notification struct {
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type AgentEnd struct {
	TurnID  string `json:"turnId"`
	Aborted bool   `json:"aborted,omitempty"`
}

func (SessionStart) EventType() string  { return "session_start" }
func (AgentStart) EventType() string    { return "agent_start" }
func (MessageStart) EventType() string  { return "message_start" }
func (MessageUpdate) EventType() string { return "message_update" }
func (MessageEnd) EventType() string    { return "message_end" }
func (BashStart) EventType() string     { return "bash_start" }
func (BashEnd) EventType() string       { return "bash_end" }
func (ModelChanged) EventType() string  { return "model_changed" }
func (Compaction) EventType() string    { return "compaction" }
func (Notification) EventType() string  { return "notification" }
func (ErrorEvent) EventType() string    { return "error" }
func (AgentEnd) EventType() string      { return "agent_end" }

func (SessionStart) isEvent()  {}
func (AgentStart) isEvent()    {}
func (MessageStart) isEvent()  {}
func (MessageUpdate) isEvent() {}
func (MessageEnd) isEvent()    {}
func (BashStart) isEvent()     {}
func (BashEnd) isEvent()       {}
func (ModelChanged) isEvent()  {}
func (Compaction) isEvent()    {}
func (Notification) isEvent()  {}
func (ErrorEvent) isEvent()    {}
func (AgentEnd) isEvent()      {}

var eventFactories = map[string]func() Event{
	"session_start":  func() Event { return &SessionStart{} },
	"agent_start":    func() Event { return &AgentStart{} },
	"message_start":  func() Event { return &MessageStart{} },
	"message_update": func() Event { return &MessageUpdate{} },
	"message_end":    func() Event { return &MessageEnd{} },
	"bash_start":     func() Event { return &BashStart{} },
	"bash_end":       func() Event { return &BashEnd{} },
	"model_changed":  func() Event { return &ModelChanged{} },
	"compaction":     func() Event { return &Compaction{} },
	"notification":   func() Event { return &Notification{} },
	"error":          func() Event { return &ErrorEvent{} },
	"agent_end":      func() Event { return &AgentEnd{} },
}

// DecodeEvent rebuilds a typed event from its wire name and JSON body.
func DecodeEvent(eventType string, raw json.RawMessage) (Event, error) {
	factory, ok := eventFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	ev := factory()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", eventType, err)
		}
	}
	return ev, nil
}

// Describe renders an event as a single human-readable line.
func Describe(ev Event) string {
	switch e := deref(ev).(type) {
	case SessionStart:
		return fmt.Sprintf("session %s started (model %s)", e.SessionID, e.Model)
	case AgentStart:
		return "turn started"
	case MessageStart:
		return fmt.Sprintf("%s message started", e.Role)
	case MessageUpdate:
		return e.Delta
	case MessageEnd:
		return fmt.Sprintf("%s: %s", e.Role, e.Content)
	case BashStart:
		return "$ " + e.Command
	case BashEnd:
		return fmt.Sprintf("exit %d\n%s", e.ExitCode, e.Output)
	case ModelChanged:
		return "model set to " + e.Model
	case Compaction:
		return fmt.Sprintf("compacted %d → %d messages", e.MessagesBefore, e.MessagesAfter)
	case Notification:
		return e.Text
	case ErrorEvent:
		return "error: " + e.Message
	case AgentEnd:
		if e.Aborted {
			return "turn aborted"
		}
		return "turn finished"
	default:
		return ev.EventType()
	}
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *SessionStart:
		return *e
	case *AgentStart:
		return *e
	case *MessageStart:
		return *e
	case *MessageUpdate:
		return *e
	case *MessageEnd:
		return *e
	case *BashStart:
		return *e
	case *BashEnd:
		return *e
	case *ModelChanged:
		return *e
	case *Compaction:
		return *e
	case *Notification:
		return *e
	case *ErrorEvent:
		return *e
	case *AgentEnd:
		return *e
	}
	return ev
}
