package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/authflow"
)

const (
	// AuthSessionID is the sessionId of frames that carry login-flow events.
	AuthSessionID = "__auth__"

	// ResponseType is the inner type of command replies.
	ResponseType = "response"

	// AuthEventType is the inner type of login-flow events.
	AuthEventType = "auth_event"

	// ParseCommand is the command name of replies to undecodable frames.
	ParseCommand = "parse"
)

// Envelope is one inbound frame.
type Envelope struct {
	SessionID string
	Command   Command
}

type rawEnvelope struct {
	SessionID string          `json:"sessionId,omitempty"`
	Command   json.RawMessage `json:"command"`
}

type commandHeader struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ParseError describes an inbound frame that could not be decoded. ID and
// Type carry whatever could be recovered.
type ParseError struct {
	ID   string
	Type string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Response answers the error to the client.
func (e *ParseError) Response() Response {
	return Response{ID: e.ID, Command: ParseCommand, Error: e.Error()}
}

var (
	ErrMissingCommand = errors.New("missing command")
	ErrUnknownCommand = errors.New("unknown command type")
)

// DecodeEnvelope parses an inbound frame. Every failure is a *ParseError.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if len(raw.Command) == 0 || bytes.Equal(raw.Command, []byte("null")) {
		return nil, &ParseError{Err: ErrMissingCommand}
	}

	var hdr commandHeader
	if err := json.Unmarshal(raw.Command, &hdr); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("invalid command: %w", err)}
	}
	factory, ok := commandFactories[hdr.Type]
	if !ok {
		return nil, &ParseError{ID: hdr.ID, Type: hdr.Type, Err: fmt.Errorf("%w %q", ErrUnknownCommand, hdr.Type)}
	}
	cmd := factory()
	if err := json.Unmarshal(raw.Command, cmd); err != nil {
		return nil, &ParseError{ID: hdr.ID, Type: hdr.Type, Err: fmt.Errorf("invalid %s command: %w", hdr.Type, err)}
	}
	return &Envelope{SessionID: raw.SessionID, Command: cmd}, nil
}

// EncodeEnvelope renders cmd as an inbound frame.
func EncodeEnvelope(sessionID string, cmd Command) ([]byte, error) {
	body, err := withType(cmd.CommandType(), cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawEnvelope{SessionID: sessionID, Command: body})
}

// EncodeRequest is EncodeEnvelope with the command id replaced by id.
func EncodeRequest(sessionID, id string, cmd Command) ([]byte, error) {
	body, err := withType(cmd.CommandType(), cmd)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", cmd.CommandType(), err)
	}
	tag, _ := json.Marshal(id)
	fields["id"] = tag
	body, err = json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", cmd.CommandType(), err)
	}
	return json.Marshal(rawEnvelope{SessionID: sessionID, Command: body})
}

// Response is a command reply.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK builds a successful reply carrying data, which may be nil.
func OK(id, command string, data any) Response {
	r := Response{ID: id, Command: command, Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(id, command, fmt.Errorf("encoding response: %w", err))
		}
		r.Data = raw
	}
	return r
}

// Fail builds an error reply.
func Fail(id, command string, err error) Response {
	return Response{ID: id, Command: command, Error: err.Error()}
}

// Err returns the reply's error, if any.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Errorf("%s: %s", r.Command, msg)
}

// Decode unmarshals the reply data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

type rawFrame struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// EncodeResponse renders r as an outbound frame for sessionID.
func EncodeResponse(sessionID string, r Response) ([]byte, error) {
	body, err := withType(ResponseType, r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawFrame{SessionID: sessionID, Event: body})
}

// EncodeEvent renders a session event as an outbound frame.
func EncodeEvent(sessionID string, ev agent.Event) ([]byte, error) {
	body, err := withType(ev.EventType(), ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawFrame{SessionID: sessionID, Event: body})
}

// EncodeAuthEvent renders a login-flow event as an outbound frame.
func EncodeAuthEvent(ev authflow.Event) ([]byte, error) {
	body, err := withType(AuthEventType, ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawFrame{SessionID: AuthSessionID, Event: body})
}

// FrameKind is the outer discriminator of an outbound frame.
type FrameKind int

const (
	KindEvent FrameKind = iota
	KindResponse
	KindAuth
)

func (k FrameKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindAuth:
		return "auth"
	default:
		return "event"
	}
}

// Frame is a decoded outbound frame. Exactly one of Response, Auth or Event
// is set according to Kind. Event is nil for event types this build does
// not know; Type and Raw still describe them.
type Frame struct {
	SessionID string
	Kind      FrameKind
	Type      string
	Raw       json.RawMessage

	Response *Response
	Auth     *authflow.Event
	Event    agent.Event
}

// DecodeFrame classifies and decodes an outbound frame: first by sessionId
// (auth or session), then by the inner type (response or event).
func DecodeFrame(data []byte) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	var hdr commandHeader
	if err := json.Unmarshal(raw.Event, &hdr); err != nil {
		return nil, fmt.Errorf("invalid frame event: %w", err)
	}
	f := &Frame{SessionID: raw.SessionID, Type: hdr.Type, Raw: raw.Event}

	if raw.SessionID == AuthSessionID {
		if hdr.Type != AuthEventType {
			return nil, fmt.Errorf("unexpected %q frame on the auth channel", hdr.Type)
		}
		var ev authflow.Event
		if err := json.Unmarshal(raw.Event, &ev); err != nil {
			return nil, fmt.Errorf("decoding auth event: %w", err)
		}
		f.Kind, f.Auth = KindAuth, &ev
		return f, nil
	}

	if hdr.Type == ResponseType {
		var r Response
		if err := json.Unmarshal(raw.Event, &r); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		f.Kind, f.Response = KindResponse, &r
		return f, nil
	}

	f.Kind = KindEvent
	if ev, err := agent.DecodeEvent(hdr.Type, raw.Event); err == nil {
		f.Event = ev
	}
	return f, nil
}

// withType marshals v and adds a leading "type" member.
func withType(typ string, v any) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", typ, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encoding %s: not a JSON object", typ)
	}
	tag, _ := json.Marshal(typ)

	var b strings.Builder
	b.Grow(len(body) + len(tag) + 10)
	b.WriteString(`{"type":`)
	b.Write(tag)
	if len(body) > 2 {
		b.WriteByte(',')
		b.Write(body[1:])
	} else {
		b.WriteByte('}')
	}
	return json.RawMessage(b.String()), nil
}
