// Package protocol defines the realtime wire protocol spoken between the
// gateway and its clients.
//
// Inbound frames are envelopes {sessionId?, command} where command is a
// tagged union keyed by "type". Outbound frames are {sessionId, event}; the
// reserved AuthSessionID marks login-flow events, and inside a session the
// "response" type separates command replies from agent events.
package protocol

// Class groups commands by how the gateway routes them.
type Class int

const (
	// SessionFree commands run without a session lookup.
	SessionFree Class = iota
	// SessionBound commands need an existing session.
	SessionBound
	// FireAndForget commands never get a response frame.
	FireAndForget
)

// Command is the closed set of client commands. Every variant lives in this
// file.
type Command interface {
	CommandType() string
	CommandID() string
	Class() Class
	accept(h Handler)
}

// Handler has one method per command. Dispatch calls exactly one of them.
type Handler interface {
	NewSession(*NewSession)
	ListSessions(*ListSessions)
	GetAuthProviders(*GetAuthProviders)
	AuthLogin(*AuthLogin)
	AuthLogout(*AuthLogout)

	Prompt(*Prompt)
	Abort(*Abort)
	GetState(*GetState)
	GetMessages(*GetMessages)
	SetModel(*SetModel)
	Compact(*Compact)
	Fork(*Fork)
	Bash(*Bash)
	ResetSession(*ResetSession)
	Unsubscribe(*Unsubscribe)

	AuthLoginInput(*AuthLoginInput)
	AuthLoginCancel(*AuthLoginCancel)
}

// Dispatch hands cmd to the matching Handler method.
func Dispatch(cmd Command, h Handler) {
	cmd.accept(h)
}

// Session-free.

type NewSession struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
}

type ListSessions struct {
	ID string `json:"id,omitempty"`
}

type GetAuthProviders struct {
	ID string `json:"id,omitempty"`
}

type AuthLogin struct {
	ID         string `json:"id,omitempty"`
	ProviderID string `json:"providerId"`
}

type AuthLogout struct {
	ID         string `json:"id,omitempty"`
	ProviderID string `json:"providerId"`
}

// Session-bound.

type Prompt struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

type Abort struct {
	ID string `json:"id,omitempty"`
}

type GetState struct {
	ID string `json:"id,omitempty"`
}

type GetMessages struct {
	ID string `json:"id,omitempty"`
}

type SetModel struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model"`
}

type Compact struct {
	ID string `json:"id,omitempty"`
}

type Fork struct {
	ID string `json:"id,omitempty"`
}

type Bash struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
}

type ResetSession struct {
	ID string `json:"id,omitempty"`
}

type Unsubscribe struct {
	ID string `json:"id,omitempty"`
}

// Fire-and-forget.

type AuthLoginInput struct {
	ID          string `json:"id,omitempty"`
	LoginFlowID string `json:"loginFlowId"`
	Value       string `json:"value"`
}

type AuthLoginCancel struct {
	ID          string `json:"id,omitempty"`
	LoginFlowID string `json:"loginFlowId"`
}

func (*NewSession) CommandType() string       { return "new_session" }
func (*ListSessions) CommandType() string     { return "list_sessions" }
func (*GetAuthProviders) CommandType() string { return "get_auth_providers" }
func (*AuthLogin) CommandType() string        { return "auth_login" }
func (*AuthLogout) CommandType() string       { return "auth_logout" }
func (*Prompt) CommandType() string           { return "prompt" }
func (*Abort) CommandType() string            { return "abort" }
func (*GetState) CommandType() string         { return "get_state" }
func (*GetMessages) CommandType() string      { return "get_messages" }
func (*SetModel) CommandType() string         { return "set_model" }
func (*Compact) CommandType() string          { return "compact" }
func (*Fork) CommandType() string             { return "fork" }
func (*Bash) CommandType() string             { return "bash" }
func (*ResetSession) CommandType() string     { return "reset_session" }
func (*Unsubscribe) CommandType() string      { return "unsubscribe" }
func (*AuthLoginInput) CommandType() string   { return "auth_login_input" }
func (*AuthLoginCancel) CommandType() string  { return "auth_login_cancel" }

func (c *NewSession) CommandID() string       { return c.ID }
func (c *ListSessions) CommandID() string     { return c.ID }
func (c *GetAuthProviders) CommandID() string { return c.ID }
func (c *AuthLogin) CommandID() string        { return c.ID }
func (c *AuthLogout) CommandID() string       { return c.ID }
func (c *Prompt) CommandID() string           { return c.ID }
func (c *Abort) CommandID() string            { return c.ID }
func (c *GetState) CommandID() string         { return c.ID }
func (c *GetMessages) CommandID() string      { return c.ID }
func (c *SetModel) CommandID() string         { return c.ID }
func (c *Compact) CommandID() string          { return c.ID }
func (c *Fork) CommandID() string             { return c.ID }
func (c *Bash) CommandID() string             { return c.ID }
func (c *ResetSession) CommandID() string     { return c.ID }
func (c *Unsubscribe) CommandID() string      { return c.ID }
func (c *AuthLoginInput) CommandID() string   { return c.ID }
func (c *AuthLoginCancel) CommandID() string  { return c.ID }

func (*NewSession) Class() Class       { return SessionFree }
func (*ListSessions) Class() Class     { return SessionFree }
func (*GetAuthProviders) Class() Class { return SessionFree }
func (*AuthLogin) Class() Class        { return SessionFree }
func (*AuthLogout) Class() Class       { return SessionFree }
func (*Prompt) Class() Class           { return SessionBound }
func (*Abort) Class() Class            { return SessionBound }
func (*GetState) Class() Class         { return SessionBound }
func (*GetMessages) Class() Class      { return SessionBound }
func (*SetModel) Class() Class         { return SessionBound }
func (*Compact) Class() Class          { return SessionBound }
func (*Fork) Class() Class             { return SessionBound }
func (*Bash) Class() Class             { return SessionBound }
func (*ResetSession) Class() Class     { return SessionBound }
func (*Unsubscribe) Class() Class      { return SessionBound }
func (*AuthLoginInput) Class() Class   { return FireAndForget }
func (*AuthLoginCancel) Class() Class  { return FireAndForget }

func (c *NewSession) accept(h Handler)       { h.NewSession(c) }
func (c *ListSessions) accept(h Handler)     { h.ListSessions(c) }
func (c *GetAuthProviders) accept(h Handler) { h.GetAuthProviders(c) }
func (c *AuthLogin) accept(h Handler)        { h.AuthLogin(c) }
func (c *AuthLogout) accept(h Handler)       { h.AuthLogout(c) }
func (c *Prompt) accept(h Handler)           { h.Prompt(c) }
func (c *Abort) accept(h Handler)            { h.Abort(c) }
func (c *GetState) accept(h Handler)         { h.GetState(c) }
func (c *GetMessages) accept(h Handler)      { h.GetMessages(c) }
func (c *SetModel) accept(h Handler)         { h.SetModel(c) }
func (c *Compact) accept(h Handler)          { h.Compact(c) }
func (c *Fork) accept(h Handler)             { h.Fork(c) }
func (c *Bash) accept(h Handler)             { h.Bash(c) }
func (c *ResetSession) accept(h Handler)     { h.ResetSession(c) }
func (c *Unsubscribe) accept(h Handler)      { h.Unsubscribe(c) }
func (c *AuthLoginInput) accept(h Handler)   { h.AuthLoginInput(c) }
func (c *AuthLoginCancel) accept(h Handler)  { h.AuthLoginCancel(c) }

var commandFactories = map[string]func() Command{
	"new_session":        func() Command { return &NewSession{} },
	"list_sessions":      func() Command { return &ListSessions{} },
	"get_auth_providers": func() Command { return &GetAuthProviders{} },
	"auth_login":         func() Command { return &AuthLogin{} },
	"auth_logout":        func() Command { return &AuthLogout{} },
	"prompt":             func() Command { return &Prompt{} },
	"abort":              func() Command { return &Abort{} },
	"get_state":          func() Command { return &GetState{} },
	"get_messages":       func() Command { return &GetMessages{} },
	"set_model":          func() Command { return &SetModel{} },
	"compact":            func() Command { return &Compact{} },
	"fork":               func() Command { return &Fork{} },
	"bash":               func() Command { return &Bash{} },
	"reset_session":      func() Command { return &ResetSession{} },
	"unsubscribe":        func() Command { return &Unsubscribe{} },
	"auth_login_input":   func() Command { return &AuthLoginInput{} },
	"auth_login_cancel":  func() Command { return &AuthLoginCancel{} },
}
