// Package authflow drives interactive provider logins over the gateway.
//
// A login is a small state machine:
//
//	idle → waiting_url → waiting_input ⇄ in_progress → complete | error
//
// The provider does the protocol work and talks to the user through the UI
// interface; the Controller relays every step to the connection that started
// the login and parks the provider while it waits for typed input.
package authflow

import (
	"context"
	"errors"

	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
)

// Status is the state of a login flow.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusWaitingURL   Status = "waiting_url"
	StatusWaitingInput Status = "waiting_input"
	StatusInProgress   Status = "in_progress"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
)

// Terminal reports whether s ends a flow.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

var (
	ErrFlowInProgress  = errors.New("a login flow is already in progress on this connection")
	ErrUnknownProvider = errors.New("unknown auth provider")
	ErrCancelled       = errors.New("login cancelled")
)

// Event is one step of a login flow as seen by the client.
type Event struct {
	LoginFlowID  string `json:"loginFlowId"`
	ProviderID   string `json:"providerId"`
	Status       Status `json:"status"`
	URL          string `json:"url,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Message      string `json:"message,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
	Progress     string `json:"progress,omitempty"`
	Success      bool   `json:"success,omitempty"`
	Error        string `json:"error,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}

// Emitter delivers flow events to the initiating connection. It must not
// block and must not call back into the Controller.
type Emitter func(Event)

// UI is how a provider talks to the user during Login.
type UI interface {
	// ShowURL asks the user to open url.
	ShowURL(url, instructions string)

	// Prompt asks for a value and waits for it. A cancelled flow resolves
	// the prompt with "".
	Prompt(ctx context.Context, message, placeholder string) (string, error)

	// Progress reports informational progress text.
	Progress(text string)
}

// Provider knows how to obtain a credential from one service.
type Provider interface {
	ID() string
	Name() string
	Login(ctx context.Context, ui UI) (*credentials.Credential, error)
}

// ProviderInfo is what get_auth_providers returns.
type ProviderInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Authenticated bool   `json:"authenticated"`
}
