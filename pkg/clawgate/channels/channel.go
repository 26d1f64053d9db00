// Package channels defines the contract every clawgate transport implements.
// A channel (Telegram, Discord, WhatsApp, the realtime gateway) normalizes its
// native events into InboundMessage values and accepts plain-text replies.
package channels

import (
	"context"
	"errors"
	"time"
)

// Attachment is a binary payload that came with an inbound message.
type Attachment struct {
	Data     []byte
	MIMEType string
	Filename string
}

// InboundMessage is a transport-agnostic message delivered by a channel.
// Adapters build it once and never mutate it afterwards.
type InboundMessage struct {
	// ID is the platform message id.
	ID string

	// Channel is the adapter name (e.g. "telegram", "discord").
	Channel string

	// ChatID is the channel-native conversation id.
	ChatID string

	// ThreadID is set for forum topics and threads.
	ThreadID string

	SenderID   string
	SenderName string

	Text        string
	Attachments []Attachment

	IsGroup    bool
	ReceivedAt time.Time
}

// SendOptions tweaks how a reply is delivered.
type SendOptions struct {
	// ThreadID targets a thread or forum topic inside ChatID.
	ThreadID string
}

// Handler receives inbound messages from an adapter. It is called from the
// adapter's own goroutines, so it must be safe for concurrent use.
type Handler func(ctx context.Context, msg *InboundMessage)

// Adapter is implemented by every transport.
type Adapter interface {
	// Name returns the channel identifier used in conversation keys.
	Name() string

	// Start registers the handler and begins delivering messages
	// asynchronously until Stop. It may only be called once.
	Start(ctx context.Context, handler Handler) error

	// Send delivers text to chatID. Oversized text is chunked to the
	// transport limit; only unrecoverable failures are returned.
	Send(ctx context.Context, chatID, text string, opts SendOptions) error

	// Stop releases transport resources. No message is delivered after it
	// returns; in-flight sends may be abandoned.
	Stop(ctx context.Context) error
}

// HealthStatus is reported by adapters that implement HealthReporter.
type HealthStatus struct {
	Connected  bool           `json:"connected"`
	LastMsgAt  time.Time      `json:"last_msg_at,omitempty"`
	ErrorCount int            `json:"error_count"`
	Details    map[string]any `json:"details,omitempty"`
}

// HealthReporter is an optional Adapter extension.
type HealthReporter interface {
	Health() HealthStatus
}

var (
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("channel already started")

	// ErrNotConnected is returned by Send when the transport is down.
	ErrNotConnected = errors.New("channel not connected")

	// ErrUnknownChannel is returned by the manager for an unregistered name.
	ErrUnknownChannel = errors.New("unknown channel")
)
