// Package session maps conversations to live agent sessions. A Key names a
// conversation; the Registry owns one session handle per key and restores
// sessions from their on-disk directories after a restart.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

const (
	// DefaultLabel is used when a conversation has no thread.
	DefaultLabel = "default"

	// WebChannel and WebChat prefix conversations created over the gateway.
	WebChannel = "web"
	WebChat    = "browser"

	maxKeyLen = 200
)

var (
	ErrInvalidKey   = errors.New("invalid conversation key")
	ErrInvalidLabel = errors.New("invalid session label")

	labelPattern   = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)
	channelPattern = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)
	keyPattern     = regexp.MustCompile(`^[A-Za-z0-9_.@+-]+$`)
	chatUnsafe     = regexp.MustCompile(`[^A-Za-z0-9._@+-]`)
)

// Key is a ConversationKey: "<channel>_<chatId>_<label>". It is stable across
// restarts and doubles as the session directory name.
type Key string

func (k Key) String() string { return string(k) }

// NewKey builds a key. An empty label means DefaultLabel. The chat id is made
// filesystem-safe; channel and label are validated and rejected if invalid.
func NewKey(channel, chatID, label string) (Key, error) {
	if !channelPattern.MatchString(channel) {
		return "", fmt.Errorf("%w: channel %q", ErrInvalidKey, channel)
	}
	chat := chatUnsafe.ReplaceAllString(strings.TrimSpace(chatID), "-")
	if chat == "" {
		return "", fmt.Errorf("%w: empty chat id", ErrInvalidKey)
	}
	if label == "" {
		label = DefaultLabel
	}
	if label == "." || label == ".." || !labelPattern.MatchString(label) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	k := Key(channel + "_" + chat + "_" + label)
	if len(k) > maxKeyLen {
		return "", fmt.Errorf("%w: too long", ErrInvalidKey)
	}
	return k, nil
}

// Route splits k back into the channel route it was built from. The default
// label maps to an empty thread id, so NewKey on the result yields k again.
// Keys that were not built by NewKey report false.
func (k Key) Route() (channels.Route, bool) {
	parts := strings.SplitN(string(k), "_", 3)
	if len(parts) != 3 || !channelPattern.MatchString(parts[0]) || parts[1] == "" || !labelPattern.MatchString(parts[2]) {
		return channels.Route{}, false
	}
	thread := parts[2]
	if thread == DefaultLabel {
		thread = ""
	}
	return channels.Route{Channel: parts[0], ChatID: parts[1], ThreadID: thread}, true
}

// KeyFor derives the key of an inbound channel message. Thread-style
// conversations use the thread id as the label.
func KeyFor(msg *channels.InboundMessage) (Key, error) {
	return NewKey(msg.Channel, msg.ChatID, msg.ThreadID)
}

// NewWebKey returns a fresh key for a conversation started over the gateway.
func NewWebKey() Key {
	return Key(WebChannel + "_" + WebChat + "_" + uuid.NewString())
}

// ParseKey validates a key received from a client. It never touches disk.
func ParseKey(s string) (Key, error) {
	if s == "" || len(s) > maxKeyLen || s == "." || s == ".." || strings.HasPrefix(s, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if !keyPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return Key(s), nil
}
