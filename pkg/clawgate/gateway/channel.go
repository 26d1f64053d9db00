package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

// WebChannel is the channel name of the gateway.
const WebChannel = session.WebChannel

// Channel returns the gateway's channels.Adapter view. Sends become
// notification events on the session named by chatID and the thread id, or
// on every connection when chatID is empty. Inbound traffic
// arrives as protocol commands, so the handler passed to Start is unused,
// and Start/Stop leave the HTTP server to the gateway's own lifecycle.
func (g *Gateway) Channel() channels.Adapter {
	return &webChannel{g: g}
}

type webChannel struct {
	g *Gateway
}

func (w *webChannel) Name() string { return WebChannel }

func (w *webChannel) Start(context.Context, channels.Handler) error { return nil }

func (w *webChannel) Stop(context.Context) error { return nil }

func (w *webChannel) Send(_ context.Context, chatID, text string, opts channels.SendOptions) error {
	ev := agent.Notification{Source: WebChannel, Text: text}
	if chatID == "" {
		if w.g.BroadcastAll(ev) == 0 {
			return fmt.Errorf("web send: %w", channels.ErrNotConnected)
		}
		return nil
	}
	key, err := w.key(chatID, opts.ThreadID)
	if err != nil {
		return fmt.Errorf("web send: %w", err)
	}
	if w.g.Subscribers(key) == 0 {
		return fmt.Errorf("web send to %s: %w", key, channels.ErrNotConnected)
	}
	w.g.Broadcast(key, ev)
	return nil
}

// key accepts either a route as recorded by the gateway (chat plus thread)
// or a full session id in chatID.
func (w *webChannel) key(chatID, threadID string) (session.Key, error) {
	if threadID != "" || !strings.Contains(chatID, "_") {
		return session.NewKey(WebChannel, chatID, threadID)
	}
	return session.ParseKey(chatID)
}

func (w *webChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{
		Connected: w.g.listener != nil,
		Details:   map[string]any{"connections": w.g.Connections()},
	}
}
