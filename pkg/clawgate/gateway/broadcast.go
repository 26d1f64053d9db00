package gateway

import (
	"github.com/coder/websocket"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/protocol"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

// SessionOpened attaches the gateway's single listener to a new handle.
// A second call for the same key is a no-op.
func (g *Gateway) SessionOpened(key session.Key, s agent.Session) {
	g.mu.Lock()
	if _, ok := g.listeners[key]; ok {
		g.mu.Unlock()
		return
	}
	g.listeners[key] = nil // reserved
	g.mu.Unlock()

	unsubscribe := s.Subscribe(func(ev agent.Event) {
		g.Broadcast(key, ev)
	})

	g.mu.Lock()
	_, stillOpen := g.listeners[key]
	if stillOpen {
		g.listeners[key] = unsubscribe
	}
	g.mu.Unlock()
	if !stillOpen {
		unsubscribe()
	}
}

// SessionClosed detaches the listener. Subscribers are kept: a reopened
// handle gets a fresh listener and the same audience.
func (g *Gateway) SessionClosed(key session.Key, _ agent.Session) {
	g.mu.Lock()
	unsubscribe := g.listeners[key]
	delete(g.listeners, key)
	g.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Broadcast sends ev to every connection subscribed to key. The frame is
// encoded once; a connection that cannot take it is evicted.
func (g *Gateway) Broadcast(key session.Key, ev agent.Event) {
	g.mu.Lock()
	targets := make([]*conn, 0, len(g.subs[key]))
	for c := range g.subs[key] {
		targets = append(targets, c)
	}
	g.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	frame, err := protocol.EncodeEvent(key.String(), ev)
	if err != nil {
		g.logger.Error("failed to encode event", "session", key, "type", ev.EventType(), "error", err)
		return
	}
	for _, c := range targets {
		g.deliver(c, frame)
	}
}

// BroadcastAll sends ev to every open connection with an empty sessionId
// and returns how many connections it was queued for.
func (g *Gateway) BroadcastAll(ev agent.Event) int {
	g.mu.Lock()
	targets := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	frame, err := protocol.EncodeEvent("", ev)
	if err != nil {
		g.logger.Error("failed to encode event", "type", ev.EventType(), "error", err)
		return 0
	}
	for _, c := range targets {
		g.deliver(c, frame)
	}
	return len(targets)
}

func (g *Gateway) subscribe(key session.Key, c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subs[key]
	if !ok {
		set = make(map[*conn]struct{})
		g.subs[key] = set
	}
	set[c] = struct{}{}
}

func (g *Gateway) unsubscribe(key session.Key, c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.subs[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(g.subs, key)
		}
	}
}

// deliver queues frame on c, closing c with a policy violation when its
// queue is full.
func (g *Gateway) deliver(c *conn, frame []byte) {
	if c.enqueue(frame) || c.closing.Load() {
		return
	}
	c.logger.Warn("outbound queue full, evicting slow consumer", "queue", cap(c.out))
	c.close(websocket.StatusPolicyViolation, "slow consumer")
	g.mu.Lock()
	g.unsubscribeAllLocked(c)
	g.mu.Unlock()
}

func (g *Gateway) unsubscribeAllLocked(c *conn) {
	for key, set := range g.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(g.subs, key)
		}
	}
}

func (g *Gateway) reply(c *conn, sessionID string, r protocol.Response) {
	frame, err := protocol.EncodeResponse(sessionID, r)
	if err != nil {
		g.logger.Error("failed to encode response", "command", r.Command, "error", err)
		return
	}
	g.deliver(c, frame)
}

func parseFailure(msg string) protocol.Response {
	return protocol.Response{Command: protocol.ParseCommand, Error: msg}
}
