package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/authflow"
	"github.com/jholhewres/clawgate/pkg/clawgate/convlock"
	"github.com/jholhewres/clawgate/pkg/clawgate/protocol"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

var (
	errSessionRequired = errors.New("sessionId is required")
	errEmptyMessage    = errors.New("message is empty")
	errAuthDisabled    = errors.New("provider login is not configured")
)

// handleFrame decodes one inbound frame and routes it. Short commands run
// inline on the read loop. Turns and other long operations take their place
// on the conversation lock inline and wait for it on their own goroutines,
// so the connection keeps reading.
func (g *Gateway) handleFrame(c *conn, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		var pe *protocol.ParseError
		if errors.As(err, &pe) {
			g.reply(c, "", pe.Response())
		} else {
			g.reply(c, "", parseFailure(err.Error()))
		}
		c.logger.Debug("rejected frame", "error", err)
		return
	}

	req := &request{g: g, c: c, sessionID: env.SessionID, logger: c.logger}
	if env.Command.Class() == protocol.SessionBound && env.SessionID == "" {
		req.fail(env.Command, errSessionRequired)
		return
	}
	protocol.Dispatch(env.Command, req)
}

// request handles a single command on behalf of a connection.
type request struct {
	g         *Gateway
	c         *conn
	sessionID string
	logger    *slog.Logger
}

var _ protocol.Handler = (*request)(nil)

func (r *request) ok(cmd protocol.Command, data any) {
	r.g.reply(r.c, r.sessionID, protocol.OK(cmd.CommandID(), cmd.CommandType(), data))
}

func (r *request) fail(cmd protocol.Command, err error) {
	r.g.reply(r.c, r.sessionID, protocol.Fail(cmd.CommandID(), cmd.CommandType(), err))
}

// session resolves the addressed session from the cache or from disk, and
// subscribes the connection to it.
func (r *request) session() (session.Key, agent.Session, error) {
	key, err := session.ParseKey(r.sessionID)
	if err != nil {
		return "", nil, err
	}
	s, err := r.g.registry.Restore(r.c.ctx, key)
	if err != nil {
		return "", nil, err
	}
	r.g.subscribe(key, r.c)
	return key, s, nil
}

// announce tells the subscribers of key that a session now exists.
func (r *request) announce(key session.Key, s agent.Session) {
	st := s.State()
	r.g.Broadcast(key, agent.SessionStart{SessionID: key.String(), Model: st.Model, CreatedAt: st.CreatedAt})
}

// Session-free.

func (r *request) NewSession(cmd *protocol.NewSession) {
	key := session.NewWebKey()
	if cmd.Model != "" {
		r.g.registry.SetModelOverride(key, cmd.Model)
	}
	s, err := r.g.registry.GetOrCreate(r.c.ctx, key)
	if err != nil {
		r.fail(cmd, err)
		return
	}
	r.g.subscribe(key, r.c)

	r.sessionID = key.String()
	r.ok(cmd, map[string]any{"sessionId": key.String(), "state": s.State()})
	r.announce(key, s)
	r.logger.Info("session created", "session", key)
}

func (r *request) ListSessions(cmd *protocol.ListSessions) {
	items, err := r.g.registry.List(r.c.ctx)
	if err != nil {
		r.fail(cmd, err)
		return
	}
	session.SortByActivity(items)
	r.ok(cmd, map[string]any{"sessions": items})
}

func (r *request) GetAuthProviders(cmd *protocol.GetAuthProviders) {
	providers := []authflow.ProviderInfo{}
	if r.g.auth != nil {
		providers = r.g.auth.Providers()
	}
	r.ok(cmd, map[string]any{"providers": providers})
}

func (r *request) AuthLogin(cmd *protocol.AuthLogin) {
	if r.g.auth == nil {
		r.fail(cmd, errAuthDisabled)
		return
	}

	// Flow events wait for the acknowledgement so the client always sees
	// the reply first.
	acked := make(chan struct{})
	emit := func(ev authflow.Event) {
		<-acked
		frame, err := protocol.EncodeAuthEvent(ev)
		if err != nil {
			r.logger.Error("failed to encode auth event", "error", err)
			return
		}
		r.g.deliver(r.c, frame)
	}

	flowID, err := r.g.auth.Start(r.c.ctx, r.c.id, cmd.ProviderID, emit)
	if err != nil {
		close(acked)
		r.fail(cmd, err)
		return
	}
	r.ok(cmd, map[string]any{"loginFlowId": flowID})
	close(acked)
}

func (r *request) AuthLogout(cmd *protocol.AuthLogout) {
	if r.g.auth == nil {
		r.fail(cmd, errAuthDisabled)
		return
	}
	if err := r.g.auth.Logout(cmd.ProviderID); err != nil {
		r.fail(cmd, err)
		return
	}
	r.ok(cmd, nil)
}

// Session-bound.

func (r *request) Prompt(cmd *protocol.Prompt) {
	if cmd.Message == "" {
		r.fail(cmd, errEmptyMessage)
		return
	}
	key, _, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	r.g.touch(key)

	// The slot is taken here, on the read loop, so turns on a key start in
	// the order their prompts arrived.
	done := r.g.locker.Go(r.g.baseCtx, key.String(), func(ctx context.Context) error {
		s, err := r.g.registry.Restore(ctx, key)
		if err != nil {
			return err
		}
		_, err = s.Prompt(ctx, cmd.Message)
		return err
	})
	r.ok(cmd, map[string]any{"accepted": true})

	go func() {
		err := <-done
		if err == nil {
			return
		}
		// Failures inside a turn are already reported by the session.
		if unreportedTurnError(err) {
			r.g.Broadcast(key, agent.ErrorEvent{Message: err.Error()})
		}
		r.logger.Warn("prompt failed", "session", key, "error", err)
	}()
}

func unreportedTurnError(err error) bool {
	for _, target := range []error{agent.ErrClosed, agent.ErrBusy, convlock.ErrTurnTimeout, session.ErrClosed, session.ErrNotFound} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *request) Abort(cmd *protocol.Abort) {
	_, s, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	s.Abort()
	r.ok(cmd, nil)
}

func (r *request) GetState(cmd *protocol.GetState) {
	_, s, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	r.ok(cmd, s.State())
}

func (r *request) GetMessages(cmd *protocol.GetMessages) {
	_, s, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	msgs := s.Messages()
	if msgs == nil {
		msgs = []agent.Message{}
	}
	r.ok(cmd, map[string]any{"messages": msgs})
}

func (r *request) SetModel(cmd *protocol.SetModel) {
	_, s, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	if err := s.SetModel(r.c.ctx, cmd.Model); err != nil {
		r.fail(cmd, err)
		return
	}
	r.ok(cmd, map[string]any{"model": s.Model()})
}

func (r *request) Compact(cmd *protocol.Compact) {
	key, _, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	done := convlock.GoRun(r.g.baseCtx, r.g.locker, key.String(), func(ctx context.Context) (agent.CompactResult, error) {
		s, err := r.g.registry.Restore(ctx, key)
		if err != nil {
			return agent.CompactResult{}, err
		}
		return s.Compact(ctx)
	})
	go func() {
		res := <-done
		if res.Err != nil {
			r.fail(cmd, res.Err)
			return
		}
		r.ok(cmd, res.Value)
	}()
}

func (r *request) Fork(cmd *protocol.Fork) {
	key, _, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	newKey, s, err := r.g.registry.Fork(r.c.ctx, key)
	if err != nil {
		r.fail(cmd, err)
		return
	}
	r.g.subscribe(newKey, r.c)
	r.ok(cmd, map[string]any{"sessionId": newKey.String()})
	r.announce(newKey, s)
	r.logger.Info("session forked", "from", key, "to", newKey)
}

func (r *request) Bash(cmd *protocol.Bash) {
	key, _, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	done := convlock.GoRun(r.g.baseCtx, r.g.locker, key.String(), func(ctx context.Context) (agent.BashResult, error) {
		s, err := r.g.registry.Restore(ctx, key)
		if err != nil {
			return agent.BashResult{}, err
		}
		return s.Bash(ctx, cmd.Command)
	})
	go func() {
		res := <-done
		if res.Err != nil {
			r.fail(cmd, res.Err)
			return
		}
		r.ok(cmd, res.Value)
	}()
}

// ResetSession waits for the turns already queued on the key, so a running
// turn is never cut off by the reset.
func (r *request) ResetSession(cmd *protocol.ResetSession) {
	key, _, err := r.session()
	if err != nil {
		r.fail(cmd, err)
		return
	}
	done := convlock.GoRun(r.g.baseCtx, r.g.locker, key.String(), func(ctx context.Context) (agent.State, error) {
		r.g.registry.Reset(key)
		s, err := r.g.registry.GetOrCreate(ctx, key)
		if err != nil {
			return agent.State{}, fmt.Errorf("reopening session: %w", err)
		}
		return s.State(), nil
	})
	go func() {
		res := <-done
		if res.Err != nil {
			r.fail(cmd, res.Err)
			return
		}
		r.ok(cmd, res.Value)
	}()
}

func (r *request) Unsubscribe(cmd *protocol.Unsubscribe) {
	key, err := session.ParseKey(r.sessionID)
	if err != nil {
		r.fail(cmd, err)
		return
	}
	r.g.unsubscribe(key, r.c)
	r.ok(cmd, nil)
}

// Fire-and-forget.

func (r *request) AuthLoginInput(cmd *protocol.AuthLoginInput) {
	if r.g.auth == nil || !r.g.auth.Input(r.c.id, cmd.LoginFlowID, cmd.Value) {
		r.logger.Debug("ignored login input", "flow", cmd.LoginFlowID)
	}
}

func (r *request) AuthLoginCancel(cmd *protocol.AuthLoginCancel) {
	if r.g.auth == nil || !r.g.auth.Cancel(r.c.id, cmd.LoginFlowID) {
		r.logger.Debug("ignored login cancel", "flow", cmd.LoginFlowID)
	}
}
