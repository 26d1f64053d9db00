package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/convlock"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

const (
	abortReply       = "Agent stopped."
	errorReplyPrefix = "Sorry, something went wrong: "
	timeoutReply     = "Sorry, that took too long and was stopped."
	errorSendTimeout = 10 * time.Second
)

// Dispatch is the channel handler. It never blocks on a turn: the message
// is queued on its conversation key in arrival order and processed there.
// Abort triggers bypass the queue and cancel the running turn.
func (d *Daemon) Dispatch(ctx context.Context, msg *channels.InboundMessage) {
	if strings.TrimSpace(msg.Text) == "" && len(msg.Attachments) == 0 {
		return
	}
	key, err := session.KeyFor(msg)
	if err != nil {
		d.logger.Warn("cannot route message", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		return
	}
	logger := d.logger.With("session", key)

	if d.aborts.Match(msg.Text) {
		d.abort(ctx, key, msg)
		return
	}

	logger.Debug("message queued", "pending", d.locker.Pending(key.String()))
	done := d.locker.Go(ctx, key.String(), func(ctx context.Context) error {
		return d.respond(ctx, key, msg)
	})
	go func() {
		if err := <-done; err != nil {
			d.reportError(ctx, msg, err)
		}
	}()
}

// respond runs one turn for msg and sends the reply back to its chat.
func (d *Daemon) respond(ctx context.Context, key session.Key, msg *channels.InboundMessage) error {
	s, err := d.registry.GetOrCreate(ctx, key)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	atts := make([]agent.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		atts = append(atts, agent.Attachment{Data: a.Data, MIMEType: a.MIMEType, Filename: a.Filename})
	}

	turn, err := s.Prompt(ctx, msg.Text, atts...)
	if err != nil {
		return err
	}
	if strings.TrimSpace(turn.Text) == "" {
		d.logger.Debug("empty reply, nothing to send", "session", key)
		return nil
	}
	if err := d.channels.Send(ctx, msg.Channel, msg.ChatID, turn.Text, channels.SendOptions{ThreadID: msg.ThreadID}); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// abort cancels the running turn for key, if any, and acknowledges.
func (d *Daemon) abort(ctx context.Context, key session.Key, msg *channels.InboundMessage) {
	s, ok := d.registry.Get(key)
	if !ok {
		d.logger.Debug("abort for idle conversation", "session", key)
		return
	}
	s.Abort()
	d.logger.Info("turn aborted by user", "session", key)
	d.send(ctx, msg, abortReply)
}

// reportError tells the chat that its message failed. Aborts are already
// acknowledged and shutdown cancellations stay silent.
func (d *Daemon) reportError(ctx context.Context, msg *channels.InboundMessage, err error) {
	switch {
	case errors.Is(err, agent.ErrAborted):
		return
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return
	}
	d.logger.Warn("message failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)

	text := errorReplyPrefix + err.Error()
	if errors.Is(err, convlock.ErrTurnTimeout) {
		text = timeoutReply
	}
	d.send(ctx, msg, text)
}

// send delivers a short notice. Failures are logged at debug and dropped.
func (d *Daemon) send(ctx context.Context, msg *channels.InboundMessage, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), errorSendTimeout)
	defer cancel()
	if err := d.channels.Send(ctx, msg.Channel, msg.ChatID, text, channels.SendOptions{ThreadID: msg.ThreadID}); err != nil {
		d.logger.Debug("failed to deliver notice", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
	}
}
