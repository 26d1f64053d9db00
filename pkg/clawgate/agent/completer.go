package agent

import (
	"context"
	"strings"
	"time"
)

// Request is what a Completer receives for one turn.
type Request struct {
	Model   string
	System  string
	History []Message
	Prompt  string
}

// Completer produces the assistant reply for a turn, reporting text deltas
// through onDelta as they arrive.
type Completer interface {
	Complete(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// EchoCompleter answers every prompt with the prompt itself, streamed word by
// word. The daemon falls back to it when no provider is configured.
type EchoCompleter struct {
	// Delay is slept between deltas.
	Delay time.Duration
}

// Complete implements Completer.
func (e EchoCompleter) Complete(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	reply := "echo: " + req.Prompt
	words := strings.SplitAfter(reply, " ")

	for _, w := range words {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}
		if onDelta != nil {
			onDelta(w)
		}
	}
	return reply, nil
}
