// Package client is a Go client for the gateway's realtime protocol.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/protocol"
)

// DefaultTimeout bounds how long a request waits for its response.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout rejects a request whose response did not arrive in time.
	ErrTimeout = errors.New("request timed out")

	// ErrDuplicateID is returned when an id is registered twice.
	ErrDuplicateID = errors.New("request id already pending")

	// ErrClosed rejects requests pending when the table was closed.
	ErrClosed = errors.New("client closed")
)

// Result is the outcome of a pending request. Exactly one field is set.
type Result struct {
	Response *protocol.Response
	Err      error
}

// Pending tracks requests awaiting a response by id. Every registered id
// settles exactly once: resolved, rejected, timed out or closed.
type Pending struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*pendingEntry
	closed  error
}

type pendingEntry struct {
	ch    chan Result
	timer *time.Timer
}

// NewPending creates a table whose entries expire after timeout. Zero uses
// DefaultTimeout.
func NewPending(timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pending{timeout: timeout, entries: make(map[string]*pendingEntry)}
}

// Register reserves id and returns the channel its result is delivered on.
func (p *Pending) Register(id string) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, p.closed
	}
	if _, ok := p.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	e := &pendingEntry{ch: make(chan Result, 1)}
	e.timer = time.AfterFunc(p.timeout, func() {
		p.settle(id, e, Result{Err: fmt.Errorf("%w after %s", ErrTimeout, p.timeout)})
	})
	p.entries[id] = e
	return e.ch, nil
}

// Resolve delivers resp to the request with the same id. A response nobody
// waits for (unknown, late or already settled) is discarded and Resolve
// reports false.
func (p *Pending) Resolve(id string, resp *protocol.Response) bool {
	return p.settle(id, nil, Result{Response: resp})
}

// Reject fails the request with err.
func (p *Pending) Reject(id string, err error) bool {
	return p.settle(id, nil, Result{Err: err})
}

// Close rejects every pending request with err (ErrClosed when nil) and
// refuses new registrations.
func (p *Pending) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	p.mu.Lock()
	if p.closed == nil {
		p.closed = err
	}
	entries := p.entries
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.ch <- Result{Err: err}
	}
}

// Len returns the number of unsettled requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// settle removes id and delivers res. When want is set, only that exact
// entry is settled, so a timer never fires into a reused id.
func (p *Pending) settle(id string, want *pendingEntry, res Result) bool {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || (want != nil && e != want) {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, id)
	p.mu.Unlock()

	e.timer.Stop()
	e.ch <- res
	return true
}
