package authflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
)

// Controller runs login flows, at most one per connection.
type Controller struct {
	providers map[string]Provider
	order     []string
	store     credentials.Store
	logger    *slog.Logger

	mu    sync.Mutex
	flows map[string]*flow // by connection id
}

// NewController creates a controller saving credentials to store.
func NewController(store credentials.Store, logger *slog.Logger, providers ...Provider) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		providers: make(map[string]Provider, len(providers)),
		store:     store,
		logger:    logger.With("component", "authflow"),
		flows:     make(map[string]*flow),
	}
	for _, p := range providers {
		if _, dup := c.providers[p.ID()]; dup {
			c.logger.Warn("duplicate auth provider ignored", "provider", p.ID())
			continue
		}
		c.providers[p.ID()] = p
		c.order = append(c.order, p.ID())
	}
	return c
}

// Providers lists the configured providers and whether each has a stored
// credential.
func (c *Controller) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, ProviderInfo{
			ID:            id,
			Name:          c.providers[id].Name(),
			Authenticated: c.store.Has(id),
		})
	}
	return out
}

// Logout removes the stored credential of providerID.
func (c *Controller) Logout(providerID string) error {
	if _, ok := c.providers[providerID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if err := c.store.Delete(providerID); err != nil {
		return fmt.Errorf("removing credential: %w", err)
	}
	c.logger.Info("logged out", "provider", providerID)
	return nil
}

// Start begins a login for providerID on connID and returns the flow id.
// The flow runs in the background; ctx bounds its lifetime (typically the
// connection's context). A second Start while a flow is pending on connID
// fails with ErrFlowInProgress and leaves the pending flow untouched.
func (c *Controller) Start(ctx context.Context, connID, providerID string, emit Emitter) (string, error) {
	p, ok := c.providers[providerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	c.mu.Lock()
	if _, busy := c.flows[connID]; busy {
		c.mu.Unlock()
		return "", ErrFlowInProgress
	}
	fctx, cancel := context.WithCancel(ctx)
	f := &flow{
		id:         uuid.NewString(),
		connID:     connID,
		providerID: providerID,
		emit:       emit,
		cancel:     cancel,
		status:     StatusIdle,
	}
	c.flows[connID] = f
	c.mu.Unlock()

	c.logger.Info("login started", "provider", providerID, "flow", f.id, "conn", connID)
	go c.run(fctx, f, p)
	return f.id, nil
}

func (c *Controller) run(ctx context.Context, f *flow, p Provider) {
	defer f.cancel()

	cred, err := func() (cred *credentials.Credential, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("provider panic: %v", r)
			}
		}()
		return p.Login(ctx, f)
	}()

	c.mu.Lock()
	if c.flows[f.connID] == f {
		delete(c.flows, f.connID)
	}
	c.mu.Unlock()

	switch {
	case err == nil && (ctx.Err() != nil || f.aborted()):
		err = ErrCancelled
	case err == nil && cred == nil:
		err = fmt.Errorf("provider %s returned no credential", p.ID())
	}
	if err == nil {
		if cred.Provider == "" {
			cred.Provider = p.ID()
		}
		if serr := c.store.Save(cred); serr != nil {
			err = fmt.Errorf("storing credential: %w", serr)
		}
	}

	if !f.finish(err) {
		return
	}
	if err != nil {
		c.logger.Warn("login failed", "provider", p.ID(), "flow", f.id, "error", err)
		return
	}
	c.logger.Info("login complete", "provider", p.ID(), "flow", f.id)
}

// Input resolves the pending prompt of flowID. It returns false, and does
// nothing, when flowID is not the connection's current flow or no prompt is
// waiting.
func (c *Controller) Input(connID, flowID, value string) bool {
	f := c.current(connID, flowID)
	if f == nil {
		c.logger.Debug("ignoring input for unknown flow", "conn", connID, "flow", flowID)
		return false
	}
	return f.resolve(value)
}

// Cancel aborts flowID. A suspended prompt resolves with "" and the client
// receives a terminal error event marked cancelled. The connection can start
// a new flow right away.
func (c *Controller) Cancel(connID, flowID string) bool {
	f := c.current(connID, flowID)
	if f == nil {
		return false
	}
	c.mu.Lock()
	if c.flows[connID] == f {
		delete(c.flows, connID)
	}
	c.mu.Unlock()

	f.abort()
	c.logger.Info("login cancelled", "provider", f.providerID, "flow", f.id)
	return true
}

// Drop cancels whatever flow connID has; called when the connection closes.
func (c *Controller) Drop(connID string) {
	c.mu.Lock()
	f := c.flows[connID]
	delete(c.flows, connID)
	c.mu.Unlock()
	if f != nil {
		f.abort()
	}
}

// Snapshot returns the last event of connID's pending flow.
func (c *Controller) Snapshot(connID string) (Event, bool) {
	c.mu.Lock()
	f := c.flows[connID]
	c.mu.Unlock()
	if f == nil {
		return Event{}, false
	}
	return f.snapshot(), true
}

func (c *Controller) current(connID, flowID string) *flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flows[connID]
	if f == nil || f.id != flowID {
		return nil
	}
	return f
}

// flow is the UI handed to a provider. All emits happen under mu so the
// client sees steps in order and nothing after the terminal event.
type flow struct {
	id         string
	connID     string
	providerID string
	emit       Emitter
	cancel     context.CancelFunc

	mu     sync.Mutex
	status Status
	last   Event
	input  chan string
	done   bool
}

func (f *flow) publishLocked(ev Event) {
	ev.LoginFlowID = f.id
	ev.ProviderID = f.providerID
	f.status = ev.Status
	f.last = ev
	if f.emit != nil {
		f.emit(ev)
	}
}

func (f *flow) ShowURL(url, instructions string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.publishLocked(Event{Status: StatusWaitingURL, URL: url, Instructions: instructions})
}

func (f *flow) Progress(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.publishLocked(Event{Status: StatusInProgress, Progress: text})
}

func (f *flow) Prompt(ctx context.Context, message, placeholder string) (string, error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return "", ErrCancelled
	}
	ch := make(chan string, 1)
	f.input = ch
	f.publishLocked(Event{Status: StatusWaitingInput, Message: message, Placeholder: placeholder})
	f.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		select {
		case v := <-ch:
			return v, nil
		default:
		}
		f.mu.Lock()
		if f.input == ch {
			f.input = nil
		}
		f.mu.Unlock()
		return "", ctx.Err()
	}
}

func (f *flow) resolve(value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done || f.input == nil {
		return false
	}
	f.input <- value
	f.input = nil
	f.status = StatusInProgress
	return true
}

func (f *flow) abort() {
	f.mu.Lock()
	if !f.done {
		f.done = true
		if f.input != nil {
			f.input <- ""
			f.input = nil
		}
		f.publishLocked(Event{Status: StatusError, Error: ErrCancelled.Error(), Cancelled: true})
	}
	f.mu.Unlock()
	f.cancel()
}

func (f *flow) aborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// finish publishes the terminal event unless the flow was already aborted.
func (f *flow) finish(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	f.done = true
	f.input = nil
	if err != nil {
		f.publishLocked(Event{Status: StatusError, Error: err.Error()})
	} else {
		f.publishLocked(Event{Status: StatusComplete, Success: true})
	}
	return true
}

func (f *flow) snapshot() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last.LoginFlowID == "" {
		return Event{LoginFlowID: f.id, ProviderID: f.providerID, Status: f.status}
	}
	ev := f.last
	ev.Status = f.status
	return ev
}
