package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
)

// scriptedProvider shows a URL, prompts once and then fails or succeeds.
type scriptedProvider struct {
	id      string
	failMsg string

	mu  sync.Mutex
	got []string
}

func (p *scriptedProvider) ID() string   { return p.id }
func (p *scriptedProvider) Name() string { return "Scripted " + p.id }

func (p *scriptedProvider) Login(ctx context.Context, ui UI) (*credentials.Credential, error) {
	ui.ShowURL("https://example.test/login", "open it")
	v, err := ui.Prompt(ctx, "Paste the code", "code")
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.got = append(p.got, v)
	p.mu.Unlock()
	ui.Progress("checking")
	if p.failMsg != "" {
		return nil, errors.New(p.failMsg)
	}
	return &credentials.Credential{AccessToken: "tok-" + v}, nil
}

func (p *scriptedProvider) inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, status Status) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, ev := range r.all() {
			if ev.Status == status {
				found = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s event", status)
	return found
}

func (r *recorder) statuses() []Status {
	var out []Status
	for _, ev := range r.all() {
		out = append(out, ev.Status)
	}
	return out
}

func TestController_FailedLoginEndsInError(t *testing.T) {
	store := credentials.NewMemoryStore()
	p := &scriptedProvider{id: "acme", failMsg: "invalid code"}
	c := NewController(store, nil, p)
	rec := &recorder{}

	flowID, err := c.Start(context.Background(), "conn-1", "acme", rec.emit)
	require.NoError(t, err)

	url := rec.waitFor(t, StatusWaitingURL)
	assert.Equal(t, "https://example.test/login", url.URL)
	assert.Equal(t, flowID, url.LoginFlowID)
	assert.Equal(t, "acme", url.ProviderID)

	prompt := rec.waitFor(t, StatusWaitingInput)
	assert.Equal(t, "Paste the code", prompt.Message)

	assert.False(t, c.Input("conn-1", "some-other-flow", "stale"), "stale flow id must be ignored")
	assert.False(t, c.Input("conn-2", flowID, "wrong conn"))
	assert.True(t, c.Input("conn-1", flowID, "1234"))
	assert.False(t, c.Input("conn-1", flowID, "again"), "no prompt is waiting any more")

	final := rec.waitFor(t, StatusError)
	assert.Equal(t, "invalid code", final.Error)
	assert.False(t, final.Cancelled)
	assert.Equal(t, []string{"1234"}, p.inputs())
	assert.Equal(t,
		[]Status{StatusWaitingURL, StatusWaitingInput, StatusInProgress, StatusError},
		rec.statuses())
	assert.False(t, store.Has("acme"))

	require.Eventually(t, func() bool {
		_, pending := c.Snapshot("conn-1")
		return !pending
	}, time.Second, 5*time.Millisecond)
}

func TestController_SuccessStoresCredential(t *testing.T) {
	store := credentials.NewMemoryStore()
	c := NewController(store, nil, &scriptedProvider{id: "acme"})
	rec := &recorder{}

	flowID, err := c.Start(context.Background(), "conn-1", "acme", rec.emit)
	require.NoError(t, err)
	rec.waitFor(t, StatusWaitingInput)
	require.True(t, c.Input("conn-1", flowID, "ok"))

	done := rec.waitFor(t, StatusComplete)
	assert.True(t, done.Success)

	cred, err := store.Load("acme")
	require.NoError(t, err)
	assert.Equal(t, "tok-ok", cred.AccessToken)
	assert.Equal(t, "acme", cred.Provider)

	providers := c.Providers()
	require.Len(t, providers, 1)
	assert.True(t, providers[0].Authenticated)

	require.NoError(t, c.Logout("acme"))
	assert.False(t, store.Has("acme"))
	assert.ErrorIs(t, c.Logout("nope"), ErrUnknownProvider)
}

func TestController_SecondStartRejected(t *testing.T) {
	c := NewController(credentials.NewMemoryStore(), nil, &scriptedProvider{id: "acme"})
	rec := &recorder{}

	flowID, err := c.Start(context.Background(), "conn-1", "acme", rec.emit)
	require.NoError(t, err)
	rec.waitFor(t, StatusWaitingInput)

	_, err = c.Start(context.Background(), "conn-1", "acme", rec.emit)
	assert.ErrorIs(t, err, ErrFlowInProgress)

	snap, ok := c.Snapshot("conn-1")
	require.True(t, ok)
	assert.Equal(t, flowID, snap.LoginFlowID)
	assert.Equal(t, StatusWaitingInput, snap.Status)

	// Other connections are independent.
	_, err = c.Start(context.Background(), "conn-2", "acme", func(Event) {})
	assert.NoError(t, err)
	c.Drop("conn-2")

	assert.True(t, c.Input("conn-1", flowID, "x"))
	rec.waitFor(t, StatusComplete)
}

func TestController_CancelResolvesPrompt(t *testing.T) {
	p := &scriptedProvider{id: "acme"}
	store := credentials.NewMemoryStore()
	c := NewController(store, nil, p)
	rec := &recorder{}

	flowID, err := c.Start(context.Background(), "conn-1", "acme", rec.emit)
	require.NoError(t, err)
	rec.waitFor(t, StatusWaitingInput)

	assert.False(t, c.Cancel("conn-1", "other"))
	assert.True(t, c.Cancel("conn-1", flowID))

	final := rec.waitFor(t, StatusError)
	assert.True(t, final.Cancelled)

	// The suspended prompt resolved with "" and the flow produced nothing
	// after the cancellation event.
	require.Eventually(t, func() bool { return len(p.inputs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{""}, p.inputs())
	time.Sleep(20 * time.Millisecond)
	evs := rec.all()
	assert.Equal(t, StatusError, evs[len(evs)-1].Status)
	assert.False(t, store.Has("acme"))

	_, err = c.Start(context.Background(), "conn-1", "acme", rec.emit)
	assert.NoError(t, err, "a fresh attempt can start after cancel")
	c.Drop("conn-1")
}

func TestController_UnknownProvider(t *testing.T) {
	c := NewController(credentials.NewMemoryStore(), nil)
	_, err := c.Start(context.Background(), "conn-1", "ghost", func(Event) {})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, pending := c.Snapshot("conn-1")
	assert.False(t, pending)
}

func TestController_ParentContextCancelsFlow(t *testing.T) {
	c := NewController(credentials.NewMemoryStore(), nil, &scriptedProvider{id: "acme"})
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.Start(ctx, "conn-1", "acme", rec.emit)
	require.NoError(t, err)
	rec.waitFor(t, StatusWaitingInput)
	cancel()

	final := rec.waitFor(t, StatusError)
	assert.Contains(t, final.Error, "context canceled")
}
