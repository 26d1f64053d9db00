package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeAdapter struct {
	name     string
	startErr error

	mu      sync.Mutex
	handler Handler
	sent    []string
	stopped bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(_ context.Context, h Handler) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		return ErrAlreadyStarted
	}
	f.handler = h
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, chatID, text string, _ SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+":"+text)
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAdapter) deliver(msg *InboundMessage) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(context.Background(), msg)
}

func TestManager_RegisterDuplicate(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.Register(&fakeAdapter{name: "telegram"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(&fakeAdapter{name: "telegram"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestManager_StartSkipsFailingAdapter(t *testing.T) {
	t.Parallel()

	good := &fakeAdapter{name: "discord"}
	bad := &fakeAdapter{name: "telegram", startErr: errors.New("bad token")}

	m := NewManager(nil)
	_ = m.Register(good)
	_ = m.Register(bad)

	var got []string
	m.Start(context.Background(), func(_ context.Context, msg *InboundMessage) {
		got = append(got, msg.Text)
	})

	good.deliver(&InboundMessage{Channel: "discord", ChatID: "c1", Text: "hi"})
	if len(got) != 1 || got[0] != "hi" {
		t.Fatalf("handler got %v, want [hi]", got)
	}

	m.Stop(context.Background())
	if !good.stopped {
		t.Error("started adapter was not stopped")
	}
	if bad.stopped {
		t.Error("adapter that failed to start should not be stopped")
	}
}

func TestManager_LastActive(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{name: "telegram"}
	m := NewManager(nil)
	_ = m.Register(a)

	if _, ok := m.LastActive(); ok {
		t.Fatal("LastActive before any message should report false")
	}

	m.Start(context.Background(), func(context.Context, *InboundMessage) {})
	now := time.Now()
	a.deliver(&InboundMessage{Channel: "telegram", ChatID: "42", ThreadID: "7", ReceivedAt: now})

	route, ok := m.LastActive()
	if !ok {
		t.Fatal("LastActive = false, want true")
	}
	if route.Channel != "telegram" || route.ChatID != "42" || route.ThreadID != "7" {
		t.Errorf("LastActive = %+v", route)
	}
	if !route.At.Equal(now) {
		t.Errorf("At = %v, want %v", route.At, now)
	}
}

func TestManager_Touch(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	m.Touch(Route{Channel: "web", ChatID: "browser", ThreadID: "abc"})

	route, ok := m.LastActive()
	if !ok {
		t.Fatal("LastActive = false after Touch")
	}
	if route.Channel != "web" || route.ChatID != "browser" || route.ThreadID != "abc" {
		t.Errorf("LastActive = %+v", route)
	}
	if route.At.IsZero() {
		t.Error("Touch left At unset")
	}
}

func TestManager_SendUnknownChannel(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	err := m.Send(context.Background(), "nope", "1", "x", SendOptions{})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Send error = %v, want ErrUnknownChannel", err)
	}
}
