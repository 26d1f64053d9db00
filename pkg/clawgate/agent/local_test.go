package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestSession(t *testing.T, e *LocalEngine, dir string) Session {
	t.Helper()
	s, err := e.Open(context.Background(), OpenOptions{ID: filepath.Base(dir), Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.EventType() == "message_update" {
			if len(out) > 0 && out[len(out)-1] == "message_update" {
				continue
			}
		}
		out = append(out, ev.EventType())
	}
	return out
}

func TestLocalSession_PromptEventOrder(t *testing.T) {
	t.Parallel()

	e := NewLocalEngine(LocalOptions{})
	s := openTestSession(t, e, filepath.Join(t.TempDir(), "web_browser_a"))

	rec := &eventRecorder{}
	s.Subscribe(rec.add)

	turn, err := s.Prompt(context.Background(), "hi there")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if turn.Text != "echo: hi there" {
		t.Errorf("Text = %q, want %q", turn.Text, "echo: hi there")
	}

	want := []string{"agent_start", "message_start", "message_end", "message_start", "message_update", "message_end", "agent_end"}
	got := rec.types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}

	last := rec.events[len(rec.events)-2].(MessageEnd)
	if last.Role != RoleAssistant || last.Content != "echo: hi there" {
		t.Errorf("final message_end = %+v", last)
	}
}

func TestLocalSession_ReopenRestoresHistory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "telegram_42_default")
	e := NewLocalEngine(LocalOptions{})

	s := openTestSession(t, e, dir)
	if _, err := s.Prompt(context.Background(), "first"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if _, err := s.Prompt(context.Background(), "second"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	_ = s.Close()

	again := openTestSession(t, e, dir)
	msgs := again.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(msgs))
	}
	if msgs[2].Content != "second" || msgs[2].Role != RoleUser {
		t.Errorf("Messages[2] = %+v", msgs[2])
	}

	sum, err := e.Inspect(dir)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if sum.LastUserMessage != "second" {
		t.Errorf("LastUserMessage = %q, want %q", sum.LastUserMessage, "second")
	}
	if sum.CreatedAt.IsZero() || sum.LastActivity.Before(sum.CreatedAt) {
		t.Errorf("bad timestamps: %+v", sum)
	}
}

func TestLocalSession_Abort(t *testing.T) {
	t.Parallel()

	e := NewLocalEngine(LocalOptions{Completer: EchoCompleter{Delay: 50 * time.Millisecond}})
	s := openTestSession(t, e, filepath.Join(t.TempDir(), "k"))

	rec := &eventRecorder{}
	s.Subscribe(rec.add)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Prompt(context.Background(), "a long prompt with many words")
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !s.State().Streaming {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(time.Millisecond)
	}
	s.Abort()

	if err := <-errCh; !errors.Is(err, ErrAborted) {
		t.Fatalf("Prompt error = %v, want ErrAborted", err)
	}
	end, ok := rec.events[len(rec.events)-1].(AgentEnd)
	if !ok || !end.Aborted {
		t.Errorf("last event = %#v, want aborted agent_end", rec.events[len(rec.events)-1])
	}
}

func TestLocalSession_BusyWhileStreaming(t *testing.T) {
	t.Parallel()

	e := NewLocalEngine(LocalOptions{Completer: EchoCompleter{Delay: 20 * time.Millisecond}})
	s := openTestSession(t, e, filepath.Join(t.TempDir(), "k"))

	done := make(chan struct{})
	go func() {
		_, _ = s.Prompt(context.Background(), "one two three")
		close(done)
	}()
	for !s.State().Streaming {
		time.Sleep(time.Millisecond)
	}
	if _, err := s.Prompt(context.Background(), "again"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Prompt error = %v, want ErrBusy", err)
	}
	<-done
}

func TestLocalSession_Compact(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "k")
	e := NewLocalEngine(LocalOptions{CompactKeep: 2})
	s := openTestSession(t, e, dir)

	for _, p := range []string{"a", "b", "c"} {
		if _, err := s.Prompt(context.Background(), p); err != nil {
			t.Fatalf("Prompt: %v", err)
		}
	}

	res, err := s.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.MessagesBefore != 6 || res.MessagesAfter != 3 {
		t.Errorf("Compact = %+v, want 6 -> 3", res)
	}

	again := openTestSession(t, e, dir)
	msgs := again.Messages()
	if len(msgs) != 3 || msgs[0].Role != RoleSystem {
		t.Errorf("replayed messages = %+v", msgs)
	}
}

func TestLocalSession_Fork(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	e := NewLocalEngine(LocalOptions{})
	s := openTestSession(t, e, filepath.Join(root, "src"))
	if _, err := s.Prompt(context.Background(), "remember me"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	target := filepath.Join(root, "fork")
	if err := s.Fork(context.Background(), target); err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if err := s.Fork(context.Background(), target); err == nil {
		t.Error("second Fork into the same dir should fail")
	}

	forked := openTestSession(t, e, target)
	if got := forked.State().LastUserMessage; got != "remember me" {
		t.Errorf("forked LastUserMessage = %q", got)
	}
}

func TestLocalSession_Bash(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "k")
	e := NewLocalEngine(LocalOptions{})
	s := openTestSession(t, e, dir)
	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := s.Bash(context.Background(), "ls note.txt")
	if err != nil {
		t.Fatalf("Bash: %v", err)
	}
	if strings.TrimSpace(res.Output) != "note.txt" || res.ExitCode != 0 {
		t.Errorf("Bash = %+v", res)
	}

	res, err = s.Bash(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("Bash: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestLocalEngine_ResolveModel(t *testing.T) {
	t.Parallel()

	e := NewLocalEngine(LocalOptions{Models: []string{"gpt-4o", "claude-sonnet"}})
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"GPT-4o", "gpt-4o", false},
		{"claude-sonnet", "claude-sonnet", false},
		{"llama", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := e.ResolveModel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveModel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ResolveModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if e.DefaultModel() != "gpt-4o" {
		t.Errorf("DefaultModel = %q", e.DefaultModel())
	}
}

func TestLocalSession_ListenerPanicDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	e := NewLocalEngine(LocalOptions{})
	s := openTestSession(t, e, filepath.Join(t.TempDir(), "k"))

	s.Subscribe(func(Event) { panic("bad listener") })
	rec := &eventRecorder{}
	unsubscribe := s.Subscribe(rec.add)

	if _, err := s.Prompt(context.Background(), "x"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if len(rec.events) == 0 {
		t.Fatal("second listener received nothing")
	}

	unsubscribe()
	n := len(rec.events)
	_, _ = s.Prompt(context.Background(), "y")
	if len(rec.events) != n {
		t.Error("unsubscribed listener still received events")
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	ev, err := DecodeEvent("message_end", []byte(`{"role":"assistant","content":"ok"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	end, ok := ev.(*MessageEnd)
	if !ok || end.Role != RoleAssistant || end.Content != "ok" {
		t.Errorf("DecodeEvent = %#v", ev)
	}
	if got := Describe(ev); got != "assistant: ok" {
		t.Errorf("Describe = %q", got)
	}
	if _, err := DecodeEvent("nope", nil); err == nil {
		t.Error("expected unknown type error")
	}
}
