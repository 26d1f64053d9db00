package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
)

// countingEngine wraps LocalEngine to count opens and inject failures.
type countingEngine struct {
	*agent.LocalEngine
	opens   atomic.Int32
	failErr error
	delay   time.Duration
}

func (e *countingEngine) Open(ctx context.Context, opts agent.OpenOptions) (agent.Session, error) {
	e.opens.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.failErr != nil {
		return nil, e.failErr
	}
	return e.LocalEngine.Open(ctx, opts)
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *countingEngine) {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	eng := &countingEngine{LocalEngine: agent.NewLocalEngine(agent.LocalOptions{Models: []string{"m1", "m2"}})}
	r := NewRegistry(eng, opts)
	t.Cleanup(func() { _ = r.Close() })
	return r, eng
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	r, eng := newTestRegistry(t, Options{})
	ctx := context.Background()

	a, err := r.GetOrCreate(ctx, "telegram_42_default")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := r.GetOrCreate(ctx, "telegram_42_default")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Error("GetOrCreate returned different handles for the same key")
	}
	if n := eng.opens.Load(); n != 1 {
		t.Errorf("engine opened %d times, want 1", n)
	}
}

func TestRegistry_ConcurrentMissesShareOneOpen(t *testing.T) {
	t.Parallel()

	r, eng := newTestRegistry(t, Options{})
	eng.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	handles := make([]agent.Session, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "discord_1_default")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			handles[i] = s
		}(i)
	}
	wg.Wait()

	for _, h := range handles[1:] {
		if h != handles[0] {
			t.Fatal("concurrent GetOrCreate returned different handles")
		}
	}
	if n := eng.opens.Load(); n != 1 {
		t.Errorf("engine opened %d times, want 1", n)
	}
}

func TestRegistry_ResetKeepsHistory(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	key := Key("telegram_42_default")

	first, _ := r.GetOrCreate(ctx, key)
	if _, err := first.Prompt(ctx, "remember the milk"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if !r.Reset(key) {
		t.Fatal("Reset = false, want true")
	}
	if r.Reset(key) {
		t.Error("second Reset = true, want false")
	}

	second, err := r.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first == second {
		t.Fatal("handle after Reset is the evicted one")
	}
	if got := second.State().LastUserMessage; got != "remember the milk" {
		t.Errorf("history after reset: last user message = %q", got)
	}
	if _, err := first.Prompt(ctx, "x"); !errors.Is(err, agent.ErrClosed) {
		t.Errorf("prompt on evicted handle = %v, want ErrClosed", err)
	}
}

func TestRegistry_InvalidKeyRejectedBeforeIO(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r, eng := newTestRegistry(t, Options{Root: root})

	_, err := r.GetOrCreate(context.Background(), "../escape")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("error = %v, want ErrInvalidKey", err)
	}
	if eng.opens.Load() != 0 {
		t.Error("engine was called for an invalid key")
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("root has %d entries, want 0", len(entries))
	}
}

func TestRegistry_OpenErrorLeavesNoEntry(t *testing.T) {
	t.Parallel()

	r, eng := newTestRegistry(t, Options{})
	eng.failErr = errors.New("disk full")

	if _, err := r.GetOrCreate(context.Background(), "telegram_1_default"); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after failed open, want 0", r.Len())
	}

	eng.failErr = nil
	if _, err := r.GetOrCreate(context.Background(), "telegram_1_default"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestRegistry_Restore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r, _ := newTestRegistry(t, Options{Root: root})
	ctx := context.Background()

	if _, err := r.Restore(ctx, "web_browser_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Restore missing = %v, want ErrNotFound", err)
	}

	// A session written by an earlier process.
	prev, _ := newTestRegistry(t, Options{Root: root})
	s, _ := prev.GetOrCreate(ctx, "web_browser_old")
	if _, err := s.Prompt(ctx, "from before the restart"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	restored, err := r.Restore(ctx, "web_browser_old")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.State().MessageCount != 2 {
		t.Errorf("restored MessageCount = %d, want 2", restored.State().MessageCount)
	}
}

func TestRegistry_ListMergesMemoryAndDisk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ctx := context.Background()

	writer, _ := newTestRegistry(t, Options{Root: root})
	disk, _ := writer.GetOrCreate(ctx, "telegram_7_default")
	if _, err := disk.Prompt(ctx, "a disk only question"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	r, _ := newTestRegistry(t, Options{Root: root})
	live, _ := r.GetOrCreate(ctx, "web_browser_live")
	if _, err := live.Prompt(ctx, "hello live"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	// Stray files are ignored.
	_ = os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o600)

	items, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("List returned %d items, want 2: %+v", len(items), items)
	}

	byID := map[string]ListItem{}
	for _, it := range items {
		byID[it.SessionID] = it
	}
	mem := byID["web_browser_live"]
	if !mem.Loaded || mem.MessageCount != 2 || mem.Title != "hello live" {
		t.Errorf("in-memory item = %+v", mem)
	}
	dsk := byID["telegram_7_default"]
	if dsk.Loaded || dsk.MessageCount != 0 || dsk.Title != "a disk only question" {
		t.Errorf("disk-only item = %+v", dsk)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []Key
	closed []Key
}

func (o *recordingObserver) SessionOpened(k Key, _ agent.Session) {
	o.mu.Lock()
	o.opened = append(o.opened, k)
	o.mu.Unlock()
}

func (o *recordingObserver) SessionClosed(k Key, _ agent.Session) {
	o.mu.Lock()
	o.closed = append(o.closed, k)
	o.mu.Unlock()
}

func TestRegistry_ObserverAndFork(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Options{})
	obs := &recordingObserver{}
	r.AddObserver(obs)
	ctx := context.Background()

	src, _ := r.GetOrCreate(ctx, "telegram_42_default")
	_, _ = src.Prompt(ctx, "fork me")

	newKey, forked, err := r.Fork(ctx, "telegram_42_default")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if !strings.HasPrefix(string(newKey), "web_browser_") {
		t.Errorf("fork key = %q", newKey)
	}
	if forked.State().LastUserMessage != "fork me" {
		t.Errorf("forked history missing")
	}

	r.Reset("telegram_42_default")
	if len(obs.opened) != 2 || len(obs.closed) != 1 || obs.closed[0] != "telegram_42_default" {
		t.Errorf("observer saw opened=%v closed=%v", obs.opened, obs.closed)
	}
}

func TestRegistry_ModelResolution(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Options{
		DefaultModel: "m2",
		Models: map[Key]string{
			"telegram_1_default": "M1",
			"telegram_2_default": "unknown-model",
		},
	})
	ctx := context.Background()

	tests := []struct {
		key  Key
		want string
	}{
		{"telegram_1_default", "m1"},
		{"telegram_2_default", "m2"},
		{"telegram_3_default", "m2"},
	}
	for _, tt := range tests {
		s, err := r.GetOrCreate(ctx, tt.key)
		if err != nil {
			t.Fatalf("GetOrCreate(%s): %v", tt.key, err)
		}
		if s.Model() != tt.want {
			t.Errorf("%s model = %q, want %q", tt.key, s.Model(), tt.want)
		}
	}
}

func TestTitle(t *testing.T) {
	t.Parallel()

	if got := Title("  hello\n  world "); got != "hello world" {
		t.Errorf("Title = %q", got)
	}
	long := strings.Repeat("é", 150)
	if got := Title(long); len([]rune(got)) != 100 {
		t.Errorf("Title length = %d runes, want 100", len([]rune(got)))
	}
}

func TestSortByActivity(t *testing.T) {
	t.Parallel()

	now := time.Now()
	items := []ListItem{
		{SessionID: "a", LastActivity: now.Add(-time.Hour)},
		{SessionID: "b", LastActivity: now},
		{SessionID: "c", LastActivity: now.Add(-time.Minute)},
	}
	SortByActivity(items)
	got := items[0].SessionID + items[1].SessionID + items[2].SessionID
	if got != "bca" {
		t.Errorf("order = %s, want bca", got)
	}
}
