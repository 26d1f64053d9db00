package convlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueN enqueues n actions for key behind a held gate, waiting until each is
// queued before submitting the next so that call order is deterministic.
func queueN(t *testing.T, l *Locker, key string, n int, action func(i int) error) (open func(), wait func() []error) {
	t.Helper()

	gate := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), key, func(context.Context) error {
			close(held)
			<-gate
			return nil
		})
	}()
	<-held

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.WithLock(context.Background(), key, func(context.Context) error {
				return action(i)
			})
		}(i)
		require.Eventually(t, func() bool { return l.Pending(key) == i+2 }, time.Second, time.Millisecond)
	}

	return func() { close(gate) }, func() []error { wg.Wait(); return errs }
}

func TestWithLock_PreservesCallOrder(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	var (
		mu    sync.Mutex
		order []int
	)
	open, wait := queueN(t, l, "telegram_42_default", 10, func(i int) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
		return nil
	})
	open()
	wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestWithLock_NoOverlap(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	var (
		wg      sync.WaitGroup
		running int
		maxSeen int
		guard   sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "k", func(context.Context) error {
				guard.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				guard.Unlock()

				time.Sleep(100 * time.Microsecond)

				guard.Lock()
				running--
				guard.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "actions for the same key overlapped")
}

func TestWithLock_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	slowDone := make(chan struct{})

	go func() {
		defer close(slowDone)
		_ = l.WithLock(context.Background(), "A", func(context.Context) error {
			close(slowStarted)
			<-releaseSlow
			return nil
		})
	}()
	<-slowStarted

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		_ = l.WithLock(context.Background(), "B", func(context.Context) error { return nil })
	}()

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("action on key B waited for key A")
	}

	select {
	case <-slowDone:
		t.Fatal("slow action finished before it was released")
	default:
	}
	close(releaseSlow)
	<-slowDone
}

func TestWithLock_FailureDoesNotBlockNext(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	ran := false
	err = l.WithLock(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLock_EntriesAreCollected(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	open, wait := queueN(t, l, "k", 3, func(int) error { return nil })
	assert.Equal(t, 1, l.Len())
	open()
	wait()

	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Pending("k"))
}

func TestWithLock_CancelledWhileQueued(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	gate := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func(context.Context) error {
			close(held)
			<-gate
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	ran := make(chan struct{}, 1)
	go func() {
		errCh <- l.WithLock(ctx, "k", func(context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return l.Pending("k") == 2 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// A later call still waits for the first holder.
	after := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func(context.Context) error { return nil })
		close(after)
	}()
	select {
	case <-after:
		t.Fatal("later call ran before the holder released")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	<-after
	assert.Empty(t, ran)
}

func TestWithLock_TurnTimeoutReleasesKey(t *testing.T) {
	t.Parallel()

	l := New(Options{TurnTimeout: 20 * time.Millisecond, ReleaseGrace: 20 * time.Millisecond})
	stuck := make(chan struct{})
	defer close(stuck)

	err := l.WithLock(context.Background(), "k", func(context.Context) error {
		<-stuck // ignores its context
		return nil
	})
	require.ErrorIs(t, err, ErrTurnTimeout)

	err = l.WithLock(context.Background(), "k", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWithLock_TurnTimeoutCancelsContext(t *testing.T) {
	t.Parallel()

	l := New(Options{TurnTimeout: 10 * time.Millisecond, ReleaseGrace: time.Second})
	err := l.WithLock(context.Background(), "k", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_ReturnsValue(t *testing.T) {
	t.Parallel()

	l := New(Options{})
	got, err := Run(context.Background(), l, "k", func(context.Context) (string, error) {
		return "reply", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "reply", got)
}

func TestGo_KeepsArrivalOrderWithoutBlocking(t *testing.T) {
	l := New(Options{})
	gate := make(chan struct{})

	var mu sync.Mutex
	var order []int
	var results []<-chan error
	for i := 0; i < 5; i++ {
		results = append(results, l.Go(context.Background(), "k", func(context.Context) error {
			<-gate
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	// Every call is queued before any of them ran.
	assert.Equal(t, 5, l.Pending("k"))

	close(gate)
	for _, done := range results {
		require.NoError(t, <-done)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Zero(t, l.Len())
}

func TestGoRun_KeepsArrivalOrder(t *testing.T) {
	l := New(Options{})
	gate := make(chan struct{})

	var results []<-chan Result[int]
	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		results = append(results, GoRun(context.Background(), l, "k", func(context.Context) (int, error) {
			<-gate
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i * i, nil
		}))
	}
	assert.Equal(t, 10, l.Pending("k"))

	close(gate)
	for i, res := range results {
		r := <-res
		require.NoError(t, r.Err)
		assert.Equal(t, i*i, r.Value)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestGoRun_DiscardsValueAfterForceRelease(t *testing.T) {
	l := New(Options{TurnTimeout: 10 * time.Millisecond, ReleaseGrace: 10 * time.Millisecond})
	stuck := make(chan struct{})
	defer close(stuck)

	res := <-GoRun(context.Background(), l, "k", func(context.Context) (string, error) {
		<-stuck
		return "late", nil
	})
	assert.ErrorIs(t, res.Err, ErrTurnTimeout)
	assert.Empty(t, res.Value)
}

func TestNew_DefaultReleaseGrace(t *testing.T) {
	l := New(Options{})
	assert.Equal(t, 5*time.Second, l.opts.ReleaseGrace)
}
