// Package convlock serializes work per conversation key. Calls for the same
// key run one at a time in call order; calls for different keys never wait
// on each other. Per-key state is created on first use and dropped as soon
// as nobody is queued on the key.
package convlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTurnTimeout is returned when an action overran TurnTimeout plus
// ReleaseGrace and the key was force-released.
var ErrTurnTimeout = errors.New("conversation turn timed out")

const defaultReleaseGrace = 5 * time.Second

// Options configures a Locker.
type Options struct {
	// TurnTimeout bounds a single action. Zero means no limit.
	TurnTimeout time.Duration

	// ReleaseGrace is how long an action may keep running after its
	// deadline before the key is released without it.
	ReleaseGrace time.Duration

	Logger *slog.Logger
}

// Locker hands out per-key exclusive sections.
type Locker struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*entry
}

// entry is the chain tail for one key. tail is closed when the most recently
// queued call releases; refs counts queued and running calls.
type entry struct {
	tail chan struct{}
	refs int
}

// New creates a Locker.
func New(opts Options) *Locker {
	if opts.ReleaseGrace <= 0 {
		opts.ReleaseGrace = defaultReleaseGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		opts:   opts,
		logger: logger.With("component", "convlock"),
		keys:   make(map[string]*entry),
	}
}

// WithLock runs action once every earlier call for key has finished,
// whatever their outcome. It returns the action's error. If ctx is
// cancelled while queued, action is skipped and ctx.Err() is returned.
func (l *Locker) WithLock(ctx context.Context, key string, action func(context.Context) error) error {
	prev, release := l.enqueue(key)
	return l.run(ctx, key, prev, release, action)
}

func (l *Locker) run(ctx context.Context, key string, prev <-chan struct{}, release func(), action func(context.Context) error) error {
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep our slot until the predecessor is done so that later
			// callers still observe call order.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	if l.opts.TurnTimeout <= 0 {
		defer release()
		return action(ctx)
	}
	return l.runWithWatchdog(ctx, key, action, release)
}

// Go queues action like WithLock but returns as soon as the call has taken
// its place in line. The action's error is delivered on the returned
// channel. Callers that must not block (transport receive loops) use it to
// keep arrival order without waiting for the turn.
func (l *Locker) Go(ctx context.Context, key string, action func(context.Context) error) <-chan error {
	prev, release := l.enqueue(key)
	done := make(chan error, 1)
	go func() {
		done <- l.run(ctx, key, prev, release, action)
	}()
	return done
}

func (l *Locker) enqueue(key string) (prev <-chan struct{}, release func()) {
	done := make(chan struct{})

	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{}
		l.keys[key] = e
	}
	e.refs++
	if e.tail != nil {
		prev = e.tail
	}
	e.tail = done
	l.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(done)
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.keys, key)
			}
			l.mu.Unlock()
		})
	}
	return prev, release
}

func (l *Locker) runWithWatchdog(ctx context.Context, key string, action func(context.Context) error, release func()) error {
	turnCtx, cancel := context.WithTimeout(ctx, l.opts.TurnTimeout)

	result := make(chan error, 1)
	go func() {
		defer cancel()
		result <- action(turnCtx)
	}()

	select {
	case err := <-result:
		release()
		return err
	case <-turnCtx.Done():
	}

	grace := time.NewTimer(l.opts.ReleaseGrace)
	defer grace.Stop()

	select {
	case err := <-result:
		release()
		return err
	case <-grace.C:
		l.logger.Warn("force-releasing stuck conversation",
			"key", key,
			"turn_timeout", l.opts.TurnTimeout.String(),
		)
		release()
		return ErrTurnTimeout
	}
}

// Result is the outcome of an action queued with GoRun.
type Result[T any] struct {
	Value T
	Err   error
}

// Run is WithLock for actions that produce a value.
func Run[T any](ctx context.Context, l *Locker, key string, fn func(context.Context) (T, error)) (T, error) {
	res := <-GoRun(ctx, l, key, fn)
	return res.Value, res.Err
}

// GoRun is Go for actions that produce a value. The place in line is taken
// before GoRun returns. A value produced after the key was force-released
// is discarded.
func GoRun[T any](ctx context.Context, l *Locker, key string, fn func(context.Context) (T, error)) <-chan Result[T] {
	var (
		mu        sync.Mutex
		out       T
		abandoned bool
	)
	done := l.Go(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		mu.Lock()
		if !abandoned {
			out = v
		}
		mu.Unlock()
		return err
	})

	results := make(chan Result[T], 1)
	go func() {
		err := <-done
		mu.Lock()
		abandoned = true
		v := out
		mu.Unlock()
		results <- Result[T]{Value: v, Err: err}
	}()
	return results
}

// Len returns the number of keys with queued or running work.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Pending returns how many calls are queued or running for key.
func (l *Locker) Pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.keys[key]; ok {
		return e.refs
	}
	return 0
}
