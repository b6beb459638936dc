package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-carbus/internal/logging"
)

// ErrLoopClosed is returned by Post and Do once the loop has stopped.
var ErrLoopClosed = errors.New("reactor: loop closed")

// Loop runs posted work, timer callbacks and readiness handlers on a single
// goroutine, so state touched only from the loop needs no locking.
//
// Life-cycle:
//
//	l := New(ctx, buf, hooks)
//	l.Watch(src)
//	l.Post(fn) / l.AfterFunc(d, fn)
//	l.Close()
//
// Work still queued when Close runs is dropped.
type Loop struct {
	ch     chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	hooks  Hooks
	closed atomic.Bool
	log    *slog.Logger
}

// Hooks customize Loop behavior.
type Hooks struct {
	// OnPanic is called with the recovered value when posted work panics.
	// The loop keeps running.
	OnPanic func(any)
	// OnAfter is called after every executed work item.
	OnAfter func()
	// OnWatchError is called when a watched source fails to report readiness.
	OnWatchError func(error)
}

// New starts a loop with a work queue of size buf.
func New(parent context.Context, buf int, hooks Hooks) *Loop {
	ctx, cancel := context.WithCancel(parent)
	l := &Loop{
		ch:     make(chan func(), buf),
		ctx:    ctx,
		cancel: cancel,
		hooks:  hooks,
		log:    logging.For("reactor"),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.ch:
			l.exec(fn)
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop_panic", "panic", fmt.Sprint(r))
			if l.hooks.OnPanic != nil {
				l.hooks.OnPanic(r)
			}
		}
		if l.hooks.OnAfter != nil {
			l.hooks.OnAfter()
		}
	}()
	fn()
}

// Post queues fn to run on the loop. It blocks while the queue is full, so
// it must not be called from the loop itself.
func (l *Loop) Post(fn func()) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	select {
	case l.ch <- fn:
		return nil
	case <-l.ctx.Done():
		return ErrLoopClosed
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() { defer close(done); fn() }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrLoopClosed
	}
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.ctx.Done() }

// Now returns the current time.
func (l *Loop) Now() time.Time { return time.Now() }

// Close stops the loop and waits for its goroutines, including watchers.
func (l *Loop) Close() {
	if l.closed.Swap(true) {
		return
	}
	l.cancel()
	l.wg.Wait()
}
