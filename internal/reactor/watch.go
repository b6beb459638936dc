package reactor

import (
	"errors"
	"time"
)

// ErrSourceClosed is returned by a Source whose underlying handle is gone.
var ErrSourceClosed = errors.New("reactor: source closed")

// Source is a readiness-driven handle, typically a socket.
type Source interface {
	// WaitReadable blocks up to timeout and reports whether a read would
	// make progress. It runs off the loop.
	WaitReadable(timeout time.Duration) (bool, error)
	// OnReadable performs one read. It runs on the loop.
	OnReadable()
	// OnClose runs on the loop once WaitReadable reports ErrSourceClosed.
	OnClose()
}

const (
	// pollInterval bounds one readiness wait so shutdown is noticed.
	pollInterval = 100 * time.Millisecond
	backoffMin   = 20 * time.Millisecond
	backoffMax   = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Watch starts a goroutine that waits for src to become readable and then
// dispatches exactly one OnReadable on the loop, waiting for it to finish
// before polling again.
func (l *Loop) Watch(src Source) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		backoff := backoffMin
		for l.ctx.Err() == nil {
			ready, err := src.WaitReadable(pollInterval)
			if err != nil {
				if errors.Is(err, ErrSourceClosed) {
					_ = l.Post(src.OnClose)
					return
				}
				if l.ctx.Err() != nil {
					return
				}
				if l.hooks.OnWatchError != nil {
					l.hooks.OnWatchError(err)
				}
				l.log.Warn("watch_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			backoff = backoffMin
			if !ready {
				continue
			}
			done := make(chan struct{})
			if err := l.Post(func() { defer close(done); src.OnReadable() }); err != nil {
				return
			}
			select {
			case <-done:
			case <-l.ctx.Done():
				return
			}
		}
	}()
}
