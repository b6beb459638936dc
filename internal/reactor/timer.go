package reactor

import (
	"sync/atomic"
	"time"
)

// Timer is a cancellable deferred callback.
type Timer interface {
	// Stop cancels the callback. Once Stop returns on the loop the callback
	// will not run. It reports whether the timer was still pending.
	Stop() bool
}

// Scheduler arms timers whose callbacks run on the loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

type loopTimer struct {
	t    *time.Timer
	done atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	lt.t.Stop()
	return !lt.done.Swap(true)
}

// AfterFunc runs fn on the loop after d. The fired check happens on the loop,
// so a Stop issued from the loop always wins over a callback still queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		_ = l.Post(func() {
			if lt.done.Swap(true) {
				return
			}
			fn()
		})
	})
	return lt
}

var _ Scheduler = (*Loop)(nil)
