package isotp

import (
	"errors"
	"sort"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/reactor"
)

// manualClock is a reactor.Scheduler driven by Advance.
type manualClock struct {
	now    time.Time
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	at   time.Time
	seq  int
	fn   func()
	done bool
}

func (t *manualTimer) Stop() bool {
	was := !t.done
	t.done = true
	return was
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) AfterFunc(d time.Duration, fn func()) reactor.Timer {
	c.seq++
	t := &manualTimer{at: c.now.Add(d), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, running due callbacks in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		live := c.timers[:0]
		for _, t := range c.timers {
			if !t.done {
				live = append(live, t)
			}
		}
		c.timers = live
		sort.Slice(c.timers, func(i, j int) bool {
			if c.timers[i].at.Equal(c.timers[j].at) {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].at.Before(c.timers[j].at)
		})
		if len(c.timers) == 0 || c.timers[0].at.After(target) {
			break
		}
		t := c.timers[0]
		t.done = true
		c.now = t.at
		t.fn()
	}
	c.now = target
}

// Pending counts armed timers.
func (c *manualClock) Pending() int {
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

var _ reactor.Scheduler = (*manualClock)(nil)

// captureLink records written frames and fails on demand.
type captureLink struct {
	frames []can.Frame
	err    error
	// failAfter makes writes fail once this many frames were written; 0 disables.
	failAfter int
}

func (l *captureLink) WriteFrame(f can.Frame) error {
	if l.err != nil && (l.failAfter == 0 || len(l.frames) >= l.failAfter) {
		return l.err
	}
	l.frames = append(l.frames, f)
	return nil
}

func (l *captureLink) take() []can.Frame {
	out := l.frames
	l.frames = nil
	return out
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "write timeout" }
func (timeoutErr) Timeout() bool { return true }

var errLinkDown = errors.New("link down")

type message struct {
	payload []byte
	from    Address
	result  Result
}

type recorder struct {
	msgs []message
	ind  []Indication
}

func (r *recorder) OnMessage(p []byte, from Address, res Result) {
	r.msgs = append(r.msgs, message{payload: p, from: from, result: res})
}

func (r *recorder) indicate(i Indication) { r.ind = append(r.ind, i) }
