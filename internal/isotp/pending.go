package isotp

import (
	"context"
	"sync"
)

// Pending is the confirmation of one Send.
type Pending struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newPending() *Pending { return &Pending{done: make(chan struct{})} }

func (p *Pending) resolve(r Result) {
	p.once.Do(func() {
		p.result = r
		close(p.done)
	})
}

// Done is closed once the transfer has a result.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() Result { return p.result }

// Wait blocks until the transfer completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return ResultError, ctx.Err()
	}
}
