package cache

import (
	"context"
	"sync"
)

// Pending is the result of an asynchronous mutation.
type Pending struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the mutation has been written and applied, or failed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the mutation completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the mutation error. It is nil until Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
