package speech

import (
	"context"
	"sync"
)

// Gate is a one-shot completion primitive. Complete and Fail may be called
// any number of times from any goroutine; only the first call has effect.
type Gate struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Complete resolves the gate successfully. It returns true if this call
// resolved it.
func (g *Gate) Complete() bool {
	return g.resolve(nil)
}

// Fail resolves the gate with err.
func (g *Gate) Fail(err error) bool {
	return g.resolve(err)
}

func (g *Gate) resolve(err error) bool {
	won := false
	g.once.Do(func() {
		g.err = err
		won = true
		close(g.done)
	})
	return won
}

// Done is closed once the gate resolves.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Resolved reports whether the gate has been completed or failed.
func (g *Gate) Resolved() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate resolves or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
