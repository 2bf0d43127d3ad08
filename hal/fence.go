package hal

import (
	"context"
	"sync"
)

// Fence is a one-shot completion token for submitted work.
type Fence struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

// SignaledFence returns a fence that has already completed with err.
func SignaledFence(err error) *Fence {
	f := NewFence()
	f.Signal(err)
	return f
}

// Signal completes the fence. Only the first call has an effect.
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Err returns the completion error, or nil if the fence is still pending.
func (f *Fence) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the fence completes or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits on every fence and returns the first error.
func WaitAll(ctx context.Context, fences ...*Fence) error {
	var first error
	for _, f := range fences {
		if err := f.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
