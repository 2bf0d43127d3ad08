package vm

import (
	"context"
	"errors"
	"time"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Invocation is the completion handle of an asynchronous call.
type Invocation struct {
	id       ulid.ULID
	fn       Function
	done     chan struct{}
	err      error
	duration time.Duration
}

func (i *Invocation) ID() ulid.ULID      { return i.id }
func (i *Invocation) Function() Function { return i.fn }

// Done is closed when the call has finished.
func (i *Invocation) Done() <-chan struct{} { return i.done }

// Wait blocks until the call finishes or ctx is done. Cancelling ctx stops
// the wait only; the call runs to completion.
func (i *Invocation) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return i.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome of a finished call and nil while it is running.
func (i *Invocation) Err() error {
	select {
	case <-i.done:
		return i.err
	default:
		return nil
	}
}

// Duration returns the execution time of a finished call.
func (i *Invocation) Duration() time.Duration {
	select {
	case <-i.done:
		return i.duration
	default:
		return 0
	}
}

// InvokeAsync starts fn with the values in inputs and returns immediately.
// When the call completes its results are written into results: a buffer
// view slot with the same element type and shape receives a copy, other
// slots are replaced and missing slots appended. Every buffer view held by
// either list is retained until the call finishes, and neither list may be
// cleared before Done is closed.
//
// Calls on one context run one at a time in submission order.
func (c *Context) InvokeAsync(ctx context.Context, fn Function, inputs, results *VariantList) (*Invocation, error) {
	if !fn.IsValid() {
		return nil, vmerrors.New(vmerrors.PhaseInvoke, vmerrors.KindInvalidInput).
			Detail("invalid function %s", fn.QualifiedName()).
			Build()
	}
	if !c.owns(fn) {
		return nil, vmerrors.ModuleResolution(fn.Module.Name(),
			"module of "+fn.QualifiedName()+" is not registered in this context")
	}
	if results == nil {
		return nil, vmerrors.New(vmerrors.PhaseInvoke, vmerrors.KindInvalidInput).
			Detail("nil result list").
			Build()
	}
	if inputs == nil {
		inputs = NewVariantList(0)
	}

	inv := &Invocation{
		id:   ulid.Make(),
		fn:   fn,
		done: make(chan struct{}),
	}
	held := retainViews(inputs, results)
	args := inputs.Values()
	ctx = context.WithoutCancel(ctx)

	c.seqMu.Lock()
	prev := c.tail
	turn := make(chan struct{})
	c.tail = turn
	c.seqMu.Unlock()

	go func() {
		defer close(turn)
		if prev != nil {
			<-prev
		}
		defer close(inv.done)
		defer releaseViews(held)

		start := time.Now()
		err := c.run(ctx, fn, args, results)
		inv.duration = time.Since(start)
		if err != nil {
			err = vmerrors.Invocation([]string{fn.Module.Name(), fn.Name}, diagnostic(err), err)
		}
		inv.err = err

		c.inst.metrics.observeInvocation(fn.Module.Name(), fn.Name, inv.duration.Seconds(), err)
		if err != nil {
			c.logger.Debug("invocation failed",
				zap.Stringer("invocation_id", inv.id),
				zap.String("function", fn.QualifiedName()),
				zap.Error(err))
			return
		}
		c.logger.Debug("invocation complete",
			zap.Stringer("invocation_id", inv.id),
			zap.String("function", fn.QualifiedName()),
			zap.Duration("duration", inv.duration))
	}()
	return inv, nil
}

// Invoke runs fn and waits for it to complete. When ctx is done first it
// returns ctx.Err() while the call keeps running; use InvokeAsync to learn
// when inputs and results may be cleared.
func (c *Context) Invoke(ctx context.Context, fn Function, inputs, results *VariantList) error {
	inv, err := c.InvokeAsync(ctx, fn, inputs, results)
	if err != nil {
		return err
	}
	return inv.Wait(ctx)
}

func (c *Context) run(ctx context.Context, fn Function, args []Variant, results *VariantList) error {
	env := &callEnv{c: c}
	outs, err := env.call(ctx, fn, args)
	if err != nil {
		return err
	}
	defer func() {
		for _, o := range outs {
			o.release()
		}
	}()
	return populateResults(results, outs)
}

func populateResults(results *VariantList, outs []Variant) error {
	if len(outs) > results.Capacity() {
		return vmerrors.CapacityExceeded(results.Capacity(), len(outs))
	}
	for i, out := range outs {
		if i >= results.Size() {
			if err := results.Append(out); err != nil {
				return err
			}
			continue
		}
		cur := results.items[i]
		dst, dstOK := cur.BufferView()
		src, srcOK := out.BufferView()
		if dstOK && srcOK && sameLayout(dst, src) {
			if err := hal.CopyBuffer(src.Buffer(), 0, dst.Buffer(), 0, src.ByteLength()); err != nil {
				return err
			}
			continue
		}
		if err := results.Set(i, out); err != nil {
			return err
		}
	}
	return nil
}

func sameLayout(a, b *hal.BufferView) bool {
	return a.ElementType() == b.ElementType() && a.Shape().Equal(b.Shape())
}

func retainViews(lists ...*VariantList) []*hal.BufferView {
	var views []*hal.BufferView
	for _, l := range lists {
		for _, v := range l.items {
			if bv, ok := v.BufferView(); ok {
				bv.Retain()
				views = append(views, bv)
			}
		}
	}
	return views
}

func releaseViews(views []*hal.BufferView) {
	for _, v := range views {
		v.Release()
	}
}

// diagnostic summarizes a failed call for the error detail. The full chain
// stays available as the cause.
func diagnostic(err error) string {
	var trap *TrapError
	switch {
	case errors.As(err, &trap):
		return "trap: " + trap.Message
	case errors.Is(err, hal.ErrDivideByZero):
		return "integer division by zero"
	case errors.Is(err, vmerrors.ErrUnsupported):
		return "unsupported kernel"
	case errors.Is(err, vmerrors.ErrMalformedModule):
		return "malformed function body"
	case errors.Is(err, vmerrors.ErrCapacityExceeded):
		return "result list capacity exceeded"
	case errors.Is(err, vmerrors.ErrOutOfBounds):
		return "out of bounds"
	default:
		return "execution failed"
	}
}
