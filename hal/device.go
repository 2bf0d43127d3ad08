package hal

import (
	"context"
	"errors"
	"fmt"

	vmerrors "github.com/caffeineduck/vmrt/errors"
)

// ErrDivideByZero is reported by devices for integer division by zero.
var ErrDivideByZero = errors.New("integer division by zero")

// Kernel names an element-wise operation a device can execute.
type Kernel string

const (
	KernelAdd  Kernel = "add"
	KernelSub  Kernel = "sub"
	KernelMul  Kernel = "mul"
	KernelDiv  Kernel = "div"
	KernelMin  Kernel = "min"
	KernelMax  Kernel = "max"
	KernelNeg  Kernel = "neg"
	KernelAbs  Kernel = "abs"
	KernelCopy Kernel = "copy"
	KernelFill Kernel = "fill"
)

// Arity returns the number of input views the kernel consumes.
func (k Kernel) Arity() int {
	switch k {
	case KernelAdd, KernelSub, KernelMul, KernelDiv, KernelMin, KernelMax:
		return 2
	case KernelNeg, KernelAbs, KernelCopy:
		return 1
	case KernelFill:
		return 0
	}
	return -1
}

// Kernels lists every kernel in a stable order.
func Kernels() []Kernel {
	return []Kernel{
		KernelAdd, KernelSub, KernelMul, KernelDiv, KernelMin, KernelMax,
		KernelNeg, KernelAbs, KernelCopy, KernelFill,
	}
}

// Dispatch is one unit of device work. All views share one shape and element
// type. Pattern holds the encoded element for KernelFill.
type Dispatch struct {
	Kernel  Kernel
	Inputs  []*BufferView
	Output  *BufferView
	Pattern []byte
}

// Validate checks arity, shapes and element types.
func (d Dispatch) Validate() error {
	arity := d.Kernel.Arity()
	if arity < 0 {
		return vmerrors.Unsupported(vmerrors.PhaseDevice, fmt.Sprintf("unknown kernel %q", d.Kernel))
	}
	if d.Output == nil {
		return vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("%s: missing output view", d.Kernel).
			Build()
	}
	if len(d.Inputs) != arity {
		return vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("%s: expected %d inputs, got %d", d.Kernel, arity, len(d.Inputs)).
			Build()
	}
	for i, in := range d.Inputs {
		if in.ElementType() != d.Output.ElementType() {
			return vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
				Detail("%s: input %d is %s, output is %s", d.Kernel, i, in.ElementType(), d.Output.ElementType()).
				Build()
		}
		if !in.shape.Equal(d.Output.shape) {
			return vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
				Detail("%s: input %d shape %s does not match output shape %s", d.Kernel, i, in.shape, d.Output.shape).
				Build()
		}
	}
	if d.Kernel == KernelFill && len(d.Pattern) != d.Output.ElementType().Size() {
		return vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("fill: pattern of %d bytes for %s elements", len(d.Pattern), d.Output.ElementType()).
			Build()
	}
	return nil
}

// DeviceInfo describes a device for enumeration output.
type DeviceInfo struct {
	ID       string   `json:"id"`
	Driver   string   `json:"driver"`
	Name     string   `json:"name"`
	Features []string `json:"features,omitempty"`
}

// Device allocates buffers and executes dispatches in submission order.
type Device interface {
	Info() DeviceInfo
	Allocator() Allocator
	// Supports reports whether the device can run kernel k over elements of type t.
	Supports(k Kernel, t ElementType) bool
	// Submit enqueues d and returns a fence signaled when it completes.
	Submit(ctx context.Context, d Dispatch) (*Fence, error)
	// WaitIdle blocks until all submitted work has completed.
	WaitIdle(ctx context.Context) error
	Close() error
}

// Driver creates devices for one backend.
type Driver interface {
	Name() string
	CreateDefaultDevice(ctx context.Context) (Device, error)
}

// Execute submits d and waits for it to complete.
func Execute(ctx context.Context, dev Device, d Dispatch) error {
	fence, err := dev.Submit(ctx, d)
	if err != nil {
		return err
	}
	return fence.Wait(ctx)
}
