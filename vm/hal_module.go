package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/sig"
)

// HALModuleName is the name user modules import device operations from.
const HALModuleName = "hal"

// Memory placement of buffers produced on the device.
const (
	resultMemoryType = hal.MemoryTypeDeviceLocal | hal.MemoryTypeHostVisible
	resultUsage      = hal.BufferUsageAll
)

// NewHALModule returns the module exposing dev's kernels. Signatures are
// written for rank-1 float32 views; the kernels accept any shape and any
// element type the device supports.
func NewHALModule(dev hal.Device) *NativeModule {
	m := NewNativeModule(HALModuleName)
	h := &halFuncs{dev: dev}

	vec := sig.Buffer(hal.Float32, sig.DynamicDim)
	binaryOp := sig.Function{Inputs: []sig.Type{vec, vec}, Results: []sig.Type{vec}}
	unaryOp := sig.Function{Inputs: []sig.Type{vec}, Results: []sig.Type{vec}}

	for _, k := range hal.Kernels() {
		switch k.Arity() {
		case 2:
			m.mustDefine(string(k), binaryOp, h.kernel(k))
		case 1:
			m.mustDefine(string(k), unaryOp, h.kernel(k))
		}
	}
	m.mustDefine("fill",
		sig.Function{Inputs: []sig.Type{vec, sig.Scalar(hal.Float32)}, Results: []sig.Type{vec}},
		h.fill)
	m.mustDefine("dim",
		sig.Function{Inputs: []sig.Type{vec, sig.Scalar(hal.Sint32)}, Results: []sig.Type{sig.Scalar(hal.Sint32)}},
		h.dim)
	return m
}

type halFuncs struct {
	dev hal.Device
}

func (h *halFuncs) kernel(k hal.Kernel) NativeFunc {
	return func(ctx context.Context, args []Variant) ([]Variant, error) {
		inputs := make([]*hal.BufferView, len(args))
		for i, a := range args {
			v, ok := a.BufferView()
			if !ok {
				return nil, fmt.Errorf("%s: argument %d is %s, expected %s", k, i, a.Type(), RefTypeBufferView)
			}
			inputs[i] = v
		}
		if !h.dev.Supports(k, inputs[0].ElementType()) {
			return nil, vmerrors.Unsupported(vmerrors.PhaseInvoke,
				fmt.Sprintf("unsupported kernel %s over %s on %s", k, inputs[0].ElementType(), h.dev.Info().Driver))
		}
		out, err := h.dispatch(ctx, hal.Dispatch{Kernel: k, Inputs: inputs}, inputs[0])
		if err != nil {
			return nil, err
		}
		return []Variant{View(out)}, nil
	}
}

func (h *halFuncs) fill(ctx context.Context, args []Variant) ([]Variant, error) {
	like, ok := args[0].BufferView()
	if !ok {
		return nil, fmt.Errorf("fill: argument 0 is %s, expected %s", args[0].Type(), RefTypeBufferView)
	}
	pattern, err := encodeElement(like.ElementType(), args[1])
	if err != nil {
		return nil, fmt.Errorf("fill: %w", err)
	}
	out, err := h.dispatch(ctx, hal.Dispatch{Kernel: hal.KernelFill, Pattern: pattern}, like)
	if err != nil {
		return nil, err
	}
	return []Variant{View(out)}, nil
}

func (h *halFuncs) dim(_ context.Context, args []Variant) ([]Variant, error) {
	v, ok := args[0].BufferView()
	if !ok {
		return nil, fmt.Errorf("dim: argument 0 is %s, expected %s", args[0].Type(), RefTypeBufferView)
	}
	i, ok := args[1].Int()
	if !ok {
		return nil, fmt.Errorf("dim: argument 1 is %s, expected an integer", args[1].Type())
	}
	shape := v.Shape()
	if i < 0 || int(i) >= len(shape) {
		return nil, vmerrors.OutOfBounds(vmerrors.PhaseInvoke, int(i), len(shape))
	}
	return []Variant{I32(int32(shape[i]))}, nil
}

// dispatch allocates an output shaped like like, runs d into it and waits.
func (h *halFuncs) dispatch(ctx context.Context, d hal.Dispatch, like *hal.BufferView) (*hal.BufferView, error) {
	out, err := hal.AllocateView(h.dev.Allocator(), resultMemoryType, resultUsage, like.Shape(), like.ElementType())
	if err != nil {
		return nil, err
	}
	d.Output = out
	if err := hal.Execute(ctx, h.dev, d); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// encodeElement converts a scalar variant to one little-endian element.
func encodeElement(t hal.ElementType, v Variant) ([]byte, error) {
	if !v.IsScalar() {
		return nil, fmt.Errorf("expected a scalar, got %s", v.Type())
	}
	out := make([]byte, t.Size())
	switch t {
	case hal.Float32:
		f, _ := v.Float()
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(f)))
	case hal.Float64:
		f, _ := v.Float()
		binary.LittleEndian.PutUint64(out, math.Float64bits(f))
	case hal.Float16, hal.BFloat16:
		return nil, vmerrors.Unsupported(vmerrors.PhaseInvoke, fmt.Sprintf("fill over %s", t))
	default:
		n, _ := v.Int()
		u := uint64(n)
		for i := range out {
			out[i] = byte(u >> (8 * i))
		}
	}
	return out, nil
}
