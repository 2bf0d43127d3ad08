package wasm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

var (
	ErrDeviceClosed   = errors.New("device closed")
	errBufferReleased = errors.New("buffer released")
)

func errOutOfMemory(offset uint32, n int) error {
	return vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindOutOfBounds).
		Detail("linear memory access offset=%d, length=%d", offset, n).
		Build()
}

var deviceSeq atomic.Uint64

// Device runs kernels inside one wasm module instance. All access to linear
// memory is serialized by mu.
type Device struct {
	id        string
	module    api.Module
	memory    api.Memory
	kernels   map[string]api.Function
	allocator *Allocator
	queue     *hal.Queue

	mu     sync.Mutex
	closed atomic.Bool
}

func newDevice(mod api.Module, cfg config) (*Device, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("kernel module has no memory export")
	}

	d := &Device{
		id:      fmt.Sprintf("%s:%d", DriverName, deviceSeq.Add(1)),
		module:  mod,
		memory:  mem,
		kernels: make(map[string]api.Function, len(kernelSpecs)),
	}
	for _, s := range kernelSpecs {
		fn := mod.ExportedFunction(s.export())
		if fn == nil {
			return nil, fmt.Errorf("kernel module missing export %q", s.export())
		}
		d.kernels[s.export()] = fn
	}
	d.allocator = newAllocator(d)
	d.queue = hal.NewQueue(d.id, cfg.queueDepth)
	return d, nil
}

func (d *Device) Info() hal.DeviceInfo {
	features := make([]string, 0, len(kernelSpecs))
	for _, s := range kernelSpecs {
		features = append(features, s.export())
	}
	return hal.DeviceInfo{
		ID:       d.id,
		Driver:   DriverName,
		Name:     "wazero",
		Features: features,
	}
}

func (d *Device) Allocator() hal.Allocator {
	return d.allocator
}

// Supports reports true for kernels compiled into the module. Copy and fill
// work for every element type.
func (d *Device) Supports(k hal.Kernel, t hal.ElementType) bool {
	if !t.Valid() {
		return false
	}
	if k == hal.KernelCopy || k == hal.KernelFill {
		return true
	}
	_, ok := d.kernels[exportName(k, t)]
	return ok
}

func (d *Device) Submit(ctx context.Context, dispatch hal.Dispatch) (*hal.Fence, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if err := dispatch.Validate(); err != nil {
		return nil, err
	}
	if !d.Supports(dispatch.Kernel, dispatch.Output.ElementType()) {
		return nil, vmerrors.Unsupported(vmerrors.PhaseDevice,
			fmt.Sprintf("unsupported kernel %s over %s", dispatch.Kernel, dispatch.Output.ElementType()))
	}

	out, err := d.ownBuffer(dispatch.Output)
	if err != nil {
		return nil, err
	}
	inputs := make([]*Buffer, len(dispatch.Inputs))
	for i, in := range dispatch.Inputs {
		if inputs[i], err = d.ownBuffer(in); err != nil {
			return nil, err
		}
	}

	return d.queue.Submit(func() error {
		return d.execute(dispatch, inputs, out)
	})
}

func (d *Device) ownBuffer(v *hal.BufferView) (*Buffer, error) {
	b, ok := v.Buffer().(*Buffer)
	if !ok || b.alloc != d.allocator {
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("buffer %T was not allocated by device %s", v.Buffer(), d.id).
			Build()
	}
	return b, nil
}

func (d *Device) execute(dispatch hal.Dispatch, inputs []*Buffer, out *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range append(inputs, out) {
		if b.freed {
			return errBufferReleased
		}
	}

	n := dispatch.Output.ByteLength()
	switch dispatch.Kernel {
	case hal.KernelCopy:
		src, ok := d.memory.Read(inputs[0].offset, uint32(n))
		if !ok {
			return errOutOfMemory(inputs[0].offset, n)
		}
		tmp := make([]byte, n)
		copy(tmp, src)
		if !d.memory.Write(out.offset, tmp) {
			return errOutOfMemory(out.offset, n)
		}
		return nil
	case hal.KernelFill:
		tmp := make([]byte, n)
		for off := 0; off < n; off += len(dispatch.Pattern) {
			copy(tmp[off:], dispatch.Pattern)
		}
		if !d.memory.Write(out.offset, tmp) {
			return errOutOfMemory(out.offset, n)
		}
		return nil
	}

	name := exportName(dispatch.Kernel, dispatch.Output.ElementType())
	fn := d.kernels[name]
	params := make([]uint64, 0, len(inputs)+2)
	for _, in := range inputs {
		params = append(params, uint64(in.offset))
	}
	params = append(params, uint64(out.offset), uint64(dispatch.Output.ElementCount()))

	if _, err := fn.Call(context.Background(), params...); err != nil {
		if strings.Contains(err.Error(), "integer divide by zero") {
			return fmt.Errorf("%s: %w", name, hal.ErrDivideByZero)
		}
		hal.Logger().Warn("kernel trapped", zap.String("device", d.id), zap.String("kernel", name), zap.Error(err))
		return fmt.Errorf("%s trapped: %w", name, err)
	}
	return nil
}

func (d *Device) WaitIdle(ctx context.Context) error {
	return d.queue.Flush(ctx)
}

// Close drains the queue and closes the module instance. Buffers allocated
// from the device become unusable.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.queue.Close()
	hal.Logger().Debug("device closed", zap.String("device", d.id))
	return d.module.Close(context.Background())
}
