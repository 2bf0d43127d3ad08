package local

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

var ErrDeviceClosed = errors.New("device closed")

var deviceSeq atomic.Uint64

// Device executes dispatches on a single host goroutine.
type Device struct {
	id        string
	allocator *hal.HeapAllocator
	queue     *hal.Queue
	closed    atomic.Bool
}

func newDevice(cfg config) *Device {
	id := fmt.Sprintf("%s:%d", DriverName, deviceSeq.Add(1))
	hal.Logger().Debug("device created", zap.String("device", id))
	return &Device{
		id:        id,
		allocator: hal.NewHeapAllocator(),
		queue:     hal.NewQueue(id, cfg.queueDepth),
	}
}

func (d *Device) Info() hal.DeviceInfo {
	return hal.DeviceInfo{
		ID:       d.id,
		Driver:   DriverName,
		Name:     "host",
		Features: cpuFeatures(),
	}
}

func cpuFeatures() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}
	add(cpu.X86.HasSSE41, "sse4.1")
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasFPHP, "fp16")
	add(cpu.ARM64.HasSVE, "sve")
	return features
}

func (d *Device) Allocator() hal.Allocator {
	return d.allocator
}

// Supports reports true for every kernel over integer, float32 and float64
// elements.
func (d *Device) Supports(k hal.Kernel, t hal.ElementType) bool {
	if k.Arity() < 0 || !t.Valid() {
		return false
	}
	if k == hal.KernelCopy || k == hal.KernelFill {
		return true
	}
	return t != hal.Float16 && t != hal.BFloat16
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
	return d.queue.Submit(func() error {
		return execute(dispatch)
	})
}

func (d *Device) WaitIdle(ctx context.Context) error {
	return d.queue.Flush(ctx)
}

func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.queue.Close()
	hal.Logger().Debug("device closed", zap.String("device", d.id))
	return nil
}
