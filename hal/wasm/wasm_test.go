package wasm_test

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"math"
	"os"
	"testing"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/hal/wasm"
)

// Shared driver so the kernel module is compiled once.
var sharedDriver *wasm.Driver

func TestMain(m *testing.M) {
	var err error
	sharedDriver, err = wasm.New(context.Background())
	if err != nil {
		panic("failed to create wasm driver: " + err.Error())
	}

	code := m.Run()

	sharedDriver.Close()
	os.Exit(code)
}

func newDevice(t *testing.T) hal.Device {
	t.Helper()
	dev, err := sharedDriver.CreateDefaultDevice(context.Background())
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func view(t *testing.T, dev hal.Device, et hal.ElementType, words ...uint32) *hal.BufferView {
	t.Helper()
	v, err := hal.AllocateView(dev.Allocator(), hal.MemoryTypeDeviceLocal|hal.MemoryTypeHostVisible, hal.BufferUsageAll, hal.Shape{len(words)}, et)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	if err := v.Buffer().WriteData(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	return v
}

func f32s(vals ...float32) []uint32 {
	out := make([]uint32, len(vals))
	for i, v := range vals {
		out[i] = math.Float32bits(v)
	}
	return out
}

func words(t *testing.T, v *hal.BufferView) []uint32 {
	t.Helper()
	data, err := v.ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return out
}

// =============================================================================
// KERNELS
// =============================================================================

func TestMulFloat32(t *testing.T) {
	dev := newDevice(t)
	a := view(t, dev, hal.Float32, f32s(1, 2, 3, 4)...)
	b := view(t, dev, hal.Float32, f32s(4, 5, 6, 7)...)
	out := view(t, dev, hal.Float32, 0, 0, 0, 0)

	err := hal.Execute(context.Background(), dev, hal.Dispatch{Kernel: hal.KernelMul, Inputs: []*hal.BufferView{a, b}, Output: out})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := f32s(4, 10, 18, 28)
	got := words(t, out)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: expected %v, got %v", i, math.Float32frombits(want[i]), math.Float32frombits(got[i]))
		}
	}
}

func TestFloat32Unary(t *testing.T) {
	dev := newDevice(t)
	a := view(t, dev, hal.Float32, f32s(-1.5, 2, -0.25)...)
	neg := view(t, dev, hal.Float32, 0, 0, 0)
	abs := view(t, dev, hal.Float32, 0, 0, 0)

	ctx := context.Background()
	if err := hal.Execute(ctx, dev, hal.Dispatch{Kernel: hal.KernelNeg, Inputs: []*hal.BufferView{a}, Output: neg}); err != nil {
		t.Fatalf("neg: %v", err)
	}
	if err := hal.Execute(ctx, dev, hal.Dispatch{Kernel: hal.KernelAbs, Inputs: []*hal.BufferView{a}, Output: abs}); err != nil {
		t.Fatalf("abs: %v", err)
	}

	wantNeg := f32s(1.5, -2, 0.25)
	wantAbs := f32s(1.5, 2, 0.25)
	gotNeg, gotAbs := words(t, neg), words(t, abs)
	for i := range wantNeg {
		if gotNeg[i] != wantNeg[i] || gotAbs[i] != wantAbs[i] {
			t.Fatalf("element %d: neg=%v abs=%v", i, math.Float32frombits(gotNeg[i]), math.Float32frombits(gotAbs[i]))
		}
	}
}

func TestInt32SubAndCopy(t *testing.T) {
	dev := newDevice(t)
	a := view(t, dev, hal.Sint32, 10, 20, 30)
	b := view(t, dev, hal.Sint32, 1, 2, 3)
	out := view(t, dev, hal.Sint32, 0, 0, 0)
	cp := view(t, dev, hal.Sint32, 0, 0, 0)

	ctx := context.Background()
	if err := hal.Execute(ctx, dev, hal.Dispatch{Kernel: hal.KernelSub, Inputs: []*hal.BufferView{a, b}, Output: out}); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if err := hal.Execute(ctx, dev, hal.Dispatch{Kernel: hal.KernelCopy, Inputs: []*hal.BufferView{out}, Output: cp}); err != nil {
		t.Fatalf("copy: %v", err)
	}

	got := words(t, cp)
	if got[0] != 9 || got[1] != 18 || got[2] != 27 {
		t.Errorf("expected [9 18 27], got %v", got)
	}
}

func TestDivideByZeroTrap(t *testing.T) {
	dev := newDevice(t)
	a := view(t, dev, hal.Sint32, 8, 9)
	zero := view(t, dev, hal.Sint32, 2, 0)
	out := view(t, dev, hal.Sint32, 0, 0)

	err := hal.Execute(context.Background(), dev, hal.Dispatch{Kernel: hal.KernelDiv, Inputs: []*hal.BufferView{a, zero}, Output: out})
	if !stderrors.Is(err, hal.ErrDivideByZero) {
		t.Fatalf("expected ErrDivideByZero, got %v", err)
	}

	err = hal.Execute(context.Background(), dev, hal.Dispatch{Kernel: hal.KernelAdd, Inputs: []*hal.BufferView{a, zero}, Output: out})
	if err != nil {
		t.Fatalf("device should remain usable: %v", err)
	}
	if got := words(t, out); got[0] != 10 || got[1] != 9 {
		t.Errorf("expected [10 9], got %v", got)
	}
}

func TestUnsupportedKernel(t *testing.T) {
	dev := newDevice(t)
	if dev.Supports(hal.KernelAdd, hal.Float64) {
		t.Fatal("float64 add should not be supported")
	}

	a, _ := hal.AllocateView(dev.Allocator(), hal.MemoryTypeDeviceLocal, hal.BufferUsageAll, hal.Shape{2}, hal.Float64)
	_, err := dev.Submit(context.Background(), hal.Dispatch{Kernel: hal.KernelAdd, Inputs: []*hal.BufferView{a, a}, Output: a})
	if !stderrors.Is(err, vmerrors.ErrUnsupported) {
		t.Errorf("expected unsupported error, got %v", err)
	}
}

func TestForeignBufferRejected(t *testing.T) {
	dev := newDevice(t)
	heap, _ := hal.AllocateView(hal.NewHeapAllocator(), hal.MemoryTypeHostLocal, hal.BufferUsageAll, hal.Shape{1}, hal.Float32)
	out := view(t, dev, hal.Float32, 0)

	_, err := dev.Submit(context.Background(), hal.Dispatch{Kernel: hal.KernelNeg, Inputs: []*hal.BufferView{heap}, Output: out})
	if !stderrors.Is(err, vmerrors.ErrInvalidInput) {
		t.Errorf("expected invalid input error, got %v", err)
	}
}

// =============================================================================
// MEMORY
// =============================================================================

func TestAllocatorReusesFreedRange(t *testing.T) {
	dev := newDevice(t)
	alloc := dev.Allocator()

	first, err := alloc.Allocate(hal.MemoryTypeDeviceLocal, hal.BufferUsageAll, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	offset := first.(*wasm.Buffer).Offset()
	first.WriteData(0, []byte{0xff, 0xff})
	first.Release()

	second, _ := alloc.Allocate(hal.MemoryTypeDeviceLocal, hal.BufferUsageAll, 64)
	if got := second.(*wasm.Buffer).Offset(); got != offset {
		t.Errorf("expected freed offset %d to be reused, got %d", offset, got)
	}

	head := make([]byte, 2)
	second.ReadData(0, head)
	if head[0] != 0 || head[1] != 0 {
		t.Errorf("reused memory should be zeroed, got %v", head)
	}

	stats := alloc.Statistics()
	if stats.Allocations != 2 || stats.Frees != 1 || stats.BytesInUse() != 64 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestAllocatorGrowsMemory(t *testing.T) {
	dev := newDevice(t)
	buf, err := dev.Allocator().Allocate(hal.MemoryTypeDeviceLocal, hal.BufferUsageAll, 3*65536)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := buf.WriteData(3*65536-4, []byte{1, 2, 3, 4}); err != nil {
		t.Errorf("write at end of grown memory failed: %v", err)
	}
}

func TestMemoryLimit(t *testing.T) {
	drv, err := wasm.New(context.Background(), wasm.WithMemoryLimit(wasm.MemoryLimit1MB))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer drv.Close()

	dev, err := drv.CreateDefaultDevice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer dev.Close()

	_, err = dev.Allocator().Allocate(hal.MemoryTypeDeviceLocal, hal.BufferUsageAll, 2<<20)
	if !stderrors.Is(err, vmerrors.ErrOutOfBounds) {
		t.Errorf("expected allocation beyond limit to fail, got %v", err)
	}
}

func TestMapWriteBack(t *testing.T) {
	dev := newDevice(t)
	buf, _ := dev.Allocator().Allocate(hal.MemoryTypeHostLocal, hal.BufferUsageAll, 8)

	m, err := buf.Map(hal.MemoryAccessWrite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Contents[3] = 42
	if err := m.Unmap(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := make([]byte, 8)
	buf.ReadData(0, got)
	if got[3] != 42 {
		t.Errorf("expected mapped write to reach the buffer, got %v", got)
	}
}

func TestReleasedBufferUnusable(t *testing.T) {
	dev := newDevice(t)
	buf, _ := dev.Allocator().Allocate(hal.MemoryTypeHostLocal, hal.BufferUsageAll, 8)
	buf.Release()

	if err := buf.WriteData(0, []byte{1}); err == nil {
		t.Error("expected error writing to a released buffer")
	}
}

func TestDeviceInfo(t *testing.T) {
	dev := newDevice(t)
	info := dev.Info()
	if info.Driver != "wasm" {
		t.Errorf("expected wasm driver, got %q", info.Driver)
	}
	found := false
	for _, f := range info.Features {
		if f == "f32_mul" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected f32_mul feature, got %v", info.Features)
	}
}
