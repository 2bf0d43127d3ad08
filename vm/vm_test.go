package vm_test

import (
	"context"
	stderrors "errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/caffeineduck/vmrt/bytecode"
	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/hal/drivers"
	"github.com/caffeineduck/vmrt/host"
	"github.com/caffeineduck/vmrt/sig"
	"github.com/caffeineduck/vmrt/vm"
	"github.com/prometheus/client_golang/prometheus"
)

// Drivers are created once; the wasm driver compiles its kernel module on
// first use.
var (
	driverNames = drivers.DefaultOrder
	halDrivers  = map[string]hal.Driver{}
)

func TestMain(m *testing.M) {
	reg := drivers.NewRegistry()
	for _, name := range driverNames {
		d, err := reg.Create(name)
		if err != nil {
			panic("failed to create driver " + name + ": " + err.Error())
		}
		halDrivers[name] = d
	}

	code := m.Run()

	for _, d := range halDrivers {
		if c, ok := d.(interface{ Close() error }); ok {
			c.Close()
		}
	}
	os.Exit(code)
}

func newDevice(t *testing.T, driver string) hal.Device {
	t.Helper()
	dev, err := halDrivers[driver].CreateDefaultDevice(context.Background())
	if err != nil {
		t.Fatalf("failed to create %s device: %v", driver, err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

// forEachDriver runs fn once per reference driver.
func forEachDriver(t *testing.T, fn func(t *testing.T, dev hal.Device)) {
	for _, name := range driverNames {
		t.Run(name, func(t *testing.T) {
			fn(t, newDevice(t, name))
		})
	}
}

func loadModule(t *testing.T, data []byte) *vm.BytecodeModule {
	t.Helper()
	m, err := vm.LoadModule(data)
	if err != nil {
		t.Fatalf("failed to load module: %v", err)
	}
	return m
}

// newSystem returns a static context holding the HAL module and mod.
func newSystem(t *testing.T, dev hal.Device, data []byte) (*vm.Context, *vm.BytecodeModule) {
	t.Helper()
	mod := loadModule(t, data)
	ctx, err := vm.NewContextWithModules(vm.NewInstance(), vm.NewHALModule(dev), mod)
	if err != nil {
		t.Fatalf("failed to create context: %v", err)
	}
	return ctx, mod
}

func lookup(t *testing.T, m vm.Module, name string) vm.Function {
	t.Helper()
	fn, ok := m.LookupFunction(name)
	if !ok {
		t.Fatalf("function %q not found", name)
	}
	return fn
}

func f32(vals ...float32) *host.Array {
	return host.MustFromSlice(vals)
}

func floats(t *testing.T, v host.Value) []float32 {
	t.Helper()
	arr, ok := v.(*host.Array)
	if !ok {
		t.Fatalf("expected array, got %T", v)
	}
	out, err := host.Values[float32](arr)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func equalFloats(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// call packs args, allocates dynamic results, invokes and unpacks.
func call(t *testing.T, ctx *vm.Context, dev hal.Device, fn vm.Function, args ...host.Value) ([]host.Value, error) {
	t.Helper()
	abi, err := ctx.CreateFunctionAbi(dev, fn)
	if err != nil {
		t.Fatalf("create abi: %v", err)
	}
	inputs, err := abi.RawPackInputs(args...)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	defer inputs.Clear()
	results, err := abi.AllocateResults(inputs, false)
	if err != nil {
		t.Fatalf("allocate results: %v", err)
	}
	defer results.Clear()

	if err := ctx.Invoke(context.Background(), fn, inputs, results); err != nil {
		return nil, err
	}
	return abi.RawUnpackResults(results)
}

// =============================================================================
// INSTANCE AND CONTEXT
// =============================================================================

func TestRefTypesRegistered(t *testing.T) {
	vm.NewInstance()
	names := map[string]bool{}
	for _, rt := range vm.RefTypes() {
		names[rt.Name] = true
	}
	for _, want := range []string{vm.RefTypeList, vm.RefTypeBuffer, vm.RefTypeBufferView} {
		if !names[want] {
			t.Errorf("reference type %q not registered", want)
		}
	}
}

func TestContextIDsIncrease(t *testing.T) {
	inst := vm.NewInstance()
	prev := vm.NewContext(inst).ID()
	for i := 0; i < 10; i++ {
		id := vm.NewContext(inst).ID()
		if id <= prev {
			t.Fatalf("context id %d not greater than %d", id, prev)
		}
		prev = id
	}
}

func TestContextIDsUniqueConcurrently(t *testing.T) {
	inst := vm.NewInstance()
	const n = 64
	ids := make([]uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = vm.NewContext(inst).ID()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("context id %d issued twice", id)
		}
		seen[id] = true
	}
}

func TestRegistrationOrder(t *testing.T) {
	dev := newDevice(t, "local-sync")
	inst := vm.NewInstance()

	if _, err := vm.NewContextWithModules(inst, vm.NewHALModule(dev), loadModule(t, vm.SimpleMulBinary())); err != nil {
		t.Fatalf("hal then user should register: %v", err)
	}

	_, err := vm.NewContextWithModules(inst, loadModule(t, vm.SimpleMulBinary()), vm.NewHALModule(dev))
	if !stderrors.Is(err, vmerrors.ErrModuleResolution) {
		t.Fatalf("expected module resolution error, got %v", err)
	}
	if !strings.Contains(err.Error(), "hal.mul") {
		t.Errorf("error should name the import, got %v", err)
	}
}

func TestDynamicRegistrationIsAtomic(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx := vm.NewContext(vm.NewInstance())

	user := loadModule(t, vm.SimpleMulBinary())
	if err := ctx.RegisterModules(user, vm.NewHALModule(dev)); err == nil {
		t.Fatal("expected failure registering user before hal")
	}
	if n := len(ctx.Modules()); n != 0 {
		t.Fatalf("failed registration changed the module list: %d modules", n)
	}

	if err := ctx.RegisterModules(vm.NewHALModule(dev)); err != nil {
		t.Fatalf("register hal: %v", err)
	}
	if err := ctx.RegisterModules(user); err != nil {
		t.Fatalf("register user after hal: %v", err)
	}

	mods := ctx.Modules()
	if len(mods) != 2 || mods[0].Name() != vm.HALModuleName || mods[1].Name() != vm.SimpleMulName {
		t.Errorf("unexpected module order %v", mods)
	}
	if fn, ok := ctx.ResolveFunction("simple_mul.simple_mul"); !ok || !fn.IsValid() {
		t.Error("expected simple_mul.simple_mul to resolve")
	}
}

func TestStaticContextRejectsRegistration(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx, err := vm.NewContextWithModules(vm.NewInstance(), vm.NewHALModule(dev))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ctx.IsStatic() {
		t.Fatal("context with modules should be static")
	}
	err = ctx.RegisterModules(loadModule(t, vm.SimpleMulBinary()))
	if !stderrors.Is(err, vmerrors.ErrModuleResolution) {
		t.Errorf("expected module resolution error, got %v", err)
	}
}

func TestDuplicateModuleName(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx := vm.NewContext(vm.NewInstance())
	if err := ctx.RegisterModules(vm.NewHALModule(dev), loadModule(t, vm.SimpleMulBinary())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := ctx.RegisterModules(loadModule(t, vm.SimpleMulBinary()))
	if !stderrors.Is(err, vmerrors.ErrModuleResolution) {
		t.Fatalf("expected module resolution error, got %v", err)
	}
	if !strings.Contains(err.Error(), vm.SimpleMulName) {
		t.Errorf("error should mention the module name, got %v", err)
	}
}

func TestTooNewVersionLeavesContextUnchanged(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx := vm.NewContext(vm.NewInstance())
	if err := ctx.RegisterModules(vm.NewHALModule(dev)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := bytecode.NewBuilder("future").SetVersion(2, 0)
	f := b.Function("noop", sig.Function{})
	f.Return()
	data, err := b.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := vm.LoadModule(data); !stderrors.Is(err, vmerrors.ErrMalformedModule) {
		t.Fatalf("expected malformed module error, got %v", err)
	}
	if n := len(ctx.Modules()); n != 1 {
		t.Errorf("expected 1 module, got %d", n)
	}
}

// =============================================================================
// MODULES
// =============================================================================

func TestLookupFunction(t *testing.T) {
	mod := loadModule(t, vm.SimpleAddBinary())

	fn, ok := mod.LookupFunction("add_i32")
	if !ok || !fn.IsValid() || fn.Ordinal <= 0 {
		t.Fatalf("expected valid function, got %v", fn)
	}
	if fn.Ordinal != 2 {
		t.Errorf("expected ordinal 2, got %d", fn.Ordinal)
	}
	if fn.QualifiedName() != "simple_add.add_i32" {
		t.Errorf("unexpected qualified name %q", fn.QualifiedName())
	}

	missing, ok := mod.LookupFunction("nope")
	if ok || missing.IsValid() || missing.Ordinal != 0 {
		t.Errorf("expected not-found sentinel, got %v", missing)
	}
}

func TestHALModuleExports(t *testing.T) {
	dev := newDevice(t, "local-sync")
	hm := vm.NewHALModule(dev)
	want := []string{"add", "sub", "mul", "div", "min", "max", "neg", "abs", "copy", "fill", "dim"}
	for _, name := range want {
		if _, ok := hm.LookupFunction(name); !ok {
			t.Errorf("hal module missing %q", name)
		}
	}
	seen := map[int]bool{}
	for _, e := range hm.Exports() {
		if e.Ordinal <= 0 || seen[e.Ordinal] {
			t.Errorf("bad ordinal %d for %q", e.Ordinal, e.Name)
		}
		seen[e.Ordinal] = true
	}
}

func TestMalformedSignatureRejected(t *testing.T) {
	b := bytecode.NewBuilder("bad")
	f := b.FunctionWithAttrs("f", 0,
		bytecode.Attr{Key: sig.AttrVersion, Value: sig.RawVersion},
		bytecode.Attr{Key: sig.AttrSignature, Value: "I5!garbage"})
	f.Return()
	data, err := b.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := vm.LoadModule(data); !stderrors.Is(err, vmerrors.ErrMalformedModule) {
		t.Errorf("expected malformed module error, got %v", err)
	}
}

func TestNativeModuleDuplicateExport(t *testing.T) {
	m := vm.NewNativeModule("math")
	noop := func(context.Context, []vm.Variant) ([]vm.Variant, error) { return nil, nil }
	if err := m.Define("noop", sig.Function{}, noop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Define("noop", sig.Function{}, noop); err == nil {
		t.Error("expected duplicate export to fail")
	}
}

func TestNativeModuleImportsResolve(t *testing.T) {
	dev := newDevice(t, "local-sync")
	square := vm.NewNativeModule("square", "hal.mul")
	err := square.Define("noop", sig.Function{}, func(context.Context, []vm.Variant) ([]vm.Variant, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := vm.NewContext(vm.NewInstance())
	if err := ctx.RegisterModules(square); !stderrors.Is(err, vmerrors.ErrModuleResolution) {
		t.Fatalf("expected module resolution error, got %v", err)
	}
	if err := ctx.RegisterModules(vm.NewHALModule(dev), square); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// =============================================================================
// VARIANT LIST
// =============================================================================

func TestNewVariantListEmpty(t *testing.T) {
	l := vm.NewVariantList(5)
	if l.Size() != 0 || l.Capacity() != 5 {
		t.Errorf("expected size 0 capacity 5, got %d/%d", l.Size(), l.Capacity())
	}
}

func TestVariantListAppendAndSet(t *testing.T) {
	l := vm.NewVariantList(3)
	if err := l.Append(vm.I32(42)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Set(1, vm.Null()); err != nil {
		t.Fatalf("set at size should append: %v", err)
	}
	if err := l.Set(0, vm.F32(1.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Set(3, vm.I32(1)); !stderrors.Is(err, vmerrors.ErrCapacityExceeded) {
		t.Errorf("expected capacity error, got %v", err)
	}
	if err := vm.NewVariantList(4).Set(2, vm.I32(1)); !stderrors.Is(err, vmerrors.ErrOutOfBounds) {
		t.Errorf("expected out of bounds error setting past the end, got %v", err)
	}

	v, err := l.Get(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f, _ := v.Float(); f != 1.5 {
		t.Errorf("expected 1.5, got %v", f)
	}
	if _, err := l.Get(2); !stderrors.Is(err, vmerrors.ErrOutOfBounds) {
		t.Errorf("expected out of bounds error, got %v", err)
	}
}

func TestVariantListAppendAllAtomic(t *testing.T) {
	l := vm.NewVariantList(2)
	l.Append(vm.I32(1))
	err := l.AppendAll(vm.I32(2), vm.I32(3))
	if !stderrors.Is(err, vmerrors.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if l.Size() != 1 {
		t.Errorf("failed AppendAll changed size to %d", l.Size())
	}
	if err := l.Append(vm.I32(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Append(vm.I32(3)); !stderrors.Is(err, vmerrors.ErrCapacityExceeded) {
		t.Errorf("expected capacity error, got %v", err)
	}
}

func TestClearLeavesNestedListIntact(t *testing.T) {
	nested := vm.NewVariantList(2)
	nested.Append(vm.I32(1))
	nested.Append(vm.I32(2))

	parent := vm.NewVariantList(1)
	if err := parent.Append(vm.List(nested)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parent.Clear()

	if parent.Size() != 0 {
		t.Errorf("expected parent to be empty, got %d", parent.Size())
	}
	if nested.Size() != 2 {
		t.Errorf("expected nested list to keep its values, got %v", nested)
	}
}

func TestVariantListString(t *testing.T) {
	view, err := hal.AllocateView(hal.NewHeapAllocator(), hal.MemoryTypeHostLocal, hal.BufferUsageAll, hal.Shape{4}, hal.Float32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l := vm.NewVariantList(3)
	l.AppendAll(vm.View(view), vm.I32(42), vm.Null())
	view.Release()

	want := "<VariantList(3): [HalBuffer(16), 42, None]>"
	if got := l.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestVariantListClearReleasesViews(t *testing.T) {
	alloc := hal.NewHeapAllocator()
	view, _ := hal.AllocateView(alloc, hal.MemoryTypeHostLocal, hal.BufferUsageAll, hal.Shape{8}, hal.Float32)

	l := vm.NewVariantList(1)
	l.Append(vm.View(view))
	view.Release()
	if alloc.Statistics().BytesInUse() != 32 {
		t.Fatalf("list should keep the buffer alive, stats %+v", alloc.Statistics())
	}

	l.Clear()
	if l.Size() != 0 {
		t.Errorf("expected empty list, got size %d", l.Size())
	}
	if got := alloc.Statistics().BytesInUse(); got != 0 {
		t.Errorf("expected buffer released, %d bytes in use", got)
	}
}

// =============================================================================
// FUNCTION ABI
// =============================================================================

func rank3Abi(t *testing.T, dev hal.Device) *vm.FunctionAbi {
	t.Helper()
	s := sig.Function{
		Inputs:  []sig.Type{sig.Buffer(hal.Float32, 10, 128, 64)},
		Results: []sig.Type{sig.Buffer(hal.Sint32, 32, 8, 64)},
	}
	abi, err := vm.NewFunctionAbi(dev, s.Attrs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return abi
}

func TestFunctionAbiString(t *testing.T) {
	abi := rank3Abi(t, newDevice(t, "local-sync"))
	want := "<FunctionAbi (Buffer<float32[10x128x64]>) -> (Buffer<sint32[32x8x64]>)>"
	if got := abi.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFunctionAbiRequiresReflection(t *testing.T) {
	dev := newDevice(t, "local-sync")
	cases := []map[string]string{
		{},
		{"fv": "2", "f": "I1!R1!"},
		{"fv": "1", "f": "nonsense"},
	}
	for _, attrs := range cases {
		if _, err := vm.NewFunctionAbi(dev, attrs); !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
			t.Errorf("attrs %v: expected signature mismatch, got %v", attrs, err)
		}
	}
}

func TestPackMismatchMessages(t *testing.T) {
	abi := rank3Abi(t, newDevice(t, "local-sync"))

	tests := []struct {
		name  string
		value host.Value
		want  string
	}{
		{"rank", f32(1, 2, 3), "mismatched buffer rank (received: 1, expected: 3)"},
		{"item size", host.Zeros(hal.Float64, 10, 128, 64), "mismatched buffer item size (received: 8, expected: 4)"},
		{"format", host.Zeros(hal.Sint32, 10, 128, 64), "mismatched buffer format (received: i32, expected: f32)"},
		{"dim", host.Zeros(hal.Float32, 10, 32, 64), "mismatched buffer dim (received: 32, expected: 128)"},
		{"scalar", host.Int32(1), "mismatched buffer rank (received: 0, expected: 3)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := abi.RawPackInputs(tt.value)
			if !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
				t.Fatalf("expected signature mismatch, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestPackArityMismatch(t *testing.T) {
	abi := rank3Abi(t, newDevice(t, "local-sync"))
	if _, err := abi.RawPackInputs(); !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
		t.Errorf("expected signature mismatch, got %v", err)
	}
}

func TestPackOverflowLeavesListUnchanged(t *testing.T) {
	dev := newDevice(t, "local-sync")
	abi, err := vm.NewFunctionAbi(dev, vm.SimpleMulSignature.Attrs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list := vm.NewVariantList(2)
	list.Append(vm.I32(7))
	err = abi.PackInputsInto(list, f32(1, 2), f32(3, 4))
	if !stderrors.Is(err, vmerrors.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if list.Size() != 1 {
		t.Errorf("expected size 1, got %d", list.Size())
	}
	if got := dev.Allocator().Statistics().BytesInUse(); got != 0 {
		t.Errorf("failed pack leaked %d bytes", got)
	}
}

func TestPackFailureReleasesStagedBuffers(t *testing.T) {
	dev := newDevice(t, "local-sync")
	abi, _ := vm.NewFunctionAbi(dev, vm.SimpleMulSignature.Attrs())

	_, err := abi.RawPackInputs(f32(1, 2), host.MustFromSlice([]int32{1, 2}))
	if !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if got := dev.Allocator().Statistics().BytesInUse(); got != 0 {
		t.Errorf("staged buffer not released, %d bytes in use", got)
	}
}

func TestPackScalars(t *testing.T) {
	dev := newDevice(t, "local-sync")
	s := sig.Function{Inputs: []sig.Type{sig.Scalar(hal.Sint32), sig.Scalar(hal.Float32)}}
	abi, err := vm.NewFunctionAbi(dev, s.Attrs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list, err := abi.RawPackInputs(host.Int32(-3), host.Zeros(hal.Float32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := list.String(); got != "<VariantList(2): [-3, 0]>" {
		t.Errorf("unexpected list %s", got)
	}

	if _, err := abi.RawPackInputs(host.Float32(1), host.Float32(1)); !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
		t.Errorf("expected signature mismatch, got %v", err)
	}
}

func TestAllocateResults(t *testing.T) {
	dev := newDevice(t, "local-sync")
	s := sig.Function{
		Inputs: []sig.Type{sig.Buffer(hal.Float32, sig.DynamicDim, 2)},
		Results: []sig.Type{
			sig.Buffer(hal.Sint32, 3),
			sig.Buffer(hal.Float32, sig.DynamicDim, 2),
			sig.Buffer(hal.Float32, sig.DynamicDim),
			sig.Scalar(hal.Sint32),
		},
	}
	abi, err := vm.NewFunctionAbi(dev, s.Attrs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inputs, err := abi.RawPackInputs(host.Zeros(hal.Float32, 5, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inputs.Clear()

	dynamic, err := abi.AllocateResults(inputs, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer dynamic.Clear()
	if got := dynamic.String(); got != "<VariantList(4): [HalBuffer(12), HalBuffer(40), None, None]>" {
		t.Errorf("unexpected dynamic results %s", got)
	}

	static, err := abi.AllocateResults(inputs, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer static.Clear()
	if got := static.String(); got != "<VariantList(4): [HalBuffer(12), None, None, None]>" {
		t.Errorf("unexpected static results %s", got)
	}

	if _, err := abi.AllocateResults(vm.NewVariantList(0), false); !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
		t.Errorf("expected signature mismatch, got %v", err)
	}
}

func TestUnpackChecksFormat(t *testing.T) {
	dev := newDevice(t, "local-sync")
	abi, _ := vm.NewFunctionAbi(dev, vm.SimpleMulSignature.Attrs())

	view, _ := hal.AllocateView(dev.Allocator(), hal.MemoryTypeHostLocal, hal.BufferUsageAll, hal.Shape{2}, hal.Sint32)
	list := vm.NewVariantList(1)
	list.Append(vm.View(view))
	view.Release()
	defer list.Clear()

	_, err := abi.RawUnpackResults(list)
	if !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "received: i32, expected: f32") {
		t.Errorf("unexpected message %v", err)
	}

	if _, err := abi.RawUnpackResults(vm.NewVariantList(0)); !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
		t.Errorf("expected arity mismatch, got %v", err)
	}
}

// =============================================================================
// INVOCATION
// =============================================================================

func TestSimpleMulRoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, dev hal.Device) {
		ctx, mod := newSystem(t, dev, vm.SimpleMulBinary())
		fn := lookup(t, mod, "simple_mul")

		out, err := call(t, ctx, dev, fn, f32(1, 2, 3, 4), f32(4, 5, 6, 7))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := floats(t, out[0]); !equalFloats(got, []float32{4, 10, 18, 28}) {
			t.Errorf("expected [4 10 18 28], got %v", got)
		}
	})
}

func TestPlaceholderResultReplaced(t *testing.T) {
	forEachDriver(t, func(t *testing.T, dev hal.Device) {
		ctx, mod := newSystem(t, dev, vm.SimpleMulBinary())
		fn := lookup(t, mod, "simple_mul")
		abi, _ := ctx.CreateFunctionAbi(dev, fn)

		inputs, _ := abi.RawPackInputs(f32(2, 3), f32(5, 7))
		defer inputs.Clear()
		results, err := abi.AllocateResults(inputs, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer results.Clear()
		if v, _ := results.Get(0); !v.IsNull() {
			t.Fatalf("expected placeholder, got %v", v)
		}

		if err := ctx.Invoke(context.Background(), fn, inputs, results); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out, err := abi.RawUnpackResults(results)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := floats(t, out[0]); !equalFloats(got, []float32{10, 21}) {
			t.Errorf("expected [10 21], got %v", got)
		}
	})
}

func TestPreallocatedResultKeepsIdentity(t *testing.T) {
	dev := newDevice(t, "wasm")
	ctx, mod := newSystem(t, dev, vm.SimpleAddBinary())
	fn := lookup(t, mod, "simple_add")
	abi, _ := ctx.CreateFunctionAbi(dev, fn)

	inputs, _ := abi.RawPackInputs(f32(1, 1, 1, 1), f32(1, 2, 3, 4))
	results, _ := abi.AllocateResults(inputs, false)
	before, _ := results.Get(0)
	view, ok := before.BufferView()
	if !ok {
		t.Fatalf("expected a preallocated view, got %v", before)
	}

	if err := ctx.Invoke(context.Background(), fn, inputs, results); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after, _ := results.Get(0)
	if got, _ := after.BufferView(); got != view {
		t.Error("result view was replaced instead of written")
	}
	out, _ := abi.RawUnpackResults(results)
	if got := floats(t, out[0]); !equalFloats(got, []float32{2, 3, 4, 5}) {
		t.Errorf("expected [2 3 4 5], got %v", got)
	}

	inputs.Clear()
	results.Clear()
	if got := dev.Allocator().Statistics().BytesInUse(); got != 0 {
		t.Errorf("expected every buffer released, %d bytes in use", got)
	}
}

func TestPreallocatedResultOfOtherLayoutNotWritten(t *testing.T) {
	ivec := sig.Buffer(hal.Sint32, 4)
	tests := []struct {
		name   string
		result sig.Type
		want   string
	}{
		{"element type", sig.Buffer(hal.Float32, 4), "mismatched result format"},
		{"shape", sig.Buffer(hal.Sint32, 2, 2), "mismatched result rank"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(t, "local-sync")
			b := bytecode.NewBuilder("relabel")
			mul := b.Import("hal.mul")
			f := b.Function("mul", sig.Function{Inputs: []sig.Type{ivec, ivec}, Results: []sig.Type{tt.result}})
			f.Return(f.Call(mul, 1, f.Arg(0), f.Arg(1))...)
			data, err := b.Encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			ctx, mod := newSystem(t, dev, data)
			fn := lookup(t, mod, "mul")
			abi, _ := ctx.CreateFunctionAbi(dev, fn)
			inputs, err := abi.RawPackInputs(host.MustFromSlice([]int32{1, 2, 3, 4}), host.MustFromSlice([]int32{4, 5, 6, 7}))
			if err != nil {
				t.Fatalf("pack: %v", err)
			}
			defer inputs.Clear()
			results, err := abi.AllocateResults(inputs, false)
			if err != nil {
				t.Fatalf("allocate results: %v", err)
			}
			defer results.Clear()
			before, _ := results.Get(0)
			if _, ok := before.BufferView(); !ok {
				t.Fatalf("expected a preallocated view, got %v", before)
			}

			if err := ctx.Invoke(context.Background(), fn, inputs, results); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, err = abi.RawUnpackResults(results)
			if !stderrors.Is(err, vmerrors.ErrSignatureMismatch) {
				t.Fatalf("expected signature mismatch, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %v", tt.want, err)
			}
		})
	}
}

func TestMissingResultSlotsAppended(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx, mod := newSystem(t, dev, vm.SimpleMulBinary())
	fn := lookup(t, mod, "simple_mul")
	abi, _ := ctx.CreateFunctionAbi(dev, fn)

	inputs, _ := abi.RawPackInputs(f32(3), f32(4))
	defer inputs.Clear()
	results := vm.NewVariantList(1)
	defer results.Clear()

	if err := ctx.Invoke(context.Background(), fn, inputs, results); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results.Size() != 1 {
		t.Fatalf("expected 1 result, got %d", results.Size())
	}

	short := vm.NewVariantList(0)
	err := ctx.Invoke(context.Background(), fn, inputs, short)
	if !stderrors.Is(err, vmerrors.ErrInvocation) || !stderrors.Is(err, vmerrors.ErrCapacityExceeded) {
		t.Errorf("expected invocation error caused by capacity, got %v", err)
	}
}

func TestScalarResults(t *testing.T) {
	forEachDriver(t, func(t *testing.T, dev hal.Device) {
		ctx, mod := newSystem(t, dev, vm.ScalarOpsBinary())

		out, err := call(t, ctx, dev, lookup(t, mod, "length"), f32(1, 2, 3, 4, 5))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s, ok := out[0].(host.Scalar)
		if !ok || s.Int() != 5 {
			t.Errorf("expected scalar 5, got %v", out[0])
		}

		out, err = call(t, ctx, dev, lookup(t, mod, "scale"), f32(1, 2, 3), host.Float32(2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := floats(t, out[0]); !equalFloats(got, []float32{2, 4, 6}) {
			t.Errorf("expected [2 4 6], got %v", got)
		}
	})
}

func TestTrapIsInvocationError(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx, mod := newSystem(t, dev, vm.ScalarOpsBinary())

	_, err := call(t, ctx, dev, lookup(t, mod, "fail"))
	if !stderrors.Is(err, vmerrors.ErrInvocation) {
		t.Fatalf("expected invocation error, got %v", err)
	}
	var trap *vm.TrapError
	if !stderrors.As(err, &trap) || trap.Message != "deliberate failure" {
		t.Errorf("expected trap with message, got %v", err)
	}
}

func TestInvocationErrorDoesNotPoisonContext(t *testing.T) {
	forEachDriver(t, func(t *testing.T, dev hal.Device) {
		ctx, mod := newSystem(t, dev, vm.ScalarOpsBinary())
		div := lookup(t, mod, "div_i32")

		_, err := call(t, ctx, dev, div, host.MustFromSlice([]int32{8, 9}), host.MustFromSlice([]int32{2, 0}))
		if !stderrors.Is(err, vmerrors.ErrInvocation) {
			t.Fatalf("expected invocation error, got %v", err)
		}
		if !stderrors.Is(err, hal.ErrDivideByZero) {
			t.Errorf("expected division by zero cause, got %v", err)
		}

		out, err := call(t, ctx, dev, div, host.MustFromSlice([]int32{8, 9}), host.MustFromSlice([]int32{2, 3}))
		if err != nil {
			t.Fatalf("context unusable after failure: %v", err)
		}
		got, _ := host.Values[int32](out[0].(*host.Array))
		if got[0] != 4 || got[1] != 3 {
			t.Errorf("expected [4 3], got %v", got)
		}
	})
}

func TestUnsupportedKernel(t *testing.T) {
	dev := newDevice(t, "wasm")
	b := bytecode.NewBuilder("ineg")
	neg := b.Import("hal.neg")
	ivec := sig.Buffer(hal.Sint32, sig.DynamicDim)
	f := b.Function("neg", sig.Function{Inputs: []sig.Type{ivec}, Results: []sig.Type{ivec}})
	f.Return(f.Call(neg, 1, f.Arg(0))...)
	data, err := b.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ctx, mod := newSystem(t, dev, data)
	_, err = call(t, ctx, dev, lookup(t, mod, "neg"), host.MustFromSlice([]int32{1}))
	if !stderrors.Is(err, vmerrors.ErrInvocation) {
		t.Fatalf("expected invocation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "unsupported kernel") {
		t.Errorf("expected unsupported kernel diagnostic, got %v", err)
	}
}

func TestInvokeAsync(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx, mod := newSystem(t, dev, vm.SimpleMulBinary())
	fn := lookup(t, mod, "simple_mul")
	abi, _ := ctx.CreateFunctionAbi(dev, fn)

	inputs, _ := abi.RawPackInputs(f32(1, 2), f32(3, 4))
	defer inputs.Clear()
	results := vm.NewVariantList(1)
	defer results.Clear()

	inv, err := ctx.InvokeAsync(context.Background(), fn, inputs, results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ID().String() == "" {
		t.Error("expected an invocation id")
	}
	if err := inv.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-inv.Done():
	default:
		t.Error("done channel should be closed after Wait")
	}
	if inv.Err() != nil || inv.Function().Name != "simple_mul" {
		t.Errorf("unexpected handle state: err=%v fn=%v", inv.Err(), inv.Function())
	}
}

func TestInvokeRejectsForeignFunction(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx, _ := newSystem(t, dev, vm.SimpleMulBinary())
	other := loadModule(t, vm.SimpleMulBinary())
	fn := lookup(t, other, "simple_mul")

	err := ctx.Invoke(context.Background(), fn, vm.NewVariantList(0), vm.NewVariantList(1))
	if !stderrors.Is(err, vmerrors.ErrModuleResolution) {
		t.Errorf("expected module resolution error, got %v", err)
	}
	err = ctx.Invoke(context.Background(), vm.Function{}, vm.NewVariantList(0), vm.NewVariantList(1))
	if err == nil {
		t.Error("expected error invoking the not-found sentinel")
	}
}

func TestConcurrentInvocations(t *testing.T) {
	dev := newDevice(t, "local-sync")
	ctx, mod := newSystem(t, dev, vm.SimpleMulBinary())
	fn := lookup(t, mod, "simple_mul")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			abi, err := ctx.CreateFunctionAbi(dev, fn)
			if err != nil {
				errs <- err
				return
			}
			inputs, _ := abi.RawPackInputs(f32(float32(i)), f32(2))
			defer inputs.Clear()
			results := vm.NewVariantList(1)
			defer results.Clear()
			if err := ctx.Invoke(context.Background(), fn, inputs, results); err != nil {
				errs <- err
				return
			}
			out, err := abi.RawUnpackResults(results)
			if err != nil {
				errs <- err
				return
			}
			if v, _ := host.Values[float32](out[0].(*host.Array)); v[0] != float32(2*i) {
				errs <- stderrors.New("wrong product")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestInvocationsRunInSubmissionOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int64
	)
	rec := vm.NewNativeModule("recorder")
	err := rec.Define("record", sig.Function{Inputs: []sig.Type{sig.Scalar(hal.Sint32)}},
		func(_ context.Context, args []vm.Variant) ([]vm.Variant, error) {
			n, _ := args[0].Int()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := vm.NewContext(vm.NewInstance())
	if err := ctx.RegisterModules(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fn := lookup(t, rec, "record")

	const calls = 200
	invs := make([]*vm.Invocation, calls)
	for i := range invs {
		inputs := vm.NewVariantList(1)
		inputs.Append(vm.I32(int32(i)))
		inv, err := ctx.InvokeAsync(context.Background(), fn, inputs, vm.NewVariantList(0))
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		invs[i] = inv
	}
	for i, inv := range invs {
		if err := inv.Wait(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != calls {
		t.Fatalf("expected %d calls, got %d", calls, len(order))
	}
	for i, n := range order {
		if n != int64(i) {
			t.Fatalf("call %d ran at position %d", n, i)
		}
	}
}

func TestInvocationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	dev := newDevice(t, "local-sync")
	inst := vm.NewInstance(vm.WithRegisterer(reg))
	mod := loadModule(t, vm.SimpleMulBinary())
	ctx, err := vm.NewContextWithModules(inst, vm.NewHALModule(dev), mod)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := call(t, ctx, dev, lookup(t, mod, "simple_mul"), f32(1), f32(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				found[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				found[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	expected := map[string]float64{
		"vmrt_invocations_total":           1,
		"vmrt_invocation_duration_seconds": 1,
		"vmrt_contexts_created_total":      1,
		"vmrt_modules_loaded_total":        2,
	}
	for name, want := range expected {
		if found[name] != want {
			t.Errorf("%s: expected %v, got %v", name, want, found[name])
		}
	}

	// A second instance on the same registry reuses the collectors.
	vm.NewInstance(vm.WithRegisterer(reg))
}
