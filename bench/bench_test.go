// Package bench measures module loading and invocation on each HAL driver.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. -benchtime=3x ./bench/
package bench

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/caffeineduck/vmrt/hal/drivers"
	"github.com/caffeineduck/vmrt/hal/wasm"
	"github.com/caffeineduck/vmrt/host"
	"github.com/caffeineduck/vmrt/system"
	"github.com/caffeineduck/vmrt/vm"
)

var benchDrivers = []string{"local-sync", "wasm"}

func newConfig(tb testing.TB, driver string, opts ...wasm.Option) *system.Config {
	tb.Helper()
	reg := drivers.NewRegistryWithOptions(drivers.Options{Wasm: opts})
	cfg, err := system.NewConfig(reg, driver)
	if err != nil {
		tb.Fatalf("create %s config: %v", driver, err)
	}
	tb.Cleanup(func() { cfg.Close() })
	return cfg
}

func simpleMul(tb testing.TB, cfg *system.Config) *system.BoundFunction {
	tb.Helper()
	_, fn := simpleMulContext(tb, cfg)
	return fn
}

func simpleMulContext(tb testing.TB, cfg *system.Config) (*system.SystemContext, *system.BoundFunction) {
	tb.Helper()
	mod, err := vm.LoadModule(vm.SimpleMulBinary())
	if err != nil {
		tb.Fatalf("load module: %v", err)
	}
	sc, err := system.LoadModules(cfg, mod)
	if err != nil {
		tb.Fatalf("load modules: %v", err)
	}
	bm, _ := sc.Module(vm.SimpleMulName)
	fn, ok := bm.Function("simple_mul")
	if !ok {
		tb.Fatal("simple_mul not exported")
	}
	return sc, fn
}

func vectors(n int) (*host.Array, *host.Array) {
	a := make([]float32, n)
	b := make([]float32, n)
	for i := range a {
		a[i] = float32(i)
		b[i] = 2
	}
	return host.MustFromSlice(a), host.MustFromSlice(b)
}

// =============================================================================
// LOADING
// =============================================================================

func BenchmarkLoadModule(b *testing.B) {
	data := vm.SimpleMulBinary()
	for i := 0; i < b.N; i++ {
		if _, err := vm.LoadModule(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkContextCreate(b *testing.B) {
	cfg := newConfig(b, "local-sync")
	mod, _ := vm.LoadModule(vm.SimpleMulBinary())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := system.LoadModules(cfg, mod); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// INVOCATION
// =============================================================================

func benchmarkCall(b *testing.B, driver string, n int) {
	cfg := newConfig(b, driver)
	fn := simpleMul(b, cfg)
	x, y := vectors(n)
	ctx := context.Background()

	// First call builds the ABI and decodes the function body.
	if _, err := fn.Call(ctx, x, y); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(3 * 4 * n))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := fn.Call(ctx, x, y); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCall_LocalSync_4(b *testing.B)     { benchmarkCall(b, "local-sync", 4) }
func BenchmarkCall_LocalSync_65536(b *testing.B) { benchmarkCall(b, "local-sync", 65536) }
func BenchmarkCall_Wasm_4(b *testing.B)          { benchmarkCall(b, "wasm", 4) }
func BenchmarkCall_Wasm_65536(b *testing.B)      { benchmarkCall(b, "wasm", 65536) }

func BenchmarkInvokeAsync(b *testing.B) {
	cfg := newConfig(b, "local-sync")
	sc, fn := simpleMulContext(b, cfg)
	abi, err := fn.Abi()
	if err != nil {
		b.Fatal(err)
	}
	x, y := vectors(1024)
	inputs, err := abi.RawPackInputs(x, y)
	if err != nil {
		b.Fatal(err)
	}
	defer inputs.Clear()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		results, err := abi.AllocateResults(inputs, false)
		if err != nil {
			b.Fatal(err)
		}
		inv, err := sc.Context().InvokeAsync(ctx, fn.Function(), inputs, results)
		if err != nil {
			b.Fatal(err)
		}
		if err := inv.Wait(ctx); err != nil {
			b.Fatal(err)
		}
		results.Clear()
	}
}

// =============================================================================
// DRIVER COMPARISON - Human readable output
// =============================================================================

func TestDriverComparison(t *testing.T) {
	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()

	measure := func(runs int, fn func()) time.Duration {
		var total time.Duration
		for i := 0; i < runs; i++ {
			start := time.Now()
			fn()
			total += time.Since(start)
		}
		return total / time.Duration(runs)
	}

	const runs = 5
	x, y := vectors(4096)
	ctx := context.Background()

	fmt.Println("┌────────────┬───────────┬───────────┬───────────┐")
	fmt.Println("│ Driver     │ Setup     │ Cold call │ Warm call │")
	fmt.Println("├────────────┼───────────┼───────────┼───────────┤")
	for _, driver := range benchDrivers {
		var cfg *system.Config
		setup := measure(1, func() { cfg = newConfig(t, driver) })
		fn := simpleMul(t, cfg)

		cold := measure(1, func() {
			if _, err := fn.Call(ctx, x, y); err != nil {
				t.Fatalf("%s: %v", driver, err)
			}
		})
		warm := measure(runs, func() {
			if _, err := fn.Call(ctx, x, y); err != nil {
				t.Fatalf("%s: %v", driver, err)
			}
		})
		fmt.Printf("│ %-10s │ %9s │ %9s │ %9s │\n", driver,
			formatDuration(setup), formatDuration(cold), formatDuration(warm))
	}
	fmt.Println("└────────────┴───────────┴───────────┴───────────┘")
	fmt.Println()
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
}

// =============================================================================
// MEMORY BENCHMARK
// =============================================================================

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	cfg := newConfig(t, "wasm")
	fn := simpleMul(t, cfg)
	x, y := vectors(65536)
	for i := 0; i < 5; i++ {
		if _, err := fn.Call(context.Background(), x, y); err != nil {
			t.Fatal(err)
		}
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc

	stats := cfg.Device.Allocator().Statistics()

	runtime.GC()
	runtime.ReadMemStats(&m)

	t.Logf("Memory before: %d KB", before/1024)
	t.Logf("Memory after 5 calls: %d KB", after/1024)
	t.Logf("Memory after GC: %d KB", m.Alloc/1024)
	t.Logf("Device allocations: %d, frees: %d, in use: %d bytes", stats.Allocations, stats.Frees, stats.BytesInUse())
}

// =============================================================================
// DISK CACHE BENCHMARK (simulates CLI usage)
// =============================================================================

func TestDiskCacheBenefit(t *testing.T) {
	cacheDir, _ := os.MkdirTemp("", "vmrt-bench-cache")
	defer os.RemoveAll(cacheDir)

	x, y := vectors(4)
	var times []time.Duration

	// Each iteration stands in for a separate CLI process.
	for i := 0; i < 5; i++ {
		start := time.Now()

		reg := drivers.NewRegistryWithOptions(drivers.Options{Wasm: []wasm.Option{wasm.WithDiskCache(cacheDir)}})
		cfg, err := system.NewConfig(reg, "wasm")
		if err != nil {
			t.Fatal(err)
		}
		fn := simpleMul(t, cfg)
		if _, err := fn.Call(context.Background(), x, y); err != nil {
			t.Fatal(err)
		}
		cfg.Close()

		times = append(times, time.Since(start))
	}

	fmt.Println()
	fmt.Println("=== Disk Cache Benefit (simulated CLI calls) ===")
	for i, d := range times {
		label := "cached"
		if i == 0 {
			label = "compile"
		}
		fmt.Printf("Call %d (%s): %v\n", i+1, label, d)
	}
	fmt.Println()
}
