// Package wasm provides the "wasm" HAL driver. Device memory is the linear
// memory of a WebAssembly instance and kernels are functions of a module
// generated at start-up and executed by wazero.
package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// DriverName is the registry name of the wasm driver.
const DriverName = "wasm"

// Driver owns a wazero runtime and the compiled kernel module shared by its devices.
type Driver struct {
	cfg      config
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	mu       sync.RWMutex
	closed   bool
}

// New creates a driver with its own wazero runtime.
func New(ctx context.Context, opts ...Option) (*Driver, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig()
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	return &Driver{
		cfg:     cfg,
		runtime: wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:   cache,
	}, nil
}

// Factory returns a hal.DriverFactory producing wasm drivers.
func Factory(opts ...Option) hal.DriverFactory {
	return func() (hal.Driver, error) {
		return New(context.Background(), opts...)
	}
}

// Register adds the wasm driver to reg.
func Register(reg *hal.Registry, opts ...Option) {
	reg.Register(DriverName, Factory(opts...))
}

// Name returns "wasm".
func (d *Driver) Name() string {
	return DriverName
}

// CreateDefaultDevice instantiates the kernel module with a fresh linear memory.
func (d *Driver) CreateDefaultDevice(ctx context.Context) (hal.Device, error) {
	compiled, err := d.getCompiled(ctx)
	if err != nil {
		return nil, err
	}

	mod, err := d.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate kernel module: %w", err)
	}

	dev, err := newDevice(mod, d.cfg)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	hal.Logger().Debug("device created",
		zap.String("device", dev.id),
		zap.Uint32("memory_bytes", dev.memory.Size()))
	return dev, nil
}

// getCompiled returns the compiled kernel module, compiling if necessary.
func (d *Driver) getCompiled(ctx context.Context) (wazero.CompiledModule, error) {
	d.mu.RLock()
	if d.compiled != nil {
		compiled := d.compiled
		d.mu.RUnlock()
		return compiled, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("driver closed")
	}
	if d.compiled != nil {
		return d.compiled, nil
	}

	compiled, err := d.runtime.CompileModule(ctx, buildKernelModule(d.cfg.initialPages))
	if err != nil {
		return nil, fmt.Errorf("compile kernel module: %w", err)
	}

	d.compiled = compiled
	return compiled, nil
}

// Close releases the runtime and every device created from it.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	ctx := context.Background()

	var errs []error
	if err := d.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.cache != nil {
		if err := d.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "vmrt")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "vmrt")
	}
	return filepath.Join(os.TempDir(), "vmrt-cache")
}
