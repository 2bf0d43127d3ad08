// Package system is the convenience layer over vm. A Config picks a driver
// and device, a SystemContext owns a vm.Context with the HAL module already
// registered, and BoundFunction calls a function with host values.
//
//	cfg, err := system.NewConfig(drivers.NewRegistry(), "local-sync")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cfg.Close()
//
//	sys, _ := system.LoadModules(cfg, mod)
//	m, _ := sys.Module("simple_mul")
//	fn, _ := m.Function("simple_mul")
//	out, err := fn.Call(ctx, a, b)
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/host"
	"github.com/caffeineduck/vmrt/vm"
	"go.uber.org/zap"
)

// DefaultDrivers is tried when NewConfig is given no driver names.
var DefaultDrivers = []string{"local-sync", "wasm"}

// Option configures a Config.
type Option func(*options)

type options struct {
	instance *vm.Instance
	logger   *zap.Logger
}

// WithInstance shares inst instead of creating a new instance.
func WithInstance(inst *vm.Instance) Option {
	return func(o *options) {
		o.instance = inst
	}
}

// WithLogger sets the logger of the instance the config creates.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Config holds the instance, driver and device shared by system contexts.
type Config struct {
	Instance  *vm.Instance
	Driver    hal.Driver
	Device    hal.Device
	HALModule *vm.NativeModule

	logger *zap.Logger
}

// NewConfig creates a device from the first usable driver. Each name may
// hold a comma separated list; drivers that are not registered or cannot
// create a device are skipped.
func NewConfig(reg *hal.Registry, driverNames ...string) (*Config, error) {
	return NewConfigWithOptions(reg, driverNames)
}

// NewConfigWithOptions is NewConfig with options.
func NewConfigWithOptions(reg *hal.Registry, driverNames []string, opts ...Option) (*Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	if o.instance == nil {
		o.instance = vm.NewInstance(vm.WithLogger(o.logger))
	}

	names := splitDriverNames(driverNames)
	if len(names) == 0 {
		names = DefaultDrivers
	}

	var errs []error
	for _, name := range names {
		driver, err := reg.Create(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dev, err := driver.CreateDefaultDevice(context.Background())
		if err != nil {
			o.logger.Debug("device creation failed", zap.String("driver", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("driver %q: %w", name, err))
			continue
		}
		o.logger.Debug("created device", zap.String("driver", name), zap.String("device", dev.Info().ID))
		return &Config{
			Instance:  o.instance,
			Driver:    driver,
			Device:    dev,
			HALModule: vm.NewHALModule(dev),
			logger:    o.logger,
		}, nil
	}

	return nil, vmerrors.New(vmerrors.PhaseDriver, vmerrors.KindDriverNotFound).
		Detail("could not create any requested driver %v", names).
		Cause(errors.Join(errs...)).
		Build()
}

func splitDriverNames(names []string) []string {
	var out []string
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// DriverName returns the name of the selected driver.
func (c *Config) DriverName() string {
	return c.Driver.Name()
}

// Close closes the device and, when it supports it, the driver.
func (c *Config) Close() error {
	err := c.Device.Close()
	if closer, ok := c.Driver.(interface{ Close() error }); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}

// SystemContext is a vm.Context with the HAL module registered first.
type SystemContext struct {
	cfg   *Config
	vmctx *vm.Context

	mu    sync.Mutex
	bound map[string]*BoundModule
}

// NewSystemContext returns a dynamic context when no modules are given and a
// static context holding them otherwise.
func NewSystemContext(cfg *Config, modules ...vm.Module) (*SystemContext, error) {
	s := &SystemContext{cfg: cfg, bound: make(map[string]*BoundModule)}
	if len(modules) == 0 {
		s.vmctx = vm.NewContext(cfg.Instance)
		if err := s.vmctx.RegisterModules(cfg.HALModule); err != nil {
			return nil, err
		}
		return s, nil
	}

	all := append([]vm.Module{cfg.HALModule}, modules...)
	vmctx, err := vm.NewContextWithModules(cfg.Instance, all...)
	if err != nil {
		return nil, err
	}
	s.vmctx = vmctx
	return s, nil
}

// LoadModules returns a static system context holding modules.
func LoadModules(cfg *Config, modules ...vm.Module) (*SystemContext, error) {
	return NewSystemContext(cfg, modules...)
}

func (s *SystemContext) Config() *Config        { return s.cfg }
func (s *SystemContext) Context() *vm.Context   { return s.vmctx }
func (s *SystemContext) IsDynamic() bool        { return !s.vmctx.IsStatic() }
func (s *SystemContext) Instance() *vm.Instance { return s.cfg.Instance }

// AddModule registers m. A module whose name is already loaded is rejected.
func (s *SystemContext) AddModule(m vm.Module) error {
	return s.AddModules(m)
}

// AddModules registers modules in order.
func (s *SystemContext) AddModules(modules ...vm.Module) error {
	for _, m := range modules {
		if _, loaded := s.vmctx.Module(m.Name()); loaded {
			return vmerrors.ModuleResolution(m.Name(), fmt.Sprintf("attempt to register duplicate module %q", m.Name()))
		}
	}
	return s.vmctx.RegisterModules(modules...)
}

// ModuleNames lists the loaded modules in registration order.
func (s *SystemContext) ModuleNames() []string {
	mods := s.vmctx.Modules()
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name()
	}
	return names
}

// Module returns the loaded module with the given name.
func (s *SystemContext) Module(name string) (*BoundModule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bound[name]; ok {
		return b, true
	}
	m, ok := s.vmctx.Module(name)
	if !ok {
		return nil, false
	}
	b := &BoundModule{sys: s, module: m, functions: make(map[string]*BoundFunction)}
	s.bound[name] = b
	return b, true
}

// BoundModule is a module of a SystemContext.
type BoundModule struct {
	sys    *SystemContext
	module vm.Module

	mu        sync.Mutex
	functions map[string]*BoundFunction
}

func (b *BoundModule) Name() string      { return b.module.Name() }
func (b *BoundModule) Module() vm.Module { return b.module }

// FunctionNames lists the module's exports in ordinal order.
func (b *BoundModule) FunctionNames() []string {
	exports := b.module.Exports()
	names := make([]string, len(exports))
	for i, e := range exports {
		names[i] = e.Name
	}
	return names
}

// Function returns the named export. Repeated lookups return the same value.
func (b *BoundModule) Function(name string) (*BoundFunction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.functions[name]; ok {
		return f, true
	}
	fn, ok := b.module.LookupFunction(name)
	if !ok {
		return nil, false
	}
	f := &BoundFunction{sys: b.sys, fn: fn}
	b.functions[name] = f
	return f, true
}

func (b *BoundModule) String() string {
	return fmt.Sprintf("<BoundModule %s>", b.module.Name())
}

// BoundFunction calls one function of a SystemContext with host values.
type BoundFunction struct {
	sys *SystemContext
	fn  vm.Function

	abiOnce sync.Once
	abi     *vm.FunctionAbi
	abiErr  error
}

func (f *BoundFunction) Function() vm.Function { return f.fn }

// Abi returns the function's ABI on the config's device.
func (f *BoundFunction) Abi() (*vm.FunctionAbi, error) {
	f.abiOnce.Do(func() {
		f.abi, f.abiErr = f.sys.vmctx.CreateFunctionAbi(f.sys.cfg.Device, f.fn)
	})
	return f.abi, f.abiErr
}

// Call packs args, allocates dynamically sized results, invokes the
// function and copies the results back to the host.
func (f *BoundFunction) Call(ctx context.Context, args ...host.Value) ([]host.Value, error) {
	abi, err := f.Abi()
	if err != nil {
		return nil, err
	}
	inputs, err := abi.RawPackInputs(args...)
	if err != nil {
		return nil, err
	}
	results, err := abi.AllocateResults(inputs, false)
	if err != nil {
		inputs.Clear()
		return nil, err
	}
	release := func() {
		results.Clear()
		inputs.Clear()
	}

	inv, err := f.sys.vmctx.InvokeAsync(ctx, f.fn, inputs, results)
	if err != nil {
		release()
		return nil, err
	}
	if err := inv.Wait(ctx); err != nil {
		select {
		case <-inv.Done():
			release()
		default:
			// The call still owns both lists until it finishes.
			go func() {
				<-inv.Done()
				release()
			}()
		}
		return nil, err
	}
	defer release()
	return abi.RawUnpackResults(results)
}

func (f *BoundFunction) String() string {
	return fmt.Sprintf("<BoundFunction %s %s>", f.fn.QualifiedName(), f.fn.Signature)
}
