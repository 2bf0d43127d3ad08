package vm

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"go.uber.org/zap"
)

var contextSeq atomic.Uint64

// Context is an isolated set of registered modules. Modules are registered in
// order and may only import from modules registered before them.
//
// Invocations on one context run one at a time in submission order.
type Context struct {
	id     uint64
	inst   *Instance
	logger *zap.Logger
	static bool

	mu      sync.RWMutex
	modules []Module
	byName  map[string]Module
	links   map[string][]Function // module name -> resolved imports

	// tail is closed when the most recently submitted invocation finishes.
	seqMu sync.Mutex
	tail  chan struct{}
}

func newContext(inst *Instance, static bool) *Context {
	if inst == nil {
		inst = NewInstance()
	}
	id := contextSeq.Add(1)
	inst.metrics.contexts.Inc()
	return &Context{
		id:     id,
		inst:   inst,
		logger: inst.logger.With(zap.Uint64("context_id", id)),
		static: static,
		byName: make(map[string]Module),
		links:  make(map[string][]Function),
	}
}

// NewContext returns an empty dynamic context. Modules are added with
// RegisterModules.
func NewContext(inst *Instance) *Context {
	c := newContext(inst, false)
	c.logger.Debug("context created", zap.Bool("static", false))
	return c
}

// NewContextWithModules returns a static context holding modules. No module
// can be registered afterwards.
func NewContextWithModules(inst *Instance, modules ...Module) (*Context, error) {
	c := newContext(inst, true)
	if err := c.register(modules); err != nil {
		return nil, err
	}
	c.logger.Debug("context created", zap.Bool("static", true), zap.Int("modules", len(modules)))
	return c, nil
}

// ID returns the process-unique context id. Ids increase with creation order.
func (c *Context) ID() uint64 { return c.id }

func (c *Context) Instance() *Instance { return c.inst }

func (c *Context) Logger() *zap.Logger { return c.logger }

// IsStatic reports whether the module set was fixed at creation.
func (c *Context) IsStatic() bool { return c.static }

// Modules returns the registered modules in registration order.
func (c *Context) Modules() []Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Module(nil), c.modules...)
}

// Module returns the registered module with the given name.
func (c *Context) Module(name string) (Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byName[name]
	return m, ok
}

// RegisterModules appends modules to a dynamic context. Each module's imports
// must be exported by a module registered earlier, including earlier in the
// same call. On failure nothing is registered.
func (c *Context) RegisterModules(modules ...Module) error {
	if c.static {
		name := ""
		if len(modules) > 0 && modules[0] != nil {
			name = modules[0].Name()
		}
		return vmerrors.ModuleResolution(name, "context is static and cannot register modules")
	}
	return c.register(modules)
}

func (c *Context) register(modules []Module) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName := maps.Clone(c.byName)
	links := make(map[string][]Function, len(modules))
	for _, m := range modules {
		if m == nil {
			return vmerrors.ModuleResolution("", "nil module")
		}
		name := m.Name()
		if _, dup := byName[name]; dup {
			return vmerrors.ModuleResolution(name, fmt.Sprintf("module %q is already registered", name))
		}
		resolved, err := resolveImports(m, byName)
		if err != nil {
			return err
		}
		byName[name] = m
		links[name] = resolved
	}

	c.modules = append(c.modules, modules...)
	c.byName = byName
	maps.Copy(c.links, links)

	c.inst.metrics.modulesLoaded.Add(float64(len(modules)))
	for _, m := range modules {
		c.logger.Debug("module registered",
			zap.String("module", m.Name()),
			zap.Int("exports", len(m.Exports())),
			zap.Int("imports", len(m.Imports())))
	}
	return nil
}

func resolveImports(m Module, registered map[string]Module) ([]Function, error) {
	imports := m.Imports()
	resolved := make([]Function, len(imports))
	for i, imp := range imports {
		modName, fnName, ok := strings.Cut(imp, ".")
		if !ok || modName == "" || fnName == "" {
			return nil, vmerrors.ModuleResolution(m.Name(), fmt.Sprintf("malformed import %q", imp))
		}
		dep, ok := registered[modName]
		if !ok {
			return nil, vmerrors.ModuleResolution(m.Name(),
				fmt.Sprintf("import %q: module %q is not registered before %q", imp, modName, m.Name()))
		}
		fn, ok := dep.LookupFunction(fnName)
		if !ok {
			return nil, vmerrors.ModuleResolution(m.Name(),
				fmt.Sprintf("import %q: module %q has no export %q", imp, modName, fnName))
		}
		resolved[i] = fn
	}
	return resolved, nil
}

// ResolveFunction looks up "module.function" among the registered modules.
func (c *Context) ResolveFunction(qualified string) (Function, bool) {
	modName, fnName, ok := strings.Cut(qualified, ".")
	if !ok {
		return Function{}, false
	}
	m, ok := c.Module(modName)
	if !ok {
		return Function{}, false
	}
	return m.LookupFunction(fnName)
}

// owns reports whether fn belongs to a module registered in c.
func (c *Context) owns(fn Function) bool {
	if !fn.IsValid() {
		return false
	}
	m, ok := c.Module(fn.Module.Name())
	return ok && m == fn.Module
}

func (c *Context) imports(module string) []Function {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.links[module]
}

const maxCallDepth = 64

// callEnv is the state shared by the frames of one invocation.
type callEnv struct {
	c     *Context
	depth int
}

func (e *callEnv) call(ctx context.Context, fn Function, args []Variant) ([]Variant, error) {
	exec, ok := fn.Module.(executor)
	if !ok {
		return nil, fmt.Errorf("%s: module %T cannot be executed", fn.QualifiedName(), fn.Module)
	}
	if e.depth >= maxCallDepth {
		return nil, fmt.Errorf("%s: call depth exceeds %d", fn.QualifiedName(), maxCallDepth)
	}
	e.depth++
	defer func() { e.depth-- }()
	return exec.execute(ctx, e, fn, args)
}
