package hal

import (
	"sort"
	"sync"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"go.uber.org/zap"
)

// DriverFactory creates a driver. It returns an error when the backend is not
// usable in the current environment.
type DriverFactory func() (Driver, error)

// Registry maps driver names to factories. It is built once at start-up and
// passed to whatever needs to enumerate or create drivers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DriverFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]DriverFactory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory DriverFactory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// Query returns the registered driver names in sorted order.
func (r *Registry) Query() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates the named driver.
func (r *Registry) Create(name string) (Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, vmerrors.DriverNotFound(name, nil)
	}
	driver, err := factory()
	if err != nil {
		Logger().Debug("driver unavailable", zap.String("driver", name), zap.Error(err))
		return nil, vmerrors.DriverNotFound(name, err)
	}
	return driver, nil
}
