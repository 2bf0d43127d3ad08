package vm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// RefType is an entry of the process-wide reference type table.
type RefType struct {
	ID   uint32
	Name string
}

// Reference type names carried by variants.
const (
	RefTypeList       = "vm.list"
	RefTypeBuffer     = "hal.buffer"
	RefTypeBufferView = "hal.buffer_view"
)

var (
	refTypesOnce sync.Once
	refTypes     []RefType
)

func registerRefTypes() {
	refTypesOnce.Do(func() {
		refTypes = []RefType{
			{ID: 1, Name: RefTypeList},
			{ID: 2, Name: RefTypeBuffer},
			{ID: 3, Name: RefTypeBufferView},
		}
		Logger().Debug("registered reference types", zap.Int("count", len(refTypes)))
	})
}

// RefTypes returns the registered reference types. It is empty until the
// first Instance is created.
func RefTypes() []RefType {
	return append([]RefType(nil), refTypes...)
}

// InstanceOption configures an Instance.
type InstanceOption func(*instanceConfig)

type instanceConfig struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the logger used by the instance and its contexts.
func WithLogger(l *zap.Logger) InstanceOption {
	return func(c *instanceConfig) {
		c.logger = l
	}
}

// WithRegisterer registers the runtime metrics on reg. Without it metrics are
// collected but not exported.
func WithRegisterer(reg prometheus.Registerer) InstanceOption {
	return func(c *instanceConfig) {
		c.registerer = reg
	}
}

// Instance is the root runtime object. Contexts are created from it.
type Instance struct {
	logger  *zap.Logger
	metrics *metrics
}

// NewInstance creates an instance. The first call in a process registers the
// reference type table.
func NewInstance(opts ...InstanceOption) *Instance {
	var cfg instanceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = Logger()
	}

	registerRefTypes()

	return &Instance{
		logger:  cfg.logger,
		metrics: newMetrics(cfg.registerer),
	}
}

func (i *Instance) Logger() *zap.Logger {
	return i.logger
}
