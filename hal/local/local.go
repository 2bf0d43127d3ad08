// Package local provides the "local-sync" HAL driver, which runs kernels on
// the host in pure Go.
package local

import (
	"context"

	"github.com/caffeineduck/vmrt/hal"
)

// DriverName is the registry name of the local driver.
const DriverName = "local-sync"

// Option configures the local driver.
type Option func(*config)

type config struct {
	queueDepth int
}

func defaultConfig() config {
	return config{queueDepth: 64}
}

// WithQueueDepth sets how many dispatches may be pending before Submit blocks.
func WithQueueDepth(n int) Option {
	return func(c *config) {
		c.queueDepth = n
	}
}

// Driver implements hal.Driver for host execution.
type Driver struct {
	cfg config
}

// New returns a local driver.
func New(opts ...Option) *Driver {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{cfg: cfg}
}

// Factory returns a hal.DriverFactory producing local drivers.
func Factory(opts ...Option) hal.DriverFactory {
	return func() (hal.Driver, error) {
		return New(opts...), nil
	}
}

// Register adds the local driver to reg.
func Register(reg *hal.Registry, opts ...Option) {
	reg.Register(DriverName, Factory(opts...))
}

// Name returns "local-sync".
func (d *Driver) Name() string {
	return DriverName
}

// CreateDefaultDevice starts a device with its own allocator and queue.
func (d *Driver) CreateDefaultDevice(ctx context.Context) (hal.Device, error) {
	return newDevice(d.cfg), nil
}
