package wasm

// Option configures the wasm driver at creation time.
type Option func(*config)

type config struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	initialPages     uint32 // Pages reserved when a device starts
	queueDepth       int
}

func defaultConfig() config {
	return config{
		initialPages: 1,
		queueDepth:   64,
	}
}

// WithDiskCache enables a persistent compilation cache for the kernel module.
// Optionally provide a custom directory; otherwise uses ~/.cache/vmrt or XDG_CACHE_HOME/vmrt.
//
// Examples:
//
//	wasm.New(ctx, wasm.WithDiskCache())            // default dir
//	wasm.New(ctx, wasm.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the linear memory available to each device.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithInitialPages sets the number of pages a device starts with.
func WithInitialPages(pages uint32) Option {
	return func(c *config) {
		if pages > 0 {
			c.initialPages = pages
		}
	}
}

// WithQueueDepth sets how many dispatches may be pending before Submit blocks.
func WithQueueDepth(n int) Option {
	return func(c *config) {
		c.queueDepth = n
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
