package vm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Invocation status label values.
const (
	statusOK    = "ok"
	statusError = "error"
)

type metrics struct {
	invocations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	contexts      prometheus.Counter
	modulesLoaded prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmrt_invocations_total",
				Help: "Total number of function invocations.",
			},
			[]string{"module", "function", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmrt_invocation_duration_seconds",
				Help:    "Function invocation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module", "function"},
		),
		contexts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vmrt_contexts_created_total",
				Help: "Total number of contexts created.",
			},
		),
		modulesLoaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vmrt_modules_loaded_total",
				Help: "Total number of modules registered into contexts.",
			},
		),
	}
	if reg == nil {
		return m
	}

	m.invocations = register(reg, m.invocations)
	m.duration = register(reg, m.duration)
	m.contexts = register(reg, m.contexts)
	m.modulesLoaded = register(reg, m.modulesLoaded)
	return m
}

// register adds c to reg. When an identical collector is already registered,
// for example by an earlier Instance, the existing one is returned.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	Logger().Warn("metric registration failed", zap.Error(err))
	return c
}

func (m *metrics) observeInvocation(module, function string, seconds float64, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	m.invocations.WithLabelValues(module, function, status).Inc()
	m.duration.WithLabelValues(module, function).Observe(seconds)
}
