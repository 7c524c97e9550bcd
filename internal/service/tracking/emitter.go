package tracking

import (
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

var latencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

const defaultPoolLimit = 10000

// EmitterConfig tunes metric export sampling and label interning.
type EmitterConfig struct {
	SampleRate      float64
	ErrorSampleRate float64
	PoolLimit       int
}

func (c EmitterConfig) withDefaults() EmitterConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 0.1
	}
	if c.ErrorSampleRate <= 0 {
		c.ErrorSampleRate = 1.0
	}
	if c.PoolLimit <= 0 {
		c.PoolLimit = defaultPoolLimit
	}
	return c
}

// internPool canonicalises label values up to a capacity bound. On overflow
// the whole pool is cleared; evicting individual entries is not worth the
// bookkeeping at this cardinality.
type internPool struct {
	mu    sync.Mutex
	limit int
	m     map[string]string
}

func newInternPool(limit int) *internPool {
	return &internPool{limit: limit, m: make(map[string]string)}
}

func (p *internPool) get(value string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if canonical, ok := p.m[value]; ok {
		return canonical
	}
	if len(p.m) >= p.limit {
		p.m = make(map[string]string)
	}
	p.m[value] = value
	return value
}

func (p *internPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// EmitterStats is a point-in-time snapshot for the status endpoint.
type EmitterStats struct {
	SampleRate      float64 `json:"sample_rate"`
	ErrorSampleRate float64 `json:"error_sample_rate"`
	OperationPool   int     `json:"operation_pool_size"`
	ServicePool     int     `json:"service_pool_size"`
	ApplicationPool int     `json:"application_pool_size"`
}

// Emitter exports sampled measurements to the metrics sink. Export sampling
// is independent of persistence sampling: errors at one rate, everything
// else at a lower one. High-cardinality name labels only ever reach the
// counters; the histogram carries coarse labels so its series count stays
// bounded.
type Emitter struct {
	latency  *prometheus.HistogramVec
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec

	operations   *internPool
	services     *internPool
	applications *internPool

	mu        sync.Mutex
	rate      float64
	errorRate float64
	rng       *rand.Rand

	logger  *slog.Logger
	limiter *logLimiter
}

// NewEmitter constructs an Emitter and registers its collectors.
func NewEmitter(reg prometheus.Registerer, cfg EmitterConfig, logger *slog.Logger) *Emitter {
	cfg = cfg.withDefaults()
	if logger != nil {
		logger = logger.With("component", "telemetry_emitter")
	}
	e := &Emitter{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "operations",
			Name:      "latency_ms",
			Help:      "Latency distribution of executed operations",
			Buckets:   latencyBuckets,
		}, []string{"operation_type", "auth_type", "has_errors"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "operations",
			Name:      "requests_total",
			Help:      "Count of sampled operation executions",
		}, []string{"operation_name", "service_id", "application_id"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "operations",
			Name:      "errors_total",
			Help:      "Count of sampled operation executions with errors",
		}, []string{"operation_name", "service_id", "application_id"}),
		operations:   newInternPool(cfg.PoolLimit),
		services:     newInternPool(cfg.PoolLimit),
		applications: newInternPool(cfg.PoolLimit),
		rate:         cfg.SampleRate,
		errorRate:    cfg.ErrorSampleRate,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:       logger,
		limiter:      newLogLimiter(time.Minute, 3),
	}
	if reg != nil {
		reg.MustRegister(e.latency, e.requests, e.errors)
	}
	return e
}

// Record exports one measurement, subject to export sampling. Failures are
// swallowed; telemetry must never reach the caller.
func (e *Emitter) Record(m domain.Measurement) {
	if e == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if ok, suppressed := e.limiter.allow(); ok && e.logger != nil {
				e.logger.Warn("metric recording failed", "panic", r, "suppressed_logs", suppressed)
			}
		}
	}()
	if !e.sampled(m.HasErrors) {
		return
	}
	e.latency.With(prometheus.Labels{
		"operation_type": m.OperationType,
		"auth_type":      m.AuthType,
		"has_errors":     strconv.FormatBool(m.HasErrors),
	}).Observe(m.LatencyMS)

	nameLabels := prometheus.Labels{
		"operation_name": e.operations.get(m.OperationName),
		"service_id":     e.services.get(m.ServiceID),
		"application_id": e.applications.get(m.ApplicationID),
	}
	e.requests.With(nameLabels).Inc()
	if m.HasErrors {
		e.errors.With(nameLabels).Inc()
	}
}

func (e *Emitter) sampled(hasErrors bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rate := e.rate
	if hasErrors {
		rate = e.errorRate
	}
	if rate >= 1 {
		return true
	}
	return e.rng.Float64() < rate
}

// ApplySettings adopts runtime-tunable export rates.
func (e *Emitter) ApplySettings(ts domain.TrackingSettings) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts.TelemetryRate > 0 {
		e.rate = ts.TelemetryRate
	}
	if ts.TelemetryErrRate > 0 {
		e.errorRate = ts.TelemetryErrRate
	}
}

// Stats snapshots the emitter for the status endpoint.
func (e *Emitter) Stats() EmitterStats {
	if e == nil {
		return EmitterStats{}
	}
	e.mu.Lock()
	rate, errorRate := e.rate, e.errorRate
	e.mu.Unlock()
	return EmitterStats{
		SampleRate:      rate,
		ErrorSampleRate: errorRate,
		OperationPool:   e.operations.size(),
		ServicePool:     e.services.size(),
		ApplicationPool: e.applications.size(),
	}
}
