package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

const (
	defaultMaxPlausibleMS = 5 * 60 * 1000
	defaultDispatchLimit  = 64
)

// IdentityResolver maps a request context to the tenant it belongs to. A
// false return means the request is not tracked; that is not an error.
type IdentityResolver interface {
	Resolve(ctx context.Context) (domain.Identity, bool)
}

// SettingsSource supplies the live tracking settings.
type SettingsSource interface {
	Tracking(ctx context.Context) domain.TrackingSettings
}

// Broadcaster streams retained measurements to subscribed dashboards.
type Broadcaster interface {
	Broadcast(serviceID string, payload []byte)
}

// Operation is the ephemeral per-request context between the start and
// completion hooks. It is never persisted.
type Operation struct {
	Name      string
	Type      string
	RequestID string
	start     time.Time
}

// TrackerConfig tunes the hot-path hook.
type TrackerConfig struct {
	MaxPlausibleMS float64
	DispatchLimit  int
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.MaxPlausibleMS <= 0 {
		c.MaxPlausibleMS = defaultMaxPlausibleMS
	}
	if c.DispatchLimit <= 0 {
		c.DispatchLimit = defaultDispatchLimit
	}
	return c
}

// TrackerStats is a point-in-time snapshot for the status endpoint.
type TrackerStats struct {
	OutliersDropped int64 `json:"outliers_dropped"`
	DispatchDropped int64 `json:"dispatch_dropped"`
}

// Tracker is the integration point the execution engine calls around every
// operation. It observes results and never mutates them; any internal fault
// is swallowed so the response path is unaffected.
type Tracker struct {
	cfg      TrackerConfig
	sampler  *Sampler
	writer   *BatchWriter
	emitter  *Emitter
	resolver IdentityResolver
	settings SettingsSource
	stream   Broadcaster

	seq             atomic.Uint64
	outliersDropped atomic.Int64
	dispatchDropped atomic.Int64
	slots           chan struct{}

	logger  *slog.Logger
	limiter *logLimiter
	now     func() time.Time
}

// NewTracker constructs the hot-path hook. The emitter and stream may be nil.
func NewTracker(cfg TrackerConfig, sampler *Sampler, writer *BatchWriter, emitter *Emitter, resolver IdentityResolver, settings SettingsSource, stream Broadcaster, logger *slog.Logger) *Tracker {
	cfg = cfg.withDefaults()
	if logger != nil {
		logger = logger.With("component", "tracker")
	}
	return &Tracker{
		cfg:      cfg,
		sampler:  sampler,
		writer:   writer,
		emitter:  emitter,
		resolver: resolver,
		settings: settings,
		stream:   stream,
		slots:    make(chan struct{}, cfg.DispatchLimit),
		logger:   logger,
		limiter:  newLogLimiter(time.Minute, 5),
		now:      time.Now,
	}
}

// OperationStarted captures the start timestamp and operation identity. The
// correlation id is a cheap process-local token; a collision only skews
// bookkeeping, never correctness.
func (t *Tracker) OperationStarted(name, operationType string) *Operation {
	start := t.now()
	seq := t.seq.Add(1)
	return &Operation{
		Name:      name,
		Type:      operationType,
		RequestID: strconv.FormatInt(start.UnixNano(), 36) + "-" + strconv.FormatUint(seq, 36),
		start:     start,
	}
}

// OperationCompleted times the operation, decides retention, and hands
// retained measurements off without blocking the response path. Nothing in
// here may propagate to the caller.
func (t *Tracker) OperationCompleted(ctx context.Context, op *Operation, result domain.OperationResult) {
	defer func() {
		if r := recover(); r != nil {
			if ok, suppressed := t.limiter.allow(); ok && t.logger != nil {
				t.logger.Error("tracking hook panic", "panic", r, "suppressed_logs", suppressed)
			}
		}
	}()
	if op == nil {
		return
	}
	elapsedMS := float64(t.now().Sub(op.start)) / float64(time.Millisecond)

	ts := t.settings.Tracking(ctx)
	if !ts.Enabled {
		return
	}
	t.sampler.ApplySettings(ts)
	if t.emitter != nil {
		t.emitter.ApplySettings(ts)
	}

	identity, ok := t.resolver.Resolve(ctx)
	if !ok {
		return
	}
	if elapsedMS > t.cfg.MaxPlausibleMS {
		t.outliersDropped.Add(1)
		if allowed, suppressed := t.limiter.allow(); allowed && t.logger != nil {
			t.logger.Warn("discarding implausible measurement",
				"operation", op.Name, "latency_ms", elapsedMS, "suppressed_logs", suppressed)
		}
		return
	}

	hasErrors := result.HasErrors()
	retained := t.sampler.ShouldSample(op.Name, identity.ServiceID, identity.ApplicationID, elapsedMS, hasErrors, op.RequestID)
	t.sampler.RecordRequest(op.Name, identity.ServiceID, identity.ApplicationID, elapsedMS, hasErrors, op.RequestID)
	if !retained {
		return
	}

	m := domain.Measurement{
		ID:                uuid.NewString(),
		ServiceID:         identity.ServiceID,
		ApplicationID:     identity.ApplicationID,
		UserID:            identity.UserID,
		OperationName:     op.Name,
		OperationType:     op.Type,
		LatencyMS:         elapsedMS,
		HasErrors:         hasErrors,
		StatusCode:        result.StatusCode,
		RequestSizeBytes:  result.RequestSizeBytes,
		ResponseSizeBytes: result.ResponseSizeBytes,
		RequestID:         op.RequestID,
		ClientIP:          result.ClientIP,
		UserAgent:         result.UserAgent,
		AuthType:          result.AuthType,
	}
	m.Bucket(t.now())

	t.writer.Add(m)

	emit := t.emitter != nil && ts.TelemetryEnabled
	if emit || t.stream != nil {
		t.dispatch(func() {
			if emit {
				t.emitter.Record(m)
			}
			t.broadcast(m)
		})
	}
}

// dispatch runs fn on a background goroutine bounded by the dispatch limit.
// When all slots are busy the work is dropped rather than queued.
func (t *Tracker) dispatch(fn func()) {
	select {
	case t.slots <- struct{}{}:
		go func() {
			defer func() {
				if r := recover(); r != nil {
					if ok, suppressed := t.limiter.allow(); ok && t.logger != nil {
						t.logger.Warn("telemetry dispatch panic", "panic", r, "suppressed_logs", suppressed)
					}
				}
				<-t.slots
			}()
			fn()
		}()
	default:
		t.dispatchDropped.Add(1)
	}
}

func (t *Tracker) broadcast(m domain.Measurement) {
	if t.stream == nil {
		return
	}
	payload, err := MarshalMeasurement(m)
	if err != nil {
		return
	}
	t.stream.Broadcast(m.ServiceID, payload)
}

// Stats snapshots the tracker for the status endpoint.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		OutliersDropped: t.outliersDropped.Load(),
		DispatchDropped: t.dispatchDropped.Load(),
	}
}

// MarshalMeasurement encodes a measurement for stream subscribers.
func MarshalMeasurement(m domain.Measurement) ([]byte, error) {
	payload := map[string]any{
		"id":                  m.ID,
		"service_id":          m.ServiceID,
		"application_id":      m.ApplicationID,
		"user_id":             m.UserID,
		"operation_name":      m.OperationName,
		"operation_type":      m.OperationType,
		"latency_ms":          m.LatencyMS,
		"has_errors":          m.HasErrors,
		"status_code":         m.StatusCode,
		"request_size_bytes":  m.RequestSizeBytes,
		"response_size_bytes": m.ResponseSizeBytes,
		"auth_type":           m.AuthType,
		"created_at":          m.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
