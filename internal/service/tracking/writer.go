package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
	"github.com/ViljarVoidula/graphql-gateway/internal/repository"
)

const (
	defaultBatchSize      = 1000
	defaultFlushInterval  = 5 * time.Second
	defaultFailureLimit   = 5
	defaultMaxBufferBytes = 100 * 1024 * 1024
	defaultShutdownGrace  = 10 * time.Second
	estimatedRecordBytes  = 512
	flushAttemptTimeout   = 15 * time.Second
)

// BatchWriterConfig tunes buffering and flush behaviour. Zero values fall
// back to defaults.
type BatchWriterConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FailureLimit   int
	MaxBufferBytes int64
	ShutdownGrace  time.Duration
}

func (c BatchWriterConfig) withDefaults() BatchWriterConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = defaultFailureLimit
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = defaultMaxBufferBytes
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return c
}

// WriterStats is a point-in-time snapshot for the status endpoint.
type WriterStats struct {
	Buffered            int       `json:"buffered"`
	Dropped             int64     `json:"dropped"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BreakerOpen         bool      `json:"breaker_open"`
	LastFlushSuccess    time.Time `json:"last_flush_success"`
}

// BatchWriter buffers retained measurements and persists them in bulk off
// the request path. Add never blocks on I/O; persistence failures trip a
// circuit breaker and overload sheds records instead of queueing unbounded.
type BatchWriter struct {
	cfg  BatchWriterConfig
	repo repository.MeasurementRepository

	mu          sync.Mutex
	buf         []domain.Measurement
	failures    int
	breakerOpen bool
	dropped     int64
	lastSuccess time.Time

	flushCh      chan struct{}
	shutdownOnce sync.Once
	logger       *slog.Logger
	limiter      *logLimiter
	now          func() time.Time
}

// NewBatchWriter constructs a BatchWriter.
func NewBatchWriter(repo repository.MeasurementRepository, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	cfg = cfg.withDefaults()
	if logger != nil {
		logger = logger.With("component", "batch_writer")
	}
	return &BatchWriter{
		cfg:     cfg,
		repo:    repo,
		buf:     make([]domain.Measurement, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		logger:  logger,
		limiter: newLogLimiter(time.Minute, 5),
		now:     time.Now,
	}
}

// Add appends a measurement to the buffer. It never blocks: records are
// dropped (and counted) while the breaker is open or the buffer is full.
func (w *BatchWriter) Add(m domain.Measurement) {
	w.mu.Lock()
	if w.breakerOpen {
		w.dropped++
		w.mu.Unlock()
		return
	}
	if len(w.buf) >= 2*w.cfg.BatchSize || int64(len(w.buf))*estimatedRecordBytes >= w.cfg.MaxBufferBytes {
		w.dropped++
		w.mu.Unlock()
		return
	}
	w.buf = append(w.buf, m)
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the timer and on size triggers until the context is
// cancelled, then attempts one final flush bounded by the shutdown grace.
func (w *BatchWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Shutdown()
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushCh:
			w.flush(ctx)
		}
	}
}

// Shutdown performs the final best-effort flush. Anything unflushed after
// the grace period is abandoned. Both the run loop and the composition root
// call this on termination; only the first call drains, later callers wait
// for it to finish.
func (w *BatchWriter) Shutdown() {
	w.shutdownOnce.Do(w.drain)
}

func (w *BatchWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer cancel()
	for {
		w.mu.Lock()
		remaining := len(w.buf)
		open := w.breakerOpen
		w.mu.Unlock()
		if remaining == 0 || open || ctx.Err() != nil {
			break
		}
		if !w.flush(ctx) {
			break
		}
	}
	w.mu.Lock()
	abandoned := len(w.buf)
	w.mu.Unlock()
	if abandoned > 0 && w.logger != nil {
		w.logger.Warn("abandoning unflushed measurements", "count", abandoned)
	}
}

// Reset closes the breaker and zeroes the failure counter. Exposed for the
// operational API.
func (w *BatchWriter) Reset() {
	w.mu.Lock()
	w.failures = 0
	w.breakerOpen = false
	w.mu.Unlock()
}

// flush detaches up to one batch and attempts a bulk insert. It reports
// whether progress was made.
func (w *BatchWriter) flush(ctx context.Context) bool {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return false
	}
	n := len(w.buf)
	if n > w.cfg.BatchSize {
		n = w.cfg.BatchSize
	}
	batch := make([]domain.Measurement, n)
	copy(batch, w.buf[:n])
	w.buf = append(w.buf[:0], w.buf[n:]...)
	w.mu.Unlock()

	insertCtx, cancel := context.WithTimeout(ctx, flushAttemptTimeout)
	err := w.repo.InsertMeasurements(insertCtx, batch)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.failures = 0
		w.breakerOpen = false
		w.lastSuccess = w.now()
		return true
	}

	w.failures++
	if w.failures >= w.cfg.FailureLimit {
		w.breakerOpen = true
	}
	if ok, suppressed := w.limiter.allow(); ok && w.logger != nil {
		w.logger.Warn("measurement flush failed",
			"error", err, "batch", len(batch),
			"consecutive_failures", w.failures, "breaker_open", w.breakerOpen,
			"suppressed_logs", suppressed)
	}
	// Re-queue at the front so order is roughly preserved, unless the
	// buffer is already past its overload bound.
	if !w.breakerOpen && len(w.buf)+len(batch) <= 2*w.cfg.BatchSize {
		w.buf = append(batch, w.buf...)
	} else {
		w.dropped += int64(len(batch))
	}
	return false
}

// Stats snapshots the writer for the status endpoint.
func (w *BatchWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Buffered:            len(w.buf),
		Dropped:             w.dropped,
		ConsecutiveFailures: w.failures,
		BreakerOpen:         w.breakerOpen,
		LastFlushSuccess:    w.lastSuccess,
	}
}
