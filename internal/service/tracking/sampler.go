package tracking

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

const (
	defaultBaseRate       = 0.01
	defaultErrorRate      = 1.0
	defaultSlowMS         = 2000
	defaultWindow         = 5 * time.Minute
	defaultCleanupEvery   = time.Minute
	defaultReservoirCap   = 1000
	defaultHighVolumeRPS  = 100
	rareOperationRequests = 100
	maxRateReduction      = 10
	minSampleRate         = 0.001
	maxRareSampleRate     = 0.10
)

// SamplerConfig tunes the sampling decision engine. Zero values fall back to
// defaults.
type SamplerConfig struct {
	BaseRate          float64
	ErrorRate         float64
	SlowThresholdMS   float64
	Window            time.Duration
	CleanupEvery      time.Duration
	ReservoirCapacity int
	HighVolumeRPS     float64
}

func (c SamplerConfig) withDefaults() SamplerConfig {
	if c.BaseRate <= 0 {
		c.BaseRate = defaultBaseRate
	}
	if c.ErrorRate <= 0 {
		c.ErrorRate = defaultErrorRate
	}
	if c.SlowThresholdMS <= 0 {
		c.SlowThresholdMS = defaultSlowMS
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = defaultCleanupEvery
	}
	if c.ReservoirCapacity <= 0 {
		c.ReservoirCapacity = defaultReservoirCap
	}
	if c.HighVolumeRPS <= 0 {
		c.HighVolumeRPS = defaultHighVolumeRPS
	}
	return c
}

// ReservoirEntry is one high-value (erroring or slow) observation retained in
// the bounded reservoir.
type ReservoirEntry struct {
	OperationName string
	ServiceID     string
	ApplicationID string
	LatencyMS     float64
	HasErrors     bool
	RequestID     string
	ObservedAt    time.Time
}

// opCounter tracks an operation's request volume in coarse minute buckets so
// pruning stays cheap regardless of traffic.
type opCounter struct {
	buckets map[int64]int64
}

func (c *opCounter) inc(minute int64) {
	if c.buckets == nil {
		c.buckets = make(map[int64]int64)
	}
	c.buckets[minute]++
}

func (c *opCounter) countSince(oldestMinute int64) int64 {
	var total int64
	for minute, n := range c.buckets {
		if minute >= oldestMinute {
			total += n
		}
	}
	return total
}

func (c *opCounter) prune(oldestMinute int64) bool {
	for minute := range c.buckets {
		if minute < oldestMinute {
			delete(c.buckets, minute)
		}
	}
	return len(c.buckets) == 0
}

// SamplerStats is a point-in-time snapshot for the status endpoint.
type SamplerStats struct {
	BaseRate        float64 `json:"base_rate"`
	ErrorRate       float64 `json:"error_rate"`
	SlowThresholdMS float64 `json:"slow_threshold_ms"`
	Operations      int     `json:"operations_in_window"`
	WindowRequests  int64   `json:"window_requests"`
	ReservoirSize   int     `json:"reservoir_size"`
}

// Sampler decides which measurements are worth keeping. Decisions are pure
// and deterministic given unchanged counters; bookkeeping happens separately
// in RecordRequest so a decision can be replayed while debugging.
type Sampler struct {
	cfg SamplerConfig

	mu        sync.RWMutex
	baseRate  float64
	errorRate float64
	slowMS    float64
	counters  map[string]*opCounter
	reservoir []ReservoirEntry
	seen      int
	rng       *rand.Rand

	logger *slog.Logger
	now    func() time.Time
}

// NewSampler constructs a sampling decision engine.
func NewSampler(cfg SamplerConfig, logger *slog.Logger) *Sampler {
	cfg = cfg.withDefaults()
	if logger != nil {
		logger = logger.With("component", "sampler")
	}
	return &Sampler{
		cfg:       cfg,
		baseRate:  cfg.BaseRate,
		errorRate: cfg.ErrorRate,
		slowMS:    cfg.SlowThresholdMS,
		counters:  make(map[string]*opCounter),
		reservoir: make([]ReservoirEntry, 0, cfg.ReservoirCapacity),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger,
		now:       time.Now,
	}
}

// ShouldSample reports whether a measurement should be retained. It never
// mutates state and never panics outward; an internal fault means "do not
// retain".
func (s *Sampler) ShouldSample(operationName, serviceID, applicationID string, latencyMS float64, hasErrors bool, requestID string) (retain bool) {
	defer func() {
		if r := recover(); r != nil {
			retain = false
		}
	}()
	fraction := hashFraction(requestID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decideLocked(operationName, fraction, latencyMS, hasErrors)
}

func (s *Sampler) decideLocked(operationName string, fraction, latencyMS float64, hasErrors bool) bool {
	if hasErrors {
		// A rate of 1.0 must retain literally every error; hash values that
		// round to exactly 1.0 would otherwise slip past the comparison.
		return s.errorRate >= 1 || fraction < s.errorRate
	}
	if latencyMS > s.slowMS {
		return true
	}
	return fraction < s.thresholdLocked(operationName)
}

// thresholdLocked computes the dynamic per-operation rate. Rare operations
// get richer sampling; high-volume operations get throttled down to a floor.
// Callers hold at least a read lock.
func (s *Sampler) thresholdLocked(operationName string) float64 {
	rate := s.baseRate
	counter := s.counters[operationName]
	if counter == nil {
		return math.Min(rate*maxRateReduction, maxRareSampleRate)
	}
	oldest := s.now().Add(-s.cfg.Window).Unix() / 60
	count := counter.countSince(oldest)
	if count < rareOperationRequests {
		return math.Min(rate*maxRateReduction, maxRareSampleRate)
	}
	rps := float64(count) / s.cfg.Window.Seconds()
	if rps > s.cfg.HighVolumeRPS {
		overage := math.Min(rps/s.cfg.HighVolumeRPS, maxRateReduction)
		rate = math.Max(rate/overage, minSampleRate)
	}
	return rate
}

// RecordRequest updates the rolling counters and, for high-value requests,
// the reservoir. It runs for every request regardless of the sampling
// outcome and is safe to call from the hot path.
func (s *Sampler) RecordRequest(operationName, serviceID, applicationID string, latencyMS float64, hasErrors bool, requestID string) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Warn("record request panic", "panic", r)
		}
	}()
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	counter := s.counters[operationName]
	if counter == nil {
		counter = &opCounter{}
		s.counters[operationName] = counter
	}
	counter.inc(now.Unix() / 60)

	if !hasErrors && latencyMS <= s.slowMS {
		return
	}
	entry := ReservoirEntry{
		OperationName: operationName,
		ServiceID:     serviceID,
		ApplicationID: applicationID,
		LatencyMS:     latencyMS,
		HasErrors:     hasErrors,
		RequestID:     requestID,
		ObservedAt:    now,
	}
	s.seen++
	if len(s.reservoir) < s.cfg.ReservoirCapacity {
		s.reservoir = append(s.reservoir, entry)
		return
	}
	if idx := s.rng.Intn(s.seen); idx < s.cfg.ReservoirCapacity {
		s.reservoir[idx] = entry
	}
}

// ApplySettings adopts runtime-tunable rates from the shared settings store.
func (s *Sampler) ApplySettings(ts domain.TrackingSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.BaseSampleRate > 0 {
		s.baseRate = ts.BaseSampleRate
	}
	if ts.ErrorSampleRate > 0 {
		s.errorRate = ts.ErrorSampleRate
	}
	if ts.SlowThresholdMS > 0 {
		s.slowMS = ts.SlowThresholdMS
	}
}

// Run prunes counters and reservoir entries on a timer until the context is
// cancelled, bounding memory independent of traffic.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Sampler) cleanup() {
	cutoff := s.now().Add(-s.cfg.Window)
	oldestMinute := cutoff.Unix() / 60
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, counter := range s.counters {
		if counter.prune(oldestMinute) {
			delete(s.counters, name)
		}
	}
	kept := s.reservoir[:0]
	for _, entry := range s.reservoir {
		if entry.ObservedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	s.reservoir = kept
}

// Reservoir returns a copy of the current high-value entries.
func (s *Sampler) Reservoir() []ReservoirEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ReservoirEntry, len(s.reservoir))
	copy(out, s.reservoir)
	return out
}

// Stats snapshots the sampler for the status endpoint.
func (s *Sampler) Stats() SamplerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	oldest := s.now().Add(-s.cfg.Window).Unix() / 60
	var windowRequests int64
	for _, counter := range s.counters {
		windowRequests += counter.countSince(oldest)
	}
	return SamplerStats{
		BaseRate:        s.baseRate,
		ErrorRate:       s.errorRate,
		SlowThresholdMS: s.slowMS,
		Operations:      len(s.counters),
		WindowRequests:  windowRequests,
		ReservoirSize:   len(s.reservoir),
	}
}

// hashFraction maps a request id to a stable fraction in [0, 1).
func hashFraction(requestID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(requestID))
	return float64(h.Sum64()) / float64(math.MaxUint64)
}
