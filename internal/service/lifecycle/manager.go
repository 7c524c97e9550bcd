// Package lifecycle enforces the measurement retention policy and keeps the
// storage layout ahead of the write path. It runs on its own schedule with
// its own store connections; nothing here shares a lock with the hot path.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
	"github.com/ViljarVoidula/graphql-gateway/internal/repository"
)

// ErrCleanupRunning is returned when a cycle is triggered while another one
// is still in progress.
var ErrCleanupRunning = errors.New("lifecycle: cleanup already running")

const (
	defaultInterval      = 24 * time.Hour
	defaultInitialDelay  = 5 * time.Minute
	defaultDeleteBatch   = 100000
	defaultBatchPause    = 250 * time.Millisecond
	defaultPartitionDays = 30
	defaultCompressAfter = 7 * 24 * time.Hour
	cycleTimeout         = 30 * time.Minute
)

// PolicySource supplies the current retention policy. It is re-read at the
// start of every cycle so live changes take effect without a restart.
type PolicySource interface {
	Retention(ctx context.Context) domain.RetentionPolicy
}

// Config tunes the lifecycle manager. Zero values fall back to defaults.
type Config struct {
	Interval           time.Duration
	InitialDelay       time.Duration
	DeleteBatchSize    int
	BatchPause         time.Duration
	PartitionDaysAhead int
	CompressAfter      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.DeleteBatchSize <= 0 {
		c.DeleteBatchSize = defaultDeleteBatch
	}
	if c.BatchPause < 0 {
		c.BatchPause = defaultBatchPause
	}
	if c.PartitionDaysAhead <= 0 {
		c.PartitionDaysAhead = defaultPartitionDays
	}
	if c.CompressAfter <= 0 {
		c.CompressAfter = defaultCompressAfter
	}
	return c
}

// Status is the lifecycle health snapshot for the status endpoint.
type Status struct {
	LastRun     domain.LifecycleRun `json:"last_run"`
	LastSuccess time.Time           `json:"last_success"`
	Healthy     bool                `json:"healthy"`
}

// Manager runs retention cycles. Only one cycle may run at a time; a
// concurrent trigger fails fast.
type Manager struct {
	cfg    Config
	repo   repository.MeasurementRepository
	policy PolicySource
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool

	// Partitions already compressed in this process's lifetime. Touched only
	// from the single-flight cycle, so no lock is needed.
	compressedDone map[string]struct{}

	mu          sync.Mutex
	startedAt   time.Time
	lastRun     domain.LifecycleRun
	lastSuccess time.Time
}

// New constructs a lifecycle Manager.
func New(repo repository.MeasurementRepository, policy PolicySource, cfg Config, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	return &Manager{
		cfg:            cfg,
		repo:           repo,
		policy:         policy,
		compressedDone: make(map[string]struct{}),
		logger:         logger,
		now:            time.Now,
	}
}

// Run executes cycles on the schedule, plus one delayed initial run, until
// the context is cancelled. A failed cycle does not stop the schedule.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.startedAt = m.now()
	m.mu.Unlock()

	initial := time.NewTimer(m.cfg.InitialDelay)
	defer initial.Stop()
	select {
	case <-ctx.Done():
		return
	case <-initial.C:
		m.runScheduled(ctx)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runScheduled(ctx)
		}
	}
}

func (m *Manager) runScheduled(ctx context.Context) {
	if err := m.RunCycle(ctx); err != nil && !errors.Is(err, ErrCleanupRunning) {
		if m.logger != nil {
			m.logger.Error("lifecycle cycle failed", "error", err)
		}
	}
}

// RunCycle performs one retention cycle: refresh policy, archive or delete
// expired rows in bounded batches, maintain partitions, and refresh planner
// statistics. Returns ErrCleanupRunning if a cycle is already in progress.
func (m *Manager) RunCycle(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrCleanupRunning
	}
	defer m.running.Store(false)

	cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	run := domain.LifecycleRun{ID: uuid.NewString(), StartedAt: m.now()}
	err := m.cycle(cycleCtx, &run)
	run.FinishedAt = m.now()
	if err != nil {
		run.Err = err.Error()
	}

	m.mu.Lock()
	m.lastRun = run
	if err == nil {
		m.lastSuccess = run.FinishedAt
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("lifecycle cycle finished",
			"run_id", run.ID, "deleted", run.RecordsDeleted,
			"archived", run.RecordsArchived, "partitions_created", run.PartitionsMade,
			"duration", run.FinishedAt.Sub(run.StartedAt), "error", run.Err)
	}
	return err
}

func (m *Manager) cycle(ctx context.Context, run *domain.LifecycleRun) error {
	policy := m.policy.Retention(ctx)
	if policy.Days <= 0 {
		return errors.New("lifecycle: non-positive retention days")
	}
	cutoff := policy.Cutoff(m.now())

	if err := m.expire(ctx, run, policy, cutoff); err != nil {
		return err
	}
	if policy.PartitioningEnabled {
		created, err := m.repo.EnsureFuturePartitions(ctx, m.now(), m.cfg.PartitionDaysAhead)
		run.PartitionsMade = created
		if err != nil {
			return err
		}
	}
	if policy.CompressionEnabled {
		m.compressOld(ctx)
	}
	return m.repo.Analyze(ctx)
}

// expire removes rows older than cutoff in bounded batches, pausing between
// batches so long transactions never contend with hot-path inserts.
func (m *Manager) expire(ctx context.Context, run *domain.LifecycleRun, policy domain.RetentionPolicy, cutoff time.Time) error {
	for {
		var (
			n   int64
			err error
		)
		if policy.ArchiveEnabled {
			n, err = m.repo.ArchiveOlderThan(ctx, cutoff, m.cfg.DeleteBatchSize)
			run.RecordsArchived += n
		} else {
			n, err = m.repo.DeleteOlderThan(ctx, cutoff, m.cfg.DeleteBatchSize)
			run.RecordsDeleted += n
		}
		if err != nil {
			return err
		}
		if n < int64(m.cfg.DeleteBatchSize) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.BatchPause):
		}
	}
}

// compressOld marks partitions past the grace period for storage
// compression. Per-partition failures are logged and skipped so one bad
// partition cannot abort the rest of the cycle; compression is a freeze plus
// a vacuum, so partitions done once are not revisited until a restart.
func (m *Manager) compressOld(ctx context.Context) {
	grace := m.now().Add(-m.cfg.CompressAfter)
	partitions, err := m.repo.ListPartitionsOlderThan(ctx, grace)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("listing partitions for compression failed", "error", err)
		}
		return
	}
	for _, partition := range partitions {
		if _, done := m.compressedDone[partition]; done {
			continue
		}
		if err := m.repo.MarkPartitionCompressed(ctx, partition); err != nil {
			if m.logger != nil {
				m.logger.Warn("partition compression failed", "partition", partition, "error", err)
			}
			continue
		}
		m.compressedDone[partition] = struct{}{}
	}
}

// Status reports the last run and whether the manager is healthy. The
// manager is unhealthy once the last success is more than twice the
// schedule interval ago.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	reference := m.lastSuccess
	if reference.IsZero() {
		reference = m.startedAt
	}
	healthy := reference.IsZero() || m.now().Sub(reference) < 2*m.cfg.Interval
	return Status{
		LastRun:     m.lastRun,
		LastSuccess: m.lastSuccess,
		Healthy:     healthy,
	}
}
