package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

type stubPolicy struct {
	policy domain.RetentionPolicy
}

func (s stubPolicy) Retention(context.Context) domain.RetentionPolicy {
	return s.policy
}

// lifecycleRepo counts maintenance calls and serves a fixed number of
// expired rows in batches.
type lifecycleRepo struct {
	mu sync.Mutex

	expiredRows int64
	deleteErr   error

	deleteCalls  int
	archiveCalls int
	deleted      int64
	archived     int64

	cutoffs []time.Time

	partitionsCreated int
	ensureCalls       int

	oldPartitions  []string
	compressed     []string
	compressErrFor string

	analyzeCalls int

	block chan struct{}
}

func (r *lifecycleRepo) drain(limit int) int64 {
	n := r.expiredRows
	if n > int64(limit) {
		n = int64(limit)
	}
	r.expiredRows -= n
	return n
}

func (r *lifecycleRepo) InsertMeasurements(context.Context, []domain.Measurement) error {
	return nil
}

func (r *lifecycleRepo) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.block != nil {
		r.mu.Unlock()
		<-r.block
		r.mu.Lock()
	}
	r.deleteCalls++
	r.cutoffs = append(r.cutoffs, cutoff)
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}
	n := r.drain(limit)
	r.deleted += n
	return n, nil
}

func (r *lifecycleRepo) ArchiveOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archiveCalls++
	r.cutoffs = append(r.cutoffs, cutoff)
	n := r.drain(limit)
	r.archived += n
	return n, nil
}

func (r *lifecycleRepo) EnsureFuturePartitions(_ context.Context, _ time.Time, _ int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureCalls++
	return r.partitionsCreated, nil
}

func (r *lifecycleRepo) ListPartitionsOlderThan(context.Context, time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldPartitions, nil
}

func (r *lifecycleRepo) MarkPartitionCompressed(_ context.Context, partition string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if partition == r.compressErrFor {
		return errors.New("vacuum failed")
	}
	r.compressed = append(r.compressed, partition)
	return nil
}

func (r *lifecycleRepo) Analyze(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzeCalls++
	return nil
}

func newTestManager(repo *lifecycleRepo, policy domain.RetentionPolicy, cfg Config) (*Manager, *time.Time) {
	if cfg.BatchPause == 0 {
		cfg.BatchPause = time.Millisecond
	}
	m := New(repo, stubPolicy{policy: policy}, cfg, nil)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestCycleDeletesInBoundedBatches(t *testing.T) {
	repo := &lifecycleRepo{expiredRows: 250}
	m, _ := newTestManager(repo, domain.RetentionPolicy{Days: 30}, Config{DeleteBatchSize: 100})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if repo.deleteCalls != 3 {
		t.Fatalf("expected 3 bounded delete batches, got %d", repo.deleteCalls)
	}
	if repo.deleted != 250 {
		t.Fatalf("expected 250 rows deleted, got %d", repo.deleted)
	}
	if got := m.Status().LastRun.RecordsDeleted; got != 250 {
		t.Fatalf("run recorded %d deletions, want 250", got)
	}
}

func TestCycleCutoffRespectsRetentionDays(t *testing.T) {
	repo := &lifecycleRepo{expiredRows: 1}
	m, now := newTestManager(repo, domain.RetentionPolicy{Days: 1}, Config{DeleteBatchSize: 100})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	want := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	if len(repo.cutoffs) == 0 || !repo.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff %v, want %v", repo.cutoffs, want)
	}
	// Rows from three days ago fall before the cutoff, rows written today
	// do not; the repo is only ever asked for the former.
	if repo.cutoffs[0].After(*now) {
		t.Fatal("cutoff must never reach past the current time")
	}
}

func TestCycleArchivesWhenEnabled(t *testing.T) {
	repo := &lifecycleRepo{expiredRows: 40}
	m, _ := newTestManager(repo, domain.RetentionPolicy{Days: 30, ArchiveEnabled: true}, Config{DeleteBatchSize: 100})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if repo.archiveCalls == 0 || repo.deleteCalls != 0 {
		t.Fatalf("expected archive path, got %d archive / %d delete calls", repo.archiveCalls, repo.deleteCalls)
	}
	status := m.Status()
	if status.LastRun.RecordsArchived != 40 || status.LastRun.RecordsDeleted != 0 {
		t.Fatalf("run counted archived=%d deleted=%d, want 40/0",
			status.LastRun.RecordsArchived, status.LastRun.RecordsDeleted)
	}
}

func TestCycleRejectsNonPositiveRetention(t *testing.T) {
	repo := &lifecycleRepo{}
	m, _ := newTestManager(repo, domain.RetentionPolicy{Days: 0}, Config{})

	if err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error for non-positive retention days")
	}
	if repo.deleteCalls != 0 && repo.archiveCalls != 0 {
		t.Fatal("expected no expiry work with an invalid policy")
	}
}

func TestConcurrentCycleFailsFast(t *testing.T) {
	repo := &lifecycleRepo{expiredRows: 1, block: make(chan struct{})}
	m, _ := newTestManager(repo, domain.RetentionPolicy{Days: 30}, Config{DeleteBatchSize: 100})

	done := make(chan error, 1)
	go func() { done <- m.RunCycle(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for !m.running.Load() {
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if err := m.RunCycle(context.Background()); !errors.Is(err, ErrCleanupRunning) {
		t.Fatalf("expected ErrCleanupRunning, got %v", err)
	}
	close(repo.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestCyclePartitionMaintenance(t *testing.T) {
	repo := &lifecycleRepo{partitionsCreated: 5}
	policy := domain.RetentionPolicy{Days: 30, PartitioningEnabled: true}
	m, _ := newTestManager(repo, policy, Config{})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if repo.ensureCalls != 1 {
		t.Fatalf("expected partition maintenance once, got %d", repo.ensureCalls)
	}
	if got := m.Status().LastRun.PartitionsMade; got != 5 {
		t.Fatalf("run recorded %d partitions created, want 5", got)
	}
	if repo.analyzeCalls != 1 {
		t.Fatalf("expected planner statistics refresh, analyze ran %d times", repo.analyzeCalls)
	}
}

func TestCompressionSkipsFailedPartition(t *testing.T) {
	repo := &lifecycleRepo{
		oldPartitions:  []string{"operation_metrics_p20250501", "operation_metrics_p20250502", "operation_metrics_p20250503"},
		compressErrFor: "operation_metrics_p20250502",
	}
	policy := domain.RetentionPolicy{Days: 30, CompressionEnabled: true}
	m, _ := newTestManager(repo, policy, Config{})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(repo.compressed) != 2 {
		t.Fatalf("expected the two healthy partitions compressed, got %v", repo.compressed)
	}
}

func TestCompressionRunsOncePerPartition(t *testing.T) {
	repo := &lifecycleRepo{
		oldPartitions: []string{"operation_metrics_p20250501", "operation_metrics_p20250502"},
	}
	policy := domain.RetentionPolicy{Days: 30, CompressionEnabled: true}
	m, _ := newTestManager(repo, policy, Config{})

	for i := 0; i < 2; i++ {
		if err := m.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle %d: %v", i, err)
		}
	}
	// The second cycle lists the same partitions but must not vacuum them
	// again.
	if len(repo.compressed) != 2 {
		t.Fatalf("expected each partition compressed once, got %v", repo.compressed)
	}
}

func TestCompressionRetriesFailedPartition(t *testing.T) {
	repo := &lifecycleRepo{
		oldPartitions:  []string{"operation_metrics_p20250501"},
		compressErrFor: "operation_metrics_p20250501",
	}
	policy := domain.RetentionPolicy{Days: 30, CompressionEnabled: true}
	m, _ := newTestManager(repo, policy, Config{})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(repo.compressed) != 0 {
		t.Fatalf("expected no partitions compressed yet, got %v", repo.compressed)
	}

	repo.compressErrFor = ""
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(repo.compressed) != 1 {
		t.Fatalf("expected the partition compressed after the fault cleared, got %v", repo.compressed)
	}
}

func TestStatusHealth(t *testing.T) {
	repo := &lifecycleRepo{expiredRows: 1}
	m, now := newTestManager(repo, domain.RetentionPolicy{Days: 30}, Config{Interval: time.Hour, DeleteBatchSize: 100})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !m.Status().Healthy {
		t.Fatal("expected healthy right after a successful cycle")
	}

	*now = now.Add(3 * time.Hour)
	if m.Status().Healthy {
		t.Fatal("expected unhealthy once last success is older than twice the interval")
	}
}

func TestFailedCycleDoesNotMarkSuccess(t *testing.T) {
	repo := &lifecycleRepo{expiredRows: 1, deleteErr: errors.New("connection reset")}
	m, _ := newTestManager(repo, domain.RetentionPolicy{Days: 30}, Config{DeleteBatchSize: 100})

	if err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	status := m.Status()
	if !status.LastSuccess.IsZero() {
		t.Fatalf("failed cycle must not record a success, got %v", status.LastSuccess)
	}
	if status.LastRun.Err == "" {
		t.Fatal("expected run to carry the failure reason")
	}
}
