package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

// stubRepo implements repository.MeasurementRepository for writer tests.
type stubRepo struct {
	mu       sync.Mutex
	inserted []domain.Measurement
	calls    int
	err      error
}

func (s *stubRepo) InsertMeasurements(_ context.Context, batch []domain.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, batch...)
	return nil
}

func (s *stubRepo) DeleteOlderThan(context.Context, time.Time, int) (int64, error) { return 0, nil }
func (s *stubRepo) ArchiveOlderThan(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}
func (s *stubRepo) EnsureFuturePartitions(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
func (s *stubRepo) ListPartitionsOlderThan(context.Context, time.Time) ([]string, error) {
	return nil, nil
}
func (s *stubRepo) MarkPartitionCompressed(context.Context, string) error { return nil }
func (s *stubRepo) Analyze(context.Context) error                        { return nil }

func (s *stubRepo) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubRepo) insertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubRepo) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func testMeasurement(i int) domain.Measurement {
	m := domain.Measurement{
		ID:            fmt.Sprintf("m-%d", i),
		ServiceID:     "svc-1",
		ApplicationID: "app-1",
		OperationName: "getUser",
		OperationType: "query",
		LatencyMS:     float64(10 + i),
		RequestID:     fmt.Sprintf("req-%d", i),
	}
	m.Bucket(time.Date(2025, time.June, 10, 15, 4, 5, 0, time.UTC))
	return m
}

func TestWriterFlushPersistsBatch(t *testing.T) {
	repo := &stubRepo{}
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 10}, nil)
	for i := 0; i < 3; i++ {
		w.Add(testMeasurement(i))
	}
	if !w.flush(context.Background()) {
		t.Fatal("expected flush to make progress")
	}
	if repo.insertedCount() != 3 {
		t.Fatalf("expected 3 rows persisted, got %d", repo.insertedCount())
	}
	stats := w.Stats()
	if stats.Buffered != 0 || stats.ConsecutiveFailures != 0 || stats.BreakerOpen {
		t.Fatalf("unexpected post-flush stats %+v", stats)
	}
	if stats.LastFlushSuccess.IsZero() {
		t.Fatal("expected last flush success timestamp to be set")
	}
}

func TestWriterBufferBoundedBeforeDrops(t *testing.T) {
	repo := &stubRepo{}
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 5}, nil)
	for i := 0; i < 25; i++ {
		w.Add(testMeasurement(i))
	}
	stats := w.Stats()
	if stats.Buffered > 10 {
		t.Fatalf("buffer grew to %d records, bound is 10", stats.Buffered)
	}
	if stats.Dropped != 15 {
		t.Fatalf("expected 15 drops past the bound, got %d", stats.Dropped)
	}
}

func TestWriterBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	repo := &stubRepo{}
	repo.setErr(errors.New("connection refused"))
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 10, FailureLimit: 5}, nil)
	for i := 0; i < 3; i++ {
		w.Add(testMeasurement(i))
	}
	for i := 0; i < 5; i++ {
		w.flush(context.Background())
	}
	stats := w.Stats()
	if !stats.BreakerOpen {
		t.Fatalf("expected breaker open after 5 failures, stats %+v", stats)
	}
	if stats.ConsecutiveFailures != 5 {
		t.Fatalf("expected 5 consecutive failures, got %d", stats.ConsecutiveFailures)
	}

	calls := repo.insertCalls()
	before := w.Stats().Dropped
	w.Add(testMeasurement(99))
	if got := w.Stats().Dropped; got != before+1 {
		t.Fatalf("expected add while open to drop, dropped went %d -> %d", before, got)
	}
	if repo.insertCalls() != calls {
		t.Fatal("add while breaker open must not attempt a flush")
	}
}

func TestWriterBreakerClosesOnSuccess(t *testing.T) {
	repo := &stubRepo{}
	repo.setErr(errors.New("connection refused"))
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 2, FailureLimit: 2}, nil)
	w.Add(testMeasurement(0))
	w.Add(testMeasurement(1))
	w.Add(testMeasurement(2))
	w.flush(context.Background())
	w.flush(context.Background())
	if !w.Stats().BreakerOpen {
		t.Fatal("expected breaker open")
	}

	repo.setErr(nil)
	// The periodic flush still runs while the breaker is open; one success
	// closes it again.
	if !w.flush(context.Background()) {
		t.Fatal("expected recovery flush to succeed")
	}
	stats := w.Stats()
	if stats.BreakerOpen || stats.ConsecutiveFailures != 0 {
		t.Fatalf("expected breaker closed and failures reset, stats %+v", stats)
	}
}

func TestWriterRequeuesFailedBatchAtFront(t *testing.T) {
	repo := &stubRepo{}
	repo.setErr(errors.New("timeout"))
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 10, FailureLimit: 5}, nil)
	w.Add(testMeasurement(0))
	w.Add(testMeasurement(1))
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Buffered != 2 {
		t.Fatalf("expected failed batch re-queued, buffered %d", stats.Buffered)
	}
	repo.setErr(nil)
	w.flush(context.Background())
	if repo.insertedCount() != 2 {
		t.Fatalf("expected re-queued rows persisted, got %d", repo.insertedCount())
	}
}

func TestWriterManualReset(t *testing.T) {
	repo := &stubRepo{}
	repo.setErr(errors.New("down"))
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 10, FailureLimit: 1}, nil)
	w.Add(testMeasurement(0))
	w.flush(context.Background())
	if !w.Stats().BreakerOpen {
		t.Fatal("expected breaker open")
	}
	w.Reset()
	stats := w.Stats()
	if stats.BreakerOpen || stats.ConsecutiveFailures != 0 {
		t.Fatalf("expected manual reset to close breaker, stats %+v", stats)
	}
}

func TestWriterShutdownFlushesRemaining(t *testing.T) {
	repo := &stubRepo{}
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 2, ShutdownGrace: time.Second}, nil)
	w.Add(testMeasurement(0))
	w.Add(testMeasurement(1))
	w.Add(testMeasurement(2))
	w.Shutdown()
	if repo.insertedCount() != 3 {
		t.Fatalf("expected all 3 rows flushed on shutdown, got %d", repo.insertedCount())
	}
}

func TestWriterShutdownDrainsOnlyOnce(t *testing.T) {
	repo := &stubRepo{}
	w := NewBatchWriter(repo, BatchWriterConfig{BatchSize: 2, ShutdownGrace: time.Second}, nil)
	for i := 0; i < 3; i++ {
		w.Add(testMeasurement(i))
	}

	// The run loop and the composition root both call Shutdown on
	// termination; the drain must not race with itself.
	done := make(chan struct{})
	go func() {
		w.Shutdown()
		close(done)
	}()
	w.Shutdown()
	<-done

	if repo.insertedCount() != 3 {
		t.Fatalf("expected 3 rows persisted, got %d", repo.insertedCount())
	}
	if repo.insertCalls() != 2 {
		t.Fatalf("expected exactly 2 flushes across concurrent shutdowns, got %d", repo.insertCalls())
	}
}
