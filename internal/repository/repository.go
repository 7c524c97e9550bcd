package repository

import (
	"context"
	"time"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

// MeasurementRepository persists operation measurements and performs the
// retention maintenance the lifecycle manager schedules.
type MeasurementRepository interface {
	// InsertMeasurements bulk-inserts a batch. Either the whole batch lands
	// or the call returns an error; callers decide whether to retry.
	InsertMeasurements(ctx context.Context, batch []domain.Measurement) error
	// DeleteOlderThan removes up to limit rows recorded before cutoff and
	// reports how many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// ArchiveOlderThan copies up to limit rows recorded before cutoff into
	// the archive table and deletes the originals in one transaction.
	ArchiveOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// EnsureFuturePartitions pre-creates daily partitions covering
	// [from, from+daysAhead) and reports how many were newly created.
	EnsureFuturePartitions(ctx context.Context, from time.Time, daysAhead int) (int, error)
	// ListPartitionsOlderThan returns partition names whose upper bound
	// falls before cutoff.
	ListPartitionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	// MarkPartitionCompressed applies storage-level compression to one
	// partition.
	MarkPartitionCompressed(ctx context.Context, partition string) error
	// Analyze refreshes planner statistics for the measurement tables.
	Analyze(ctx context.Context) error
}
