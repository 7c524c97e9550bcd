package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
	"github.com/ViljarVoidula/graphql-gateway/internal/repository"
)

const (
	metricsTable    = "operation_metrics"
	archiveTable    = "operation_metrics_archive"
	partitionPrefix = "operation_metrics_p"
	partitionFormat = "20060102"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.MeasurementRepository = (*Repository)(nil)

var measurementColumns = []string{
	"id", "service_id", "application_id", "user_id",
	"operation_name", "operation_type", "latency_ms", "has_errors",
	"status_code", "request_size_bytes", "response_size_bytes", "request_id",
	"client_ip", "user_agent", "auth_type",
	"recorded_date", "recorded_hour", "created_at",
}

// InsertMeasurements bulk-inserts one batch via the COPY protocol.
func (r *Repository) InsertMeasurements(ctx context.Context, batch []domain.Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(batch))
	for _, m := range batch {
		rows = append(rows, []any{
			m.ID, m.ServiceID, m.ApplicationID, nullable(m.UserID),
			m.OperationName, m.OperationType, m.LatencyMS, m.HasErrors,
			m.StatusCode, m.RequestSizeBytes, m.ResponseSizeBytes, m.RequestID,
			nullable(m.ClientIP), nullable(m.UserAgent), nullable(m.AuthType),
			m.RecordedDate, m.RecordedHour, m.CreatedAt,
		})
	}
	inserted, err := r.pool.CopyFrom(ctx, pgx.Identifier{metricsTable}, measurementColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy measurements: %w", err)
	}
	if int(inserted) != len(batch) {
		return fmt.Errorf("copy measurements: inserted %d of %d rows", inserted, len(batch))
	}
	return nil
}

// DeleteOlderThan removes up to limit rows recorded before cutoff.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const query = `DELETE FROM operation_metrics
		WHERE id IN (
			SELECT id FROM operation_metrics WHERE recorded_date < $1 LIMIT $2
		)`
	tag, err := r.pool.Exec(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete measurements: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveOlderThan moves up to limit rows recorded before cutoff into the
// archive table. Delete and insert run as one statement so a failure leaves
// the originals untouched.
func (r *Repository) ArchiveOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const query = `WITH moved AS (
			DELETE FROM operation_metrics
			WHERE id IN (
				SELECT id FROM operation_metrics WHERE recorded_date < $1 LIMIT $2
			)
			RETURNING *
		)
		INSERT INTO operation_metrics_archive SELECT * FROM moved`
	tag, err := r.pool.Exec(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("archive measurements: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnsureFuturePartitions pre-creates daily partitions so inserts never wait
// on DDL. Existing partitions are left alone.
func (r *Repository) EnsureFuturePartitions(ctx context.Context, from time.Time, daysAhead int) (int, error) {
	created := 0
	day := from.UTC().Truncate(24 * time.Hour)
	for i := 0; i < daysAhead; i++ {
		name, ddl := partitionDDL(day)
		exists, err := r.partitionExists(ctx, name)
		if err != nil {
			return created, err
		}
		if !exists {
			if _, err := r.pool.Exec(ctx, ddl); err != nil {
				return created, fmt.Errorf("create partition %s: %w", name, err)
			}
			created++
		}
		day = day.AddDate(0, 0, 1)
	}
	return created, nil
}

// partitionDDL returns the partition name and the statement attaching it for
// the UTC day containing t.
func partitionDDL(t time.Time) (string, string) {
	day := t.UTC().Truncate(24 * time.Hour)
	name := partitionPrefix + day.Format(partitionFormat)
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, metricsTable,
		day.Format("2006-01-02"), day.AddDate(0, 0, 1).Format("2006-01-02"),
	)
	return name, ddl
}

// ListPartitionsOlderThan returns measurement partitions whose covered day
// ends before cutoff.
func (r *Repository) ListPartitionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	const query = `SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1`
	rows, err := r.pool.Query(ctx, query, metricsTable)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		day, ok := partitionDay(name)
		if !ok {
			continue
		}
		if day.AddDate(0, 0, 1).Before(cutoff.UTC()) || day.AddDate(0, 0, 1).Equal(cutoff.UTC()) {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// MarkPartitionCompressed switches the partition's fat columns to LZ4 and
// freezes it, so cold partitions stop costing vacuum and TOAST space.
func (r *Repository) MarkPartitionCompressed(ctx context.Context, partition string) error {
	if _, ok := partitionDay(partition); !ok {
		return fmt.Errorf("compress partition: unexpected name %q", partition)
	}
	stmts := []string{
		fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN user_agent SET COMPRESSION lz4`, partition),
		fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN operation_name SET COMPRESSION lz4`, partition),
		fmt.Sprintf(`VACUUM (FREEZE) %s`, partition),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("compress partition %s: %w", partition, err)
		}
	}
	return nil
}

// Analyze refreshes planner statistics for the measurement tables.
func (r *Repository) Analyze(ctx context.Context) error {
	for _, table := range []string{metricsTable, archiveTable} {
		if _, err := r.pool.Exec(ctx, "ANALYZE "+table); err != nil {
			return fmt.Errorf("analyze %s: %w", table, err)
		}
	}
	return nil
}

func (r *Repository) partitionExists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT to_regclass($1) IS NOT NULL`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check partition %s: %w", name, err)
	}
	return exists, nil
}

var partitionNameRe = regexp.MustCompile(`^` + partitionPrefix + `(\d{8})$`)

// partitionDay parses the day a partition covers from its name. Names that
// do not match the managed naming scheme are ignored by maintenance.
func partitionDay(name string) (time.Time, bool) {
	m := partitionNameRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(partitionFormat, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
