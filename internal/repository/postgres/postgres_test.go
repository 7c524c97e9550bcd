package postgres

import (
	"strings"
	"testing"
	"time"
)

func TestPartitionDDLCoversOneDay(t *testing.T) {
	name, ddl := partitionDDL(time.Date(2025, time.June, 10, 15, 30, 0, 0, time.UTC))
	if name != "operation_metrics_p20250610" {
		t.Fatalf("unexpected partition name %q", name)
	}
	if !strings.Contains(ddl, "FOR VALUES FROM ('2025-06-10') TO ('2025-06-11')") {
		t.Fatalf("partition bounds wrong: %s", ddl)
	}
	day, ok := partitionDay(name)
	if !ok || !day.Equal(time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("generated name does not round-trip: %v %v", day, ok)
	}
}

func TestPartitionDDLIsContiguousAcrossDays(t *testing.T) {
	day := time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC)
	_, first := partitionDDL(day)
	_, second := partitionDDL(day.AddDate(0, 0, 1))
	if !strings.Contains(first, "TO ('2026-01-01')") || !strings.Contains(second, "FROM ('2026-01-01')") {
		t.Fatalf("year boundary leaves a gap:\n%s\n%s", first, second)
	}
}

func TestPartitionDayIgnoresForeignNames(t *testing.T) {
	for _, name := range []string{
		"operation_metrics_default",
		"operation_metrics_archive",
		"operation_metrics_p2025061",
		"operation_metrics_p20250610x",
		"other_p20250610",
	} {
		if _, ok := partitionDay(name); ok {
			t.Fatalf("expected %q rejected by the naming scheme", name)
		}
	}
}
