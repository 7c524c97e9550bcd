package domain

import "time"

// TrackingSettings holds the runtime-tunable knobs for the telemetry
// pipeline. Values are sourced from the shared settings store and may change
// while the gateway is running.
type TrackingSettings struct {
	Enabled          bool    `json:"enabled"`
	BaseSampleRate   float64 `json:"base_sample_rate"`
	ErrorSampleRate  float64 `json:"error_sample_rate"`
	SlowThresholdMS  float64 `json:"slow_threshold_ms"`
	TelemetryEnabled bool    `json:"telemetry_enabled"`
	TelemetryRate    float64 `json:"telemetry_rate"`
	TelemetryErrRate float64 `json:"telemetry_error_rate"`
}

// RetentionPolicy governs how long persisted measurements are kept and which
// storage-layout maintenance steps the lifecycle manager performs.
type RetentionPolicy struct {
	Days                int  `json:"days"`
	ArchiveEnabled      bool `json:"archive_enabled"`
	CompressionEnabled  bool `json:"compression_enabled"`
	PartitioningEnabled bool `json:"partitioning_enabled"`
}

// Cutoff returns the oldest recorded date the policy allows to remain, in UTC.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	utc := now.UTC()
	today := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -p.Days)
}

// LifecycleRun records the outcome of one retention cycle.
type LifecycleRun struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	RecordsDeleted  int64     `json:"records_deleted"`
	RecordsArchived int64     `json:"records_archived"`
	PartitionsMade  int       `json:"partitions_created"`
	Err             string    `json:"error,omitempty"`
}
