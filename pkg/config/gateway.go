package config

import "time"

// GatewayConfig holds runtime configuration for the gateway telemetry service.
type GatewayConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	OperatorToken string

	SettingsRedisAddr string
	SettingsRedisPass string
	SettingsRedisDB   int
	SettingsCacheTTL  time.Duration

	SamplingBaseRate     float64
	SamplingErrorRate    float64
	SamplingSlowMS       float64
	SamplingWindow       time.Duration
	SamplingCleanupEvery time.Duration
	ReservoirCapacity    int

	BatchSize           int
	BatchFlushEvery     time.Duration
	BatchFailureLimit   int
	BatchMaxBufferBytes int64
	BatchShutdownGrace  time.Duration

	TelemetryEnabled   bool
	TelemetryRate      float64
	TelemetryErrRate   float64
	TelemetryPoolLimit int

	LifecycleEvery         time.Duration
	LifecycleInitialDelay  time.Duration
	LifecycleBatchSize     int
	LifecycleBatchPause    time.Duration
	LifecyclePartitionDays int
	LifecycleCompressAfter time.Duration

	StreamDispatchLimit int
}

// LoadGatewayConfig constructs a GatewayConfig from environment variables.
func LoadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("GATEWAY_ADDR", ":4000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://gateway:gateway@db:5432/gateway?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		OperatorToken: GetString("OPERATOR_TOKEN", ""),

		SettingsRedisAddr: GetString("SETTINGS_REDIS_ADDR", ""),
		SettingsRedisPass: GetString("SETTINGS_REDIS_PASSWORD", ""),
		SettingsRedisDB:   GetInt("SETTINGS_REDIS_DB", 0),
		SettingsCacheTTL:  time.Duration(GetInt("SETTINGS_CACHE_SECONDS", 30)) * time.Second,

		SamplingBaseRate:     GetFloat("SAMPLING_BASE_RATE", 0.01),
		SamplingErrorRate:    GetFloat("SAMPLING_ERROR_RATE", 1.0),
		SamplingSlowMS:       GetFloat("SAMPLING_SLOW_THRESHOLD_MS", 2000),
		SamplingWindow:       time.Duration(GetInt("SAMPLING_WINDOW_SECONDS", 300)) * time.Second,
		SamplingCleanupEvery: time.Duration(GetInt("SAMPLING_CLEANUP_SECONDS", 60)) * time.Second,
		ReservoirCapacity:    GetInt("SAMPLING_RESERVOIR_CAPACITY", 1000),

		BatchSize:           GetInt("BATCH_SIZE", 1000),
		BatchFlushEvery:     time.Duration(GetInt("BATCH_FLUSH_SECONDS", 5)) * time.Second,
		BatchFailureLimit:   GetInt("BATCH_FAILURE_LIMIT", 5),
		BatchMaxBufferBytes: int64(GetInt("BATCH_MAX_BUFFER_MB", 100)) * 1024 * 1024,
		BatchShutdownGrace:  time.Duration(GetInt("BATCH_SHUTDOWN_SECONDS", 10)) * time.Second,

		TelemetryEnabled:   GetBool("TELEMETRY_ENABLED", true),
		TelemetryRate:      GetFloat("TELEMETRY_SAMPLE_RATE", 0.1),
		TelemetryErrRate:   GetFloat("TELEMETRY_ERROR_SAMPLE_RATE", 1.0),
		TelemetryPoolLimit: GetInt("TELEMETRY_LABEL_POOL_LIMIT", 10000),

		LifecycleEvery:         time.Duration(GetInt("LIFECYCLE_INTERVAL_HOURS", 24)) * time.Hour,
		LifecycleInitialDelay:  time.Duration(GetInt("LIFECYCLE_INITIAL_DELAY_MINUTES", 5)) * time.Minute,
		LifecycleBatchSize:     GetInt("LIFECYCLE_DELETE_BATCH", 100000),
		LifecycleBatchPause:    time.Duration(GetInt("LIFECYCLE_BATCH_PAUSE_MS", 250)) * time.Millisecond,
		LifecyclePartitionDays: GetInt("LIFECYCLE_PARTITION_DAYS_AHEAD", 30),
		LifecycleCompressAfter: time.Duration(GetInt("LIFECYCLE_COMPRESS_AFTER_DAYS", 7)) * 24 * time.Hour,

		StreamDispatchLimit: GetInt("STREAM_DISPATCH_LIMIT", 64),
	}
}
