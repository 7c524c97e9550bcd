// Package settings reads and writes the gateway's shared runtime
// configuration. Values live in Redis so every gateway process observes the
// same knobs; reads go through a short-lived in-process cache and fall back
// to the last known value, then to compiled defaults, when Redis is down.
package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

const (
	trackingKey  = "gateway:settings:tracking"
	retentionKey = "gateway:settings:retention"
	// Retention days are shared with the audit log's retention setting, so
	// both subsystems age data out on the same horizon.
	retentionDaysKey = "gateway:settings:audit_log_retention_days"
)

// Defaults are the compiled fallbacks used when the store is unreachable and
// nothing has been cached yet.
type Defaults struct {
	Tracking  domain.TrackingSettings
	Retention domain.RetentionPolicy
}

// Store provides cached access to shared gateway settings.
type Store struct {
	client   *redis.Client
	logger   *slog.Logger
	ttl      time.Duration
	timeout  time.Duration
	defaults Defaults
	now      func() time.Time

	mu               sync.Mutex
	tracking         domain.TrackingSettings
	trackingAt       time.Time
	trackingRefresh  bool
	retention        domain.RetentionPolicy
	retentionAt      time.Time
	retentionRefresh bool
}

// NewClient dials Redis and verifies connectivity. ContextTimeoutEnabled
// makes the per-operation context deadlines authoritative; without it a dead
// server stalls reads until the client's own read timeout.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		ContextTimeoutEnabled: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// New constructs a Store. A nil client is allowed; the store then serves
// defaults, which keeps the pipeline alive without shared configuration.
func New(client *redis.Client, defaults Defaults, cacheTTL time.Duration, logger *slog.Logger) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger != nil {
		logger = logger.With("component", "settings")
	}
	return &Store{
		client:    client,
		logger:    logger,
		ttl:       cacheTTL,
		timeout:   500 * time.Millisecond,
		defaults:  defaults,
		tracking:  defaults.Tracking,
		retention: defaults.Retention,
		now:       time.Now,
	}
}

// Tracking returns the current tracking settings. An expired cache serves
// the last known value immediately; the Redis read happens on a background
// goroutine so the request path never waits on the store.
func (s *Store) Tracking(ctx context.Context) domain.TrackingSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && !s.trackingRefresh && s.now().Sub(s.trackingAt) >= s.ttl {
		s.trackingRefresh = true
		go s.refreshTracking()
	}
	return s.tracking
}

func (s *Store) refreshTracking() {
	var fresh domain.TrackingSettings
	ok := s.readJSON(context.Background(), trackingKey, &fresh)
	s.mu.Lock()
	if ok {
		s.tracking = fresh
	}
	// Stamped on failure too, so a down store is retried once per TTL
	// instead of on every request.
	s.trackingAt = s.now()
	s.trackingRefresh = false
	s.mu.Unlock()
}

// Retention returns the current retention policy, refreshed in the
// background like Tracking. The day count is read from the shared audit-log
// key; layout flags come from the retention record.
func (s *Store) Retention(ctx context.Context) domain.RetentionPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && !s.retentionRefresh && s.now().Sub(s.retentionAt) >= s.ttl {
		s.retentionRefresh = true
		go s.refreshRetention()
	}
	return s.retention
}

func (s *Store) refreshRetention() {
	var fresh domain.RetentionPolicy
	ok := s.readJSON(context.Background(), retentionKey, &fresh)
	days, daysOK := s.readInt(context.Background(), retentionDaysKey)
	s.mu.Lock()
	if ok {
		s.retention = fresh
	}
	if daysOK && days > 0 {
		s.retention.Days = days
	}
	s.retentionAt = s.now()
	s.retentionRefresh = false
	s.mu.Unlock()
}

// SetTracking persists new tracking settings and updates the cache.
func (s *Store) SetTracking(ctx context.Context, settings domain.TrackingSettings) error {
	if err := s.writeJSON(ctx, trackingKey, settings); err != nil {
		return err
	}
	s.mu.Lock()
	s.tracking = settings
	s.trackingAt = s.now()
	s.mu.Unlock()
	return nil
}

// SetRetention persists a new retention policy, including the shared day
// count, and updates the cache.
func (s *Store) SetRetention(ctx context.Context, policy domain.RetentionPolicy) error {
	if err := s.writeJSON(ctx, retentionKey, policy); err != nil {
		return err
	}
	if s.client != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.client.Set(opCtx, retentionDaysKey, strconv.Itoa(policy.Days), 0).Err(); err != nil {
			s.logError("set", retentionDaysKey, err)
			return err
		}
	}
	s.mu.Lock()
	s.retention = policy
	s.retentionAt = s.now()
	s.mu.Unlock()
	return nil
}

func (s *Store) readJSON(ctx context.Context, key string, out any) bool {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.Get(opCtx, key).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.logError("get", key, err)
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.logError("decode", key, err)
		return false
	}
	return true
}

func (s *Store) readInt(ctx context.Context, key string) (int, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.Get(opCtx, key).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		s.logError("get", key, err)
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logError("decode", key, err)
		return 0, false
	}
	return n, true
}

func (s *Store) writeJSON(ctx context.Context, key string, value any) error {
	if s.client == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(opCtx, key, raw, 0).Err(); err != nil {
		s.logError("set", key, err)
		return err
	}
	return nil
}

func (s *Store) logError(op, key string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn("settings store error", "op", op, "key", key, "error", err)
}
