package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hookline/hookline/pkg/config"
)

// Keyspaces under the configured prefix. The lock value is constant; holders
// are distinguished by the key alone.
const (
	keyspaceProcessing = "processing:"
	keyspaceProcessed  = "processed:"
	keyspaceFailures   = "failures:"
	lockValue          = "locked"
)

// Failure hash fields.
const (
	fieldCount     = "count"
	fieldFirstAt   = "first_failure_at"
	fieldLastAt    = "last_failure_at"
	fieldLastError = "last_error"
)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client redis.UniversalClient
	cfg    *config.IdempotencyConfig
	now    func() time.Time
}

// NewRedisStore wraps the given client. TTLs come from the configuration,
// falling back to the documented defaults when unset.
func NewRedisStore(client redis.UniversalClient, cfg *config.IdempotencyConfig) *RedisStore {
	if cfg == nil {
		cfg = &config.IdempotencyConfig{}
	}
	return &RedisStore{client: client, cfg: cfg, now: time.Now}
}

func (s *RedisStore) processingKey(key string) string {
	return s.cfg.KeyPrefix + keyspaceProcessing + key
}

func (s *RedisStore) processedKey(key string) string {
	return s.cfg.KeyPrefix + keyspaceProcessed + key
}

func (s *RedisStore) failuresKey(key string) string {
	return s.cfg.KeyPrefix + keyspaceFailures + key
}

func (s *RedisStore) lockTTL() time.Duration {
	if s.cfg.LockTTL > 0 {
		return s.cfg.LockTTL
	}
	return defaultLockTTL
}

func (s *RedisStore) processedTTL() time.Duration {
	if s.cfg.ProcessedTTL > 0 {
		return s.cfg.ProcessedTTL
	}
	return defaultProcessedTTL
}

func (s *RedisStore) failuresTTL() time.Duration {
	if s.cfg.FailuresTTL > 0 {
		return s.cfg.FailuresTTL
	}
	return defaultFailuresTTL
}

// TryAcquire claims the processing lock with SET NX, so exactly one worker
// wins regardless of interleaving.
func (s *RedisStore) TryAcquire(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.processingKey(key), lockValue, s.lockTTL()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire processing lock: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.processedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, key, eventID string) error {
	mark, err := json.Marshal(ProcessedMark{EventID: eventID, ProcessedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode processed marker: %w", err)
	}
	if err := s.client.Set(ctx, s.processedKey(key), mark, s.processedTTL()).Err(); err != nil {
		return fmt.Errorf("failed to write processed marker: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.processingKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release processing lock: %w", err)
	}
	return nil
}

// RecordFailure updates the failure hash in one round trip: the count
// increments, the first-failure timestamp is written once, and the
// last-failure fields move forward with every call.
func (s *RedisStore) RecordFailure(ctx context.Context, key string, cause error) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	fk := s.failuresKey(key)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, fk, fieldCount, 1)
	pipe.HSetNX(ctx, fk, fieldFirstAt, now)
	pipe.HSet(ctx, fk, fieldLastAt, now, fieldLastError, lastError)
	pipe.Expire(ctx, fk, s.failuresTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

func (s *RedisStore) FailureCount(ctx context.Context, key string) (int64, error) {
	val, err := s.client.HGet(ctx, s.failuresKey(key), fieldCount).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read failure count: %w", err)
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt failure count %q: %w", val, err)
	}
	return count, nil
}

// Failures returns the full failure record, nil when the key has none.
func (s *RedisStore) Failures(ctx context.Context, key string) (*FailureRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.failuresKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read failure record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &FailureRecord{LastError: fields[fieldLastError]}
	if v := fields[fieldCount]; v != "" {
		rec.Count, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := fields[fieldFirstAt]; v != "" {
		rec.FirstFailureAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields[fieldLastAt]; v != "" {
		rec.LastFailureAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return rec, nil
}
