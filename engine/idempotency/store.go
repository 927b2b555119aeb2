package idempotency

import (
	"context"
	"time"
)

// Store is the distributed idempotency contract shared by all worker
// instances: a short-lived processing lock, a long-lived processed marker,
// and a failure counter. Implementations must be crash-safe; when a holder
// dies between acquire and mark, the lock TTL is the sole release mechanism.
type Store interface {
	// TryAcquire atomically claims the processing lock for the key. It
	// returns false when another worker already holds it.
	TryAcquire(ctx context.Context, key string) (bool, error)
	// IsProcessed reports whether the key carries a processed marker.
	IsProcessed(ctx context.Context, key string) (bool, error)
	// MarkProcessed writes the processed marker. Call it strictly after the
	// processor reports success and strictly before Release.
	MarkProcessed(ctx context.Context, key, eventID string) error
	// Release deletes the processing lock. Releasing an absent lock is not
	// an error.
	Release(ctx context.Context, key string) error
	// RecordFailure increments the failure record for the key, creating it
	// on first use.
	RecordFailure(ctx context.Context, key string, cause error) error
	// FailureCount returns the accumulated failure count, zero when the key
	// has no record.
	FailureCount(ctx context.Context, key string) (int64, error)
}

// ProcessedMark is the value stored under the processed keyspace.
type ProcessedMark struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// FailureRecord mirrors the hash stored under the failures keyspace.
type FailureRecord struct {
	Count          int64     `json:"count"`
	FirstFailureAt time.Time `json:"first_failure_at"`
	LastFailureAt  time.Time `json:"last_failure_at"`
	LastError      string    `json:"last_error"`
}

// Default TTLs applied when the configuration leaves one unset.
const (
	defaultLockTTL      = 5 * time.Minute
	defaultProcessedTTL = 7 * 24 * time.Hour
	defaultFailuresTTL  = 24 * time.Hour
	defaultHTTPTTL      = 24 * time.Hour
)
