package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

const keyspaceAcks = "idempotency:"

// AckStore caches serialized HTTP responses under the caller-supplied
// X-Idempotency-Key, so replays within the TTL return the original bytes.
// It implements webhook.AckCache.
type AckStore struct {
	client redis.UniversalClient
	cfg    *config.IdempotencyConfig
}

func NewAckStore(client redis.UniversalClient, cfg *config.IdempotencyConfig) *AckStore {
	if cfg == nil {
		cfg = &config.IdempotencyConfig{}
	}
	return &AckStore{client: client, cfg: cfg}
}

func (s *AckStore) ackKey(key string) string {
	return s.cfg.KeyPrefix + keyspaceAcks + key
}

func (s *AckStore) ttl() time.Duration {
	if s.cfg.HTTPTTL > 0 {
		return s.cfg.HTTPTTL
	}
	return defaultHTTPTTL
}

// GetAck returns the cached response, nil when the key is unknown.
func (s *AckStore) GetAck(ctx context.Context, key string) (*webhook.CachedAck, error) {
	data, err := s.client.Get(ctx, s.ackKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached ack: %w", err)
	}
	var cached webhook.CachedAck
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("corrupt cached ack: %w", err)
	}
	return &cached, nil
}

func (s *AckStore) PutAck(ctx context.Context, key string, ack *webhook.CachedAck) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("failed to encode cached ack: %w", err)
	}
	if err := s.client.Set(ctx, s.ackKey(key), data, s.ttl()).Err(); err != nil {
		return fmt.Errorf("failed to store cached ack: %w", err)
	}
	return nil
}
