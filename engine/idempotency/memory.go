package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

const memoryJanitorInterval = time.Minute

// MemoryStore implements Store and webhook.AckCache in process memory.
// Locks do not coordinate across processes; it backs the dev command and
// tests, where a single process plays every role.
type MemoryStore struct {
	cfg       *config.IdempotencyConfig
	now       func() time.Time
	mu        sync.Mutex
	entries   map[string]memoryEntry
	done      chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

// NewMemoryStore builds the store and starts a janitor that sweeps expired
// entries. Reads also check expiry, so correctness never depends on the
// sweep having run. Close stops the janitor.
func NewMemoryStore(cfg *config.IdempotencyConfig) *MemoryStore {
	if cfg == nil {
		cfg = &config.IdempotencyConfig{}
	}
	s := &MemoryStore{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(memoryJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// get returns the live entry for the key, deleting it when expired.
func (s *MemoryStore) get(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) set(key string, value any, ttl time.Duration) {
	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
}

func (s *MemoryStore) lockTTL() time.Duration {
	if s.cfg.LockTTL > 0 {
		return s.cfg.LockTTL
	}
	return defaultLockTTL
}

func (s *MemoryStore) processedTTL() time.Duration {
	if s.cfg.ProcessedTTL > 0 {
		return s.cfg.ProcessedTTL
	}
	return defaultProcessedTTL
}

func (s *MemoryStore) failuresTTL() time.Duration {
	if s.cfg.FailuresTTL > 0 {
		return s.cfg.FailuresTTL
	}
	return defaultFailuresTTL
}

func (s *MemoryStore) httpTTL() time.Duration {
	if s.cfg.HTTPTTL > 0 {
		return s.cfg.HTTPTTL
	}
	return defaultHTTPTTL
}

// TryAcquire claims the processing lock. The map mutex gives the same
// exactly-one-winner guarantee SET NX provides on Redis.
func (s *MemoryStore) TryAcquire(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.cfg.KeyPrefix + keyspaceProcessing + key
	if _, held := s.get(k); held {
		return false, nil
	}
	s.set(k, lockValue, s.lockTTL())
	return true, nil
}

func (s *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.get(s.cfg.KeyPrefix + keyspaceProcessed + key)
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark := ProcessedMark{EventID: eventID, ProcessedAt: s.now().UTC()}
	s.set(s.cfg.KeyPrefix+keyspaceProcessed+key, mark, s.processedTTL())
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, s.cfg.KeyPrefix+keyspaceProcessing+key)
	return nil
}

// RecordFailure mirrors the Redis hash update: the count increments, the
// first-failure timestamp is written once, the last-failure fields move
// forward, and every write refreshes the record TTL.
func (s *MemoryStore) RecordFailure(_ context.Context, key string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	k := s.cfg.KeyPrefix + keyspaceFailures + key
	rec := &FailureRecord{FirstFailureAt: now}
	if entry, ok := s.get(k); ok {
		rec = entry.value.(*FailureRecord)
	}
	rec.Count++
	rec.LastFailureAt = now
	if cause != nil {
		rec.LastError = cause.Error()
	}
	s.set(k, rec, s.failuresTTL())
	return nil
}

func (s *MemoryStore) FailureCount(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.get(s.cfg.KeyPrefix + keyspaceFailures + key)
	if !ok {
		return 0, nil
	}
	return entry.value.(*FailureRecord).Count, nil
}

// Failures returns a copy of the failure record, nil when the key has none.
func (s *MemoryStore) Failures(_ context.Context, key string) (*FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.get(s.cfg.KeyPrefix + keyspaceFailures + key)
	if !ok {
		return nil, nil
	}
	rec := *entry.value.(*FailureRecord)
	return &rec, nil
}

// GetAck returns the cached HTTP response, nil when the key is unknown.
func (s *MemoryStore) GetAck(_ context.Context, key string) (*webhook.CachedAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.get(s.cfg.KeyPrefix + keyspaceAcks + key)
	if !ok {
		return nil, nil
	}
	cached := *entry.value.(*webhook.CachedAck)
	return &cached, nil
}

func (s *MemoryStore) PutAck(_ context.Context, key string, ack *webhook.CachedAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *ack
	s.set(s.cfg.KeyPrefix+keyspaceAcks+key, &stored, s.httpTTL())
	return nil
}
