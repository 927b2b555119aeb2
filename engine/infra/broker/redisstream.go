package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	streamReadCount    = 16
	streamReadBlock    = 5 * time.Second
	streamReclaimCount = 64

	fieldID      = "id"
	fieldKey     = "key"
	fieldPayload = "payload"
	fieldHeaders = "headers"
	fieldTS      = "ts"
)

// RedisStream is the default broker driver. Destinations map to streams,
// consumer groups to XGROUPs. Unacknowledged entries are reclaimed once they
// sit idle longer than broker.reclaim_min_idle; entries that exceed the
// delivery budget move to the DLQ stream instead of being redelivered.
type RedisStream struct {
	cfg    *config.BrokerConfig
	client redis.UniversalClient
	groups sync.Map // "stream\x00group" -> struct{}
}

// NewRedisStream builds the driver on a shared Redis client. The client's
// lifecycle belongs to the caller.
func NewRedisStream(cfg *config.BrokerConfig, client redis.UniversalClient) *RedisStream {
	return &RedisStream{cfg: cfg, client: client}
}

func (r *RedisStream) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	values, err := encodeStreamValues(msg)
	if err != nil {
		return err
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Destination,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", msg.Destination, err)
	}
	return nil
}

func (r *RedisStream) PublishBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range msgs {
			values, err := encodeStreamValues(msg)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: msg.Destination, Values: values})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipelined xadd: %w", err)
	}
	return nil
}

func (r *RedisStream) Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) (Subscription, error) {
	if len(opts.Destinations) == 0 {
		return nil, fmt.Errorf("at least one destination is required")
	}
	if opts.Group == "" || opts.Consumer == "" {
		return nil, fmt.Errorf("consumer group and consumer name are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	for _, dest := range opts.Destinations {
		if err := r.ensureGroup(ctx, dest, opts.Group); err != nil {
			return nil, err
		}
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubHandle(cancel)
	var wg sync.WaitGroup
	var loopErr error
	var errOnce sync.Once
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.readLoop(subCtx, opts, handler); err != nil {
			errOnce.Do(func() { loopErr = err })
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		r.reclaimLoop(subCtx, opts, handler)
	}()
	go func() {
		wg.Wait()
		if loopErr != nil {
			sub.finish(loopErr)
			return
		}
		sub.finish(subCtx.Err())
	}()
	return sub, nil
}

// ensureGroup creates the consumer group from the beginning of the stream,
// creating the stream if needed. An existing group is fine.
func (r *RedisStream) ensureGroup(ctx context.Context, stream, group string) error {
	cacheKey := stream + "\x00" + group
	if _, ok := r.groups.Load(cacheKey); ok {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	r.groups.Store(cacheKey, struct{}{})
	return nil
}

func (r *RedisStream) readLoop(ctx context.Context, opts SubscribeOptions, handler Handler) error {
	log := logger.FromContext(ctx)
	streams := make([]string, 0, len(opts.Destinations)*2)
	streams = append(streams, opts.Destinations...)
	for range opts.Destinations {
		streams = append(streams, ">")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    opts.Group,
			Consumer: opts.Consumer,
			Streams:  streams,
			Count:    streamReadCount,
			Block:    streamReadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("stream read failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range res {
			for i := range stream.Messages {
				r.handleEntry(ctx, opts, handler, stream.Stream, &stream.Messages[i], 1)
			}
		}
	}
}

// handleEntry runs the handler for one stream entry and acknowledges on
// success. Failed entries stay pending for the reclaim loop.
func (r *RedisStream) handleEntry(
	ctx context.Context,
	opts SubscribeOptions,
	handler Handler,
	stream string,
	entry *redis.XMessage,
	deliveries int,
) {
	log := logger.FromContext(ctx)
	msg := decodeStreamEntry(stream, entry, deliveries)
	if err := handler(ctx, msg); err != nil {
		if delay, ok := RetryDelay(err); ok {
			log.Debug("handler requested redelivery",
				"stream", stream, "entry", entry.ID, "delay", delay)
		} else {
			log.Warn("handler failed, leaving entry pending",
				"stream", stream, "entry", entry.ID, "error", err)
		}
		return
	}
	if err := r.client.XAck(ctx, stream, opts.Group, entry.ID).Err(); err != nil && ctx.Err() == nil {
		log.Error("failed to ack stream entry", "stream", stream, "entry", entry.ID, "error", err)
	}
}

func (r *RedisStream) reclaimLoop(ctx context.Context, opts SubscribeOptions, handler Handler) {
	interval := r.cfg.ReclaimInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, dest := range opts.Destinations {
				r.reclaimOnce(ctx, dest, opts, handler)
			}
		}
	}
}

// reclaimOnce claims entries that sat pending longer than the configured
// min-idle and either redelivers them to the handler or, once the delivery
// budget is spent, moves them to the DLQ stream.
func (r *RedisStream) reclaimOnce(ctx context.Context, stream string, opts SubscribeOptions, handler Handler) {
	log := logger.FromContext(ctx)
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  opts.Group,
		Idle:   r.cfg.ReclaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  streamReclaimCount,
	}).Result()
	if err != nil || len(pending) == 0 {
		if err != nil && ctx.Err() == nil {
			log.Warn("pending scan failed", "stream", stream, "error", err)
		}
		return
	}
	retries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		retries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}
	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    opts.Group,
		Consumer: opts.Consumer,
		MinIdle:  r.cfg.ReclaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("claim failed", "stream", stream, "error", err)
		}
		return
	}
	for i := range claimed {
		entry := &claimed[i]
		deliveries := int(retries[entry.ID])
		if deliveries >= r.cfg.MaxDeliveries {
			r.deadLetter(ctx, stream, opts.Group, entry, deliveries)
			continue
		}
		r.handleEntry(ctx, opts, handler, stream, entry, deliveries+1)
	}
}

// deadLetter copies the entry to the DLQ stream and acknowledges the
// original so it is never redelivered again.
func (r *RedisStream) deadLetter(ctx context.Context, stream, group string, entry *redis.XMessage, deliveries int) {
	log := logger.FromContext(ctx)
	dead := decodeStreamEntry(stream, entry, deliveries)
	dead.Destination = r.cfg.DLQDestination
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[HeaderDLQCategory] = dlqCategoryExhausted
	if err := r.Publish(ctx, dead); err != nil {
		log.Error("failed to dead-letter stream entry, leaving pending",
			"stream", stream, "entry", entry.ID, "error", err)
		return
	}
	log.Warn("delivery budget exhausted, entry moved to DLQ",
		"stream", stream, "entry", entry.ID, "deliveries", deliveries)
	if err := r.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil && ctx.Err() == nil {
		log.Error("failed to ack dead-lettered entry", "stream", stream, "entry", entry.ID, "error", err)
	}
}

func (r *RedisStream) Healthy(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op: the Redis client is shared and owned by the caller.
func (r *RedisStream) Close() error {
	return nil
}

func encodeStreamValues(msg *Message) (map[string]any, error) {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]any{
		fieldID:      msg.ID,
		fieldKey:     msg.Key,
		fieldPayload: string(msg.Payload),
		fieldHeaders: string(headers),
		fieldTS:      ts.Format(time.RFC3339Nano),
	}, nil
}

// decodeStreamEntry rebuilds a Message from stream values. Malformed fields
// degrade to zero values so poison entries can still reach the DLQ.
func decodeStreamEntry(stream string, entry *redis.XMessage, deliveries int) *Message {
	msg := &Message{
		Destination: stream,
		Delivery:    Delivery{Count: deliveries},
	}
	if v, ok := entry.Values[fieldID].(string); ok {
		msg.ID = v
	}
	if v, ok := entry.Values[fieldKey].(string); ok {
		msg.Key = v
	}
	if v, ok := entry.Values[fieldPayload].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := entry.Values[fieldHeaders].(string); ok && v != "" {
		headers := make(map[string]string)
		if err := json.Unmarshal([]byte(v), &headers); err == nil {
			msg.Headers = headers
		}
	}
	if v, ok := entry.Values[fieldTS].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.Timestamp = ts
		}
	}
	return msg
}
