package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hookline/hookline/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Message is the unit carried between the ingress and the workers. Payload
// bytes are opaque to the broker; headers carry routing and trace metadata.
type Message struct {
	ID          string
	Destination string
	Key         string
	Payload     []byte
	Headers     map[string]string
	Timestamp   time.Time
	Delivery    Delivery
}

// Delivery describes broker-side delivery state for a received message.
// Count is 1-based and best effort: drivers that cannot track redeliveries
// report 1.
type Delivery struct {
	Count int
}

// Copy returns a deep copy so drivers can redeliver without aliasing.
func (m *Message) Copy() *Message {
	dup := *m
	if m.Payload != nil {
		dup.Payload = make([]byte, len(m.Payload))
		copy(dup.Payload, m.Payload)
	}
	if m.Headers != nil {
		dup.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			dup.Headers[k] = v
		}
	}
	return &dup
}

// Handler processes one delivered message. Returning nil acknowledges the
// message. Returning an error wrapped with RetryAfter requests redelivery
// after the given delay; any other error requests redelivery at the driver's
// discretion.
type Handler func(ctx context.Context, msg *Message) error

// Publisher sends messages to named destinations.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	PublishBatch(ctx context.Context, msgs []*Message) error
}

// SubscribeOptions identify the consumer joining a destination group.
type SubscribeOptions struct {
	Destinations []string
	Group        string
	Consumer     string
}

// Subscription is a handle on a running consume loop. Close must be safe to
// call multiple times.
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Subscriber attaches handlers to destinations as part of a consumer group.
type Subscriber interface {
	Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) (Subscription, error)
}

// Broker is a message transport with publish, group-consume and health
// probing. Implementations: memory, redisstream, nats, kafka.
type Broker interface {
	Publisher
	Subscriber
	Healthy(ctx context.Context) error
	Close() error
}

// HeaderDLQCategory marks dead-lettered messages with the failure category
// that sent them there.
const HeaderDLQCategory = "dlqCategory"

// dlqCategoryExhausted is stamped by drivers when a message exceeds the
// configured delivery budget and is parked instead of redelivered again.
const dlqCategoryExhausted = "UNRECOVERABLE_ERROR"

// RetryAfterError asks the broker to redeliver the message after Delay.
type RetryAfterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry after %s", e.Delay)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps err into a redelivery request with the given delay.
func RetryAfter(delay time.Duration, err error) error {
	return &RetryAfterError{Delay: delay, Err: err}
}

// RetryDelay extracts the requested redelivery delay, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.Delay, true
	}
	return 0, false
}

// New selects and constructs the broker driver named by cfg.Driver. The
// redisstream driver reuses the shared Redis client; nats and kafka open
// their own connections.
func New(ctx context.Context, cfg *config.BrokerConfig, redisClient redis.UniversalClient) (Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("broker config is required")
	}
	switch cfg.Driver {
	case "memory":
		return NewMemory(cfg), nil
	case "redisstream":
		if redisClient == nil {
			return nil, fmt.Errorf("redisstream driver requires a Redis client")
		}
		return NewRedisStream(cfg, redisClient), nil
	case "nats":
		return NewNATS(ctx, cfg)
	case "kafka":
		return NewKafka(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown broker driver: %s", cfg.Driver)
	}
}
