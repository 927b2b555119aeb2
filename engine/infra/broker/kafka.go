package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
	"github.com/twmb/franz-go/pkg/kgo"
)

const kafkaMessageIDHeader = "messageId"

// Kafka maps destinations to topics. One producer client is shared; each
// subscription joins the consumer group with its own client so partitions
// balance across workers. Offsets are committed per record after the handler
// succeeds; a failing record is retried in place, which stalls its partition
// until the delivery budget sends it to the DLQ topic.
type Kafka struct {
	cfg      *config.BrokerConfig
	producer *kgo.Client
}

// NewKafka connects the shared producer client to cfg.Brokers.
func NewKafka(ctx context.Context, cfg *config.BrokerConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka driver requires broker.brokers")
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("ping kafka brokers: %w", err)
	}
	logger.FromContext(ctx).Info("Kafka broker connected", "brokers", cfg.Brokers)
	return &Kafka{cfg: cfg, producer: producer}, nil
}

func (k *Kafka) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if err := k.producer.ProduceSync(ctx, encodeKafkaRecord(msg)).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Destination, err)
	}
	return nil
}

func (k *Kafka) PublishBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]*kgo.Record, len(msgs))
	for i, msg := range msgs {
		records[i] = encodeKafkaRecord(msg)
	}
	if err := k.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce batch: %w", err)
	}
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) (Subscription, error) {
	if len(opts.Destinations) == 0 {
		return nil, fmt.Errorf("at least one destination is required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ConsumerGroup(opts.Group),
		kgo.ConsumeTopics(opts.Destinations...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.SessionTimeout(10*time.Second),
		kgo.RebalanceTimeout(30*time.Second),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubHandle(cancel)
	go func() {
		err := k.pollLoop(subCtx, client, handler)
		client.Close()
		sub.finish(err)
	}()
	return sub, nil
}

func (k *Kafka) pollLoop(ctx context.Context, client *kgo.Client, handler Handler) error {
	log := logger.FromContext(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, fetchErr := range fetches.Errors() {
			log.Warn("kafka fetch error",
				"topic", fetchErr.Topic, "partition", fetchErr.Partition, "error", fetchErr.Err)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if ctx.Err() != nil {
					return
				}
				k.processRecord(ctx, client, record, handler)
			}
		})
	}
}

// processRecord retries the handler in place until success or the delivery
// budget is spent, then commits the offset. Kafka cannot redeliver a single
// record without rewinding the partition, so the retry loop lives here.
func (k *Kafka) processRecord(ctx context.Context, client *kgo.Client, record *kgo.Record, handler Handler) {
	log := logger.FromContext(ctx)
	for attempt := 1; ; attempt++ {
		err := handler(ctx, decodeKafkaRecord(record, attempt))
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= k.cfg.MaxDeliveries {
			log.Warn("delivery budget exhausted, dead-lettering record",
				"topic", record.Topic, "offset", record.Offset, "deliveries", attempt, "error", err)
			k.deadLetter(ctx, record, attempt)
			break
		}
		delay, ok := RetryDelay(err)
		if !ok || delay <= 0 {
			delay = time.Second
		}
		log.Debug("handler failed, retrying record in place",
			"topic", record.Topic, "offset", record.Offset, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if err := client.CommitRecords(ctx, record); err != nil && ctx.Err() == nil {
		log.Error("failed to commit offset",
			"topic", record.Topic, "partition", record.Partition, "offset", record.Offset, "error", err)
	}
}

func (k *Kafka) deadLetter(ctx context.Context, record *kgo.Record, deliveries int) {
	dead := decodeKafkaRecord(record, deliveries)
	dead.Destination = k.cfg.DLQDestination
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[HeaderDLQCategory] = dlqCategoryExhausted
	if err := k.Publish(ctx, dead); err != nil {
		logger.FromContext(ctx).Error("failed to dead-letter record",
			"topic", record.Topic, "offset", record.Offset, "error", err)
	}
}

func (k *Kafka) Healthy(ctx context.Context) error {
	if err := k.producer.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.producer.Close()
	return nil
}

func encodeKafkaRecord(msg *Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+1)
	for key, value := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
	}
	if msg.ID != "" {
		headers = append(headers, kgo.RecordHeader{Key: kafkaMessageIDHeader, Value: []byte(msg.ID)})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &kgo.Record{
		Topic:     msg.Destination,
		Key:       []byte(msg.Key),
		Value:     msg.Payload,
		Headers:   headers,
		Timestamp: ts,
	}
}

func decodeKafkaRecord(record *kgo.Record, deliveries int) *Message {
	msg := &Message{
		Destination: record.Topic,
		Key:         string(record.Key),
		Payload:     record.Value,
		Headers:     make(map[string]string, len(record.Headers)),
		Timestamp:   record.Timestamp,
		Delivery:    Delivery{Count: deliveries},
	}
	for _, h := range record.Headers {
		if h.Key == kafkaMessageIDHeader {
			msg.ID = string(h.Value)
			continue
		}
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}
