package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsFetchBatch   = 16
	natsFetchMaxWait = 5 * time.Second
	natsAckWait      = 30 * time.Second
)

var natsNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NATS publishes and consumes through a single JetStream stream whose
// subjects cover every destination under the configured prefix. Redelivery
// delays use NakWithDelay, so RetryAfter is honored exactly.
type NATS struct {
	cfg    *config.BrokerConfig
	conn   *nats.Conn
	js     jetstream.JetStream
	stream string

	mu       sync.Mutex
	subjects []string
}

// NewNATS connects to the server at cfg.URL and ensures the stream exists.
func NewNATS(ctx context.Context, cfg *config.BrokerConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats driver requires broker.url")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("hookline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	n := &NATS{
		cfg:    cfg,
		conn:   conn,
		js:     js,
		stream: streamNameFor(cfg),
	}
	if err := n.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	logger.FromContext(ctx).Info("NATS broker connected", "url", cfg.URL, "stream", n.stream)
	return n, nil
}

// streamNameFor derives the stream name from the destination prefix, e.g.
// "webhooks." becomes "WEBHOOKS".
func streamNameFor(cfg *config.BrokerConfig) string {
	name := strings.Trim(cfg.DestinationPrefix, ".")
	if name == "" {
		name = "hookline"
	}
	return strings.ToUpper(natsNameSanitizer.ReplaceAllString(name, "_"))
}

// ensureStream creates or updates the stream covering all destinations under
// the prefix plus the DLQ destination. Destinations outside that set are
// added to the stream lazily by ensureSubject.
func (n *NATS) ensureStream(ctx context.Context) error {
	subjects := make([]string, 0, 2)
	if prefix := n.cfg.DestinationPrefix; prefix != "" {
		subjects = append(subjects, prefix+">")
	}
	for _, extra := range []string{n.cfg.CustomDestination, n.cfg.DLQDestination} {
		if extra != "" && !coveredBy(extra, subjects) {
			subjects = append(subjects, extra)
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = subjects
	return n.updateStreamLocked(ctx)
}

// ensureSubject extends the stream's subject set when a destination falls
// outside the configured prefix, which is the common case when no prefix is
// set and providers publish to bare destinations like "stripe".
func (n *NATS) ensureSubject(ctx context.Context, subject string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if coveredBy(subject, n.subjects) {
		return nil
	}
	n.subjects = append(n.subjects, subject)
	if err := n.updateStreamLocked(ctx); err != nil {
		n.subjects = n.subjects[:len(n.subjects)-1]
		return err
	}
	return nil
}

func (n *NATS) updateStreamLocked(ctx context.Context) error {
	if len(n.subjects) == 0 {
		return nil
	}
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.stream,
		Subjects:  n.subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", n.stream, err)
	}
	return nil
}

func coveredBy(subject string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, ">") && strings.HasPrefix(subject, strings.TrimSuffix(p, ">")) {
			return true
		}
		if p == subject {
			return true
		}
	}
	return false
}

func (n *NATS) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if err := n.ensureSubject(ctx, msg.Destination); err != nil {
		return err
	}
	out := &nats.Msg{
		Subject: msg.Destination,
		Data:    msg.Payload,
		Header:  nats.Header{},
	}
	// Direct assignment keeps header keys byte-exact; Header.Set would
	// MIME-canonicalize them and break B3 rebinding on the consumer side.
	for k, v := range msg.Headers {
		out.Header[k] = []string{v}
	}
	if msg.Key != "" {
		out.Header["Nats-Key"] = []string{msg.Key}
	}
	if msg.ID != "" {
		out.Header["Nats-Msg-Id"] = []string{msg.ID}
	}
	if _, err := n.js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Destination, err)
	}
	return nil
}

func (n *NATS) PublishBatch(ctx context.Context, msgs []*Message) error {
	for _, msg := range msgs {
		if err := n.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) (Subscription, error) {
	if len(opts.Destinations) == 0 {
		return nil, fmt.Errorf("at least one destination is required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	for _, dest := range opts.Destinations {
		if err := n.ensureSubject(ctx, dest); err != nil {
			return nil, err
		}
	}
	stream, err := n.js.Stream(ctx, n.stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", n.stream, err)
	}
	durable := natsNameSanitizer.ReplaceAllString(opts.Group, "_")
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        durable,
		FilterSubjects: opts.Destinations,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        natsAckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubHandle(cancel)
	go func() {
		sub.finish(n.fetchLoop(subCtx, consumer, handler))
	}()
	return sub, nil
}

// fetchLoop pulls batches until the context is canceled, acknowledging on
// handler success and nacking on failure.
func (n *NATS) fetchLoop(ctx context.Context, consumer jetstream.Consumer, handler Handler) error {
	log := logger.FromContext(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := consumer.Fetch(natsFetchBatch, jetstream.FetchMaxWait(natsFetchMaxWait))
		if err != nil {
			if errors.Is(err, jetstream.ErrConsumerNotFound) {
				log.Error("consumer deleted, stopping subscription")
				return err
			}
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				continue
			}
			log.Warn("fetch failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for msg := range batch.Messages() {
			n.handleDelivery(ctx, msg, handler)
		}
		if err := batch.Error(); err != nil && ctx.Err() == nil {
			log.Warn("batch ended with error", "error", err)
		}
	}
}

func (n *NATS) handleDelivery(ctx context.Context, msg jetstream.Msg, handler Handler) {
	log := logger.FromContext(ctx)
	deliveries := 1
	if meta, err := msg.Metadata(); err == nil {
		deliveries = int(meta.NumDelivered)
	}
	decoded := decodeNATSMsg(msg, deliveries)
	if deliveries > n.cfg.MaxDeliveries {
		n.deadLetter(ctx, decoded, msg)
		return
	}
	err := handler(ctx, decoded)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil && ctx.Err() == nil {
			log.Error("failed to ack message", "subject", msg.Subject(), "error", ackErr)
		}
		return
	}
	if delay, ok := RetryDelay(err); ok && delay > 0 {
		if nakErr := msg.NakWithDelay(delay); nakErr != nil && ctx.Err() == nil {
			log.Error("failed to nak message", "subject", msg.Subject(), "error", nakErr)
		}
		return
	}
	if nakErr := msg.Nak(); nakErr != nil && ctx.Err() == nil {
		log.Error("failed to nak message", "subject", msg.Subject(), "error", nakErr)
	}
}

// deadLetter republishes the message to the DLQ subject and terminates the
// original delivery.
func (n *NATS) deadLetter(ctx context.Context, decoded *Message, msg jetstream.Msg) {
	log := logger.FromContext(ctx)
	dead := decoded.Copy()
	dead.Destination = n.cfg.DLQDestination
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[HeaderDLQCategory] = dlqCategoryExhausted
	// A new message ID keeps JetStream dedup from swallowing the DLQ copy.
	dead.ID = ""
	if err := n.Publish(ctx, dead); err != nil {
		log.Error("failed to dead-letter message, nacking", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil && ctx.Err() == nil {
			log.Error("failed to nak message", "subject", msg.Subject(), "error", nakErr)
		}
		return
	}
	log.Warn("delivery budget exhausted, message moved to DLQ",
		"subject", msg.Subject(), "deliveries", decoded.Delivery.Count)
	if err := msg.Term(); err != nil && ctx.Err() == nil {
		log.Error("failed to terminate message", "subject", msg.Subject(), "error", err)
	}
}

func decodeNATSMsg(msg jetstream.Msg, deliveries int) *Message {
	headers := make(map[string]string)
	var id, key string
	for k, vals := range msg.Headers() {
		if len(vals) == 0 {
			continue
		}
		switch k {
		case "Nats-Msg-Id":
			id = vals[0]
		case "Nats-Key":
			key = vals[0]
		default:
			headers[k] = vals[0]
		}
	}
	out := &Message{
		ID:          id,
		Destination: msg.Subject(),
		Key:         key,
		Payload:     msg.Data(),
		Headers:     headers,
		Delivery:    Delivery{Count: deliveries},
	}
	if meta, err := msg.Metadata(); err == nil {
		out.Timestamp = meta.Timestamp
	}
	return out
}

func (n *NATS) Healthy(_ context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", n.conn.Status())
	}
	return nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
