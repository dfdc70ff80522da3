package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/order-cqrs/internal/event"
)

// KafkaConfig addresses the order event topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// RetryMin and RetryMax bound the consumer pause after a failed fetch.
	RetryMin time.Duration
	RetryMax time.Duration
}

func (c *KafkaConfig) setDefaults() {
	if c.RetryMin <= 0 {
		c.RetryMin = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

// Kafka publishes envelopes keyed by order ID, so all events of one order
// land on one partition and keep their order.
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer
}

var (
	_ Publisher  = (*Kafka)(nil)
	_ Subscriber = (*Kafka)(nil)
)

// NewKafka creates a Kafka broker. The writer is shared by all publishers.
func NewKafka(cfg KafkaConfig) *Kafka {
	cfg.setDefaults()
	return &Kafka{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish writes env and waits for the broker acknowledgement.
func (k *Kafka) Publish(ctx context.Context, env event.Envelope) error {
	var enc jx.Encoder
	env.Encode(&enc)

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.OrderID),
		Value: enc.Bytes(),
		Time:  env.Timestamp.UTC(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.Type)},
			{Key: "sequence", Value: []byte(strconv.FormatInt(env.Sequence, 10))},
		},
	})
	if err != nil {
		return &PublishError{EventID: env.EventID, Err: err}
	}
	return nil
}

// Subscribe consumes the topic as part of the configured group. An offset is
// committed only after h succeeds for its message. Broker failures pause the
// consumer with backoff; Subscribe returns only when ctx is done.
func (k *Kafka) Subscribe(ctx context.Context, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    k.cfg.Topic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() { _ = reader.Close() }()

	return k.consume(ctx, reader, h)
}

// messageReader is the part of *kafka.Reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func (k *Kafka) consume(ctx context.Context, r messageReader, h Handler) error {
	lg := zctx.From(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.cfg.RetryMin
	b.MaxInterval = k.cfg.RetryMax

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				lg.Info("Consumer shutting down", zap.String("topic", k.cfg.Topic))
				return nil
			}
			next := b.NextBackOff()
			lg.Warn("Fetch failed, pausing consumer",
				zap.String("topic", k.cfg.Topic),
				zap.Duration("next", next),
				zap.Error(err),
			)
			if !sleep(ctx, next) {
				return nil
			}
			continue
		}
		b.Reset()

		env, err := decodeMessage(msg)
		if err != nil {
			lg.Error("Skipping malformed event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := deliver(ctx, h, env); err != nil {
			// deliver gives up only when ctx is done.
			return nil
		}

		// A later commit on the partition covers this offset; until then a
		// restart redelivers it and the consumer dedups.
		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Warn("Commit failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func decodeMessage(msg kafka.Message) (event.Envelope, error) {
	var env event.Envelope
	if err := env.Decode(jx.DecodeBytes(msg.Value)); err != nil {
		return env, errors.Wrap(err, "decode envelope")
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
