package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fnplane/fnplane/pkg/engine"
)

// KafkaConfig configures the Kafka-backed bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Consumers is the number of group readers started by Subscribe.
	Consumers int
}

// KafkaBus publishes keyed messages and consumes them in a consumer group.
// The Hash balancer sends each application to one partition and a partition
// is read by one group member, which gives per-key ordering.
type KafkaBus struct {
	cfg    KafkaConfig
	opts   Options
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBus validates cfg and creates the writer.
func NewKafkaBus(cfg KafkaConfig, opts Options) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bus requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka bus requires a topic")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka bus requires a group id")
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}

	return &KafkaBus{
		cfg:  cfg,
		opts: opts.withDefaults(),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Publish writes ev keyed by application name.
func (b *KafkaBus) Publish(ctx context.Context, ev engine.LifecycleEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key()),
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", ev.Kind, ev.ApplicationName, err)
	}
	return nil
}

// Subscribe starts the configured number of group readers and blocks until
// ctx is cancelled. Offsets are committed only after the handler succeeds or
// the event is dropped.
func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	errCh := make(chan error, b.cfg.Consumers)
	var wg sync.WaitGroup

	for i := 0; i < b.cfg.Consumers; i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  b.cfg.Brokers,
			GroupID:  b.cfg.GroupID,
			Topic:    b.cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
		b.mu.Lock()
		b.readers = append(b.readers, reader)
		b.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.consume(ctx, reader, h); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	return <-errCh
}

func (b *KafkaBus) consume(ctx context.Context, reader *kafka.Reader, h Handler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		ev, err := Decode(msg.Value)
		if err != nil {
			b.opts.Logger.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("discarding undecodable event")
		} else if !deliver(ctx, b.opts, h, ev) {
			// Stopped before the event was handled. Leave the offset
			// uncommitted so the group redelivers it.
			return nil
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// Close flushes the writer and closes all readers.
func (b *KafkaBus) Close() error {
	var errs []error
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.readers = nil
	return errors.Join(errs...)
}
