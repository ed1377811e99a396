package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/tracing"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrPermanent marks a message that can never be processed (malformed
// payload). The consumer commits it without retrying.
var ErrPermanent = errors.New("permanent failure processing message")

// Handler must return nil only when the message is processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          messageReader
	workers    int
	minBackoff time.Duration
	maxBackoff time.Duration
	log        zerolog.Logger
	tracer     trace.Tracer
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log.With().Str("group", group).Logger())
}

func newConsumer(r messageReader, workers int, log zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:          r,
		workers:    workers,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		log:        log,
		tracer:     otel.Tracer("saga-consumer"),
	}
}

// workerFor pins a topic partition to one worker. A partition is then
// handled and committed strictly in offset order, and since messages are
// keyed by order id every order's messages stay sequential too.
func workerFor(topic string, partition, workers int) int {
	if workers <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(topic+"/"+strconv.Itoa(partition)) % uint64(workers))
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				// once stopping, queued messages stay uncommitted behind
				// any message process gave up on
				if ctx.Err() != nil {
					continue
				}
				c.process(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[workerFor(m.Topic, m.Partition, c.workers)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	return b
}

// process runs h until it succeeds or fails permanently, then commits m.
// Transient failures are retried until ctx ends; the message then stays
// uncommitted and is redelivered to the next group member.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	msgCtx := tracing.ExtractKafkaHeaders(ctx, m.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "consume "+m.Topic)
	defer span.End()

	op := func() error {
		err := h(msgCtx, m)
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		c.log.Warn().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Dur("retry_in", d).Msg("handler failed, retrying")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
	switch {
	case err == nil:
	case errors.Is(err, ErrPermanent):
		span.RecordError(err)
		c.log.Error().Err(err).Str("topic", m.Topic).Int("partition", m.Partition).Int64("offset", m.Offset).
			Bytes("key", m.Key).Msg("unprocessable message, skipping")
	default:
		c.log.Info().Err(err).Str("topic", m.Topic).Int("partition", m.Partition).Int64("offset", m.Offset).
			Msg("stopped before message was processed, leaving it uncommitted")
		return
	}

	if err := c.r.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
		c.log.Error().Err(err).Int64("offset", m.Offset).Msg("commit failed")
	}
}

// ByTopic dispatches each message to the handler registered for its topic.
// Messages from other topics are acknowledged untouched.
func ByTopic(routes map[string]Handler) Handler {
	return func(ctx context.Context, m kafka.Message) error {
		if h, ok := routes[m.Topic]; ok {
			return h(ctx, m)
		}
		return nil
	}
}
