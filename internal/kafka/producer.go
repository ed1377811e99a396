package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var ErrProducerClosed = errors.New("producer closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pending struct {
	m    kafka.Message
	done chan error
}

// Producer serialises writes for one topic through a single loop. Publish
// returns once the broker has acknowledged the message.
type Producer struct {
	w     messageWriter
	inbox chan pending
	done  chan struct{}
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int, log zerolog.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // same key -> same partition
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, buf, log.With().Str("topic", topic).Logger())
}

func newProducer(w messageWriter, buf int, log zerolog.Logger) *Producer {
	return &Producer{
		w:     w,
		inbox: make(chan pending, buf),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Start runs the write loop until Close drains the inbox.
func (p *Producer) Start() {
	go func() {
		defer close(p.done)
		for req := range p.inbox {
			err := p.w.WriteMessages(context.Background(), req.m)
			if err != nil {
				p.log.Error().Err(err).Bytes("key", req.m.Key).Msg("kafka write failed")
			}
			req.done <- err
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn().Err(err).Msg("kafka writer close")
		}
	}()
}

// Publish hands the message to the write loop and waits for the result.
// Trace context from ctx is carried in the message headers.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	req := pending{
		m: kafka.Message{
			Key:     key,
			Value:   value,
			Time:    time.Now(),
			Headers: tracing.InjectKafkaHeaders(ctx, headers),
		},
		done: make(chan error, 1),
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	select {
	case p.inbox <- req:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// the write may still land; callers treat this as a failed emit
		return ctx.Err()
	}
}

// Close stops accepting messages; the loop flushes what is queued and exits.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

// WaitClosed blocks until the write loop has flushed and exited.
func (p *Producer) WaitClosed() { <-p.done }
