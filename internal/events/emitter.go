package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"

	Version = 1
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// Emitter wraps payloads in an Envelope and publishes them keyed by order id.
type Emitter struct {
	Pub      Publisher
	Producer string // service name recorded on every envelope
	Now      func() time.Time
}

func NewEmitter(pub Publisher, producer string) *Emitter {
	return &Emitter{Pub: pub, Producer: producer, Now: time.Now}
}

func (e *Emitter) Emit(ctx context.Context, eventType, orderID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  Version,
		OccurredAt:    e.Now().UTC(),
		Producer:      e.Producer,
		CorrelationID: orderID,
		Payload:       body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return e.Pub.Publish(ctx, PartitionKey(orderID), value,
		kafka.Header{Key: HeaderEventType, Value: []byte(eventType)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(Version))},
	)
}

// Decode unwraps an Envelope and its payload. Malformed bytes are reported
// as kafkax.ErrPermanent.
func Decode[T any](value []byte) (Envelope, T, error) {
	env, err := kafkax.Unmarshal[Envelope](value)
	if err != nil {
		var p T
		return env, p, err
	}
	p, err := kafkax.Unmarshal[T](env.Payload)
	if err != nil {
		return env, p, fmt.Errorf("%s payload: %w", env.EventType, err)
	}
	return env, p, nil
}

// Type returns the event type of a message, preferring the header and falling
// back to the envelope.
func Type(m kafka.Message) string {
	if t := kafkax.Header(m, HeaderEventType); t != "" {
		return t
	}
	var env struct {
		EventType string `json:"event_type"`
	}
	_ = json.Unmarshal(m.Value, &env)
	return env.EventType
}
