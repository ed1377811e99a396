package saga

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/rs/zerolog"
)

type Emitter interface {
	Emit(ctx context.Context, eventType, orderID string, payload any) error
}

// Dispatcher publishes commands on saga.commands.
type Dispatcher struct {
	out Emitter
	log zerolog.Logger
	now func() time.Time
}

func NewDispatcher(out Emitter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{out: out, log: log, now: time.Now}
}

func (d *Dispatcher) Send(ctx context.Context, cmdType string, cmd events.Command) error {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = d.now().UTC()
	}
	return d.out.Emit(ctx, cmdType, cmd.OrderID, cmd)
}

// Compensate issues the compensations of inst newest first. A failed
// dispatch is logged and the rest still run; the number of failures is
// returned.
func (d *Dispatcher) Compensate(ctx context.Context, inst *Instance, reason string) int {
	failed := 0
	at := d.now().UTC()
	for i := len(inst.Compensations) - 1; i >= 0; i-- {
		c := inst.Compensations[i]
		typ, cmd := c.Command(inst.OrderID, reason, at)
		if err := d.Send(ctx, typ, cmd); err != nil {
			failed++
			d.log.Error().Err(err).Str("order_id", inst.OrderID).Str("command", typ).
				Int64("product_id", c.ProductID).Str("payment_id", c.PaymentID).Msg("compensation dispatch failed")
		}
	}
	return failed
}
