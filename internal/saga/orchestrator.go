// Package saga is the order fulfillment orchestrator. It owns one persisted
// Instance per order, advances it on domain events and, on failure, issues
// the recorded compensations newest first followed by CancelOrder.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

type Orchestrator struct {
	store   Store
	cmds    *Dispatcher
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func New(store Store, cmds *Dispatcher, timeout time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: store, cmds: cmds, timeout: timeout, log: log, now: time.Now}
}

func (o *Orchestrator) Get(ctx context.Context, orderID string) (Instance, error) {
	return o.store.Get(ctx, orderID)
}

// HandleEvent consumes saga.events.
func (o *Orchestrator) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var err error
	switch events.Type(m) {
	case events.EventOrderCreated:
		err = decodeThen(ctx, m, o.OnOrderCreated)
	case events.EventStockReserved:
		err = decodeThen(ctx, m, o.OnStockReserved)
	case events.EventStockReservationFailed:
		err = decodeThen(ctx, m, o.OnStockReservationFailed)
	case events.EventPaymentCompleted:
		err = decodeThen(ctx, m, o.OnPaymentCompleted)
	case events.EventPaymentFailed:
		err = decodeThen(ctx, m, o.OnPaymentFailed)
	case events.EventOrderCancelled, events.EventOrderExpired:
		err = decodeThen(ctx, m, o.OnOrderCancelled)
	default:
		return nil
	}
	return err
}

func decodeThen[T any](ctx context.Context, m kafkago.Message, fn func(context.Context, T) error) error {
	_, p, err := events.Decode[T](m.Value)
	if err != nil {
		return err
	}
	return fn(ctx, p)
}

func (o *Orchestrator) OnOrderCreated(ctx context.Context, e events.OrderCreated) error {
	now := o.now().UTC()
	created, err := o.store.Create(ctx, Instance{
		OrderID:       e.OrderID,
		UserID:        e.UserID,
		Items:         e.Items,
		TotalAmount:   e.TotalAmount,
		PaymentMethod: e.PaymentMethod,
		Step:          StepCreated,
		Compensations: []Compensation{},
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return err
	}
	if created {
		o.log.Info().Str("order_id", e.OrderID).Int("items", len(e.Items)).Msg("saga started")
	}
	return nil
}

func (o *Orchestrator) OnStockReserved(ctx context.Context, e events.StockReserved) error {
	return o.update(ctx, e.OrderID, events.EventStockReserved, func(inst *Instance) (bool, error) {
		if inst.Terminal() || inst.reserved(e.ProductID) {
			return false, nil
		}
		if inst.Step != StepCreated && inst.Step != StepStockReserved {
			return false, apperr.Transition("saga", string(inst.Step), string(StepStockReserved))
		}
		inst.Step = StepStockReserved
		inst.Compensations = append(inst.Compensations, Compensation{
			Kind:      CompReleaseStock,
			ProductID: e.ProductID,
			Quantity:  e.Quantity,
		})
		return true, nil
	})
}

func (o *Orchestrator) OnPaymentCompleted(ctx context.Context, e events.PaymentCompleted) error {
	return o.update(ctx, e.OrderID, events.EventPaymentCompleted, func(inst *Instance) (bool, error) {
		switch {
		case inst.Compensated:
			// the charge landed after rollback; give the money back
			o.log.Warn().Str("order_id", e.OrderID).Str("payment_id", e.PaymentID).Msg("payment after compensation, refunding")
			return false, o.cmds.Send(ctx, events.CmdRefundPayment, events.Command{
				OrderID:   e.OrderID,
				PaymentID: e.PaymentID,
				Reason:    "payment completed after saga compensated",
			})
		case inst.Completed:
			return false, nil
		case inst.Step != StepStockReserved:
			return false, apperr.Transition("saga", string(inst.Step), string(StepPaymentCompleted))
		}

		inst.Step = StepPaymentCompleted
		inst.PaymentID = e.PaymentID
		inst.Compensations = append(inst.Compensations, Compensation{Kind: CompRefundPayment, PaymentID: e.PaymentID})
		inst.Completed = true

		for _, c := range inst.Compensations {
			if c.Kind != CompReleaseStock {
				continue
			}
			if err := o.cmds.Send(ctx, events.CmdConfirmStock, events.Command{
				OrderID:   e.OrderID,
				ProductID: c.ProductID,
				Quantity:  c.Quantity,
			}); err != nil {
				return false, err
			}
		}
		if err := o.cmds.Send(ctx, events.CmdConfirmOrder, events.Command{OrderID: e.OrderID, PaymentID: e.PaymentID}); err != nil {
			return false, err
		}
		o.log.Info().Str("order_id", e.OrderID).Str("payment_id", e.PaymentID).Msg("saga completed")
		return true, nil
	})
}

func (o *Orchestrator) OnStockReservationFailed(ctx context.Context, e events.StockReservationFailed) error {
	return o.fail(ctx, e.OrderID, events.EventStockReservationFailed, "stock reservation failed: "+e.Reason, false)
}

func (o *Orchestrator) OnPaymentFailed(ctx context.Context, e events.PaymentFailed) error {
	return o.fail(ctx, e.OrderID, events.EventPaymentFailed, "payment failed: "+e.FailureReason, true)
}

// OnOrderCancelled rolls back a saga whose order was cancelled by the user
// or expired. The order is already terminal, so no CancelOrder is sent. A
// completed saga is not reopened; its payment is refunded.
func (o *Orchestrator) OnOrderCancelled(ctx context.Context, e events.OrderCancelled) error {
	return o.update(ctx, e.OrderID, events.EventOrderCancelled, func(inst *Instance) (bool, error) {
		switch {
		case inst.Compensated:
			return false, nil
		case inst.Completed:
			return false, o.cmds.Send(ctx, events.CmdRefundPayment, events.Command{
				OrderID:   e.OrderID,
				PaymentID: inst.PaymentID,
				Reason:    "order cancelled after completion: " + e.Reason,
			})
		}
		return true, o.compensate(ctx, inst, "order cancelled: "+e.Reason, nil)
	})
}

func (o *Orchestrator) fail(ctx context.Context, orderID, eventType, reason string, retryHint bool) error {
	return o.update(ctx, orderID, eventType, func(inst *Instance) (bool, error) {
		if inst.Terminal() {
			return false, nil
		}
		return true, o.compensate(ctx, inst, reason, cancelOrder(inst, reason, retryHint))
	})
}

func cancelOrder(inst *Instance, reason string, retryHint bool) *events.Command {
	return &events.Command{OrderID: inst.OrderID, Reason: reason, RetryHint: retryHint}
}

// compensate rolls inst back and sends cancel when it is non-nil. Only the
// CancelOrder dispatch failing aborts: without it the order would stay
// PENDING.
func (o *Orchestrator) compensate(ctx context.Context, inst *Instance, reason string, cancel *events.Command) error {
	failed := o.cmds.Compensate(ctx, inst, reason)
	if cancel != nil {
		if err := o.cmds.Send(ctx, events.CmdCancelOrder, *cancel); err != nil {
			return fmt.Errorf("cancel order %s: %w", inst.OrderID, err)
		}
	}
	inst.Compensated = true
	inst.Reason = reason
	o.log.Info().Str("order_id", inst.OrderID).Int("compensations", len(inst.Compensations)).
		Int("failed", failed).Str("reason", reason).Msg("saga compensated")
	return nil
}

// update applies fn to the persisted instance. Unknown orders are ignored
// and invalid transitions are logged and dropped; both commit the message.
func (o *Orchestrator) update(ctx context.Context, orderID, eventType string, fn func(*Instance) (bool, error)) error {
	err := o.store.Update(ctx, orderID, func(inst *Instance) (bool, error) {
		changed, err := fn(inst)
		if changed && err == nil {
			inst.UpdatedAt = o.now().UTC()
		}
		return changed, err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		o.log.Debug().Str("order_id", orderID).Str("event_type", eventType).Msg("no saga for event, ignored")
		return nil
	case errors.Is(err, apperr.ErrInvalidTransition):
		o.log.Error().Err(err).Str("order_id", orderID).Str("event_type", eventType).Msg("event rejected, saga needs inspection")
		return nil
	default:
		return err
	}
}

// SweepStale compensates active sagas that saw no event for longer than the
// saga timeout, e.g. because a reservation or payment event was lost.
func (o *Orchestrator) SweepStale(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.timeout)
	ids, err := o.store.Stale(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		err := o.store.Update(ctx, id, func(inst *Instance) (bool, error) {
			if inst.Terminal() || inst.UpdatedAt.After(cutoff) {
				return false, nil
			}
			reason := fmt.Sprintf("saga timed out in step %s", inst.Step)
			if err := o.compensate(ctx, inst, reason, cancelOrder(inst, reason, false)); err != nil {
				return false, err
			}
			inst.UpdatedAt = o.now().UTC()
			n++
			return true, nil
		})
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return n, err
		}
	}
	return n, nil
}
