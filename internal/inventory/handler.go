package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

type Emitter interface {
	Emit(ctx context.Context, eventType, orderID string, payload any) error
}

type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Handler turns OrderCreated into per-item reservations and applies the
// ReleaseStock/ConfirmStock commands of the orchestrator.
type Handler struct {
	Engine *Engine
	Emit   Emitter
	Dedup  Deduper
	Log    zerolog.Logger

	// LockRetries bounds how often a LockTimeout is retried before the item
	// is reported as failed.
	LockRetries uint64
	now         func() time.Time
}

func NewHandler(engine *Engine, emit Emitter, dedup Deduper, log zerolog.Logger) *Handler {
	return &Handler{Engine: engine, Emit: emit, Dedup: dedup, Log: log, LockRetries: 3, now: time.Now}
}

// HandleEvent consumes saga.events; only OrderCreated concerns inventory.
func (h *Handler) HandleEvent(ctx context.Context, m kafkago.Message) error {
	if events.Type(m) != events.EventOrderCreated {
		return nil
	}
	env, p, err := events.Decode[events.OrderCreated](m.Value)
	if err != nil {
		return err
	}

	first, err := h.Dedup.Claim(ctx, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		h.Log.Debug().Str("order_id", p.OrderID).Str("event_id", env.EventID).Msg("duplicate OrderCreated")
		return nil
	}
	if err := h.reserveOrder(ctx, p); err != nil {
		if ferr := h.Dedup.Forget(context.WithoutCancel(ctx), env.EventID); ferr != nil {
			h.Log.Warn().Err(ferr).Str("event_id", env.EventID).Msg("dedup forget")
		}
		return err
	}
	return nil
}

// reserveOrder reserves items in order and stops at the first rejection;
// compensation for the items already reserved belongs to the orchestrator.
// Infrastructure errors are returned so the message is redelivered; items
// reserved before the error are replayed as already reserved.
func (h *Handler) reserveOrder(ctx context.Context, p events.OrderCreated) error {
	log := h.Log.With().Str("order_id", p.OrderID).Logger()
	for i, it := range p.Items {
		r, err := h.reserve(ctx, it.ProductID, it.Quantity, p.OrderID)
		switch {
		case err == nil:
			name := r.ProductName
			if name == "" {
				name = it.ProductName
			}
			if err := h.Emit.Emit(ctx, events.EventStockReserved, p.OrderID, events.StockReserved{
				OrderID:       p.OrderID,
				ProductID:     it.ProductID,
				Quantity:      it.Quantity,
				ProductName:   name,
				ItemIndex:     i,
				ItemCount:     len(p.Items),
				UserID:        p.UserID,
				TotalAmount:   p.TotalAmount,
				PaymentMethod: p.PaymentMethod,
				Timestamp:     h.now().UTC(),
			}); err != nil {
				return err
			}

		case errors.Is(err, ErrReservationClosed):
			log.Info().Int64("product_id", it.ProductID).Msg("order already settled, skipping")
			return nil

		case isRejection(err):
			log.Info().Err(err).Int64("product_id", it.ProductID).Msg("reservation rejected")
			return h.Emit.Emit(ctx, events.EventStockReservationFailed, p.OrderID, events.StockReservationFailed{
				OrderID:   p.OrderID,
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				Reason:    Outcome(err) + ": " + err.Error(),
				Timestamp: h.now().UTC(),
			})

		default:
			return err
		}
	}
	return nil
}

func isRejection(err error) bool {
	return errors.Is(err, apperr.ErrInsufficientStock) ||
		errors.Is(err, apperr.ErrProductInactive) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrLockTimeout)
}

// reserve retries lock contention with backoff; every other outcome is final.
func (h *Handler) reserve(ctx context.Context, productID int64, qty int32, orderID string) (Reservation, error) {
	var r Reservation
	op := func() error {
		var err error
		r, err = h.Engine.Reserve(ctx, productID, qty, orderID)
		if err != nil && !errors.Is(err, apperr.ErrLockTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, h.LockRetries), ctx)

	err := backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		h.Log.Warn().Err(err).Int64("product_id", productID).Dur("backoff", d).Msg("product lock busy")
	})
	return r, err
}

// HandleCommand consumes saga.commands. Both commands are idempotent: a
// mismatch is logged and the message committed.
func (h *Handler) HandleCommand(ctx context.Context, m kafkago.Message) error {
	typ := events.Type(m)
	if typ != events.CmdReleaseStock && typ != events.CmdConfirmStock {
		return nil
	}
	_, cmd, err := events.Decode[events.Command](m.Value)
	if err != nil {
		return err
	}
	log := h.Log.With().Str("order_id", cmd.OrderID).Int64("product_id", cmd.ProductID).Str("command", typ).Logger()

	if typ == events.CmdReleaseStock {
		err = h.Engine.Release(ctx, cmd.OrderID, cmd.ProductID, cmd.Quantity)
	} else {
		err = h.Engine.Confirm(ctx, cmd.OrderID, cmd.ProductID, cmd.Quantity)
	}
	switch {
	case err == nil:
		log.Info().Int32("qty", cmd.Quantity).Msg("command applied")
		return nil
	case errors.Is(err, apperr.ErrReservationMismatch):
		log.Error().Err(err).Msg("command rejected")
		return nil
	default:
		return err
	}
}
