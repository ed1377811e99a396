// Package orders owns the order aggregate: creation from the catalog, the
// status state machine and the commands the orchestrator sends back.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type Emitter interface {
	Emit(ctx context.Context, eventType, orderID string, payload any) error
}

type Service struct {
	repo    Repo
	catalog catalog.Lookup
	emit    Emitter
	rdb     redis.Cmdable
	ttl     time.Duration // flash-sale order lifetime
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repo, cat catalog.Lookup, emit Emitter, rdb redis.Cmdable, flashSaleTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{repo: repo, catalog: cat, emit: emit, rdb: rdb, ttl: flashSaleTTL, log: log, now: time.Now}
}

// Create validates in, prices it from the catalog, persists a PENDING order
// and emits OrderCreated. A repeated idempotency key returns the original
// order with created=false and emits nothing.
func (s *Service) Create(ctx context.Context, in CreateInput) (Order, bool, error) {
	if err := Validate(in); err != nil {
		return Order{}, false, err
	}

	idemKey := ""
	if in.IdempotencyKey != "" {
		idemKey = fmt.Sprintf(redisx.KeyIdemOrderCreate, in.IdempotencyKey)
		if id, err := s.rdb.Get(ctx, idemKey).Result(); err == nil {
			o, err := s.repo.Get(ctx, id)
			return o, false, err
		} else if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("idempotency lookup")
		}
	}

	now := s.now().UTC()
	o := Order{
		ID:              uuid.NewString(),
		IdempotencyKey:  in.IdempotencyKey,
		UserID:          in.UserID,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		Status:          StatusPending,
		TotalAmount:     decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, it := range in.Items {
		p, err := s.catalog.Product(ctx, it.ProductID)
		if errors.Is(err, apperr.ErrNotFound) {
			return Order{}, false, apperr.Invalid(fmt.Sprintf("items[%d].productId", i), "unknown product %d", it.ProductID)
		}
		if err != nil {
			return Order{}, false, err
		}
		if !p.Active {
			return Order{}, false, apperr.Invalid(fmt.Sprintf("items[%d].productId", i), "product %d is not available", it.ProductID)
		}
		o.Items = append(o.Items, Item{
			ProductID:     p.ID,
			ProductName:   p.Name,
			Quantity:      it.Quantity,
			UnitPrice:     p.Price,
			FlashSaleItem: p.FlashSale,
		})
		o.TotalAmount = o.TotalAmount.Add(p.Price.Mul(decimal.NewFromInt32(it.Quantity)))
		o.FlashSale = o.FlashSale || p.FlashSale
	}
	if o.FlashSale {
		exp := now.Add(s.ttl)
		o.ExpiresAt = &exp
	}

	saved, created, err := s.repo.Create(ctx, o)
	if err != nil {
		return Order{}, false, err
	}
	if !created {
		return saved, false, nil
	}
	if idemKey != "" {
		if err := s.rdb.Set(ctx, idemKey, saved.ID, redisx.TTLIdempotency).Err(); err != nil {
			s.log.Warn().Err(err).Str("order_id", saved.ID).Msg("idempotency store")
		}
	}

	if err := s.emit.Emit(ctx, events.EventOrderCreated, saved.ID, events.OrderCreated{
		OrderID:         saved.ID,
		UserID:          saved.UserID,
		ShippingAddress: saved.ShippingAddress,
		PaymentMethod:   saved.PaymentMethod,
		TotalAmount:     saved.TotalAmount,
		Items:           saved.eventItems(),
		FlashSaleOrder:  saved.FlashSale,
		Timestamp:       now,
	}); err != nil {
		// no saga will ever pick this order up
		if _, _, cerr := s.transition(context.WithoutCancel(ctx), saved.ID, StatusCancelled, "order could not be submitted", true); cerr != nil {
			s.log.Error().Err(cerr).Str("order_id", saved.ID).Msg("cancel unsubmitted order")
		}
		return Order{}, false, fmt.Errorf("submit order %s: %w", saved.ID, err)
	}

	s.cacheStatus(ctx, saved)
	s.log.Info().Str("order_id", saved.ID).Int64("user_id", saved.UserID).Str("total", saved.TotalAmount.String()).
		Bool("flash_sale", saved.FlashSale).Msg("order created")
	return saved, true, nil
}

// Get returns the order if it belongs to userID. Other users' orders are
// reported as not found.
func (s *Service) Get(ctx context.Context, id string, userID int64) (Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o.UserID != userID {
		return Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return o, nil
}

// Cancel is the user-initiated cancellation; the orchestrator rolls the
// saga back when it sees OrderCancelled.
func (s *Service) Cancel(ctx context.Context, id string, userID int64, reason string) (Order, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return Order{}, err
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	o, changed, err := s.update(ctx, id, func(o *Order) (bool, error) {
		if !CanTransition(o.Status, StatusCancelled) {
			return false, apperr.Transition("order", string(o.Status), string(StatusCancelled))
		}
		return s.apply(o, StatusCancelled, reason, false), nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		if err := s.emitCancelled(ctx, events.EventOrderCancelled, o); err != nil {
			return o, err
		}
	}
	return o, nil
}

// HandleCommand consumes saga.commands: CancelOrder and ConfirmOrder.
func (s *Service) HandleCommand(ctx context.Context, m kafkago.Message) error {
	typ := events.Type(m)
	if typ != events.CmdCancelOrder && typ != events.CmdConfirmOrder {
		return nil
	}
	_, cmd, err := events.Decode[events.Command](m.Value)
	if err != nil {
		return err
	}

	if typ == events.CmdConfirmOrder {
		return s.confirm(ctx, cmd.OrderID)
	}
	o, changed, err := s.transition(ctx, cmd.OrderID, StatusCancelled, cmd.Reason, cmd.RetryHint)
	if err != nil {
		return s.commandErr(cmd.OrderID, typ, err)
	}
	if changed {
		return s.emitCancelled(ctx, events.EventOrderCancelled, o)
	}
	return nil
}

func (s *Service) confirm(ctx context.Context, id string) error {
	o, changed, err := s.transition(ctx, id, StatusConfirmed, "", false)
	if err != nil {
		return s.commandErr(id, events.CmdConfirmOrder, err)
	}
	if !changed {
		return nil
	}
	s.log.Info().Str("order_id", id).Msg("order confirmed")
	return s.emit.Emit(ctx, events.EventOrderConfirmed, id, events.OrderConfirmed{
		OrderID:   id,
		UserID:    o.UserID,
		Timestamp: s.now().UTC(),
	})
}

// commandErr drops commands that can never apply.
func (s *Service) commandErr(id, cmd string, err error) error {
	if errors.Is(err, apperr.ErrInvalidTransition) || errors.Is(err, apperr.ErrNotFound) {
		s.log.Error().Err(err).Str("order_id", id).Str("command", cmd).Msg("command rejected")
		return nil
	}
	return err
}

// SweepExpired moves overdue PENDING flash-sale orders to EXPIRED and
// returns how many it moved.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.repo.Overdue(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		o, changed, err := s.update(ctx, id, func(o *Order) (bool, error) {
			if o.Status != StatusPending || o.ExpiresAt == nil || o.ExpiresAt.After(now) {
				return false, nil
			}
			return s.apply(o, StatusExpired, "order expired", true), nil
		})
		if err != nil {
			return n, err
		}
		if !changed {
			continue
		}
		n++
		if err := s.emitCancelled(ctx, events.EventOrderExpired, o); err != nil {
			return n, err
		}
	}
	return n, nil
}

// transition moves the order to `to`. Re-applying the current status is a
// no-op; leaving a terminal state for another is ErrInvalidTransition.
func (s *Service) transition(ctx context.Context, id string, to Status, reason string, retryHint bool) (Order, bool, error) {
	return s.update(ctx, id, func(o *Order) (bool, error) {
		if o.Status == to {
			return false, nil
		}
		if !CanTransition(o.Status, to) {
			return false, apperr.Transition("order", string(o.Status), string(to))
		}
		return s.apply(o, to, reason, retryHint), nil
	})
}

func (s *Service) apply(o *Order, to Status, reason string, retryHint bool) bool {
	o.Status = to
	o.CancelReason = reason
	o.RetryHint = retryHint
	o.UpdatedAt = s.now().UTC()
	return true
}

func (s *Service) update(ctx context.Context, id string, fn func(*Order) (bool, error)) (Order, bool, error) {
	changed := false
	o, err := s.repo.Update(ctx, id, func(o *Order) (bool, error) {
		c, err := fn(o)
		changed = c && err == nil
		return c, err
	})
	if err != nil {
		return Order{}, false, err
	}
	if changed {
		s.cacheStatus(ctx, o)
	}
	return o, changed, nil
}

func (s *Service) emitCancelled(ctx context.Context, eventType string, o Order) error {
	return s.emit.Emit(ctx, eventType, o.ID, events.OrderCancelled{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Reason:      o.CancelReason,
		Items:       o.eventItems(),
		TotalAmount: o.TotalAmount,
		Timestamp:   s.now().UTC(),
	})
}
