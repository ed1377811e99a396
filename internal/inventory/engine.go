// Package inventory is the stock reservation engine: per-product serialized
// reserve, exact-match confirm and idempotent release over stock and
// reserved_stock counters.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/rs/zerolog"
)

// ErrReservationClosed is returned by Reserve when the (order, product) pair
// was already confirmed, released or expired. A redelivered OrderCreated
// must not reserve again.
var ErrReservationClosed = fmt.Errorf("reservation closed: %w", apperr.ErrReservationMismatch)

type Store interface {
	Product(ctx context.Context, productID int64) (Product, error)
	Reservation(ctx context.Context, orderID string, productID int64) (Reservation, bool, error)
	// Reserve records r and moves r.Quantity from available to reserved in
	// one transaction, failing with apperr.ErrInsufficientStock when the
	// counters no longer allow it.
	Reserve(ctx context.Context, r Reservation) error
	// Confirm closes a RESERVED record matching quantity and removes the
	// units from stock and reserved_stock. false means no such record.
	Confirm(ctx context.Context, orderID string, productID int64, qty int32) (bool, error)
	// Release closes a RESERVED record matching quantity with status to and
	// returns the units to available. false means no such record.
	Release(ctx context.Context, orderID string, productID int64, qty int32, to Status) (bool, error)
	Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// Locker serializes work on one product.
type Locker interface {
	Lock(ctx context.Context, productID int64) (unlock func(context.Context) error, err error)
}

// RedisLocker adapts a redisx.Locker to product-scoped keys.
type RedisLocker struct{ L *redisx.Locker }

func (r RedisLocker) Lock(ctx context.Context, productID int64) (func(context.Context) error, error) {
	lease, err := r.L.Acquire(ctx, fmt.Sprintf(redisx.KeyProductLock, productID))
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}

type Engine struct {
	store Store
	locks Locker
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

func NewEngine(store Store, locks Locker, ttl time.Duration, log zerolog.Logger) *Engine {
	return &Engine{store: store, locks: locks, ttl: ttl, now: time.Now, log: log}
}

// Reserve claims qty units of productID for orderID. Outcomes are reported
// as errors: nil (reserved), apperr.ErrInsufficientStock (also for a closed
// flash-sale window), apperr.ErrProductInactive, apperr.ErrLockTimeout,
// apperr.ErrNotFound and ErrReservationClosed. Reserving an already
// RESERVED pair returns the existing record.
func (e *Engine) Reserve(ctx context.Context, productID int64, qty int32, orderID string) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, apperr.Invalid("quantity", "must be positive, got %d", qty)
	}

	unlock, err := e.locks.Lock(ctx, productID)
	if err != nil {
		return Reservation{}, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			e.log.Warn().Err(err).Int64("product_id", productID).Msg("product lease release")
		}
	}()

	if r, ok, err := e.store.Reservation(ctx, orderID, productID); err != nil {
		return Reservation{}, err
	} else if ok {
		if r.Status == StatusReserved {
			return r, nil
		}
		return r, fmt.Errorf("order %s product %d is %s: %w", orderID, productID, r.Status, ErrReservationClosed)
	}

	p, err := e.store.Product(ctx, productID)
	if err != nil {
		return Reservation{}, err
	}
	now := e.now()
	switch {
	case !p.Active:
		return Reservation{}, fmt.Errorf("product %d: %w", productID, apperr.ErrProductInactive)
	case !p.SaleOpen(now):
		return Reservation{}, fmt.Errorf("product %d flash sale not active: %w", productID, apperr.ErrInsufficientStock)
	case p.Available() < qty:
		return Reservation{}, fmt.Errorf("product %d available %d, requested %d: %w",
			productID, p.Available(), qty, apperr.ErrInsufficientStock)
	}

	r := Reservation{
		OrderID:     orderID,
		ProductID:   productID,
		ProductName: p.Name,
		Quantity:    qty,
		Status:      StatusReserved,
		ExpiresAt:   now.Add(e.ttl),
		CreatedAt:   now,
	}
	if err := e.store.Reserve(ctx, r); err != nil {
		return Reservation{}, err
	}
	e.log.Debug().Str("order_id", orderID).Int64("product_id", productID).Int32("qty", qty).Msg("stock reserved")
	return r, nil
}

// Confirm makes a reservation permanent. It fails with
// apperr.ErrReservationMismatch unless a RESERVED record with exactly qty
// exists, so a second confirm is rejected.
func (e *Engine) Confirm(ctx context.Context, orderID string, productID int64, qty int32) error {
	ok, err := e.store.Confirm(ctx, orderID, productID, qty)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("confirm order %s product %d qty %d: %w", orderID, productID, qty, apperr.ErrReservationMismatch)
	}
	return nil
}

// Release returns reserved units to available. Releasing an absent, released
// or expired reservation is a no-op. A confirmed reservation or a quantity
// that does not match is apperr.ErrReservationMismatch.
func (e *Engine) Release(ctx context.Context, orderID string, productID int64, qty int32) error {
	r, ok, err := e.store.Reservation(ctx, orderID, productID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	switch r.Status {
	case StatusReleased, StatusExpired:
		return nil
	case StatusConfirmed:
		return fmt.Errorf("release order %s product %d: already confirmed: %w", orderID, productID, apperr.ErrReservationMismatch)
	}
	if r.Quantity != qty {
		return fmt.Errorf("release order %s product %d: reserved %d, asked %d: %w",
			orderID, productID, r.Quantity, qty, apperr.ErrReservationMismatch)
	}
	if _, err := e.store.Release(ctx, orderID, productID, qty, StatusReleased); err != nil {
		return err
	}
	// false here means the sweep or a duplicate command got there first
	return nil
}

// SweepExpired releases reservations whose TTL elapsed without a confirm or
// release and returns how many it closed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	const batch = 100
	n := 0
	for {
		due, err := e.store.Expired(ctx, e.now(), batch)
		if err != nil {
			return n, err
		}
		for _, r := range due {
			ok, err := e.store.Release(ctx, r.OrderID, r.ProductID, r.Quantity, StatusExpired)
			if err != nil {
				return n, err
			}
			if ok {
				n++
				e.log.Info().Str("order_id", r.OrderID).Int64("product_id", r.ProductID).
					Int32("qty", r.Quantity).Msg("reservation expired")
			}
		}
		if len(due) < batch {
			return n, nil
		}
	}
}

// Stock returns the current counters of a product.
func (e *Engine) Stock(ctx context.Context, productID int64) (Product, error) {
	return e.store.Product(ctx, productID)
}

// Outcome names a Reserve/Confirm/Release error for events and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, apperr.ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, apperr.ErrProductInactive):
		return "PRODUCT_INACTIVE"
	case errors.Is(err, apperr.ErrLockTimeout):
		return "LOCK_TIMEOUT"
	case errors.Is(err, apperr.ErrReservationMismatch):
		return "RESERVATION_MISMATCH"
	case errors.Is(err, apperr.ErrNotFound):
		return "PRODUCT_NOT_FOUND"
	case errors.Is(err, apperr.ErrValidation):
		return "INVALID_REQUEST"
	default:
		return "INTERNAL"
	}
}
