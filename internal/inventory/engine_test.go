package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, ps ...Product) (*Engine, *memStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemStore(ps...)
	locks := RedisLocker{L: redisx.NewLocker(rdb, 5*time.Second, 3*time.Second)}
	return NewEngine(store, locks, 10*time.Minute, zerolog.Nop()), store, rdb
}

func stock(t *testing.T, e *Engine, id int64) Product {
	t.Helper()
	p, err := e.Stock(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newEngine(t, Product{ID: 1, Name: "A", Stock: 5, Active: true})

	before := stock(t, e, 1).Available()
	r, err := e.Reserve(ctx, 1, 3, "o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, r.Status)
	assert.Equal(t, "A", r.ProductName)
	assert.Equal(t, int32(2), stock(t, e, 1).Available())

	require.NoError(t, e.Release(ctx, "o-1", 1, 3))
	assert.Equal(t, before, stock(t, e, 1).Available())
	assert.Equal(t, int32(0), stock(t, e, 1).ReservedStock)
}

func TestReserve_ReplayReturnsExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newEngine(t, Product{ID: 1, Stock: 5, Active: true})

	_, err := e.Reserve(ctx, 1, 2, "o-1")
	require.NoError(t, err)
	_, err = e.Reserve(ctx, 1, 2, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), stock(t, e, 1).ReservedStock, "replay must not reserve twice")

	require.NoError(t, e.Release(ctx, "o-1", 1, 2))
	_, err = e.Reserve(ctx, 1, 2, "o-1")
	assert.ErrorIs(t, err, ErrReservationClosed)
	assert.Equal(t, int32(0), stock(t, e, 1).ReservedStock)
}

func TestConfirm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newEngine(t, Product{ID: 1, Stock: 5, Active: true})

	err := e.Confirm(ctx, "o-1", 1, 2)
	assert.ErrorIs(t, err, apperr.ErrReservationMismatch, "no reservation")

	_, err = e.Reserve(ctx, 1, 2, "o-1")
	require.NoError(t, err)

	err = e.Confirm(ctx, "o-1", 1, 3)
	assert.ErrorIs(t, err, apperr.ErrReservationMismatch, "quantity must match")

	require.NoError(t, e.Confirm(ctx, "o-1", 1, 2))
	p := stock(t, e, 1)
	assert.Equal(t, int32(3), p.Stock)
	assert.Equal(t, int32(0), p.ReservedStock)

	err = e.Confirm(ctx, "o-1", 1, 2)
	assert.ErrorIs(t, err, apperr.ErrReservationMismatch, "second confirm rejected")
	assert.Equal(t, int32(3), stock(t, e, 1).Stock)

	err = e.Release(ctx, "o-1", 1, 2)
	assert.ErrorIs(t, err, apperr.ErrReservationMismatch, "confirmed cannot be released")
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newEngine(t, Product{ID: 1, Stock: 5, Active: true})

	require.NoError(t, e.Release(ctx, "missing", 1, 1), "absent reservation is a no-op")

	_, err := e.Reserve(ctx, 1, 4, "o-1")
	require.NoError(t, err)
	assert.ErrorIs(t, e.Release(ctx, "o-1", 1, 2), apperr.ErrReservationMismatch)

	require.NoError(t, e.Release(ctx, "o-1", 1, 4))
	require.NoError(t, e.Release(ctx, "o-1", 1, 4))
	p := stock(t, e, 1)
	assert.Equal(t, int32(5), p.Available())
	assert.Equal(t, int32(0), p.ReservedStock)
}

func TestReserve_Rejections(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)
	soon := now.Add(time.Minute)

	tests := []struct {
		name    string
		product Product
		qty     int32
		want    error
	}{
		{"insufficient", Product{ID: 1, Stock: 2, Active: true}, 3, apperr.ErrInsufficientStock},
		{"reserved counts", Product{ID: 1, Stock: 5, ReservedStock: 4, Active: true}, 2, apperr.ErrInsufficientStock},
		{"inactive", Product{ID: 1, Stock: 5}, 1, apperr.ErrProductInactive},
		{"flash sale not started", Product{ID: 1, Stock: 100, Active: true, FlashSale: true, SaleStart: &soon}, 1, apperr.ErrInsufficientStock},
		{"flash sale ended", Product{ID: 1, Stock: 100, Active: true, FlashSale: true, SaleStart: &past, SaleEnd: &now}, 1, apperr.ErrInsufficientStock},
		{"flash sale open", Product{ID: 1, Stock: 100, Active: true, FlashSale: true, SaleStart: &past, SaleEnd: &future}, 1, nil},
		{"zero quantity", Product{ID: 1, Stock: 5, Active: true}, 0, apperr.ErrValidation},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, _, _ := newEngine(t, tt.product)
			e.now = func() time.Time { return now }

			_, err := e.Reserve(context.Background(), 1, tt.qty, "o-1")
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.product.ReservedStock, stock(t, e, 1).ReservedStock)
		})
	}

	e, _, _ := newEngine(t)
	_, err := e.Reserve(context.Background(), 42, 1, "o-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReserve_ConcurrentOversell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const available, callers = 7, 20
	e, _, _ := newEngine(t, Product{ID: 1, Stock: available, Active: true})

	var ok, short int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Reserve(ctx, 1, 1, fmt.Sprintf("o-%d", i))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, apperr.ErrInsufficientStock):
				atomic.AddInt32(&short, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(available), ok)
	assert.Equal(t, int32(callers-available), short)
	p := stock(t, e, 1)
	assert.Equal(t, int32(available), p.ReservedStock)
	assert.Equal(t, int32(0), p.Available())
}

func TestReserve_LockTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locks := RedisLocker{L: redisx.NewLocker(rdb, 5*time.Second, 50*time.Millisecond)}
	e := NewEngine(newMemStore(Product{ID: 1, Stock: 5, Active: true}), locks, time.Minute, zerolog.Nop())

	unlock, err := locks.Lock(ctx, 1)
	require.NoError(t, err)
	_, err = e.Reserve(ctx, 1, 1, "o-1")
	assert.ErrorIs(t, err, apperr.ErrLockTimeout)
	assert.True(t, apperr.Retryable(err))

	require.NoError(t, unlock(ctx))
	_, err = e.Reserve(ctx, 1, 1, "o-1")
	require.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newEngine(t, Product{ID: 1, Stock: 5, Active: true}, Product{ID: 2, Stock: 5, Active: true})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	_, err := e.Reserve(ctx, 1, 2, "old")
	require.NoError(t, err)

	e.now = func() time.Time { return now.Add(5 * time.Minute) }
	_, err = e.Reserve(ctx, 2, 1, "fresh")
	require.NoError(t, err)

	e.now = func() time.Time { return now.Add(11 * time.Minute) }
	n, err := e.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(0), stock(t, e, 1).ReservedStock)
	assert.Equal(t, int32(1), stock(t, e, 2).ReservedStock)

	// a late compensation for the expired reservation is a no-op
	require.NoError(t, e.Release(ctx, "old", 1, 2))
	assert.ErrorIs(t, e.Confirm(ctx, "old", 1, 2), apperr.ErrReservationMismatch)
}
