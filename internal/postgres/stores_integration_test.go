//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/saga"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type StoresSuite struct {
	suite.Suite
	ctr *tcpostgres.PostgresContainer
	db  *pgxpool.Pool
}

func TestStores(t *testing.T) {
	suite.Run(t, new(StoresSuite))
}

func (s *StoresSuite) SetupSuite() {
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("orders"),
		tcpostgres.WithUsername("app"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	s.Require().NoError(err)
	s.ctr = ctr

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.db, err = postgres.Connect(ctx, dsn, 16)
	s.Require().NoError(err)
	s.Require().NoError(postgres.Migrate(ctx, s.db))
	s.Require().NoError(postgres.Migrate(ctx, s.db), "migrations are re-runnable")
}

func (s *StoresSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.ctr != nil {
		_ = s.ctr.Terminate(context.Background())
	}
}

func (s *StoresSuite) product(name string, stock int32) int64 {
	var id int64
	err := s.db.QueryRow(context.Background(), `
		INSERT INTO products(name, price, stock) VALUES ($1, 12.50, $2) RETURNING id`, name, stock).Scan(&id)
	s.Require().NoError(err)
	return id
}

func (s *StoresSuite) engine() *inventory.Engine {
	mr := miniredis.RunT(s.T())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.T().Cleanup(func() { _ = rdb.Close() })
	locks := inventory.RedisLocker{L: redisx.NewLocker(rdb, 5*time.Second, 5*time.Second)}
	return inventory.NewEngine(&inventory.PGStore{DB: s.db}, locks, 10*time.Minute, zerolog.Nop())
}

func (s *StoresSuite) TestInventory_NoOversell() {
	ctx := context.Background()
	pid := s.product("Limited Sneaker", 7)
	e := s.engine()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Reserve(ctx, pid, 1, uuid.NewString()); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				s.ErrorIs(err, apperr.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()
	s.Equal(7, ok)

	p, err := e.Stock(ctx, pid)
	s.Require().NoError(err)
	s.Equal(int32(7), p.ReservedStock)
	s.Equal(int32(0), p.Available())
}

func (s *StoresSuite) TestInventory_ReleaseAndConfirm() {
	ctx := context.Background()
	pid := s.product("Desk Lamp", 10)
	e := s.engine()

	_, err := e.Reserve(ctx, pid, 4, "o-release")
	s.Require().NoError(err)
	_, err = e.Reserve(ctx, pid, 2, "o-confirm")
	s.Require().NoError(err)

	s.Require().NoError(e.Release(ctx, "o-release", pid, 4))
	s.Require().NoError(e.Release(ctx, "o-release", pid, 4), "second release is a no-op")
	s.Require().NoError(e.Confirm(ctx, "o-confirm", pid, 2))
	s.ErrorIs(e.Release(ctx, "o-confirm", pid, 2), apperr.ErrReservationMismatch)

	p, err := e.Stock(ctx, pid)
	s.Require().NoError(err)
	s.Equal(int32(8), p.Stock)
	s.Equal(int32(0), p.ReservedStock)
}

func (s *StoresSuite) TestOrders_IdempotentCreateAndUpdate() {
	ctx := context.Background()
	repo := &orders.PGRepo{DB: s.db}
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := orders.Order{
		ID:              uuid.NewString(),
		IdempotencyKey:  "idem-" + uuid.NewString(),
		UserID:          42,
		ShippingAddress: "Jl. Thamrin 10",
		PaymentMethod:   "BANK_TRANSFER",
		TotalAmount:     decimal.RequireFromString("25.00"),
		Status:          orders.StatusPending,
		Items: []orders.Item{
			{ProductID: 1, ProductName: "Desk Lamp", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	saved, created, err := repo.Create(ctx, o)
	s.Require().NoError(err)
	s.True(created)

	dup := o
	dup.ID = uuid.NewString()
	again, created, err := repo.Create(ctx, dup)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(saved.ID, again.ID)

	got, err := repo.Update(ctx, o.ID, func(o *orders.Order) (bool, error) {
		o.Status = orders.StatusCancelled
		o.CancelReason = "payment failed"
		o.RetryHint = true
		return true, nil
	})
	s.Require().NoError(err)
	s.Equal(orders.StatusCancelled, got.Status)

	got, err = repo.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(orders.StatusCancelled, got.Status)
	s.True(got.RetryHint)
	s.Require().Len(got.Items, 1)
	s.True(got.Items[0].UnitPrice.Equal(decimal.RequireFromString("12.50")))
	s.True(got.TotalAmount.Equal(decimal.RequireFromString("25")))

	_, err = repo.Get(ctx, "missing")
	s.ErrorIs(err, apperr.ErrNotFound)
}

func (s *StoresSuite) TestPayments_OneActivePerOrder() {
	ctx := context.Background()
	repo := &payment.PGRepo{DB: s.db}
	orderID := uuid.NewString()
	now := time.Now().UTC()
	p := payment.Payment{
		ID: uuid.NewString(), OrderID: orderID, UserID: 1,
		Amount: decimal.RequireFromString("99.90"), Method: "CREDIT_CARD",
		Status: payment.StatusPending, CreatedAt: now,
	}
	s.Require().NoError(repo.Create(ctx, p))

	second := p
	second.ID = uuid.NewString()
	s.ErrorIs(repo.Create(ctx, second), payment.ErrActiveExists)

	ok, err := repo.MarkProcessing(ctx, p.ID, now.Add(time.Minute))
	s.Require().NoError(err)
	s.True(ok)
	ok, err = repo.Fail(ctx, p.ID, "declined")
	s.Require().NoError(err)
	s.True(ok)

	s.Require().NoError(repo.Create(ctx, second), "a failed payment frees the order")
	list, err := repo.ListByOrder(ctx, orderID)
	s.Require().NoError(err)
	s.Len(list, 2)
}

func (s *StoresSuite) TestSaga_SnapshotRoundTrip() {
	ctx := context.Background()
	store := &saga.PGStore{DB: s.db}
	now := time.Now().UTC()
	inst := saga.Instance{OrderID: uuid.NewString(), UserID: 3, Step: saga.StepCreated, CreatedAt: now, UpdatedAt: now}

	created, err := store.Create(ctx, inst)
	s.Require().NoError(err)
	s.True(created)
	created, err = store.Create(ctx, inst)
	s.Require().NoError(err)
	s.False(created)

	err = store.Update(ctx, inst.OrderID, func(i *saga.Instance) (bool, error) {
		i.Step = saga.StepStockReserved
		i.Compensations = append(i.Compensations, saga.Compensation{Kind: saga.CompReleaseStock, ProductID: 9, Quantity: 2})
		i.UpdatedAt = now.Add(-time.Hour)
		return true, nil
	})
	s.Require().NoError(err)

	got, err := store.Get(ctx, inst.OrderID)
	s.Require().NoError(err)
	s.Equal(saga.StepStockReserved, got.Step)
	s.Require().Len(got.Compensations, 1)
	s.Equal(int32(2), got.Compensations[0].Quantity)

	stale, err := store.Stale(ctx, now.Add(-time.Minute), 10)
	s.Require().NoError(err)
	s.Contains(stale, inst.OrderID)
}
