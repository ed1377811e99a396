//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/saga"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// bus delivers every published message to each subscribed handler, one
// message at a time, the way separate consumer groups would.
type bus struct {
	mu     sync.Mutex
	queue  []kafkago.Message
	routes map[string][]kafkax.Handler
}

type topicWriter struct {
	b     *bus
	topic string
}

func (w topicWriter) Publish(_ context.Context, key, value []byte, headers ...kafkago.Header) error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	w.b.queue = append(w.b.queue, kafkago.Message{Topic: w.topic, Key: key, Value: value, Headers: headers})
	return nil
}

func (b *bus) pop() (kafkago.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return kafkago.Message{}, false
	}
	m := b.queue[0]
	b.queue = b.queue[1:]
	return m, true
}

type flow struct {
	bus    *bus
	orders *orders.Service
	pay    *payment.Service
	saga   *saga.Orchestrator
	engine *inventory.Engine
}

func (s *StoresSuite) flow() *flow {
	mr := miniredis.RunT(s.T())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.T().Cleanup(func() { _ = rdb.Close() })
	log := zerolog.Nop()

	b := &bus{routes: map[string][]kafkax.Handler{}}
	emitter := func(topic, service string) *events.Emitter {
		return events.NewEmitter(topicWriter{b: b, topic: topic}, service)
	}

	locks := inventory.RedisLocker{L: redisx.NewLocker(rdb, 5*time.Second, 5*time.Second)}
	engine := inventory.NewEngine(&inventory.PGStore{DB: s.db}, locks, 10*time.Minute, log)
	inv := inventory.NewHandler(engine, emitter(events.TopicEvents, "inventory"), redisx.NewDedup(rdb, "inventory"), log)

	ord := orders.NewService(&orders.PGRepo{DB: s.db}, &catalog.PGSource{DB: s.db},
		emitter(events.TopicEvents, "orders"), rdb, 10*time.Minute, log)

	adapter := payment.NewAdapter(&payment.SimulatedGateway{}, payment.AdapterConfig{
		Timeout: time.Second, Retries: 1, MaxConcurrent: 4,
	}, log)
	pay := payment.NewService(&payment.PGRepo{DB: s.db}, adapter, emitter(events.TopicEvents, "payment"), payment.ServiceConfig{}, log)

	orch := saga.New(&saga.PGStore{DB: s.db}, saga.NewDispatcher(emitter(events.TopicCommands, "saga"), log), time.Minute, log)

	b.routes[events.TopicEvents] = []kafkax.Handler{inv.HandleEvent, pay.HandleEvent, orch.HandleEvent}
	b.routes[events.TopicCommands] = []kafkax.Handler{inv.HandleCommand, ord.HandleCommand, pay.HandleCommand}
	return &flow{bus: b, orders: ord, pay: pay, saga: orch, engine: engine}
}

// drain delivers messages until the bus and in-flight payments are idle.
func (s *StoresSuite) drain(f *flow) {
	ctx := context.Background()
	for {
		m, ok := f.bus.pop()
		if !ok {
			f.pay.Wait()
			if m, ok = f.bus.pop(); !ok {
				return
			}
		}
		for _, h := range f.bus.routes[m.Topic] {
			s.Require().NoError(h(ctx, m), "%s %s", m.Topic, events.Type(m))
		}
	}
}

func (s *StoresSuite) TestFlow_SecondItemOutOfStockRollsBack() {
	ctx := context.Background()
	a := s.product("Product A", 5)
	b := s.product("Product B", 0)
	f := s.flow()

	o, _, err := f.orders.Create(ctx, orders.CreateInput{
		UserID:          7,
		ShippingAddress: "Jl. Gatot Subroto 3",
		PaymentMethod:   "CREDIT_CARD",
		Items:           []orders.ItemInput{{ProductID: a, Quantity: 3}, {ProductID: b, Quantity: 1}},
	})
	s.Require().NoError(err)
	s.drain(f)

	got, err := f.orders.Get(ctx, o.ID, 7)
	s.Require().NoError(err)
	s.Equal(orders.StatusCancelled, got.Status)
	s.False(got.RetryHint, "stock failures are not worth retrying")

	pa, err := f.engine.Stock(ctx, a)
	s.Require().NoError(err)
	s.Equal(int32(5), pa.Available())

	inst, err := f.saga.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.True(inst.Compensated)
	s.False(inst.Completed)

	ps, err := f.pay.ListByOrder(ctx, o.ID)
	s.Require().NoError(err)
	s.Empty(ps)
}

func (s *StoresSuite) TestFlow_HappyPathConfirms() {
	ctx := context.Background()
	a := s.product("Product C", 10)
	b := s.product("Product D", 4)
	f := s.flow()

	o, _, err := f.orders.Create(ctx, orders.CreateInput{
		UserID:          8,
		ShippingAddress: "Jl. Asia Afrika 8",
		PaymentMethod:   "DIGITAL_WALLET",
		Items:           []orders.ItemInput{{ProductID: a, Quantity: 2}, {ProductID: b, Quantity: 4}},
	})
	s.Require().NoError(err)
	s.drain(f)

	got, err := f.orders.Get(ctx, o.ID, 8)
	s.Require().NoError(err)
	s.Equal(orders.StatusConfirmed, got.Status)

	ps, err := f.pay.ListByOrder(ctx, o.ID)
	s.Require().NoError(err)
	s.Require().Len(ps, 1)
	s.Equal(payment.StatusCompleted, ps[0].Status)
	s.True(ps[0].Amount.Equal(got.TotalAmount))

	pa, err := f.engine.Stock(ctx, a)
	s.Require().NoError(err)
	s.Equal(int32(8), pa.Stock)
	s.Equal(int32(0), pa.ReservedStock)
	pb, err := f.engine.Stock(ctx, b)
	s.Require().NoError(err)
	s.Equal(int32(0), pb.Available())

	inst, err := f.saga.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.True(inst.Completed)
}
