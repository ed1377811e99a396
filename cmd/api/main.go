package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/app"
	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	a, err := app.New("orders")
	if err != nil {
		zlog.Fatal().Err(err).Msg("orders: startup")
	}
	cfg, log := a.Cfg, a.Log

	cat := catalog.NewCached(&catalog.PGSource{DB: a.DB}, a.Redis, log)
	svc := orders.NewService(&orders.PGRepo{DB: a.DB}, cat, a.Events, a.Redis, cfg.OrderTTL, log)

	// CancelOrder / ConfirmOrder from the orchestrator
	a.Consume([]string{events.TopicCommands}, svc.HandleCommand)
	a.Sweep("expired-orders", svc.SweepExpired)

	locks := inventory.RedisLocker{L: redisx.NewLocker(a.Redis, cfg.LockLease, cfg.LockWait)}
	router := httpx.NewRouter(log)
	(&httpx.Handler{
		Orders:   svc,
		Payments: &payment.PGRepo{DB: a.DB},
		Stock:    inventory.NewEngine(&inventory.PGStore{DB: a.DB}, locks, cfg.ReservationTTL, log),
		Log:      log,
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	a.Go("http", func(ctx context.Context) error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			return nil
		}
	})
	a.OnShutdown("http", func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := a.Wait(); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}
