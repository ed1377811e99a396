package main

import (
	"context"
	"os"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/app"
	"github.com/ariefcatur/go-order-saga/internal/events"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	a, err := app.New("payment")
	if err != nil {
		zlog.Fatal().Err(err).Msg("payment: startup")
	}
	cfg, log := a.Cfg, a.Log

	adapter := payment.NewAdapter(payment.NewSimulatedGateway(cfg.GatewayFailureRate), payment.AdapterConfig{
		Timeout:         cfg.GatewayTimeout,
		Retries:         cfg.GatewayRetries,
		MaxConcurrent:   cfg.GatewayMaxConcurrent,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, log)
	svc := payment.NewService(&payment.PGRepo{DB: a.DB}, adapter, a.Events, payment.ServiceConfig{
		DeferMax: cfg.PaymentDeferMax,
		Lease:    4 * cfg.GatewayTimeout * time.Duration(cfg.GatewayRetries+1),
	}, log)

	a.Consume([]string{events.TopicEvents, events.TopicCommands}, kafkax.ByTopic(map[string]kafkax.Handler{
		events.TopicEvents:   svc.HandleEvent,
		events.TopicCommands: svc.HandleCommand,
	}))
	a.Sweep("deferred-payments", svc.SweepDeferred)
	a.OnShutdown("in-flight payments", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() { svc.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := a.Wait(); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}
