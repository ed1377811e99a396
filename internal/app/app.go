// Package app wires the infrastructure every saga binary shares: config,
// logger, Postgres, Redis and one producer per saga topic.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/shutdown"
	"github.com/ariefcatur/go-order-saga/internal/sweep"
	"github.com/ariefcatur/go-order-saga/internal/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type App struct {
	Cfg   config.Config
	Log   zerolog.Logger
	DB    *pgxpool.Pool
	Redis *redis.Client

	// Events publishes on saga.events, Commands on saga.commands.
	Events   *events.Emitter
	Commands *events.Emitter

	producers []*kafkax.Producer
	group     *errgroup.Group
	ctx       context.Context
	closers   []shutdown.Closer
}

// New connects everything and returns an App whose Context is cancelled on
// SIGINT/SIGTERM or when any task started with Go fails.
func New(service string) (*App, error) {
	cfg, err := config.Load(service)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogPretty)
	tracing.Setup()

	ctx, stop := shutdown.WithSignals(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	a := &App{Cfg: cfg, Log: log, group: g, ctx: gctx}
	a.closers = append(a.closers, shutdown.Closer{Name: "signals", Fn: func(context.Context) error { stop(); return nil }})

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.DB, err = postgres.Connect(initCtx, cfg.PostgresDSN, cfg.PostgresPool); err != nil {
		stop()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.Migrate {
		if err := postgres.Migrate(initCtx, a.DB); err != nil {
			a.DB.Close()
			stop()
			return nil, err
		}
	}
	if a.Redis, err = redisx.New(initCtx, cfg.RedisAddr); err != nil {
		a.DB.Close()
		stop()
		return nil, fmt.Errorf("redis: %w", err)
	}

	a.Events = events.NewEmitter(a.producer(events.TopicEvents), cfg.ServiceName)
	a.Commands = events.NewEmitter(a.producer(events.TopicCommands), cfg.ServiceName)

	log.Info().Str("brokers", cfg.KafkaBrokers).Str("group", cfg.ConsumerGroup).Msg("started")
	return a, nil
}

func (a *App) producer(topic string) *kafkax.Producer {
	p := kafkax.NewProducer(a.Cfg.Brokers(), topic, 1024, a.Log)
	p.Start()
	a.producers = append(a.producers, p)
	return p
}

// Context is done once the service is shutting down.
func (a *App) Context() context.Context { return a.ctx }

// Go runs fn as a service task. A task error stops the service.
func (a *App) Go(name string, fn func(ctx context.Context) error) {
	a.group.Go(func() error {
		if err := fn(a.ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// Consume runs a consumer on topics until shutdown.
func (a *App) Consume(topics []string, h kafkax.Handler) {
	c := kafkax.NewConsumer(a.Cfg.Brokers(), a.Cfg.ConsumerGroup, topics, a.Cfg.ConsumerWorkers, a.Log)
	a.Go("consumer", func(ctx context.Context) error { return c.Start(ctx, h) })
}

// Sweep runs fn every SWEEP_INTERVAL until shutdown.
func (a *App) Sweep(name string, fn sweep.Func) {
	a.Go("sweep "+name, func(ctx context.Context) error {
		return sweep.Run(ctx, a.Log, name, a.Cfg.SweepInterval, fn)
	})
}

// OnShutdown registers a step that runs before producers and pools close.
func (a *App) OnShutdown(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, shutdown.Closer{Name: name, Fn: fn})
}

// Wait blocks until shutdown, then tears down in order: registered steps,
// producers (flushing queued messages), Redis and Postgres.
func (a *App) Wait() error {
	err := a.group.Wait()
	a.Log.Info().Msg("shutting down")

	steps := append([]shutdown.Closer(nil), a.closers...)
	steps = append(steps,
		shutdown.Closer{Name: "producers", Fn: func(context.Context) error {
			for _, p := range a.producers {
				p.Close()
			}
			for _, p := range a.producers {
				p.WaitClosed()
			}
			return nil
		}},
		shutdown.Closer{Name: "redis", Fn: func(context.Context) error { return a.Redis.Close() }},
		shutdown.Closer{Name: "postgres", Fn: func(context.Context) error { a.DB.Close(); return nil }},
	)
	shutdown.Run(a.Log, 10*time.Second, steps...)
	return err
}
