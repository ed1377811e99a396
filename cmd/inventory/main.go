package main

import (
	"os"

	"github.com/ariefcatur/go-order-saga/internal/app"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	a, err := app.New("inventory")
	if err != nil {
		zlog.Fatal().Err(err).Msg("inventory: startup")
	}
	cfg, log := a.Cfg, a.Log

	locks := inventory.RedisLocker{L: redisx.NewLocker(a.Redis, cfg.LockLease, cfg.LockWait)}
	engine := inventory.NewEngine(&inventory.PGStore{DB: a.DB}, locks, cfg.ReservationTTL, log)
	h := inventory.NewHandler(engine, a.Events, redisx.NewDedup(a.Redis, cfg.ServiceName), log)

	a.Consume([]string{events.TopicEvents, events.TopicCommands}, kafkax.ByTopic(map[string]kafkax.Handler{
		events.TopicEvents:   h.HandleEvent,
		events.TopicCommands: h.HandleCommand,
	}))
	a.Sweep("expired-reservations", engine.SweepExpired)

	if err := a.Wait(); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}
