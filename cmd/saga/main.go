package main

import (
	"os"

	"github.com/ariefcatur/go-order-saga/internal/app"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/saga"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	a, err := app.New("saga")
	if err != nil {
		zlog.Fatal().Err(err).Msg("saga: startup")
	}
	cfg, log := a.Cfg, a.Log

	orch := saga.New(&saga.PGStore{DB: a.DB}, saga.NewDispatcher(a.Commands, log), cfg.SagaTimeout, log)

	a.Consume([]string{events.TopicEvents}, orch.HandleEvent)
	a.Sweep("stale-sagas", orch.SweepStale)

	if err := a.Wait(); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}
