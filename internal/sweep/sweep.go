// Package sweep runs periodic recovery jobs: expired reservations, deferred
// payments, stale sagas and overdue orders.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Func func(ctx context.Context) (int, error)

// Run calls fn every interval until ctx is done. Errors are logged and the
// next tick tries again.
func Run(ctx context.Context, log zerolog.Logger, name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log = log.With().Str("sweep", name).Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		n, err := fn(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error().Err(err).Int("processed", n).Msg("sweep failed")
		case n > 0:
			log.Info().Int("processed", n).Msg("sweep")
		}
	}
}
