// Package shutdown ties a service's lifetime to SIGINT/SIGTERM.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// WithSignals returns a context cancelled on the first SIGINT or SIGTERM.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// Closer is one step of an ordered shutdown.
type Closer struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Run executes steps in order under a shared deadline and logs failures.
// Every step runs even when an earlier one fails.
func Run(log zerolog.Logger, timeout time.Duration, steps ...Closer) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, s := range steps {
		if err := s.Fn(ctx); err != nil {
			log.Error().Err(err).Str("step", s.Name).Msg("shutdown")
			continue
		}
		log.Debug().Str("step", s.Name).Msg("shutdown")
	}
}
