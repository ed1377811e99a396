package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

type Outcome string

const (
	Completed Outcome = "COMPLETED"
	Failed    Outcome = "FAILED"
	// Pending: the charge could not be attempted now (open circuit or
	// exhausted retries). It is not a gateway decision.
	Pending Outcome = "PENDING"
)

type Result struct {
	Status        Outcome
	TransactionID string
	Reason        string
}

// PendingRef is the placeholder transaction id carried by a Pending result.
func PendingRef(orderID string) string { return "PAYMENT_PENDING_" + orderID }

type AdapterConfig struct {
	Timeout         time.Duration
	Retries         int
	MaxConcurrent   int64
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// RetryBackoff is the first retry delay; zero means 100ms.
	RetryBackoff time.Duration
}

// Adapter calls the gateway with bounded concurrency, a circuit breaker, a
// per-call timeout and bounded retry of transient failures.
type Adapter struct {
	gw      Gateway
	cb      *gobreaker.CircuitBreaker
	sem     *semaphore.Weighted
	timeout time.Duration
	retries uint64
	initial time.Duration
	log     zerolog.Logger
}

func NewAdapter(gw Gateway, cfg AdapterConfig, log zerolog.Logger) *Adapter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	a := &Adapter{
		gw:      gw,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout: cfg.Timeout,
		retries: uint64(cfg.Retries),
		initial: cfg.RetryBackoff,
		log:     log,
	}
	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1, // one trial call while half-open
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state change")
		},
	})
	return a
}

// State exposes the breaker state for health output and tests.
func (a *Adapter) State() string { return a.cb.State().String() }

// Execute charges c and never returns an error: every outcome is a Result.
func (a *Adapter) Execute(ctx context.Context, c Charge) Result {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return a.pending(c, err)
	}
	defer a.sem.Release(1)

	var res Result
	err := a.retry(ctx, func() error {
		out, err := a.cb.Execute(func() (any, error) { return a.charge(ctx, c) })
		if err != nil {
			return err
		}
		res = out.(Result)
		return nil
	}, c.OrderID)

	switch {
	case err == nil:
		return res
	case errors.Is(err, apperr.ErrCircuitOpen), apperr.Retryable(err), ctx.Err() != nil:
		return a.pending(c, err)
	default:
		return Result{Status: Failed, Reason: err.Error()}
	}
}

// ExecuteAsync runs Execute on its own goroutine; the channel yields exactly
// one Result.
func (a *Adapter) ExecuteAsync(ctx context.Context, c Charge) <-chan Result {
	out := make(chan Result, 1)
	go func() { out <- a.Execute(ctx, c) }()
	return out
}

// Refund reverses a completed charge with the same breaker and retry policy.
func (a *Adapter) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.sem.Release(1)

	return a.retry(ctx, func() error {
		_, err := a.cb.Execute(func() (any, error) {
			cctx, cancel := a.callCtx(ctx)
			defer cancel()
			return nil, a.classify(ctx, a.gw.Refund(cctx, transactionID, amount))
		})
		return err
	}, transactionID)
}

// charge makes one gateway call. A decline is a successful call as far as
// the breaker is concerned.
func (a *Adapter) charge(ctx context.Context, c Charge) (Result, error) {
	cctx, cancel := a.callCtx(ctx)
	defer cancel()

	txID, err := a.gw.Charge(cctx, c)
	if errors.Is(err, apperr.ErrDeclined) {
		return Result{Status: Failed, Reason: err.Error()}, nil
	}
	if err := a.classify(ctx, err); err != nil {
		return Result{}, err
	}
	return Result{Status: Completed, TransactionID: txID}, nil
}

func (a *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// classify turns a per-call deadline into ErrGatewayTimeout while leaving a
// cancelled parent context alone.
func (a *Adapter) classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("after %s: %w", a.timeout, apperr.ErrGatewayTimeout)
	}
	return err
}

func (a *Adapter) retry(ctx context.Context, op func() error, ref string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.initial
	eb.MaxInterval = 10 * a.initial
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, a.retries), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %w", apperr.ErrCircuitOpen, err))
		case apperr.Retryable(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, bo, func(err error, d time.Duration) {
		a.log.Warn().Err(err).Str("ref", ref).Dur("backoff", d).Msg("gateway call failed, retrying")
	})
}

func (a *Adapter) pending(c Charge, err error) Result {
	a.log.Warn().Err(err).Str("order_id", c.OrderID).Str("kind", apperr.Kind(err)).Msg("payment deferred")
	return Result{Status: Pending, TransactionID: PendingRef(c.OrderID), Reason: err.Error()}
}
