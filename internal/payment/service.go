// Package payment charges orders through an unreliable gateway and reports
// the outcome as PaymentCompleted or PaymentFailed exactly once per attempt.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

type Emitter interface {
	Emit(ctx context.Context, eventType, orderID string, payload any) error
}

type ServiceConfig struct {
	// DeferMax is how many Pending results a payment may collect before it
	// is failed with a retry hint.
	DeferMax int
	// Lease bounds one in-flight attempt; a payment still PROCESSING after
	// it is picked up again by the sweep.
	Lease time.Duration
	// DeferBase is the first sweep delay after a Pending result, doubled per
	// attempt up to DeferCap.
	DeferBase time.Duration
	DeferCap  time.Duration
}

type Service struct {
	repo    Repo
	adapter *Adapter
	emit    Emitter
	cfg     ServiceConfig
	log     zerolog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

func NewService(repo Repo, adapter *Adapter, emit Emitter, cfg ServiceConfig, log zerolog.Logger) *Service {
	if cfg.DeferMax <= 0 {
		cfg.DeferMax = 5
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.DeferBase <= 0 {
		cfg.DeferBase = 5 * time.Second
	}
	if cfg.DeferCap <= 0 {
		cfg.DeferCap = 5 * time.Minute
	}
	return &Service{repo: repo, adapter: adapter, emit: emit, cfg: cfg, log: log, now: time.Now}
}

// Wait blocks until every in-flight gateway resolution has been applied.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) Get(ctx context.Context, id string) (Payment, error) { return s.repo.Get(ctx, id) }

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// HandleEvent consumes saga.events and charges an order once its last line
// item is reserved.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	if events.Type(m) != events.EventStockReserved {
		return nil
	}
	_, sr, err := events.Decode[events.StockReserved](m.Value)
	if err != nil {
		return err
	}
	if !sr.Final() {
		return nil
	}
	_, err = s.Start(ctx, sr)
	return err
}

// Start records a payment, moves it to PROCESSING and resolves the gateway
// call in the background. A redelivered StockReserved finds the active
// payment and starts nothing.
func (s *Service) Start(ctx context.Context, sr events.StockReserved) (Payment, error) {
	log := s.log.With().Str("order_id", sr.OrderID).Logger()

	if p, ok, err := s.repo.Active(ctx, sr.OrderID); err != nil {
		return Payment{}, err
	} else if ok {
		log.Debug().Str("payment_id", p.ID).Str("status", string(p.Status)).Msg("payment already started")
		return p, nil
	}

	now := s.now().UTC()
	p := Payment{
		ID:        uuid.NewString(),
		OrderID:   sr.OrderID,
		UserID:    sr.UserID,
		Amount:    sr.TotalAmount,
		Method:    sr.PaymentMethod,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrActiveExists) {
			return p, nil
		}
		return Payment{}, err
	}

	lease := now.Add(s.cfg.Lease)
	if ok, err := s.repo.MarkProcessing(ctx, p.ID, lease); err != nil {
		return Payment{}, err
	} else if !ok {
		return Payment{}, apperr.Transition("payment", string(StatusPending), string(StatusProcessing))
	}
	p.Status = StatusProcessing
	p.NextAttemptAt = &lease
	log.Info().Str("payment_id", p.ID).Str("amount", p.Amount.String()).Msg("payment processing")

	bg := context.WithoutCancel(ctx)
	res := s.adapter.ExecuteAsync(bg, p.Charge())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.resolve(bg, p, <-res); err != nil {
			log.Error().Err(err).Str("payment_id", p.ID).Msg("resolve payment")
		}
	}()
	return p, nil
}

// resolve applies one gateway result. Every transition is conditional on
// PROCESSING, so only the writer that moved the row emits the event.
func (s *Service) resolve(ctx context.Context, p Payment, res Result) error {
	log := s.log.With().Str("order_id", p.OrderID).Str("payment_id", p.ID).Logger()

	switch res.Status {
	case Completed:
		ok, err := s.repo.Complete(ctx, p.ID, res.TransactionID)
		if err != nil || !ok {
			return err
		}
		log.Info().Str("transaction_id", res.TransactionID).Msg("payment completed")
		return s.emitRetry(ctx, events.EventPaymentCompleted, p.OrderID, events.PaymentCompleted{
			PaymentID:     p.ID,
			OrderID:       p.OrderID,
			UserID:        p.UserID,
			Amount:        p.Amount,
			PaymentMethod: p.Method,
			TransactionID: res.TransactionID,
			Timestamp:     s.now().UTC(),
		})

	case Failed:
		return s.fail(ctx, p, res.Reason, false)

	default:
		if p.Attempts+1 >= s.cfg.DeferMax {
			return s.fail(ctx, p, "payment could not be processed: "+res.Reason, true)
		}
		next := s.now().Add(s.deferDelay(p.Attempts))
		ok, err := s.repo.Defer(ctx, p.ID, res.Reason, next)
		if err != nil {
			return err
		}
		if ok {
			log.Warn().Int("attempt", p.Attempts+1).Time("next_attempt_at", next).Str("ref", res.TransactionID).
				Msg("payment pending")
		}
		return nil
	}
}

func (s *Service) fail(ctx context.Context, p Payment, reason string, retryable bool) error {
	ok, err := s.repo.Fail(ctx, p.ID, reason)
	if err != nil || !ok {
		return err
	}
	s.log.Info().Str("order_id", p.OrderID).Str("payment_id", p.ID).Str("reason", reason).Msg("payment failed")
	return s.emitRetry(ctx, events.EventPaymentFailed, p.OrderID, events.PaymentFailed{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		UserID:        p.UserID,
		Amount:        p.Amount,
		PaymentMethod: p.Method,
		FailureReason: reason,
		Retryable:     retryable,
		Timestamp:     s.now().UTC(),
	})
}

func (s *Service) deferDelay(attempts int) time.Duration {
	d := s.cfg.DeferBase
	for i := 0; i < attempts && d < s.cfg.DeferCap; i++ {
		d *= 2
	}
	return min(d, s.cfg.DeferCap)
}

// emitRetry publishes after the row has already moved; the event is the
// only record of the outcome for the orchestrator, so publish is retried.
func (s *Service) emitRetry(ctx context.Context, eventType, orderID string, payload any) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error { return s.emit.Emit(ctx, eventType, orderID, payload) }, bo)
}

// SweepDeferred retries payments left Pending and attempts whose lease ran
// out, returning how many it resolved.
func (s *Service) SweepDeferred(ctx context.Context) (int, error) {
	due, err := s.repo.Due(ctx, s.now(), 50)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range due {
		ok, err := s.repo.Claim(ctx, p, s.now().Add(s.cfg.Lease))
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := s.resolve(ctx, p, s.adapter.Execute(ctx, p.Charge())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// HandleCommand consumes saga.commands; RefundPayment is the only one for
// payments. Refunding twice is a no-op.
func (s *Service) HandleCommand(ctx context.Context, m kafkago.Message) error {
	if events.Type(m) != events.CmdRefundPayment {
		return nil
	}
	_, cmd, err := events.Decode[events.Command](m.Value)
	if err != nil {
		return err
	}
	return s.Refund(ctx, cmd.PaymentID, cmd.Reason)
}

func (s *Service) Refund(ctx context.Context, paymentID, reason string) error {
	p, err := s.repo.Get(ctx, paymentID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.log.Error().Str("payment_id", paymentID).Msg("refund for unknown payment")
		return nil
	}
	if err != nil {
		return err
	}
	log := s.log.With().Str("order_id", p.OrderID).Str("payment_id", p.ID).Logger()

	switch p.Status {
	case StatusRefunded:
		return nil
	case StatusCompleted:
	default:
		log.Warn().Str("status", string(p.Status)).Msg("refund skipped, payment not completed")
		return nil
	}

	if err := s.adapter.Refund(ctx, p.TransactionID, p.Amount); err != nil {
		return fmt.Errorf("refund %s: %w", p.ID, err)
	}
	ok, err := s.repo.Refund(ctx, p.ID, reason)
	if err != nil {
		return err
	}
	if ok {
		log.Info().Str("reason", reason).Msg("payment refunded")
	}
	return nil
}
