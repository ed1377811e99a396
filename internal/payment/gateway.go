package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Charge struct {
	OrderID string
	UserID  int64
	Amount  decimal.Decimal
	Method  string
}

// Gateway is the external payment provider. Charge returns the provider's
// transaction id. Deterministic rejections wrap apperr.ErrDeclined;
// transient ones wrap apperr.ErrGatewayUnavailable or apperr.ErrGatewayTimeout.
type Gateway interface {
	Charge(ctx context.Context, c Charge) (string, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) error
}

// SimulatedGateway stands in for a real provider: it fails a fraction of
// calls transiently and declines charges above Limit.
type SimulatedGateway struct {
	FailureRate float64
	Latency     time.Duration
	Limit       decimal.Decimal
}

func NewSimulatedGateway(failureRate float64) *SimulatedGateway {
	return &SimulatedGateway{
		FailureRate: failureRate,
		Latency:     100 * time.Millisecond,
		Limit:       decimal.NewFromInt(100_000),
	}
}

func (g *SimulatedGateway) wait(ctx context.Context) error {
	if g.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(g.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *SimulatedGateway) Charge(ctx context.Context, c Charge) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	if !g.Limit.IsZero() && c.Amount.GreaterThan(g.Limit) {
		return "", fmt.Errorf("amount %s over limit: %w", c.Amount, apperr.ErrDeclined)
	}
	if rand.Float64() < g.FailureRate {
		return "", fmt.Errorf("gateway error for order %s: %w", c.OrderID, apperr.ErrGatewayUnavailable)
	}
	return "PAYMENT_SUCCESS_" + uuid.NewString(), nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, transactionID string, _ decimal.Decimal) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	if rand.Float64() < g.FailureRate {
		return fmt.Errorf("refund %s: %w", transactionID, apperr.ErrGatewayUnavailable)
	}
	return nil
}
