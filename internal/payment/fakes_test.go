package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/shopspring/decimal"
)

// scriptGateway returns script[i] on the i-th charge and success once the
// script runs out.
type scriptGateway struct {
	mu      sync.Mutex
	script  []error
	calls   int
	refunds int
	delay   time.Duration

	inflight, maxInflight int32
}

func (g *scriptGateway) Charge(ctx context.Context, c Charge) (string, error) {
	n := atomic.AddInt32(&g.inflight, 1)
	defer atomic.AddInt32(&g.inflight, -1)
	for {
		m := atomic.LoadInt32(&g.maxInflight)
		if n <= m || atomic.CompareAndSwapInt32(&g.maxInflight, m, n) {
			break
		}
	}

	g.mu.Lock()
	i := g.calls
	g.calls++
	var err error
	if i < len(g.script) {
		err = g.script[i]
	}
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(g.delay):
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PAYMENT_SUCCESS_%s_%d", c.OrderID, i), nil
}

func (g *scriptGateway) Refund(context.Context, string, decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	return nil
}

func (g *scriptGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type memRepo struct {
	mu sync.Mutex
	ps map[string]Payment
}

func newMemRepo() *memRepo { return &memRepo{ps: map[string]Payment{}} }

func (r *memRepo) Create(_ context.Context, p Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.ps {
		if q.OrderID == p.OrderID && isActive(q.Status) {
			return ErrActiveExists
		}
	}
	r.ps[p.ID] = p
	return nil
}

func isActive(s Status) bool {
	return s == StatusPending || s == StatusProcessing || s == StatusCompleted
}

func (r *memRepo) Get(_ context.Context, id string) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ps[id]
	if !ok {
		return Payment{}, apperr.ErrNotFound
	}
	return p, nil
}

func (r *memRepo) ListByOrder(_ context.Context, orderID string) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.ps {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) Active(_ context.Context, orderID string) (Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.ps {
		if p.OrderID == orderID && isActive(p.Status) {
			return p, true, nil
		}
	}
	return Payment{}, false, nil
}

func (r *memRepo) update(id string, from Status, fn func(*Payment)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ps[id]
	if !ok || p.Status != from {
		return false, nil
	}
	fn(&p)
	r.ps[id] = p
	return true, nil
}

func (r *memRepo) MarkProcessing(_ context.Context, id string, lease time.Time) (bool, error) {
	return r.update(id, StatusPending, func(p *Payment) {
		p.Status = StatusProcessing
		p.NextAttemptAt = &lease
	})
}

func (r *memRepo) Complete(_ context.Context, id, tx string) (bool, error) {
	return r.update(id, StatusProcessing, func(p *Payment) {
		p.Status = StatusCompleted
		p.TransactionID = tx
		p.NextAttemptAt = nil
		p.Attempts++
	})
}

func (r *memRepo) Fail(_ context.Context, id, reason string) (bool, error) {
	return r.update(id, StatusProcessing, func(p *Payment) {
		p.Status = StatusFailed
		p.FailureReason = reason
		p.NextAttemptAt = nil
		p.Attempts++
	})
}

func (r *memRepo) Defer(_ context.Context, id, reason string, next time.Time) (bool, error) {
	return r.update(id, StatusProcessing, func(p *Payment) {
		p.FailureReason = reason
		p.NextAttemptAt = &next
		p.Attempts++
	})
}

func (r *memRepo) Refund(_ context.Context, id, reason string) (bool, error) {
	return r.update(id, StatusCompleted, func(p *Payment) {
		p.Status = StatusRefunded
		p.FailureReason = reason
	})
}

func (r *memRepo) Due(_ context.Context, now time.Time, limit int) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.ps {
		if p.Status == StatusProcessing && p.NextAttemptAt != nil && !p.NextAttemptAt.After(now) {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) Claim(_ context.Context, due Payment, lease time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ps[due.ID]
	if !ok || p.Status != StatusProcessing || p.Attempts != due.Attempts ||
		p.NextAttemptAt == nil || due.NextAttemptAt == nil || !p.NextAttemptAt.Equal(*due.NextAttemptAt) {
		return false, nil
	}
	p.NextAttemptAt = &lease
	r.ps[due.ID] = p
	return true, nil
}
