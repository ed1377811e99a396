package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrActiveExists is returned by Create when the order already has a
// pending, processing or completed payment.
var ErrActiveExists = errors.New("active payment exists for order")

// Repo transitions are conditional on the current status; a false result
// means another writer already moved the payment on.
type Repo interface {
	Create(ctx context.Context, p Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	Active(ctx context.Context, orderID string) (Payment, bool, error)

	MarkProcessing(ctx context.Context, id string, lease time.Time) (bool, error)
	Complete(ctx context.Context, id, transactionID string) (bool, error)
	Fail(ctx context.Context, id, reason string) (bool, error)
	Defer(ctx context.Context, id, reason string, next time.Time) (bool, error)
	Refund(ctx context.Context, id, reason string) (bool, error)

	// Due lists PROCESSING payments whose NextAttemptAt has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]Payment, error)
	// Claim takes a due payment for one more attempt. It is keyed on the
	// attempt count and due time read by Due, so two sweepers cannot both win.
	Claim(ctx context.Context, p Payment, lease time.Time) (bool, error)
}

type PGRepo struct{ DB *pgxpool.Pool }

const paymentCols = `id, order_id, user_id, amount, method, status, COALESCE(transaction_id, ''),
	COALESCE(failure_reason, ''), attempts, next_attempt_at, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Method, &p.Status, &p.TransactionID,
		&p.FailureReason, &p.Attempts, &p.NextAttemptAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *PGRepo) Create(ctx context.Context, p Payment) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO payments(id, order_id, user_id, amount, method, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Method, string(p.Status), p.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("order %s: %w", p.OrderID, ErrActiveExists)
	}
	return err
}

func (r *PGRepo) Get(ctx context.Context, id string) (Payment, error) {
	p, err := scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("payment %s: %w", id, apperr.ErrNotFound)
	}
	return p, err
}

func (r *PGRepo) ListByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRepo) Active(ctx context.Context, orderID string) (Payment, bool, error) {
	p, err := scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments
		WHERE order_id = $1 AND status IN ('PENDING', 'PROCESSING', 'COMPLETED')`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return p, true, nil
}

func (r *PGRepo) exec(ctx context.Context, sql string, args ...any) (bool, error) {
	ct, err := r.DB.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *PGRepo) MarkProcessing(ctx context.Context, id string, lease time.Time) (bool, error) {
	return r.exec(ctx, `UPDATE payments SET status = 'PROCESSING', next_attempt_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id, lease)
}

func (r *PGRepo) Complete(ctx context.Context, id, transactionID string) (bool, error) {
	return r.exec(ctx, `UPDATE payments SET status = 'COMPLETED', transaction_id = $2, next_attempt_at = NULL,
		attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'`, id, transactionID)
}

func (r *PGRepo) Fail(ctx context.Context, id, reason string) (bool, error) {
	return r.exec(ctx, `UPDATE payments SET status = 'FAILED', failure_reason = $2, next_attempt_at = NULL,
		attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'`, id, reason)
}

func (r *PGRepo) Defer(ctx context.Context, id, reason string, next time.Time) (bool, error) {
	return r.exec(ctx, `UPDATE payments SET failure_reason = $2, next_attempt_at = $3,
		attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'`, id, reason, next)
}

func (r *PGRepo) Refund(ctx context.Context, id, reason string) (bool, error) {
	return r.exec(ctx, `UPDATE payments SET status = 'REFUNDED', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'COMPLETED'`, id, reason)
}

func (r *PGRepo) Due(ctx context.Context, now time.Time, limit int) ([]Payment, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+paymentCols+` FROM payments
		WHERE status = 'PROCESSING' AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRepo) Claim(ctx context.Context, p Payment, lease time.Time) (bool, error) {
	return r.exec(ctx, `UPDATE payments SET next_attempt_at = $4, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING' AND attempts = $2 AND next_attempt_at = $3`,
		p.ID, p.Attempts, p.NextAttemptAt, lease)
}
