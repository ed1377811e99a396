package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo interface {
	// Create inserts o with its items. When o.IdempotencyKey is already
	// taken the existing order is returned with created=false.
	Create(ctx context.Context, o Order) (existing Order, created bool, err error)
	Get(ctx context.Context, id string) (Order, error)
	// Update applies fn with the order row locked and persists status,
	// reason and retry hint when fn reports a change.
	Update(ctx context.Context, id string, fn func(*Order) (bool, error)) (Order, error)
	// Overdue lists PENDING orders whose expiry has passed.
	Overdue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type PGRepo struct{ DB *pgxpool.Pool }

func (r *PGRepo) Create(ctx context.Context, o Order) (Order, bool, error) {
	if o.IdempotencyKey != "" {
		var id string
		err := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE idempotency_key = $1`, o.IdempotencyKey).Scan(&id)
		if err == nil {
			existing, err := r.Get(ctx, id)
			return existing, false, err
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return Order{}, false, err
		}
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var idem *string
	if o.IdempotencyKey != "" {
		idem = &o.IdempotencyKey
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO orders(id, idempotency_key, user_id, shipping_address, payment_method, total_amount,
			status, flash_sale, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		o.ID, idem, o.UserID, o.ShippingAddress, o.PaymentMethod, o.TotalAmount,
		string(o.Status), o.FlashSale, o.ExpiresAt, o.CreatedAt)
	if err != nil {
		return Order{}, false, err
	}
	if ct.RowsAffected() == 0 {
		// lost the race for the idempotency key
		_ = tx.Rollback(ctx)
		var id string
		if err := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE idempotency_key = $1`, o.IdempotencyKey).Scan(&id); err != nil {
			return Order{}, false, err
		}
		existing, err := r.Get(ctx, id)
		return existing, false, err
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, product_name, quantity, unit_price, flash_sale_item)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			o.ID, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice, it.FlashSaleItem); err != nil {
			return Order{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func load(ctx context.Context, q querier, id string, lock bool) (Order, error) {
	sql := `SELECT id, COALESCE(idempotency_key, ''), user_id, shipping_address, payment_method, total_amount,
		status, flash_sale, expires_at, COALESCE(cancel_reason, ''), retry_hint, created_at, updated_at
		FROM orders WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var o Order
	err := q.QueryRow(ctx, sql, id).Scan(&o.ID, &o.IdempotencyKey, &o.UserID, &o.ShippingAddress, &o.PaymentMethod,
		&o.TotalAmount, &o.Status, &o.FlashSale, &o.ExpiresAt, &o.CancelReason, &o.RetryHint, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return Order{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT product_id, product_name, quantity, unit_price, flash_sale_item
		FROM order_items WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice, &it.FlashSaleItem); err != nil {
			return Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (r *PGRepo) Get(ctx context.Context, id string) (Order, error) {
	return load(ctx, r.DB, id, false)
}

func (r *PGRepo) Update(ctx context.Context, id string, fn func(*Order) (bool, error)) (Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := load(ctx, tx, id, true)
	if err != nil {
		return Order{}, err
	}
	changed, err := fn(&o)
	if err != nil || !changed {
		return o, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, cancel_reason = NULLIF($3, ''), retry_hint = $4, updated_at = $5
		WHERE id = $1`, id, string(o.Status), o.CancelReason, o.RetryHint, o.UpdatedAt); err != nil {
		return Order{}, err
	}
	return o, tx.Commit(ctx)
}

func (r *PGRepo) Overdue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
