package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct{ DB *pgxpool.Pool }

func (s *PGStore) Product(ctx context.Context, productID int64) (Product, error) {
	var p Product
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, stock, reserved_stock, active, flash_sale, sale_start, sale_end
		FROM products WHERE id = $1`, productID).
		Scan(&p.ID, &p.Name, &p.Stock, &p.ReservedStock, &p.Active, &p.FlashSale, &p.SaleStart, &p.SaleEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", productID, apperr.ErrNotFound)
	}
	return p, err
}

func (s *PGStore) Reservation(ctx context.Context, orderID string, productID int64) (Reservation, bool, error) {
	var r Reservation
	err := s.DB.QueryRow(ctx, `
		SELECT r.order_id, r.product_id, p.name, r.quantity, r.status, r.expires_at, r.created_at
		FROM reservations r JOIN products p ON p.id = r.product_id
		WHERE r.order_id = $1 AND r.product_id = $2`, orderID, productID).
		Scan(&r.OrderID, &r.ProductID, &r.ProductName, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, err
	}
	return r, true, nil
}

// Reserve: record the reservation then bump reserved_stock with the
// availability guard in the WHERE clause. Either both land or neither.
func (s *PGStore) Reserve(ctx context.Context, r Reservation) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'RESERVED', $4, $5, $5)
		ON CONFLICT (order_id, product_id) DO NOTHING`,
		r.OrderID, r.ProductID, r.Quantity, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("order %s product %d: %w", r.OrderID, r.ProductID, ErrReservationClosed)
	}

	ct, err = tx.Exec(ctx, `
		UPDATE products SET reserved_stock = reserved_stock + $2, updated_at = now()
		WHERE id = $1 AND active AND stock - reserved_stock >= $2`, r.ProductID, r.Quantity)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("product %d: %w", r.ProductID, apperr.ErrInsufficientStock)
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Confirm(ctx context.Context, orderID string, productID int64, qty int32) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE reservations SET status = 'CONFIRMED', updated_at = now()
		WHERE order_id = $1 AND product_id = $2 AND quantity = $3 AND status = 'RESERVED'`,
		orderID, productID, qty)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() != 1 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE products SET stock = stock - $2, reserved_stock = reserved_stock - $2, updated_at = now()
		WHERE id = $1`, productID, qty); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PGStore) Release(ctx context.Context, orderID string, productID int64, qty int32, to Status) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $4, updated_at = now()
		WHERE order_id = $1 AND product_id = $2 AND quantity = $3 AND status = 'RESERVED'`,
		orderID, productID, qty, string(to))
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() != 1 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE products SET reserved_stock = reserved_stock - $2, updated_at = now()
		WHERE id = $1`, productID, qty); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PGStore) Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT order_id, product_id, quantity, status, expires_at, created_at
		FROM reservations
		WHERE status = 'RESERVED' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.OrderID, &r.ProductID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
