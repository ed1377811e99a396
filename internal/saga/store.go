package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists saga instances. Update runs fn against the current
// snapshot with the row locked and writes it back only when fn reports a
// change; an absent instance is apperr.ErrNotFound.
type Store interface {
	Create(ctx context.Context, inst Instance) (bool, error)
	Get(ctx context.Context, orderID string) (Instance, error)
	Update(ctx context.Context, orderID string, fn func(*Instance) (bool, error)) error
	// Stale lists active instances not touched since before.
	Stale(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type PGStore struct{ DB *pgxpool.Pool }

func (s *PGStore) Create(ctx context.Context, inst Instance) (bool, error) {
	state, err := json.Marshal(inst)
	if err != nil {
		return false, err
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO sagas(order_id, state, completed, compensated, created_at, updated_at)
		VALUES ($1, $2, false, false, $3, $3)
		ON CONFLICT (order_id) DO NOTHING`, inst.OrderID, state, inst.CreatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PGStore) Get(ctx context.Context, orderID string) (Instance, error) {
	var state []byte
	err := s.DB.QueryRow(ctx, `SELECT state FROM sagas WHERE order_id = $1`, orderID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, fmt.Errorf("saga %s: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return Instance{}, err
	}
	var inst Instance
	if err := json.Unmarshal(state, &inst); err != nil {
		return Instance{}, fmt.Errorf("saga %s snapshot: %w", orderID, err)
	}
	return inst, nil
}

func (s *PGStore) Update(ctx context.Context, orderID string, fn func(*Instance) (bool, error)) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var state []byte
	err = tx.QueryRow(ctx, `SELECT state FROM sagas WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("saga %s: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	var inst Instance
	if err := json.Unmarshal(state, &inst); err != nil {
		return fmt.Errorf("saga %s snapshot: %w", orderID, err)
	}

	changed, err := fn(&inst)
	if err != nil || !changed {
		return err
	}
	if state, err = json.Marshal(inst); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE sagas SET state = $2, completed = $3, compensated = $4, updated_at = $5
		WHERE order_id = $1`, orderID, state, inst.Completed, inst.Compensated, inst.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Stale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT order_id FROM sagas
		WHERE NOT completed AND NOT compensated AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, before, limit)
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
