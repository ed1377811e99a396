// Package catalog resolves product ids to the name and price an order line
// is built from.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Active    bool            `json:"active"`
	FlashSale bool            `json:"flashSale"`
}

type Lookup interface {
	Product(ctx context.Context, id int64) (Product, error)
}

type PGSource struct{ DB *pgxpool.Pool }

func (s *PGSource) Product(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := s.DB.QueryRow(ctx, `SELECT id, name, price, active, flash_sale FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.FlashSale)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", id, apperr.ErrNotFound)
	}
	return p, err
}

// Cached is a read-through Redis cache in front of a Lookup. Redis errors
// fall through to the source.
type Cached struct {
	src Lookup
	rdb redis.Cmdable
	ttl time.Duration
	log zerolog.Logger
}

func NewCached(src Lookup, rdb redis.Cmdable, log zerolog.Logger) *Cached {
	return &Cached{src: src, rdb: rdb, ttl: redisx.TTLCatalog, log: log}
}

func (c *Cached) Product(ctx context.Context, id int64) (Product, error) {
	key := fmt.Sprintf(redisx.KeyCatalogProduct, id)

	var p Product
	hit, err := redisx.GetJSON(ctx, c.rdb, key, &p)
	if err != nil {
		c.log.Warn().Err(err).Int64("product_id", id).Msg("catalog cache read")
	}
	if hit {
		return p, nil
	}

	p, err = c.src.Product(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if err := redisx.SetJSON(ctx, c.rdb, key, p, c.ttl); err != nil {
		c.log.Warn().Err(err).Int64("product_id", id).Msg("catalog cache write")
	}
	return p, nil
}

// Invalidate drops a cached product after its price or status changed.
func (c *Cached) Invalidate(ctx context.Context, id int64) error {
	return c.rdb.Del(ctx, fmt.Sprintf(redisx.KeyCatalogProduct, id)).Err()
}
