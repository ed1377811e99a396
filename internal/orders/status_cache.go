package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

// StatusView is what a polling client needs: where the order is and, after
// a payment-caused cancellation, whether placing it again may succeed.
type StatusView struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	RetryHint bool      `json:"retryHint"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type cachedStatus struct {
	StatusView
	UserID int64 `json:"userId"`
}

func (s *Service) cacheStatus(ctx context.Context, o Order) {
	v := cachedStatus{
		StatusView: StatusView{
			OrderID:   o.ID,
			Status:    o.Status,
			Reason:    o.CancelReason,
			RetryHint: o.RetryHint,
			UpdatedAt: o.UpdatedAt,
		},
		UserID: o.UserID,
	}
	if err := redisx.SetJSON(ctx, s.rdb, fmt.Sprintf(redisx.KeyOrderStatus, o.ID), v, redisx.TTLStatusCache); err != nil {
		s.log.Warn().Err(err).Str("order_id", o.ID).Msg("status cache write")
	}
}

// Status serves from the status cache and falls back to the database.
func (s *Service) Status(ctx context.Context, id string, userID int64) (StatusView, error) {
	var c cachedStatus
	hit, err := redisx.GetJSON(ctx, s.rdb, fmt.Sprintf(redisx.KeyOrderStatus, id), &c)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", id).Msg("status cache read")
	}
	if hit && c.UserID == userID {
		return c.StatusView, nil
	}

	o, err := s.Get(ctx, id, userID)
	if err != nil {
		return StatusView{}, err
	}
	s.cacheStatus(ctx, o)
	return StatusView{
		OrderID:   o.ID,
		Status:    o.Status,
		Reason:    o.CancelReason,
		RetryHint: o.RetryHint,
		UpdatedAt: o.UpdatedAt,
	}, nil
}
