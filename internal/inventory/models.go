package inventory

import "time"

type Product struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Stock         int32      `json:"stock"`
	ReservedStock int32      `json:"reservedStock"`
	Active        bool       `json:"active"`
	FlashSale     bool       `json:"flashSale"`
	SaleStart     *time.Time `json:"saleStart,omitempty"`
	SaleEnd       *time.Time `json:"saleEnd,omitempty"`
}

func (p Product) Available() int32 { return p.Stock - p.ReservedStock }

// SaleOpen reports whether a flash-sale product can be sold at now. An open
// bound is treated as unbounded on that side.
func (p Product) SaleOpen(now time.Time) bool {
	if !p.FlashSale {
		return true
	}
	if p.SaleStart != nil && now.Before(*p.SaleStart) {
		return false
	}
	if p.SaleEnd != nil && !now.Before(*p.SaleEnd) {
		return false
	}
	return true
}

type Status string

const (
	StatusReserved  Status = "RESERVED"
	StatusConfirmed Status = "CONFIRMED"
	StatusReleased  Status = "RELEASED"
	StatusExpired   Status = "EXPIRED"
)

// Reservation is keyed by (OrderID, ProductID). Only a RESERVED record holds
// units in ReservedStock.
type Reservation struct {
	OrderID     string    `json:"orderId"`
	ProductID   int64     `json:"productId"`
	ProductName string    `json:"productName"`
	Quantity    int32     `json:"quantity"`
	Status      Status    `json:"status"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}
