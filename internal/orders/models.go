package orders

import (
	"time"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID              string          `json:"orderId"`
	IdempotencyKey  string          `json:"-"`
	UserID          int64           `json:"userId"`
	ShippingAddress string          `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	Items           []Item          `json:"items"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          Status          `json:"status"`
	FlashSale       bool            `json:"flashSaleOrder"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	RetryHint       bool            `json:"retryHint"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Item is immutable once the order is persisted.
type Item struct {
	ProductID     int64           `json:"productId"`
	ProductName   string          `json:"productName"`
	Quantity      int32           `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	FlashSaleItem bool            `json:"flashSaleItem"`
}

type ItemInput struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

type CreateInput struct {
	UserID          int64       `json:"-"`
	IdempotencyKey  string      `json:"-"`
	ShippingAddress string      `json:"shippingAddress"`
	PaymentMethod   string      `json:"paymentMethod"`
	Items           []ItemInput `json:"items"`
}

func (o Order) eventItems() []events.OrderItem {
	out := make([]events.OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, events.OrderItem{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			ProductName:   it.ProductName,
			UnitPrice:     it.UnitPrice,
			FlashSaleItem: it.FlashSaleItem,
		})
	}
	return out
}
