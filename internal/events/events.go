package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Domain events on TopicEvents.
const (
	EventOrderCreated           = "OrderCreated"
	EventStockReserved          = "StockReserved"
	EventStockReservationFailed = "StockReservationFailed"
	EventPaymentCompleted       = "PaymentCompleted"
	EventPaymentFailed          = "PaymentFailed"
	EventOrderCancelled         = "OrderCancelled"
	EventOrderConfirmed         = "OrderConfirmed"
	// EventOrderExpired carries an OrderCancelled payload.
	EventOrderExpired = "OrderExpired"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type OrderItem struct {
	ProductID     int64           `json:"productId"`
	Quantity      int32           `json:"quantity"`
	ProductName   string          `json:"productName"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	FlashSaleItem bool            `json:"flashSaleItem"`
}

type OrderCreated struct {
	OrderID         string          `json:"orderId"`
	UserID          int64           `json:"userId"`
	ShippingAddress string          `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Items           []OrderItem     `json:"items"`
	FlashSaleOrder  bool            `json:"flashSaleOrder"`
	Timestamp       time.Time       `json:"timestamp"`
}

// StockReserved is emitted once per reserved line item. ItemIndex/ItemCount
// let the payment side charge exactly once, after the last item; the
// charge details ride along so payment never calls back into orders.
type StockReserved struct {
	OrderID       string          `json:"orderId"`
	ProductID     int64           `json:"productId"`
	Quantity      int32           `json:"quantity"`
	ProductName   string          `json:"productName"`
	ItemIndex     int             `json:"itemIndex"`
	ItemCount     int             `json:"itemCount"`
	UserID        int64           `json:"userId"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	PaymentMethod string          `json:"paymentMethod"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Final reports whether this is the last line item of the order.
func (s StockReserved) Final() bool { return s.ItemIndex == s.ItemCount-1 }

type StockReservationFailed struct {
	OrderID   string    `json:"orderId"`
	ProductID int64     `json:"productId"`
	Quantity  int32     `json:"quantity"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type PaymentCompleted struct {
	PaymentID     string          `json:"paymentId"`
	OrderID       string          `json:"orderId"`
	UserID        int64           `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}

type PaymentFailed struct {
	PaymentID     string          `json:"paymentId"`
	OrderID       string          `json:"orderId"`
	UserID        int64           `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	FailureReason string          `json:"failureReason"`
	Retryable     bool            `json:"retryable"` // client may place the order again
	Timestamp     time.Time       `json:"timestamp"`
}

type OrderCancelled struct {
	OrderID     string          `json:"orderId"`
	UserID      int64           `json:"userId"`
	Reason      string          `json:"reason"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Timestamp   time.Time       `json:"timestamp"`
}

type OrderConfirmed struct {
	OrderID   string    `json:"orderId"`
	UserID    int64     `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}
