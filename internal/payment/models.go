package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

// Payment is one attempt to charge an order. A retry after FAILED creates a
// new Payment; records are never reused across attempts.
type Payment struct {
	ID            string          `json:"paymentId"`
	OrderID       string          `json:"orderId"`
	UserID        int64           `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"paymentMethod"`
	Status        Status          `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	// Attempts counts gateway resolutions; NextAttemptAt is the lease of the
	// current attempt or, after a Pending result, when the sweep retries.
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (p Payment) Charge() Charge {
	return Charge{OrderID: p.OrderID, UserID: p.UserID, Amount: p.Amount, Method: p.Method}
}
