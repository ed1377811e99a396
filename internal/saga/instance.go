package saga

import (
	"time"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/shopspring/decimal"
)

type Step string

const (
	StepCreated          Step = "CREATED"
	StepStockReserved    Step = "STOCK_RESERVED"
	StepPaymentCompleted Step = "PAYMENT_COMPLETED"
)

type CompensationKind string

const (
	CompReleaseStock  CompensationKind = "RELEASE_STOCK"
	CompRefundPayment CompensationKind = "REFUND_PAYMENT"
)

// Compensation undoes one completed step. It is plain data so the pending
// rollback survives a restart with the rest of the instance.
type Compensation struct {
	Kind      CompensationKind `json:"kind"`
	ProductID int64            `json:"productId,omitempty"`
	Quantity  int32            `json:"quantity,omitempty"`
	PaymentID string           `json:"paymentId,omitempty"`
}

// Command renders the compensation as the command that performs it.
func (c Compensation) Command(orderID, reason string, at time.Time) (string, events.Command) {
	cmd := events.Command{
		OrderID:   orderID,
		ProductID: c.ProductID,
		Quantity:  c.Quantity,
		PaymentID: c.PaymentID,
		Reason:    reason,
		Timestamp: at,
	}
	switch c.Kind {
	case CompRefundPayment:
		return events.CmdRefundPayment, cmd
	default:
		return events.CmdReleaseStock, cmd
	}
}

// Instance is the full context of one order's saga. Completed and
// Compensated are mutually exclusive; once either is set the instance takes
// no further transitions.
type Instance struct {
	OrderID       string             `json:"orderId"`
	UserID        int64              `json:"userId"`
	Items         []events.OrderItem `json:"items"`
	TotalAmount   decimal.Decimal    `json:"totalAmount"`
	PaymentMethod string             `json:"paymentMethod"`

	Step          Step           `json:"step"`
	Compensations []Compensation `json:"compensations"`
	PaymentID     string         `json:"paymentId,omitempty"`
	Completed     bool           `json:"completed"`
	Compensated   bool           `json:"compensated"`
	Reason        string         `json:"reason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (i Instance) Terminal() bool { return i.Completed || i.Compensated }

func (i Instance) reserved(productID int64) bool {
	for _, c := range i.Compensations {
		if c.Kind == CompReleaseStock && c.ProductID == productID {
			return true
		}
	}
	return false
}
