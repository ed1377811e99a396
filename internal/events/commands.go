package events

import "time"

// Commands issued by the orchestrator on TopicCommands. Every command handler
// must be idempotent: the orchestrator may send the same command twice.
const (
	CmdReleaseStock  = "ReleaseStock"
	CmdConfirmStock  = "ConfirmStock"
	CmdRefundPayment = "RefundPayment"
	CmdCancelOrder   = "CancelOrder"
	CmdConfirmOrder  = "ConfirmOrder"
)

// Command is the payload of every command. RetryHint, on CancelOrder, tells
// the client it may place the order again.
type Command struct {
	OrderID   string    `json:"orderId"`
	ProductID int64     `json:"productId,omitempty"`
	Quantity  int32     `json:"quantity,omitempty"`
	PaymentID string    `json:"paymentId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RetryHint bool      `json:"retryHint,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
