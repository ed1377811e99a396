package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
)

const (
	MaxItemQuantity   = 100
	MaxShippingLength = 500
)

var paymentMethods = map[string]bool{
	"CREDIT_CARD":    true,
	"DEBIT_CARD":     true,
	"BANK_TRANSFER":  true,
	"DIGITAL_WALLET": true,
}

// Validate reports every problem with in at once; each is an
// *apperr.ValidationError.
func Validate(in CreateInput) error {
	var errs []error
	if in.UserID <= 0 {
		errs = append(errs, apperr.Invalid("userId", "must be positive"))
	}
	if len(in.Items) == 0 {
		errs = append(errs, apperr.Invalid("items", "at least one item is required"))
	}
	seen := map[int64]bool{}
	for i, it := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		switch {
		case it.ProductID <= 0:
			errs = append(errs, apperr.Invalid(field+".productId", "must be positive"))
		case seen[it.ProductID]:
			errs = append(errs, apperr.Invalid(field+".productId", "duplicate product %d", it.ProductID))
		}
		seen[it.ProductID] = true
		if it.Quantity <= 0 || it.Quantity > MaxItemQuantity {
			errs = append(errs, apperr.Invalid(field+".quantity", "must be between 1 and %d", MaxItemQuantity))
		}
	}
	addr := strings.TrimSpace(in.ShippingAddress)
	switch {
	case addr == "":
		errs = append(errs, apperr.Invalid("shippingAddress", "is required"))
	case len(addr) > MaxShippingLength:
		errs = append(errs, apperr.Invalid("shippingAddress", "must be at most %d characters", MaxShippingLength))
	}
	if !paymentMethods[in.PaymentMethod] {
		errs = append(errs, apperr.Invalid("paymentMethod", "unsupported method %q", in.PaymentMethod))
	}
	return errors.Join(errs...)
}
