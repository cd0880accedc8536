// Package payment defines the gateway contract the order engine charges and
// refunds through, with a simulated processor and a Square-backed one.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrDeclined = errors.New("payment declined")
	ErrTimeout  = errors.New("payment gateway timed out")
)

// Info is the buyer-supplied payment instrument.
type Info struct {
	Method   string `json:"method" validate:"omitempty,max=50"`
	SourceID string `json:"source_id" validate:"omitempty,max=255"`
}

type AuthorizeRequest struct {
	IdempotencyKey string
	OrderID        string
	Amount         decimal.Decimal
	Info           Info
}

type Authorization struct {
	TransactionID string
	Status        string
}

type RefundRequest struct {
	IdempotencyKey string
	TransactionID  string
	Amount         decimal.Decimal
}

// Gateway authorizes and refunds payments. Authorize returns an error
// wrapping ErrDeclined (or ErrTimeout) when the charge did not go through.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// toCents converts a dollar amount to minor units.
func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
