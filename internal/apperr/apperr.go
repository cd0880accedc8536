// Package apperr defines the recoverable error kinds returned by the cart,
// pricing and order packages. Callers match them with errors.Is against the
// exported sentinels and map them to responses with MetadataFor.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindEmptyCart               Kind = "EMPTY_CART"
	KindInsufficientStock       Kind = "INSUFFICIENT_STOCK"
	KindOutOfStock              Kind = "OUT_OF_STOCK"
	KindAlreadyPaid             Kind = "ALREADY_PAID"
	KindNotCancellable          Kind = "NOT_CANCELLABLE"
	KindForbidden               Kind = "FORBIDDEN"
	KindInvalidStatus           Kind = "INVALID_STATUS"
	KindInvalidTransition       Kind = "INVALID_TRANSITION"
	KindInvalidCode             Kind = "INVALID_CODE"
	KindPromotionExpired        Kind = "PROMOTION_EXPIRED"
	KindPromotionAlreadyApplied Kind = "PROMOTION_ALREADY_APPLIED"
	KindNotFound                Kind = "NOT_FOUND"
	KindGatewayDeclined         Kind = "GATEWAY_DECLINED"
	KindRefundFailed            Kind = "REFUND_FAILED"
	KindValidation              Kind = "VALIDATION_ERROR"
	KindInternal                Kind = "INTERNAL_ERROR"
)

var (
	ErrEmptyCart               = New(KindEmptyCart, "cart is empty")
	ErrInsufficientStock       = New(KindInsufficientStock, "insufficient stock")
	ErrOutOfStock              = New(KindOutOfStock, "out of stock")
	ErrAlreadyPaid             = New(KindAlreadyPaid, "order already paid")
	ErrNotCancellable          = New(KindNotCancellable, "order cannot be cancelled")
	ErrForbidden               = New(KindForbidden, "forbidden")
	ErrInvalidStatus           = New(KindInvalidStatus, "invalid order status")
	ErrInvalidTransition       = New(KindInvalidTransition, "order status transition not allowed")
	ErrInvalidCode             = New(KindInvalidCode, "invalid discount code")
	ErrPromotionExpired        = New(KindPromotionExpired, "discount code expired")
	ErrPromotionAlreadyApplied = New(KindPromotionAlreadyApplied, "a discount code was already applied")
	ErrNotFound                = New(KindNotFound, "not found")
	ErrGatewayDeclined         = New(KindGatewayDeclined, "payment declined")
	ErrRefundFailed            = New(KindRefundFailed, "refund failed")
	ErrValidation              = New(KindValidation, "validation failed")
)

// Error is a kinded error. Two errors of the same kind match under errors.Is,
// so a detailed error still satisfies errors.Is(err, ErrNotFound).
type Error struct {
	kind    Kind
	message string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{kind: kind, message: message, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Message() string { return e.message }

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	var t kinded
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind() == e.kind
}

// StockError names the product that failed a stock check.
type StockError struct {
	kind      Kind
	ProductID string
	Requested int
	Available int
}

func InsufficientStock(productID string, requested, available int) *StockError {
	return &StockError{kind: KindInsufficientStock, ProductID: productID, Requested: requested, Available: available}
}

func OutOfStock(productID string, requested, available int) *StockError {
	return &StockError{kind: KindOutOfStock, ProductID: productID, Requested: requested, Available: available}
}

func (e *StockError) Error() string {
	if e.Available < 0 {
		return fmt.Sprintf("%s for product %s", kindMessage(e.kind), e.ProductID)
	}
	return fmt.Sprintf("%s for product %s: requested %d, available %d",
		kindMessage(e.kind), e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Kind() Kind { return e.kind }

func (e *StockError) Is(target error) bool {
	var t kinded
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind() == e.kind
}

type kinded interface {
	error
	Kind() Kind
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

func kindMessage(kind Kind) string {
	switch kind {
	case KindInsufficientStock:
		return "insufficient stock"
	case KindOutOfStock:
		return "out of stock"
	default:
		return string(kind)
	}
}

type Metadata struct {
	HTTPStatus    int
	PublicMessage string
	// ShowMessage allows the error's own message to reach the client.
	ShowMessage bool
}

var metadataByKind = map[Kind]Metadata{
	KindEmptyCart:               {HTTPStatus: http.StatusBadRequest, PublicMessage: "cart is empty", ShowMessage: true},
	KindInsufficientStock:       {HTTPStatus: http.StatusConflict, PublicMessage: "insufficient stock", ShowMessage: true},
	KindOutOfStock:              {HTTPStatus: http.StatusConflict, PublicMessage: "out of stock", ShowMessage: true},
	KindAlreadyPaid:             {HTTPStatus: http.StatusConflict, PublicMessage: "order already paid", ShowMessage: true},
	KindNotCancellable:          {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "order cannot be cancelled", ShowMessage: true},
	KindForbidden:               {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied", ShowMessage: true},
	KindInvalidStatus:           {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid status", ShowMessage: true},
	KindInvalidTransition:       {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "state transition disallowed", ShowMessage: true},
	KindInvalidCode:             {HTTPStatus: http.StatusNotFound, PublicMessage: "invalid discount code", ShowMessage: true},
	KindPromotionExpired:        {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "discount code expired", ShowMessage: true},
	KindPromotionAlreadyApplied: {HTTPStatus: http.StatusConflict, PublicMessage: "a discount code was already applied", ShowMessage: true},
	KindNotFound:                {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found", ShowMessage: true},
	KindGatewayDeclined:         {HTTPStatus: http.StatusPaymentRequired, PublicMessage: "payment declined", ShowMessage: false},
	KindRefundFailed:            {HTTPStatus: http.StatusBadGateway, PublicMessage: "refund failed", ShowMessage: false},
	KindValidation:              {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", ShowMessage: true},
	KindInternal:                {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error", ShowMessage: false},
}

func MetadataFor(kind Kind) Metadata {
	if meta, ok := metadataByKind[kind]; ok {
		return meta
	}
	return metadataByKind[KindInternal]
}
