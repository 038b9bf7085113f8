package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the service layer wraps exactly one of
// these so transports can map failures without knowing every specific case.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidState     = errors.New("invalid state")
	ErrGateway          = errors.New("payment gateway error")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrValidation       = errors.New("validation failed")
)

// Error is a named failure of a given kind.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrBookingNotFound           = newError(ErrNotFound, "BookingNotFound", "booking not found")
	ErrPaymentNotFound           = newError(ErrNotFound, "PaymentNotFound", "payment not found")
	ErrPaymentAlreadyExists      = newError(ErrInvalidState, "PaymentAlreadyExists", "an active payment already exists for this booking")
	ErrInvalidBookingState       = newError(ErrInvalidState, "InvalidBookingState", "booking is not in a state that allows this operation")
	ErrPaymentNotRefundable      = newError(ErrInvalidState, "PaymentNotRefundable", "payment is not refundable")
	ErrRefundWindowExpired       = newError(ErrInvalidState, "RefundWindowExpired", "refund window has expired")
	ErrPaymentConfirmationFailed = newError(ErrInvalidState, "PaymentConfirmationFailed", "payment was not successful")
	ErrNotPermitted              = newError(ErrForbidden, "Forbidden", "caller is not permitted to perform this operation")
	ErrSignatureMismatch         = newError(ErrInvalidSignature, "InvalidSignature", "webhook signature verification failed")
)

// GatewayError carries the processor's message. Raw payloads never leak past it.
type GatewayError struct {
	Op      string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("payment gateway: %s", e.Message)
	}
	return fmt.Sprintf("payment gateway %s: %s", e.Op, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return ErrGateway
}

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	var named *Error
	if errors.As(err, &named) {
		return named.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrGateway):
		return "ExternalGatewayError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrInvalidSignature):
		return "InvalidSignature"
	default:
		return "InternalError"
	}
}
