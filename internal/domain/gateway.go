package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentStatus is the processor-side state of a payment intent, normalized.
type IntentStatus string

const (
	IntentSucceeded            IntentStatus = "succeeded"
	IntentProcessing           IntentStatus = "processing"
	IntentRequiresAction       IntentStatus = "requires_action"
	IntentRequiresConfirmation IntentStatus = "requires_confirmation"
	IntentFailed               IntentStatus = "failed"
	IntentCanceled             IntentStatus = "canceled"
)

// IsFailure reports whether the intent can no longer succeed.
func (s IntentStatus) IsFailure() bool {
	return s == IntentFailed || s == IntentCanceled
}

// IntentRequest asks the gateway for a new payment intent.
type IntentRequest struct {
	PaymentID uuid.UUID
	BookingID uuid.UUID
	ParentID  uuid.UUID
	Amount    decimal.Decimal
	Currency  string
	// DestinationAccount routes funds to a venue sub-account when set.
	DestinationAccount string
	// ApplicationFee is withheld by the platform when routing to a destination.
	ApplicationFee decimal.Decimal
}

// Intent is the gateway's view of a payment intent.
type Intent struct {
	ID            string
	ClientSecret  string
	Status        IntentStatus
	Amount        decimal.Decimal
	Currency      string
	FailureReason string
}

// RefundRequest asks the gateway to refund part or all of an intent.
type RefundRequest struct {
	PaymentID uuid.UUID
	IntentID  string
	Amount    decimal.Decimal
	Reason    string
}

// RefundResult is the gateway's acknowledgement of a refund.
type RefundResult struct {
	ID     string
	Amount decimal.Decimal
	Status string
}
