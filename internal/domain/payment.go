package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is one card payment attempt against a booking.
type Payment struct {
	ID               uuid.UUID        `json:"id"`
	BookingID        uuid.UUID        `json:"booking_id"`
	ExternalIntentID *string          `json:"external_intent_id,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Status           PaymentStatus    `json:"status"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	RefundedAt       *time.Time       `json:"refunded_at,omitempty"`
	RefundID         *string          `json:"refund_id,omitempty"`
	RefundedAmount   *decimal.Decimal `json:"refunded_amount,omitempty"`
	FailureReason    *string          `json:"failure_reason,omitempty"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCompleted, PaymentFailed},
	PaymentCompleted: {PaymentRefunded},
}

// CanTransition reports whether a payment may move from one status to another.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s PaymentStatus) IsTerminal() bool {
	return len(paymentTransitions[s]) == 0
}

// IntentID returns the external intent id or the empty string.
func (p *Payment) IntentID() string {
	if p.ExternalIntentID == nil {
		return ""
	}
	return *p.ExternalIntentID
}

// IsFullRefund reports whether refunding amount releases the whole payment.
func (p *Payment) IsFullRefund(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(p.Amount)
}

// PaymentSettlement is the outcome of a guarded payment transition together with
// the booking it touched.
type PaymentSettlement struct {
	Payment *Payment
	Booking *Booking
	// BookingUpdated is false when the payment moved but the booking was not in a
	// state the transition applies to.
	BookingUpdated bool
}
