package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notification event types. They double as message routing keys.
const (
	EventBookingConfirmed   = "booking.confirmed"
	EventBookingCancelled   = "booking.cancelled"
	EventPaymentFailed      = "payment.failed"
	EventPaymentRefunded    = "payment.refunded"
	EventTFCBookingCreated  = "tfc.booking_created"
	EventTFCPartPaid        = "tfc.part_paid"
	EventTFCExpired         = "tfc.expired"
	EventWalletCreditIssued = "wallet.credit_issued"
)

// Notification is a fire-and-forget domain event for downstream delivery.
type Notification struct {
	Type       string            `json:"type"`
	BookingID  uuid.UUID         `json:"booking_id"`
	ParentID   uuid.UUID         `json:"parent_id"`
	PaymentID  *uuid.UUID        `json:"payment_id,omitempty"`
	Amount     *decimal.Decimal  `json:"amount,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       map[string]string `json:"data,omitempty"`
}
