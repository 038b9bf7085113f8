/**
 * @description
 * Core domain models for the booking-service: bookings, payments and wallet credits.
 * These structs map directly to the `bookings`, `payments` and `wallet_credits` tables
 * and are shared by the store, service and API layers.
 *
 * @notes
 * - Amounts are decimals in major currency units (e.g. 25.00 GBP). Gateway minor units
 *   are derived only at the adapter boundary.
 * - Bookings are never hard-deleted; cancellation is a status.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingPartPaid  BookingStatus = "part_paid"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentMethodCard PaymentMethod = "card"
	PaymentMethodTFC  PaymentMethod = "tfc"
)

type BookingPaymentStatus string

const (
	BookingUnpaid          BookingPaymentStatus = "unpaid"
	BookingPaid            BookingPaymentStatus = "paid"
	BookingPaymentPartPaid BookingPaymentStatus = "part_paid"
	BookingRefunded        BookingPaymentStatus = "refunded"
)

// Booking is a parent's reservation of an activity session for a child.
type Booking struct {
	ID            uuid.UUID            `json:"id"`
	ParentID      uuid.UUID            `json:"parent_id"`
	ChildID       uuid.UUID            `json:"child_id"`
	ActivityID    uuid.UUID            `json:"activity_id"`
	VenueID       uuid.UUID            `json:"venue_id"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	Status        BookingStatus        `json:"status"`
	PaymentMethod PaymentMethod        `json:"payment_method"`
	PaymentStatus BookingPaymentStatus `json:"payment_status"`
	TFC           *TFCDetails          `json:"tfc,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// TFCDetails is the Tax-Free Childcare extension of a booking. Reference is
// generated once and never changes.
type TFCDetails struct {
	Reference    string    `json:"reference"`
	Deadline     time.Time `json:"deadline"`
	Instructions string    `json:"instructions"`
}

// IsTerminal reports whether no further transitions are allowed.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingCancelled
}

// IsAwaitingTFC reports whether the booking is a TFC booking still waiting on funds.
func (b *Booking) IsAwaitingTFC() bool {
	return b.PaymentMethod == PaymentMethodTFC &&
		(b.Status == BookingPending || b.Status == BookingPartPaid)
}

// OwnedBy reports whether the booking belongs to the given parent.
func (b *Booking) OwnedBy(userID uuid.UUID) bool {
	return b.ParentID == userID
}

// BookingSummary is the slice of a booking returned alongside a payment intent.
type BookingSummary struct {
	ID         uuid.UUID       `json:"id"`
	ActivityID uuid.UUID       `json:"activity_id"`
	VenueID    uuid.UUID       `json:"venue_id"`
	ChildID    uuid.UUID       `json:"child_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     BookingStatus   `json:"status"`
}

func (b *Booking) Summary() BookingSummary {
	return BookingSummary{
		ID:         b.ID,
		ActivityID: b.ActivityID,
		VenueID:    b.VenueID,
		ChildID:    b.ChildID,
		Amount:     b.Amount,
		Status:     b.Status,
	}
}
