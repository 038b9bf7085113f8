/**
 * @description
 * This file defines the `Repository` interface, the ledger contract for the
 * booking-service. Every state change is a guarded update keyed on the row's
 * current status, so concurrent writers (user confirm, webhook delivery, staff
 * actions and the expiry sweep) cannot overwrite each other's results.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playhive/booking-service/internal/domain"
)

var (
	ErrBookingNotFound = domain.ErrBookingNotFound
	ErrPaymentNotFound = domain.ErrPaymentNotFound

	// ErrStatusConflict means the row was not in the expected prior state when the
	// guarded update ran. Nothing was written.
	ErrStatusConflict      = errors.New("status precondition not met")
	ErrActivePaymentExists = errors.New("active payment already exists for booking")
	ErrDuplicateReference  = errors.New("tfc reference already in use")
	ErrIntentAlreadySet    = errors.New("external intent id already set")
	ErrCreditAlreadyIssued = errors.New("wallet credit already issued for source")
)

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Lookups
	FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error)
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentByExternalIntentID(ctx context.Context, intentID string) (*domain.Payment, error)
	FindActivePaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Payment, error)
	FindCreditBySource(ctx context.Context, source domain.WalletCreditSource, sourceID uuid.UUID) (*domain.WalletCredit, error)

	// Card payments
	ReservePayment(ctx context.Context, payment *domain.Payment) error
	AttachExternalIntent(ctx context.Context, paymentID uuid.UUID, intentID string) (*domain.Payment, error)
	CompletePayment(ctx context.Context, paymentID uuid.UUID, completedAt time.Time) (*domain.PaymentSettlement, error)
	FailPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*domain.Payment, error)
	RefundPayment(ctx context.Context, params RefundPaymentParams) (*domain.PaymentSettlement, error)

	// Bookings and TFC
	TransitionBooking(ctx context.Context, bookingID uuid.UUID, transition BookingTransition) (*domain.Booking, error)
	AttachTFCDetails(ctx context.Context, bookingID uuid.UUID, details domain.TFCDetails, note string) (*domain.Booking, error)
	FindExpiredTFCBookings(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error)
	ConvertBookingToCredit(ctx context.Context, bookingID uuid.UUID, credit *domain.WalletCredit, note string) (*domain.Booking, error)
}

// BookingTransition is a guarded booking status change. The update applies only
// while the booking is in one of From.
type BookingTransition struct {
	From []domain.BookingStatus
	To   domain.BookingStatus
	// PaymentStatus is left unchanged when empty.
	PaymentStatus domain.BookingPaymentStatus
	// Method restricts the transition to bookings with this payment method when set.
	Method domain.PaymentMethod
	// DeadlineBefore restricts the transition to TFC bookings whose deadline has
	// passed this instant.
	DeadlineBefore *time.Time
	// Note is appended to the audit trail.
	Note string
}

// RefundPaymentParams describes a completed refund to record against a payment.
// A refund covering the full payment amount cancels the booking; a partial one
// only appends Note.
type RefundPaymentParams struct {
	PaymentID  uuid.UUID
	RefundID   string
	Amount     decimal.Decimal
	RefundedAt time.Time
	Note       string
}
