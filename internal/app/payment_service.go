/**
 * @description
 * This file contains the card payment orchestration for the booking-service. The
 * `PaymentService` coordinates the ledger, the payment gateway and the venue
 * directory to take a booking from pending to confirmed, and back out again through
 * a refund.
 *
 * Key features:
 * - Reserves the payment row before calling the gateway so a booking never has two
 *   active attempts.
 * - Calls the gateway before any local write that depends on its outcome.
 * - Treats a guarded update lost to a webhook as an idempotent success.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/internal/store"
	"github.com/playhive/booking-service/pkg/logging"
)

// PaymentConfig carries the orchestrator's tunables.
type PaymentConfig struct {
	DefaultCurrency    string
	PlatformFeePercent float64
	RefundWindow       time.Duration
}

// PaymentDeps are the collaborators of a PaymentService. Venues, Notifier,
// Metrics, Logger and Clock are optional.
type PaymentDeps struct {
	Repo     store.Repository
	Gateway  PaymentGateway
	Venues   VenueDirectory
	Notifier Notifier
	Authz    Authorizer
	Metrics  *Metrics
	Logger   logging.Logger
	Clock    Clock
}

// PaymentService provides the card payment use cases.
type PaymentService struct {
	ledger
	gateway PaymentGateway
	venues  VenueDirectory
	authz   Authorizer
	cfg     PaymentConfig
}

func NewPaymentService(deps PaymentDeps, cfg PaymentConfig) *PaymentService {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "GBP"
	}
	if cfg.RefundWindow <= 0 {
		cfg.RefundWindow = 7 * 24 * time.Hour
	}
	authz := deps.Authz
	if authz == nil {
		authz = NewRolePolicy()
	}
	return &PaymentService{
		ledger:  newLedger(deps.Repo, deps.Notifier, deps.Metrics, deps.Logger, deps.Clock),
		gateway: deps.Gateway,
		venues:  deps.Venues,
		authz:   authz,
		cfg:     cfg,
	}
}

// CreateIntentInput is a request to start a card payment.
type CreateIntentInput struct {
	BookingID uuid.UUID
	Amount    decimal.Decimal
	Currency  string
}

// PaymentIntentResult is what the client needs to complete card entry.
type PaymentIntentResult struct {
	ClientSecret    string                `json:"clientSecret"`
	PaymentIntentID string                `json:"paymentIntentId"`
	PaymentID       uuid.UUID             `json:"paymentId"`
	Amount          decimal.Decimal       `json:"amount"`
	Currency        string                `json:"currency"`
	Booking         domain.BookingSummary `json:"booking"`
}

// ConfirmResult reports the payment status after a confirm attempt.
type ConfirmResult struct {
	PaymentIntentID string               `json:"paymentIntentId"`
	PaymentID       uuid.UUID            `json:"paymentId"`
	Status          domain.PaymentStatus `json:"status"`
}

// RefundInput optionally narrows a refund. A nil Amount refunds everything.
type RefundInput struct {
	Amount *decimal.Decimal
	Reason string
}

// RefundOutcome reports the ledger state after a refund.
type RefundOutcome struct {
	PaymentID     uuid.UUID            `json:"paymentId"`
	Status        domain.PaymentStatus `json:"status"`
	RefundID      string               `json:"refundId"`
	Amount        decimal.Decimal      `json:"amount"`
	BookingStatus domain.BookingStatus `json:"bookingStatus,omitempty"`
}

func (s *PaymentService) loadBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return booking, nil
}

func (s *PaymentService) loadPayment(ctx context.Context, find func() (*domain.Payment, error)) (*domain.Payment, *domain.Booking, error) {
	payment, err := find()
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, nil, domain.ErrPaymentNotFound
		}
		return nil, nil, fmt.Errorf("load payment: %w", err)
	}
	booking, err := s.loadBooking(ctx, payment.BookingID)
	if err != nil {
		return nil, nil, err
	}
	return payment, booking, nil
}

// CreatePaymentIntent reserves a payment for a pending card booking and opens a
// gateway intent for it. The booking status does not change.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, caller domain.Caller, input CreateIntentInput) (*PaymentIntentResult, error) {
	booking, err := s.loadBooking(ctx, input.BookingID)
	if err != nil {
		return nil, err
	}
	if err := requireOwnerOr(s.authz, caller, booking, domain.CapActOnAnyBooking); err != nil {
		return nil, err
	}
	if booking.Status != domain.BookingPending || booking.PaymentMethod != domain.PaymentMethodCard {
		return nil, domain.ErrInvalidBookingState
	}

	if err := domain.ValidateAmount("amount", input.Amount); err != nil {
		return nil, err
	}
	if input.Amount.GreaterThan(booking.Amount) {
		return nil, domain.NewValidationError("amount", "must not exceed the booking amount")
	}
	// Capturing the intent confirms the booking, so only staff may charge a
	// discounted amount.
	if !input.Amount.Equal(booking.Amount) && s.authz.Require(caller, domain.CapActOnAnyBooking) != nil {
		return nil, domain.NewValidationError("amount", "must equal the booking amount")
	}
	fallback := booking.Currency
	if fallback == "" {
		fallback = s.cfg.DefaultCurrency
	}
	currency, err := domain.NormalizeCurrency(input.Currency, fallback)
	if err != nil {
		return nil, err
	}
	if booking.Currency != "" && !strings.EqualFold(currency, booking.Currency) {
		return nil, domain.NewValidationError("currency", "must match the booking currency")
	}

	if _, err := s.repo.FindActivePaymentByBookingID(ctx, booking.ID); err == nil {
		return nil, domain.ErrPaymentAlreadyExists
	} else if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("check active payment: %w", err)
	}

	payment := &domain.Payment{
		ID:        uuid.New(),
		BookingID: booking.ID,
		Amount:    input.Amount,
		Currency:  currency,
	}
	if err := s.repo.ReservePayment(ctx, payment); err != nil {
		if errors.Is(err, store.ErrActivePaymentExists) {
			return nil, domain.ErrPaymentAlreadyExists
		}
		return nil, fmt.Errorf("reserve payment: %w", err)
	}

	log := s.logger.WithFields(logging.Fields{
		"component":  "payment_service",
		"booking_id": booking.ID,
		"payment_id": payment.ID,
	})

	req := domain.IntentRequest{
		PaymentID: payment.ID,
		BookingID: booking.ID,
		ParentID:  booking.ParentID,
		Amount:    payment.Amount,
		Currency:  currency,
	}
	if destination := s.payoutAccount(ctx, booking.VenueID, log); destination != "" {
		req.DestinationAccount = destination
		req.ApplicationFee = platformFee(payment.Amount, s.cfg.PlatformFeePercent)
	}

	intent, err := s.gateway.CreateIntent(ctx, req)
	s.metrics.gatewayCall("create_intent", err)
	if err != nil {
		log.WithError(err).Warn("gateway intent creation failed; releasing payment reservation")
		if _, _, failErr := s.failPayment(ctx, payment.ID, "intent creation failed", "create_intent"); failErr != nil {
			log.WithError(failErr).Error("failed to release payment reservation")
		}
		return nil, gatewayFailure("create_intent", err)
	}

	if _, err := s.repo.AttachExternalIntent(ctx, payment.ID, intent.ID); err != nil {
		log.WithError(err).WithField("intent_id", intent.ID).Error("failed to attach gateway intent to payment; releasing payment reservation")
		// The client never receives this intent's secret, so it cannot be paid.
		if _, _, failErr := s.failPayment(ctx, payment.ID, "intent attach failed", "create_intent"); failErr != nil {
			log.WithError(failErr).Error("failed to release payment reservation")
		}
		return nil, fmt.Errorf("attach intent: %w", err)
	}
	s.metrics.transition("payment", string(domain.PaymentPending))
	log.WithField("intent_id", intent.ID).Info("payment intent created")

	return &PaymentIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		PaymentID:       payment.ID,
		Amount:          payment.Amount,
		Currency:        currency,
		Booking:         booking.Summary(),
	}, nil
}

// payoutAccount returns the venue's payout sub-account, or "" when funds stay
// with the platform.
func (s *PaymentService) payoutAccount(ctx context.Context, venueID uuid.UUID, log logging.Entry) string {
	if s.venues == nil {
		return ""
	}
	account, err := s.venues.PayoutAccount(ctx, venueID)
	if err != nil {
		log.WithError(err).WithField("venue_id", venueID).Warn("venue payout account lookup failed; routing to platform")
		return ""
	}
	return account
}

func platformFee(amount decimal.Decimal, percent float64) decimal.Decimal {
	if percent <= 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100)).Round(2)
}

// ConfirmPayment reads the intent's outcome from the gateway and applies it.
// Only an intent still awaiting server-side confirmation is confirmed.
func (s *PaymentService) ConfirmPayment(ctx context.Context, caller domain.Caller, intentID string) (*ConfirmResult, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, domain.NewValidationError("paymentIntentId", "is required")
	}
	payment, booking, err := s.loadPayment(ctx, func() (*domain.Payment, error) {
		return s.repo.FindPaymentByExternalIntentID(ctx, intentID)
	})
	if err != nil {
		return nil, err
	}
	if err := requireOwnerOr(s.authz, caller, booking, domain.CapActOnAnyBooking); err != nil {
		return nil, err
	}

	result := &ConfirmResult{PaymentIntentID: intentID, PaymentID: payment.ID, Status: payment.Status}
	log := s.logger.WithFields(logging.Fields{
		"component":  "payment_service",
		"payment_id": payment.ID,
		"intent_id":  intentID,
	})

	switch payment.Status {
	case domain.PaymentCompleted:
		return result, nil
	case domain.PaymentFailed, domain.PaymentRefunded:
		log.WithField("status", payment.Status).Warn("confirm requested for a settled payment; leaving it unchanged")
		return result, nil
	}

	intent, err := s.gateway.GetStatus(ctx, intentID)
	s.metrics.gatewayCall("get_intent", err)
	if err != nil {
		return nil, gatewayFailure("get_intent", err)
	}
	if intent.Status == domain.IntentRequiresConfirmation {
		intent, err = s.gateway.Confirm(ctx, intentID)
		s.metrics.gatewayCall("confirm", err)
		if err != nil {
			return nil, gatewayFailure("confirm", err)
		}
	}

	switch {
	case intent.Status == domain.IntentSucceeded:
		current, _, err := s.completePayment(ctx, payment.ID, "confirm")
		if err != nil {
			return nil, err
		}
		result.Status = current.Status
		return result, nil
	case intent.Status.IsFailure():
		reason := intent.FailureReason
		if reason == "" {
			reason = string(intent.Status)
		}
		current, _, err := s.failPayment(ctx, payment.ID, reason, "confirm")
		if err != nil {
			return nil, err
		}
		if current.Status == domain.PaymentCompleted {
			result.Status = current.Status
			return result, nil
		}
		return nil, domain.ErrPaymentConfirmationFailed
	default:
		log.WithField("intent_status", intent.Status).Info("payment still awaiting the gateway")
		return result, nil
	}
}

// Refund refunds a completed payment on behalf of its parent within the refund window.
func (s *PaymentService) Refund(ctx context.Context, caller domain.Caller, paymentID uuid.UUID, input RefundInput) (*RefundOutcome, error) {
	payment, booking, err := s.loadPayment(ctx, func() (*domain.Payment, error) {
		return s.repo.FindPaymentByID(ctx, paymentID)
	})
	if err != nil {
		return nil, err
	}
	if err := requireOwnerOr(s.authz, caller, booking, domain.CapActOnAnyBooking); err != nil {
		return nil, err
	}
	return s.refund(ctx, caller, payment, input, false)
}

// ManualRefund is a staff refund that ignores the refund window.
func (s *PaymentService) ManualRefund(ctx context.Context, caller domain.Caller, paymentID uuid.UUID, input RefundInput) (*RefundOutcome, error) {
	if err := s.authz.Require(caller, domain.CapManualRefund); err != nil {
		return nil, err
	}
	payment, _, err := s.loadPayment(ctx, func() (*domain.Payment, error) {
		return s.repo.FindPaymentByID(ctx, paymentID)
	})
	if err != nil {
		return nil, err
	}
	return s.refund(ctx, caller, payment, input, true)
}

func (s *PaymentService) refund(ctx context.Context, caller domain.Caller, payment *domain.Payment, input RefundInput, manual bool) (*RefundOutcome, error) {
	now := s.now()

	if payment.Status != domain.PaymentCompleted || payment.IntentID() == "" {
		return nil, domain.ErrPaymentNotRefundable
	}
	if !manual {
		if payment.CompletedAt == nil {
			return nil, domain.ErrPaymentNotRefundable
		}
		if now.After(payment.CompletedAt.Add(s.cfg.RefundWindow)) {
			return nil, domain.ErrRefundWindowExpired
		}
	}

	amount := payment.Amount
	if input.Amount != nil {
		if err := domain.ValidateAmount("amount", *input.Amount); err != nil {
			return nil, err
		}
		if input.Amount.GreaterThan(payment.Amount) {
			return nil, domain.NewValidationError("amount", "must not exceed the payment amount")
		}
		amount = *input.Amount
	}
	reason := strings.TrimSpace(input.Reason)

	refund, err := s.gateway.Refund(ctx, domain.RefundRequest{
		PaymentID: payment.ID,
		IntentID:  payment.IntentID(),
		Amount:    amount,
		Reason:    reason,
	})
	s.metrics.gatewayCall("refund", err)
	if err != nil {
		return nil, gatewayFailure("refund", err)
	}

	settlement, applied, err := s.recordRefund(ctx, store.RefundPaymentParams{
		PaymentID:  payment.ID,
		RefundID:   refund.ID,
		Amount:     amount,
		RefundedAt: now,
		Note:       refundNote(payment, amount, refund.ID, reason, caller, manual, now),
	}, "refund")
	if err != nil {
		return nil, err
	}

	outcome := &RefundOutcome{
		PaymentID: payment.ID,
		Status:    settlement.Payment.Status,
		RefundID:  refund.ID,
		Amount:    amount,
	}
	if settlement.Booking != nil {
		outcome.BookingStatus = settlement.Booking.Status
	}
	if !applied {
		s.logger.WithFields(logging.Fields{
			"component":  "payment_service",
			"payment_id": payment.ID,
			"status":     settlement.Payment.Status,
		}).Info("refund already recorded by a concurrent update")
		if settlement.Payment.Status != domain.PaymentRefunded {
			return nil, domain.ErrPaymentNotRefundable
		}
	}
	return outcome, nil
}

func refundNote(payment *domain.Payment, amount decimal.Decimal, refundID, reason string, caller domain.Caller, manual bool, now time.Time) string {
	kind := "refund"
	if !payment.IsFullRefund(amount) {
		kind = "partial refund"
	}
	note := fmt.Sprintf("%s of %s %s (refund %s) at %s", kind, amount.StringFixed(2), payment.Currency, refundID, now.Format(time.RFC3339))
	if manual {
		note = fmt.Sprintf("manual %s by staff %s", note, caller.UserID)
	}
	if reason != "" {
		note += ": " + reason
	}
	return note
}
