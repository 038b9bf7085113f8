/**
 * @description
 * This file implements the Tax-Free Childcare (TFC) booking lifecycle. A TFC booking
 * is paid from the parent's government childcare account, outside the card gateway,
 * so staff confirm receipt by hand and an expiry sweep releases bookings whose
 * payment deadline passes.
 *
 * @notes
 * - Every transition is a guarded store update. Concurrent staff actions and the
 *   sweep resolve to exactly one winner; losers see InvalidBookingState or are
 *   skipped.
 * - The sweep reads `now` once so the selection and the guard agree.
 */

package app

import (
	"context"
	"crypto/rand"
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

const (
	tfcReferencePrefix   = "TFC-"
	tfcReferenceLength   = 8
	tfcReferenceAttempts = 3
	// No 0/O or 1/I: references are read aloud and typed into a bank form.
	tfcReferenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	minHoldDays = 1
	maxHoldDays = 30
)

// TFCConfig carries the lifecycle tunables.
type TFCConfig struct {
	DefaultHoldDays int
	// Instructions is a format string with three %s verbs: amount, reference, deadline.
	Instructions   string
	SweepBatchSize int
	CreditValidity time.Duration
}

// TFCDeps are the collaborators of a TFCManager. Notifier, Metrics, Logger and
// Clock are optional.
type TFCDeps struct {
	Repo     store.Repository
	Authz    Authorizer
	Notifier Notifier
	Metrics  *Metrics
	Logger   logging.Logger
	Clock    Clock
}

// TFCManager provides the TFC booking use cases.
type TFCManager struct {
	ledger
	authz     Authorizer
	cfg       TFCConfig
	reference func() (string, error)
}

func NewTFCManager(deps TFCDeps, cfg TFCConfig) *TFCManager {
	if cfg.DefaultHoldDays < minHoldDays || cfg.DefaultHoldDays > maxHoldDays {
		cfg.DefaultHoldDays = 5
	}
	if strings.Count(cfg.Instructions, "%s") != 3 {
		cfg.Instructions = "Pay %s using reference %s before %s."
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}
	if cfg.CreditValidity <= 0 {
		cfg.CreditValidity = 365 * 24 * time.Hour
	}
	authz := deps.Authz
	if authz == nil {
		authz = NewRolePolicy()
	}
	return &TFCManager{
		ledger:    newLedger(deps.Repo, deps.Notifier, deps.Metrics, deps.Logger, deps.Clock),
		authz:     authz,
		cfg:       cfg,
		reference: generateTFCReference,
	}
}

func generateTFCReference() (string, error) {
	buf := make([]byte, tfcReferenceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	var b strings.Builder
	b.WriteString(tfcReferencePrefix)
	for _, v := range buf {
		b.WriteByte(tfcReferenceAlphabet[int(v)%len(tfcReferenceAlphabet)])
	}
	return b.String(), nil
}

// CreateTFCInput opens the TFC payment window on a booking.
type CreateTFCInput struct {
	BookingID uuid.UUID
	Amount    decimal.Decimal
	VenueID   uuid.UUID
	// HoldPeriodDays defaults to the configured hold period when zero.
	HoldPeriodDays int
}

// TFCBookingResult is what the parent needs to pay from their childcare account.
type TFCBookingResult struct {
	BookingID    uuid.UUID       `json:"bookingId"`
	Reference    string          `json:"reference"`
	Deadline     time.Time       `json:"deadline"`
	Instructions string          `json:"instructions"`
	Amount       decimal.Decimal `json:"amount"`
}

// CreditConversion is the outcome of converting an unpaid booking to credit.
type CreditConversion struct {
	Booking *domain.Booking      `json:"booking"`
	Credit  *domain.WalletCredit `json:"credit"`
}

// SweepResult counts what one expiry sweep did.
type SweepResult struct {
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// BulkFailure is one booking a bulk operation could not process.
type BulkFailure struct {
	BookingID uuid.UUID `json:"bookingId"`
	Code      string    `json:"code"`
	Error     string    `json:"error"`
}

// BulkResult aggregates a bulk operation.
type BulkResult struct {
	Success  int           `json:"success"`
	Failed   int           `json:"failed"`
	Failures []BulkFailure `json:"failures"`
}

func (m *TFCManager) loadBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	booking, err := m.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return booking, nil
}

// transition runs a guarded booking update and maps a lost guard to InvalidBookingState.
func (m *TFCManager) transition(ctx context.Context, bookingID uuid.UUID, t store.BookingTransition) (*domain.Booking, error) {
	booking, err := m.repo.TransitionBooking(ctx, bookingID, t)
	switch {
	case err == nil:
		m.metrics.transition("booking", string(t.To))
		return booking, nil
	case errors.Is(err, store.ErrStatusConflict):
		return nil, domain.ErrInvalidBookingState
	case errors.Is(err, store.ErrBookingNotFound):
		return nil, domain.ErrBookingNotFound
	default:
		return nil, fmt.Errorf("transition booking: %w", err)
	}
}

func (m *TFCManager) notify(ctx context.Context, eventType string, booking *domain.Booking, amount *decimal.Decimal, data map[string]string) {
	m.notifier.Notify(ctx, domain.Notification{
		Type:       eventType,
		BookingID:  booking.ID,
		ParentID:   booking.ParentID,
		Amount:     amount,
		OccurredAt: m.now(),
		Data:       data,
	})
}

func (m *TFCManager) log(caller domain.Caller, bookingID uuid.UUID) logging.Entry {
	return m.logger.WithFields(logging.Fields{
		"component":  "tfc_manager",
		"booking_id": bookingID,
		"caller_id":  caller.UserID,
		"role":       caller.Role,
	})
}

// CreateTFCBooking generates the payment reference and deadline for a pending
// TFC booking. The reference is created once.
func (m *TFCManager) CreateTFCBooking(ctx context.Context, caller domain.Caller, input CreateTFCInput) (*TFCBookingResult, error) {
	booking, err := m.loadBooking(ctx, input.BookingID)
	if err != nil {
		return nil, err
	}
	if err := requireOwnerOr(m.authz, caller, booking, domain.CapActOnAnyBooking); err != nil {
		return nil, err
	}
	if booking.Status != domain.BookingPending || booking.PaymentMethod != domain.PaymentMethodTFC || booking.TFC != nil {
		return nil, domain.ErrInvalidBookingState
	}

	holdDays := input.HoldPeriodDays
	if holdDays == 0 {
		holdDays = m.cfg.DefaultHoldDays
	}
	if holdDays < minHoldDays || holdDays > maxHoldDays {
		return nil, domain.NewValidationError("holdPeriod", fmt.Sprintf("must be between %d and %d days", minHoldDays, maxHoldDays))
	}
	if err := domain.ValidateAmount("amount", input.Amount); err != nil {
		return nil, err
	}
	if !input.Amount.Equal(booking.Amount) {
		return nil, domain.NewValidationError("amount", "must equal the booking amount")
	}
	if input.VenueID != booking.VenueID {
		return nil, domain.NewValidationError("venueId", "does not match the booking venue")
	}

	now := m.now()
	deadline := now.AddDate(0, 0, holdDays)
	log := m.log(caller, booking.ID)

	for attempt := 1; attempt <= tfcReferenceAttempts; attempt++ {
		reference, err := m.reference()
		if err != nil {
			return nil, err
		}
		details := domain.TFCDetails{
			Reference:    reference,
			Deadline:     deadline,
			Instructions: fmt.Sprintf(m.cfg.Instructions, formatMoney(booking.Amount, booking.Currency), reference, deadline.Format("2 January 2006 15:04 MST")),
		}
		note := fmt.Sprintf("tfc reference %s issued, payment due by %s", reference, deadline.Format(time.RFC3339))

		updated, err := m.repo.AttachTFCDetails(ctx, booking.ID, details, note)
		switch {
		case err == nil:
			log.WithField("reference", reference).Info("tfc booking created")
			m.notify(ctx, domain.EventTFCBookingCreated, updated, &booking.Amount, map[string]string{
				"reference": reference,
				"deadline":  deadline.Format(time.RFC3339),
			})
			return &TFCBookingResult{
				BookingID:    booking.ID,
				Reference:    reference,
				Deadline:     deadline,
				Instructions: details.Instructions,
				Amount:       booking.Amount,
			}, nil
		case errors.Is(err, store.ErrDuplicateReference):
			log.WithField("attempt", attempt).Warn("tfc reference collision; regenerating")
		case errors.Is(err, store.ErrStatusConflict):
			return nil, domain.ErrInvalidBookingState
		case errors.Is(err, store.ErrBookingNotFound):
			return nil, domain.ErrBookingNotFound
		default:
			return nil, fmt.Errorf("attach tfc details: %w", err)
		}
	}
	return nil, fmt.Errorf("generate unique tfc reference: %w", store.ErrDuplicateReference)
}

func formatMoney(amount decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "", "GBP":
		return "£" + amount.StringFixed(2)
	default:
		return amount.StringFixed(2) + " " + strings.ToUpper(currency)
	}
}

// ConfirmTFCPayment records that staff saw the TFC funds arrive.
func (m *TFCManager) ConfirmTFCPayment(ctx context.Context, caller domain.Caller, bookingID uuid.UUID) (*domain.Booking, error) {
	if err := m.authz.Require(caller, domain.CapManageTFC); err != nil {
		return nil, err
	}
	return m.confirm(ctx, caller, bookingID)
}

func (m *TFCManager) confirm(ctx context.Context, caller domain.Caller, bookingID uuid.UUID) (*domain.Booking, error) {
	now := m.now()
	booking, err := m.transition(ctx, bookingID, store.BookingTransition{
		From:          []domain.BookingStatus{domain.BookingPending, domain.BookingPartPaid},
		To:            domain.BookingConfirmed,
		PaymentStatus: domain.BookingPaid,
		Method:        domain.PaymentMethodTFC,
		Note:          fmt.Sprintf("tfc payment confirmed by staff %s at %s", caller.UserID, now.Format(time.RFC3339)),
	})
	if err != nil {
		return nil, err
	}
	m.log(caller, bookingID).Info("tfc payment confirmed")
	m.notify(ctx, domain.EventBookingConfirmed, booking, &booking.Amount, map[string]string{"payment_method": string(domain.PaymentMethodTFC)})
	return booking, nil
}

// MarkPartPaid records a partial TFC payment.
func (m *TFCManager) MarkPartPaid(ctx context.Context, caller domain.Caller, bookingID uuid.UUID, amountReceived decimal.Decimal) (*domain.Booking, error) {
	if err := m.authz.Require(caller, domain.CapManageTFC); err != nil {
		return nil, err
	}
	booking, err := m.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.PaymentMethod != domain.PaymentMethodTFC || booking.Status != domain.BookingPending {
		return nil, domain.ErrInvalidBookingState
	}
	if err := domain.ValidateAmount("amountReceived", amountReceived); err != nil {
		return nil, err
	}
	if !amountReceived.LessThan(booking.Amount) {
		return nil, domain.NewValidationError("amountReceived", "must be less than the booking amount")
	}

	remaining := booking.Amount.Sub(amountReceived)
	updated, err := m.transition(ctx, bookingID, store.BookingTransition{
		From:          []domain.BookingStatus{domain.BookingPending},
		To:            domain.BookingPartPaid,
		PaymentStatus: domain.BookingPaymentPartPaid,
		Method:        domain.PaymentMethodTFC,
		Note: fmt.Sprintf("part payment of %s received, %s outstanding (recorded by staff %s)",
			amountReceived.StringFixed(2), remaining.StringFixed(2), caller.UserID),
	})
	if err != nil {
		return nil, err
	}
	m.log(caller, bookingID).WithField("received", amountReceived.StringFixed(2)).Info("tfc booking marked part paid")
	m.notify(ctx, domain.EventTFCPartPaid, updated, &amountReceived, map[string]string{"remaining": remaining.StringFixed(2)})
	return updated, nil
}

// CancelUnpaidTFCBooking releases a TFC booking whose funds never arrived.
func (m *TFCManager) CancelUnpaidTFCBooking(ctx context.Context, caller domain.Caller, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	if err := m.authz.Require(caller, domain.CapManageTFC); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "payment not received"
	}
	booking, err := m.transition(ctx, bookingID, store.BookingTransition{
		From:   []domain.BookingStatus{domain.BookingPending, domain.BookingPartPaid},
		To:     domain.BookingCancelled,
		Method: domain.PaymentMethodTFC,
		Note:   fmt.Sprintf("cancelled by staff %s: %s", caller.UserID, reason),
	})
	if err != nil {
		return nil, err
	}
	m.log(caller, bookingID).WithField("reason", reason).Info("unpaid tfc booking cancelled")
	m.notify(ctx, domain.EventBookingCancelled, booking, nil, map[string]string{"reason": reason})
	return booking, nil
}

// TriggerExpirySweep runs the expiry sweep on behalf of staff.
func (m *TFCManager) TriggerExpirySweep(ctx context.Context, caller domain.Caller) (SweepResult, error) {
	if err := m.authz.Require(caller, domain.CapManageTFC); err != nil {
		return SweepResult{}, err
	}
	return m.ProcessExpiredTFCBookings(ctx)
}

// ProcessExpiredTFCBookings cancels pending TFC bookings whose deadline passed.
// A booking confirmed between selection and update is skipped. Safe to run
// concurrently with itself and with staff actions.
func (m *TFCManager) ProcessExpiredTFCBookings(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := m.now()
	log := m.logger.WithField("component", "tfc_expiry_sweep")

	bookings, err := m.repo.FindExpiredTFCBookings(ctx, now, m.cfg.SweepBatchSize)
	if err != nil {
		return result, fmt.Errorf("find expired tfc bookings: %w", err)
	}

	for i := range bookings {
		candidate := &bookings[i]
		deadline := now
		if candidate.TFC != nil {
			deadline = candidate.TFC.Deadline
		}
		booking, err := m.repo.TransitionBooking(ctx, candidate.ID, store.BookingTransition{
			From:           []domain.BookingStatus{domain.BookingPending},
			To:             domain.BookingCancelled,
			Method:         domain.PaymentMethodTFC,
			DeadlineBefore: &now,
			Note:           fmt.Sprintf("expired: payment deadline %s passed", deadline.Format(time.RFC3339)),
		})
		switch {
		case err == nil:
			result.Cancelled++
			m.metrics.transition("booking", string(domain.BookingCancelled))
			m.notify(ctx, domain.EventTFCExpired, booking, nil, map[string]string{"deadline": deadline.Format(time.RFC3339)})
		case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrBookingNotFound):
			result.Skipped++
		default:
			result.Failed++
			log.WithError(err).WithField("booking_id", candidate.ID).Error("failed to expire tfc booking")
		}
	}

	m.metrics.sweep(result)
	log.WithFields(logging.Fields{
		"selected":  len(bookings),
		"cancelled": result.Cancelled,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	}).Info("tfc expiry sweep finished")
	return result, nil
}

// ConvertToCredit cancels an unpaid TFC booking and issues the parent a wallet
// credit for the booking amount, atomically.
func (m *TFCManager) ConvertToCredit(ctx context.Context, caller domain.Caller, bookingID uuid.UUID) (*CreditConversion, error) {
	if err := m.authz.Require(caller, domain.CapManageTFC); err != nil {
		return nil, err
	}
	booking, err := m.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.PaymentMethod != domain.PaymentMethodTFC || booking.Status != domain.BookingPending {
		return nil, domain.ErrInvalidBookingState
	}

	credit, err := domain.NewTFCConversionCredit(booking, m.now(), m.cfg.CreditValidity)
	if err != nil {
		return nil, err
	}
	note := fmt.Sprintf("converted to wallet credit %s by staff %s", credit.ID, caller.UserID)

	updated, err := m.repo.ConvertBookingToCredit(ctx, bookingID, credit, note)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrCreditAlreadyIssued):
		return nil, domain.ErrInvalidBookingState
	case errors.Is(err, store.ErrBookingNotFound):
		return nil, domain.ErrBookingNotFound
	default:
		return nil, fmt.Errorf("convert booking to credit: %w", err)
	}

	m.metrics.transition("booking", string(domain.BookingCancelled))
	m.log(caller, bookingID).WithField("credit_id", credit.ID).Info("tfc booking converted to wallet credit")
	m.notify(ctx, domain.EventWalletCreditIssued, updated, &credit.Amount, map[string]string{
		"credit_id":  credit.ID.String(),
		"expires_at": credit.ExpiresAt.Format(time.RFC3339),
	})
	m.notify(ctx, domain.EventBookingCancelled, updated, nil, map[string]string{"reason": "converted to wallet credit"})
	return &CreditConversion{Booking: updated, Credit: credit}, nil
}

// BulkConfirmTFCPayments confirms each booking independently. One failure does
// not stop the rest.
func (m *TFCManager) BulkConfirmTFCPayments(ctx context.Context, caller domain.Caller, bookingIDs []uuid.UUID) (BulkResult, error) {
	result := BulkResult{Failures: []BulkFailure{}}
	if err := m.authz.Require(caller, domain.CapManageTFC); err != nil {
		return result, err
	}
	if len(bookingIDs) == 0 {
		return result, domain.NewValidationError("bookingIds", "must not be empty")
	}

	seen := make(map[uuid.UUID]struct{}, len(bookingIDs))
	for _, id := range bookingIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if _, err := m.confirm(ctx, caller, id); err != nil {
			result.Failed++
			result.Failures = append(result.Failures, BulkFailure{
				BookingID: id,
				Code:      domain.ErrorCode(err),
				Error:     err.Error(),
			})
			continue
		}
		result.Success++
	}
	return result, nil
}
