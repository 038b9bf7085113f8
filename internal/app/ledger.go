package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/internal/store"
	"github.com/playhive/booking-service/pkg/logging"
)

// ledger applies payment transitions shared by the orchestrator and the webhook
// reconciler. A lost guard is not an error here: callers get the stored state
// back with applied=false and decide what that means.
type ledger struct {
	repo     store.Repository
	notifier Notifier
	metrics  *Metrics
	logger   logging.Logger
	now      Clock
}

func newLedger(repo store.Repository, notifier Notifier, metrics *Metrics, logger logging.Logger, clock Clock) ledger {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if clock == nil {
		clock = systemClock
	}
	return ledger{repo: repo, notifier: notifier, metrics: metrics, logger: logger, now: clock}
}

func (l *ledger) currentPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := l.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("reload payment: %w", err)
	}
	return payment, nil
}

// completePayment moves a pending payment to completed and confirms its booking.
func (l *ledger) completePayment(ctx context.Context, paymentID uuid.UUID, source string) (*domain.Payment, bool, error) {
	settlement, err := l.repo.CompletePayment(ctx, paymentID, l.now())
	if errors.Is(err, store.ErrStatusConflict) {
		current, findErr := l.currentPayment(ctx, paymentID)
		return current, false, findErr
	}
	if err != nil {
		return nil, false, fmt.Errorf("complete payment: %w", err)
	}

	log := l.logger.WithFields(logging.Fields{
		"component":  "ledger",
		"source":     source,
		"payment_id": paymentID,
		"booking_id": settlement.Payment.BookingID,
	})
	l.metrics.transition("payment", string(domain.PaymentCompleted))
	if !settlement.BookingUpdated {
		log.WithField("booking_status", settlement.Booking.Status).
			Warn("payment captured but booking was no longer pending")
		return settlement.Payment, true, nil
	}

	l.metrics.transition("booking", string(domain.BookingConfirmed))
	log.Info("payment completed and booking confirmed")
	amount := settlement.Payment.Amount
	l.notifier.Notify(ctx, domain.Notification{
		Type:       domain.EventBookingConfirmed,
		BookingID:  settlement.Booking.ID,
		ParentID:   settlement.Booking.ParentID,
		PaymentID:  &settlement.Payment.ID,
		Amount:     &amount,
		OccurredAt: l.now(),
	})
	return settlement.Payment, true, nil
}

// failPayment moves a pending payment to failed. The booking stays pending.
func (l *ledger) failPayment(ctx context.Context, paymentID uuid.UUID, reason, source string) (*domain.Payment, bool, error) {
	payment, err := l.repo.FailPayment(ctx, paymentID, reason)
	if errors.Is(err, store.ErrStatusConflict) {
		current, findErr := l.currentPayment(ctx, paymentID)
		return current, false, findErr
	}
	if err != nil {
		return nil, false, fmt.Errorf("fail payment: %w", err)
	}

	l.metrics.transition("payment", string(domain.PaymentFailed))
	l.logger.WithFields(logging.Fields{
		"component":  "ledger",
		"source":     source,
		"payment_id": paymentID,
		"reason":     reason,
	}).Info("payment marked failed")

	booking, err := l.repo.FindBookingByID(ctx, payment.BookingID)
	if err != nil {
		l.logger.WithError(err).WithField("booking_id", payment.BookingID).Warn("failed to load booking for payment failure notification")
		return payment, true, nil
	}
	l.notifier.Notify(ctx, domain.Notification{
		Type:       domain.EventPaymentFailed,
		BookingID:  booking.ID,
		ParentID:   booking.ParentID,
		PaymentID:  &payment.ID,
		OccurredAt: l.now(),
		Data:       map[string]string{"reason": reason},
	})
	return payment, true, nil
}

// recordRefund moves a completed payment to refunded and, for a full refund,
// cancels its booking.
func (l *ledger) recordRefund(ctx context.Context, params store.RefundPaymentParams, source string) (*domain.PaymentSettlement, bool, error) {
	settlement, err := l.repo.RefundPayment(ctx, params)
	if errors.Is(err, store.ErrStatusConflict) {
		current, findErr := l.currentPayment(ctx, params.PaymentID)
		if findErr != nil {
			return nil, false, findErr
		}
		return &domain.PaymentSettlement{Payment: current}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record refund: %w", err)
	}

	full := settlement.Payment.IsFullRefund(params.Amount)
	l.metrics.transition("payment", string(domain.PaymentRefunded))
	l.logger.WithFields(logging.Fields{
		"component":  "ledger",
		"source":     source,
		"payment_id": params.PaymentID,
		"refund_id":  params.RefundID,
		"amount":     params.Amount.StringFixed(2),
		"full":       full,
	}).Info("refund recorded")

	amount := params.Amount
	l.notifier.Notify(ctx, domain.Notification{
		Type:       domain.EventPaymentRefunded,
		BookingID:  settlement.Booking.ID,
		ParentID:   settlement.Booking.ParentID,
		PaymentID:  &settlement.Payment.ID,
		Amount:     &amount,
		OccurredAt: l.now(),
		Data:       map[string]string{"refund_id": params.RefundID},
	})
	if full && settlement.BookingUpdated {
		l.metrics.transition("booking", string(domain.BookingCancelled))
		l.notifier.Notify(ctx, domain.Notification{
			Type:       domain.EventBookingCancelled,
			BookingID:  settlement.Booking.ID,
			ParentID:   settlement.Booking.ParentID,
			PaymentID:  &settlement.Payment.ID,
			OccurredAt: l.now(),
			Data:       map[string]string{"reason": "refunded"},
		})
	}
	return settlement, true, nil
}

// gatewayFailure normalizes adapter errors so they always carry the gateway kind.
func gatewayFailure(op string, err error) error {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &domain.GatewayError{Op: op, Message: err.Error()}
}
