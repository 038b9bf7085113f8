package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/internal/store"
	"github.com/playhive/booking-service/pkg/logging"
)

// Webhook outcomes recorded in metrics.
const (
	outcomeApplied          = "applied"
	outcomeNoop             = "noop"
	outcomeIgnored          = "ignored"
	outcomeNotFound         = "not_found"
	outcomeDuplicate        = "duplicate"
	outcomeError            = "error"
	outcomeInvalidSignature = "invalid_signature"
)

// WebhookDeps are the collaborators of a WebhookReconciler. Deduper, Notifier,
// Metrics, Logger and Clock are optional.
type WebhookDeps struct {
	Repo     store.Repository
	Verifier WebhookVerifier
	Deduper  EventDeduper
	Notifier Notifier
	Metrics  *Metrics
	Logger   logging.Logger
	Clock    Clock
}

// WebhookReconciler applies gateway webhook deliveries to the ledger. Deliveries
// are at-least-once and may arrive in any order relative to user actions.
type WebhookReconciler struct {
	ledger
	verifier WebhookVerifier
	deduper  EventDeduper
	timeout  time.Duration
}

func NewWebhookReconciler(deps WebhookDeps, timeout time.Duration) *WebhookReconciler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookReconciler{
		ledger:   newLedger(deps.Repo, deps.Notifier, deps.Metrics, deps.Logger, deps.Clock),
		verifier: deps.Verifier,
		deduper:  deps.Deduper,
		timeout:  timeout,
	}
}

// HandleEvent verifies and applies one delivery. Only a signature failure is
// returned; every other problem is logged and the delivery is acknowledged.
func (r *WebhookReconciler) HandleEvent(ctx context.Context, payload []byte, signature string) error {
	event, err := r.verifier.VerifyWebhook(payload, signature)
	if err != nil {
		log := r.logger.WithField("component", "webhook_reconciler").WithError(err)
		if errors.Is(err, domain.ErrInvalidSignature) {
			r.metrics.webhookEvent("unknown", outcomeInvalidSignature)
			log.Warn("rejected webhook with invalid signature")
			return err
		}
		r.metrics.webhookEvent("unknown", outcomeError)
		log.Error("webhook could not be read; acknowledging")
		return nil
	}
	r.Apply(ctx, event)
	return nil
}

// Apply dispatches a verified event and returns the recorded outcome.
func (r *WebhookReconciler) Apply(ctx context.Context, event domain.GatewayEvent) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	eventType := domain.GatewayEventType(event)
	log := r.logger.WithFields(logging.Fields{
		"component":  "webhook_reconciler",
		"event_id":   event.EventID(),
		"event_type": eventType,
	})

	if r.deduper != nil {
		seen, err := r.deduper.Seen(ctx, event.EventID())
		if err != nil {
			log.WithError(err).Debug("event de-dup lookup unavailable; applying")
		} else if seen {
			r.metrics.webhookEvent(eventType, outcomeDuplicate)
			log.Debug("event already applied; skipping")
			return outcomeDuplicate
		}
	}

	outcome, err := r.dispatch(ctx, event, log)
	if err != nil {
		r.metrics.webhookEvent(eventType, outcomeError)
		log.WithError(err).Error("failed to apply webhook event")
		return outcomeError
	}

	// Only settled outcomes are cached; a not_found event may match a payment
	// whose intent id is attached after the first delivery.
	if r.deduper != nil && (outcome == outcomeApplied || outcome == outcomeNoop) {
		if err := r.deduper.Remember(ctx, event.EventID()); err != nil {
			log.WithError(err).Warn("failed to remember applied event")
		}
	}
	r.metrics.webhookEvent(eventType, outcome)
	return outcome
}

func (r *WebhookReconciler) dispatch(ctx context.Context, event domain.GatewayEvent, log logging.Entry) (string, error) {
	switch e := event.(type) {
	case domain.PaymentSucceededEvent:
		return r.onPaymentSucceeded(ctx, e, log)
	case domain.PaymentFailedEvent:
		return r.onPaymentFailed(ctx, e, log)
	case domain.RefundCreatedEvent:
		return r.onRefundCreated(ctx, e, log)
	default:
		log.Debug("ignoring unhandled event type")
		return outcomeIgnored, nil
	}
}

// findPayment resolves the intent's payment. A missing payment is not an error:
// the intent may belong to another system sharing the account.
func (r *WebhookReconciler) findPayment(ctx context.Context, intentID string, log logging.Entry) (*domain.Payment, error) {
	payment, err := r.repo.FindPaymentByExternalIntentID(ctx, intentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.WithField("intent_id", intentID).Warn("no payment found for intent; acknowledging")
			return nil, nil
		}
		return nil, err
	}
	return payment, nil
}

func appliedOutcome(applied bool) string {
	if applied {
		return outcomeApplied
	}
	return outcomeNoop
}

func (r *WebhookReconciler) onPaymentSucceeded(ctx context.Context, e domain.PaymentSucceededEvent, log logging.Entry) (string, error) {
	payment, err := r.findPayment(ctx, e.IntentID, log)
	if err != nil || payment == nil {
		return outcomeNotFound, err
	}

	switch payment.Status {
	case domain.PaymentPending:
		_, applied, err := r.completePayment(ctx, payment.ID, "webhook")
		if err != nil {
			return outcomeError, err
		}
		return appliedOutcome(applied), nil
	case domain.PaymentFailed:
		log.WithField("payment_id", payment.ID).Warn("success reported for a failed payment; not regressing")
		return outcomeNoop, nil
	default:
		return outcomeNoop, nil
	}
}

func (r *WebhookReconciler) onPaymentFailed(ctx context.Context, e domain.PaymentFailedEvent, log logging.Entry) (string, error) {
	payment, err := r.findPayment(ctx, e.IntentID, log)
	if err != nil || payment == nil {
		return outcomeNotFound, err
	}
	if payment.Status != domain.PaymentPending {
		return outcomeNoop, nil
	}

	reason := e.Reason
	if reason == "" {
		reason = "payment failed"
	}
	_, applied, err := r.failPayment(ctx, payment.ID, reason, "webhook")
	if err != nil {
		return outcomeError, err
	}
	return appliedOutcome(applied), nil
}

func (r *WebhookReconciler) onRefundCreated(ctx context.Context, e domain.RefundCreatedEvent, log logging.Entry) (string, error) {
	payment, err := r.findPayment(ctx, e.IntentID, log)
	if err != nil || payment == nil {
		return outcomeNotFound, err
	}

	switch payment.Status {
	case domain.PaymentCompleted:
	case domain.PaymentRefunded:
		return outcomeNoop, nil
	default:
		log.WithFields(logging.Fields{
			"payment_id": payment.ID,
			"status":     payment.Status,
		}).Warn("refund reported for a payment that was never completed")
		return outcomeNoop, nil
	}

	amount := e.Amount
	if !amount.IsPositive() {
		amount = payment.Amount
	}
	now := r.now()
	_, applied, err := r.recordRefund(ctx, store.RefundPaymentParams{
		PaymentID:  payment.ID,
		RefundID:   e.RefundID,
		Amount:     amount,
		RefundedAt: now,
		Note:       "refund " + e.RefundID + " of " + amount.StringFixed(2) + " " + payment.Currency + " reported by gateway at " + now.Format(time.RFC3339),
	}, "webhook")
	if err != nil {
		return outcomeError, err
	}
	return appliedOutcome(applied), nil
}

// HandleRelayMessage applies a delivery relayed over the message bus. It always
// acknowledges: a bad signature will not get better on redelivery.
func (r *WebhookReconciler) HandleRelayMessage(body []byte) bool {
	var relayed domain.RelayedWebhook
	if err := json.Unmarshal(body, &relayed); err != nil {
		r.logger.WithField("component", "webhook_relay").WithError(err).Warn("failed to unmarshal relayed webhook")
		return true
	}
	if relayed.Payload == "" {
		r.logger.WithField("component", "webhook_relay").Warn("relayed webhook missing payload")
		return true
	}

	if err := r.HandleEvent(context.Background(), []byte(relayed.Payload), relayed.Signature); err != nil {
		r.logger.WithField("component", "webhook_relay").WithError(err).Warn("relayed webhook rejected")
	}
	return true
}
