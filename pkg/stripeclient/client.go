/**
 * @description
 * Payment gateway adapter backed by Stripe. It creates and confirms payment intents,
 * issues refunds, and verifies webhook deliveries, decoding them into the typed
 * gateway events the reconciliation engine consumes. Stripe types never leave
 * this package.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v82: Official Stripe client.
 */
package stripeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/pkg/logging"
)

// Client wraps the Stripe operations the booking-service needs.
type Client struct {
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey         string // STRIPE_SECRET_KEY
	WebhookSecret     string // STRIPE_WEBHOOK_SECRET
	MaxNetworkRetries int64
	Logger            logging.Logger
}

// NewClient creates a new Stripe client and configures the global API backend.
func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey

	backendConfig := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.Logger != nil {
		backendConfig.LeveledLogger = cfg.Logger
	}
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig))

	return NewWebhookVerifier(cfg.WebhookSecret, cfg.Logger)
}

// NewWebhookVerifier returns a client that only verifies and decodes webhooks.
func NewWebhookVerifier(webhookSecret string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Client{webhookSecret: webhookSecret, logger: logger}
}

// CreateIntent creates a payment intent. The payment id doubles as the
// idempotency key, so a retried request never creates a second intent.
func (c *Client) CreateIntent(ctx context.Context, req domain.IntentRequest) (*domain.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(domain.MinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("intent-" + req.PaymentID.String())
	params.AddMetadata("payment_id", req.PaymentID.String())
	params.AddMetadata("booking_id", req.BookingID.String())
	params.AddMetadata("parent_id", req.ParentID.String())

	if req.DestinationAccount != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		}
		if fee := domain.MinorUnits(req.ApplicationFee); fee > 0 {
			params.ApplicationFeeAmount = stripe.Int64(fee)
		}
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, gatewayError("create intent", err)
	}

	c.logger.WithFields(logging.Fields{
		"component":  "stripe",
		"intent_id":  pi.ID,
		"booking_id": req.BookingID,
		"routed":     req.DestinationAccount != "",
	}).Info("payment intent created")

	return toIntent(pi), nil
}

// GetStatus fetches the current state of an intent.
func (c *Client) GetStatus(ctx context.Context, intentID string) (*domain.Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(intentID, params)
	if err != nil {
		return nil, gatewayError("get intent", err)
	}
	return toIntent(pi), nil
}

// Confirm runs the server-side confirmation of an intent that GetStatus
// reported as requires_confirmation.
func (c *Client) Confirm(ctx context.Context, intentID string) (*domain.Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	params.SetIdempotencyKey("confirm-" + intentID)
	pi, err := paymentintent.Confirm(intentID, params)
	if err != nil {
		return nil, gatewayError("confirm intent", err)
	}
	return toIntent(pi), nil
}

// Refund refunds part or all of an intent. The idempotency key is derived from
// the local payment so a retried call cannot refund twice.
func (c *Client) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Amount:        stripe.Int64(domain.MinorUnits(req.Amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + req.PaymentID.String())
	params.AddMetadata("payment_id", req.PaymentID.String())
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		params.AddMetadata("reason", reason)
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, gatewayError("refund", err)
	}

	c.logger.WithFields(logging.Fields{
		"component":  "stripe",
		"intent_id":  req.IntentID,
		"refund_id":  r.ID,
		"payment_id": req.PaymentID,
	}).Info("refund created")

	return &domain.RefundResult{
		ID:     r.ID,
		Amount: domain.FromMinorUnits(r.Amount),
		Status: string(r.Status),
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header and decodes the event.
func (c *Client) VerifyWebhook(payload []byte, signature string) (domain.GatewayEvent, error) {
	if c.webhookSecret == "" || strings.TrimSpace(signature) == "" {
		return nil, domain.ErrSignatureMismatch
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		c.logger.WithFields(logging.Fields{"component": "stripe", "error": err}).Warn("webhook signature verification failed")
		return nil, domain.ErrSignatureMismatch
	}

	decoded, err := decodeEvent(event)
	if err != nil {
		// The delivery is authentic; a 4xx would only make Stripe redeliver the
		// same unreadable body until it gives up.
		c.logger.WithFields(logging.Fields{
			"component":  "stripe",
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"error":      err,
		}).Warn("verified webhook payload could not be decoded; acknowledging as ignored")
		return domain.IgnoredEvent{ID: event.ID, Type: string(event.Type)}, nil
	}
	return decoded, nil
}

// decodeEvent maps a verified Stripe event onto the closed set of gateway events.
func decodeEvent(event stripe.Event) (domain.GatewayEvent, error) {
	ignored := domain.IgnoredEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return ignored, nil
	}

	switch string(event.Type) {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		return domain.PaymentSucceededEvent{ID: event.ID, IntentID: pi.ID}, nil

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		return domain.PaymentFailedEvent{ID: event.ID, IntentID: pi.ID, Reason: failureReason(&pi)}, nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return ignored, nil
		}
		refunded := domain.RefundCreatedEvent{
			ID:       event.ID,
			IntentID: ch.PaymentIntent.ID,
			Amount:   domain.FromMinorUnits(ch.AmountRefunded),
		}
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
			refunded.RefundID = ch.Refunds.Data[0].ID
		}
		return refunded, nil

	case "refund.created":
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("decode refund: %w", err)
		}
		if r.PaymentIntent == nil || r.PaymentIntent.ID == "" {
			return ignored, nil
		}
		return domain.RefundCreatedEvent{
			ID:       event.ID,
			IntentID: r.PaymentIntent.ID,
			RefundID: r.ID,
			Amount:   domain.FromMinorUnits(r.Amount),
		}, nil

	default:
		return ignored, nil
	}
}

func toIntent(pi *stripe.PaymentIntent) *domain.Intent {
	return &domain.Intent{
		ID:            pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        normalizeStatus(pi),
		Amount:        domain.FromMinorUnits(pi.Amount),
		Currency:      strings.ToUpper(string(pi.Currency)),
		FailureReason: failureReason(pi),
	}
}

func normalizeStatus(pi *stripe.PaymentIntent) domain.IntentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.IntentSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return domain.IntentProcessing
	case stripe.PaymentIntentStatusCanceled:
		return domain.IntentCanceled
	case stripe.PaymentIntentStatusRequiresConfirmation:
		return domain.IntentRequiresConfirmation
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A previous attempt was declined when an error is attached.
		if pi.LastPaymentError != nil {
			return domain.IntentFailed
		}
		return domain.IntentRequiresAction
	default:
		return domain.IntentRequiresAction
	}
}

func failureReason(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		return pi.LastPaymentError.Msg
	}
	if pi.CancellationReason != "" {
		return string(pi.CancellationReason)
	}
	return ""
}

func gatewayError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return &domain.GatewayError{Op: op, Message: stripeErr.Msg}
	}
	return &domain.GatewayError{Op: op, Message: err.Error()}
}
