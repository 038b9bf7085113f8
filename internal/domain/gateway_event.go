package domain

import (
	"github.com/shopspring/decimal"
)

// GatewayEvent is a verified webhook delivery decoded at the gateway boundary.
// The set of implementations is closed; handlers switch on the concrete type.
type GatewayEvent interface {
	EventID() string
	gatewayEvent()
}

// PaymentSucceededEvent reports that an intent captured funds.
type PaymentSucceededEvent struct {
	ID       string
	IntentID string
}

// PaymentFailedEvent reports that an intent failed or was canceled.
type PaymentFailedEvent struct {
	ID       string
	IntentID string
	Reason   string
}

// RefundCreatedEvent reports a refund against an intent. Amount is zero when the
// processor did not say how much was refunded.
type RefundCreatedEvent struct {
	ID       string
	IntentID string
	RefundID string
	Amount   decimal.Decimal
}

// IgnoredEvent is any verified delivery this service does not act on.
type IgnoredEvent struct {
	ID   string
	Type string
}

func (e PaymentSucceededEvent) EventID() string { return e.ID }
func (e PaymentFailedEvent) EventID() string    { return e.ID }
func (e RefundCreatedEvent) EventID() string    { return e.ID }
func (e IgnoredEvent) EventID() string          { return e.ID }

func (PaymentSucceededEvent) gatewayEvent() {}
func (PaymentFailedEvent) gatewayEvent()    {}
func (RefundCreatedEvent) gatewayEvent()    {}
func (IgnoredEvent) gatewayEvent()          {}

// GatewayEventType returns the short name used in logs and metrics.
func GatewayEventType(event GatewayEvent) string {
	switch e := event.(type) {
	case PaymentSucceededEvent:
		return "payment_succeeded"
	case PaymentFailedEvent:
		return "payment_failed"
	case RefundCreatedEvent:
		return "refund_created"
	case IgnoredEvent:
		if e.Type != "" {
			return e.Type
		}
		return "ignored"
	default:
		return "unknown"
	}
}

// WebhookRelayRoutingKey is the bus routing key for relayed deliveries.
const WebhookRelayRoutingKey = "payment.webhook.received"

// RelayedWebhook is a raw webhook delivery forwarded over the message bus.
// Payload must be the exact bytes the processor signed.
type RelayedWebhook struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}
