package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/playhive/booking-service/internal/domain"
)

// PaymentGateway is the card processor as seen by the orchestrator.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req domain.IntentRequest) (*domain.Intent, error)
	GetStatus(ctx context.Context, intentID string) (*domain.Intent, error)
	Confirm(ctx context.Context, intentID string) (*domain.Intent, error)
	Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error)
}

// WebhookVerifier authenticates a raw delivery and decodes it into a typed event.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (domain.GatewayEvent, error)
}

// VenueDirectory resolves the payout sub-account funds are routed to.
// An empty account means the platform keeps the funds.
type VenueDirectory interface {
	PayoutAccount(ctx context.Context, venueID uuid.UUID) (string, error)
}

// Notifier delivers domain events downstream. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, notification domain.Notification)
}

// Clock returns the current instant. Operations read it once.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, domain.Notification) {}
