package app

import (
	"context"
	"time"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/pkg/logging"
	"github.com/playhive/booking-service/pkg/rabbitmq"
)

const notifyTimeout = 5 * time.Second

// EventNotifier publishes notifications to a topic exchange keyed by event type.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	logger    logging.Logger
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string, logger logging.Logger) *EventNotifier {
	if exchange == "" {
		exchange = "booking.events"
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &EventNotifier{publisher: publisher, exchange: exchange, logger: logger}
}

// Notify publishes without blocking the caller's outcome on the broker. The
// request context may already be done, so publishing runs detached from its
// cancellation with its own timeout.
func (n *EventNotifier) Notify(ctx context.Context, notification domain.Notification) {
	if n.publisher == nil {
		return
	}
	if notification.OccurredAt.IsZero() {
		notification.OccurredAt = time.Now().UTC()
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := n.publisher.Publish(publishCtx, n.exchange, notification.Type, notification); err != nil {
		n.logger.WithFields(logging.Fields{
			"component":  "notifier",
			"event_type": notification.Type,
			"booking_id": notification.BookingID,
		}).WithError(err).Warn("failed to publish notification")
	}
}
