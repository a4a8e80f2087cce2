package consumer

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/events"
	"example.com/retention/internal/notify"
)

// AnalyticsHandler replays outbox events into a notification subscriber,
// normally an analytics.Subscriber.
type AnalyticsHandler struct {
	subscriber notify.Subscriber
	logger     *zap.Logger
}

// NewAnalyticsHandler constructs an AnalyticsHandler.
func NewAnalyticsHandler(subscriber notify.Subscriber, logger *zap.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyticsHandler{subscriber: subscriber, logger: logger}
}

// Handle implements Handler. Events whose actor cannot be identified are
// acknowledged; there is nothing to retry.
func (h *AnalyticsHandler) Handle(ctx context.Context, msg Message) error {
	decoded, err := events.Decode(msg.EventType, msg.Payload)
	if err != nil {
		return err
	}

	switch event := decoded.(type) {
	case events.NewActiveDay:
		err = h.subscriber.NewDay(ctx, event.Record(), event.Request.Info())
	case events.SignedIn:
		err = h.subscriber.SignedIn(ctx, event.SignIn(), event.Request.Info())
	default:
		return xerrors.Errorf("unhandled event %T", decoded)
	}

	if errors.Is(err, domain.ErrIdentification) {
		h.logger.Debug("dropping event for unidentified actor", zap.String("event_type", msg.EventType), zap.Int64("offset", msg.Offset))
		return nil
	}
	return err
}
