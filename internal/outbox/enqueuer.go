package outbox

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/events"
)

// Enqueuer writes recorder notifications into the outbox table. It implements notify.Subscriber.
type Enqueuer struct {
	db     DB
	topic  string
	logger *zap.Logger
}

// NewEnqueuer constructs an Enqueuer publishing to topic (events.Topic when empty).
func NewEnqueuer(db DB, topic string, logger *zap.Logger) *Enqueuer {
	if topic == "" {
		topic = events.Topic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{db: db, topic: topic, logger: logger}
}

// NewDay enqueues a retention.new_day event.
func (e *Enqueuer) NewDay(ctx context.Context, record domain.ActivityRecord, req domain.RequestInfo) error {
	return e.enqueue(ctx, entry{
		site:          record.Site,
		aggregateType: "daily_activity",
		aggregateID:   record.ID,
		eventType:     events.TypeNewActiveDay,
		partitionKey:  record.UserID,
		dedupeKey:     events.TypeNewActiveDay + ":" + record.ID,
		payload:       events.NewActiveDayFrom(record, req),
	})
}

// SignedIn enqueues a retention.sign_in event.
func (e *Enqueuer) SignedIn(ctx context.Context, signIn domain.SignIn, req domain.RequestInfo) error {
	return e.enqueue(ctx, entry{
		site:          signIn.Site,
		aggregateType: "sign_in",
		aggregateID:   signIn.ID,
		eventType:     events.TypeSignedIn,
		partitionKey:  signIn.UserID,
		dedupeKey:     events.TypeSignedIn + ":" + signIn.ID,
		payload:       events.SignedInFrom(signIn, req),
	})
}

type entry struct {
	site          string
	aggregateType string
	aggregateID   string
	eventType     string
	partitionKey  string
	dedupeKey     string
	payload       any
}

func (e *Enqueuer) enqueue(ctx context.Context, ev entry) error {
	payload, err := json.Marshal(ev.payload)
	if err != nil {
		return xerrors.Errorf("encode %s payload: %w", ev.eventType, err)
	}

	const stmt = `INSERT INTO outbox (site, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	tag, err := e.db.Exec(ctx, stmt, ev.site, ev.aggregateType, ev.aggregateID, ev.eventType, e.topic, ev.partitionKey, payload, ev.dedupeKey)
	if err != nil {
		return xerrors.Errorf("enqueue %s for %s: %w", ev.eventType, ev.aggregateID, err)
	}
	if tag.RowsAffected() == 0 {
		e.logger.Debug("outbox event already enqueued", zap.String("dedupe_key", ev.dedupeKey))
		return nil
	}
	enqueuedCounter.WithLabelValues(ev.eventType).Inc()
	return nil
}
