package outbox

import (
	"context"

	"golang.org/x/xerrors"
)

// DLQWriter persists failed events for investigation and replay.
type DLQWriter struct {
	db DB
}

// NewDLQWriter initialises a writer backed by db.
func NewDLQWriter(db DB) *DLQWriter {
	return &DLQWriter{db: db}
}

// Write records a failed outbox message in the DLQ alongside the supplied reason.
// The first replay is due immediately.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	const stmt = `INSERT INTO outbox_dlq (site, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, partition_key, next_retry_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, NOW())`

	if _, err := w.db.Exec(ctx, stmt,
		msg.Site, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason, msg.AggregateType, msg.AggregateID, msg.PartitionKey,
	); err != nil {
		return xerrors.Errorf("write event %d to dlq: %w", msg.EventID, err)
	}
	return nil
}
