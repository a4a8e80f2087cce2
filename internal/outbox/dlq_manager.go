package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// DLQManager replays failed outbox messages and quarantines entries that keep failing.
type DLQManager struct {
	db         DB
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

// NewDLQManager constructs a DLQManager. Non-positive limits fall back to 5 retries and a one minute base delay.
func NewDLQManager(db DB, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQManager{db: db, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// RunOnce processes a batch of due DLQ entries and returns how many were re-queued.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, site, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at
        LIMIT $1`

	rows, err := m.db.Query(ctx, query, batchSize)
	if err != nil {
		return 0, xerrors.Errorf("load dlq entries: %w", err)
	}
	entries := make([]dlqEntry, 0)
	for rows.Next() {
		entry, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}
	rows.Close()

	requeued := 0
	for _, entry := range entries {
		ok, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		if ok {
			requeued++
		}
	}
	m.updateBacklog(ctx)
	return requeued, err
}

// handleEntry quarantines, re-queues or reschedules one entry. It reports whether the entry was re-queued.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (_ bool, err error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if entry.RetryCount >= m.maxRetries {
		if _, err = tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, "retry limit reached", entry.ID); err != nil {
			return false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return false, err
		}
		m.logger.Warn("dlq entry quarantined", zap.Int64("dlq_id", entry.ID), zap.String("event_type", entry.EventType))
		dlqQuarantinedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
		return false, nil
	}

	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		delay := m.backoffDelay(entry.RetryCount + 1)
		if _, err = tx.Exec(ctx,
			`UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = NOW(),
                   next_retry_at = NOW() + $1::interval,
                   reason = $2
             WHERE dlq_id = $3`,
			delay, insertErr.Error(), entry.ID,
		); err != nil {
			return false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return false, err
		}
		dlqRetryCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
		return false, nil
	}

	if _, err = tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	dlqRequeuedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
	return true, nil
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

func (m *DLQManager) updateBacklog(ctx context.Context) {
	var count int
	if err := m.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
}

// requeueOutbox reinserts the payload into the outbox under a replay-specific dedupe key.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	const stmt = `INSERT INTO outbox (site, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err := tx.Exec(ctx, stmt,
		entry.Site,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.PartitionKey,
		entry.Payload,
		fmt.Sprintf("dlq:%d:%d", entry.ID, entry.RetryCount),
	)
	return err
}

type dlqEntry struct {
	ID            int64
	Site          string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(rows pgx.Rows) (dlqEntry, error) {
	var entry dlqEntry
	if err := rows.Scan(&entry.ID, &entry.Site, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.PartitionKey, &entry.RetryCount); err != nil {
		return dlqEntry{}, err
	}
	return entry, nil
}
