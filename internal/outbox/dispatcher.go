package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// claimTimeout is how long a claimed but unpublished row stays invisible to other dispatchers.
const claimTimeout = time.Minute

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the clock driving the poll loop.
func WithClock(clock quartz.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	db               DB
	producer         messageWriter
	dlq              *DLQWriter
	pollInterval     time.Duration
	batchSize        int
	clock            quartz.Clock
	logger           *zap.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(db DB, producer messageWriter, pollInterval time.Duration, batchSize int, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		db:               db,
		producer:         producer,
		dlq:              NewDLQWriter(db),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		clock:            quartz.NewReal(),
		logger:           zap.NewNop(),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the polling loop until ctx ends. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := d.clock.NewTicker(d.pollInterval, "outbox", "poll")
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox dispatcher error", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start returns.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// RunOnce claims and delivers one batch, returning how many rows it handled.
// Rows that fail delivery are copied to the DLQ and still marked published.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	start := d.clock.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	defer func() { batchDuration.Observe(d.clock.Since(start).Seconds()) }()

	if err := d.deliver(ctx, messages); err != nil {
		d.logger.Warn("outbox delivery failure", zap.Int("messages", len(messages)), zap.Error(err))
		failedCounter.Add(float64(len(messages)))
		if dlqErr := d.moveToDLQ(ctx, messages, err.Error()); dlqErr != nil {
			return 0, dlqErr
		}
		return len(messages), d.markPublished(ctx, messages)
	}

	deliveredCounter.Add(float64(len(messages)))
	return len(messages), d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (_ []Message, err error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, xerrors.Errorf("begin outbox claim: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, site, aggregate_type, aggregate_id, event_type, topic, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL AND (claimed_at IS NULL OR claimed_at < $2)
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize, d.clock.Now().Add(-claimTimeout))
	if err != nil {
		return nil, err
	}
	messages, ids, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = $2 WHERE event_id = ANY($1)`, ids, d.clock.Now()); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return messages, nil
}

func scanMessages(rows pgx.Rows) ([]Message, []int64, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.EventID, &msg.Site, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.PartitionKey, &msg.Payload); err != nil {
			return nil, nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	return messages, ids, rows.Err()
}

// ErrMissingEventType rejects outbox rows that cannot carry the event_type header.
var ErrMissingEventType = errors.New("outbox event has no event_type")

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	batches := make(map[string][]kafka.Message)
	order := make([]string, 0)

	for _, msg := range messages {
		if msg.EventType == "" {
			return xerrors.Errorf("outbox event %d: %w", msg.EventID, ErrMissingEventType)
		}
		record := kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: []byte(msg.Payload),
			Headers: []kafka.Header{
				{Key: EventTypeHeader, Value: []byte(msg.EventType)},
			},
			Time: d.clock.Now().UTC(),
		}
		if _, ok := batches[msg.Topic]; !ok {
			order = append(order, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], record)
	}

	for _, topic := range order {
		if err := d.producer.WriteMessages(ctx, topic, batches[topic]...); err != nil {
			return xerrors.Errorf("write %d messages to %s: %w", len(batches[topic]), topic, err)
		}
	}
	return nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	if _, err := d.db.Exec(ctx, `UPDATE outbox SET published_at = $2 WHERE event_id = ANY($1)`, ids, d.clock.Now()); err != nil {
		return xerrors.Errorf("mark %d outbox events published: %w", len(ids), err)
	}
	return nil
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	var err error
	for _, msg := range messages {
		entryReason := fmt.Sprintf("%s (topic=%s)", reason, msg.Topic)
		if writeErr := d.dlq.Write(ctx, msg, entryReason); writeErr != nil {
			err = errors.Join(err, writeErr)
			continue
		}
		dlqCounter.WithLabelValues(msg.Topic).Inc()
	}
	return err
}
