// Package outbox persists retention events transactionally and delivers them to Kafka.
package outbox

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the outbox needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	Site          string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
}

// EventTypeHeader names the Kafka header carrying Message.EventType.
const EventTypeHeader = "event_type"
