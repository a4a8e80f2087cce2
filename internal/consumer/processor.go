// Package consumer reads retention events from Kafka and hands them to a Handler.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record emitted by the outbox dispatcher.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Timestamp time.Time
	EventType string
	Payload   json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader  Reader
	handler Handler
	logger  *zap.Logger
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes Kafka messages until the context is cancelled. A message is
// committed only after its handler succeeds; malformed messages are committed
// and dropped.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("fetch error", zap.Error(err))
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Warn("decode error",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(decodeErr),
			)
			recordDecodeError(msg.Topic)
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Error("commit error after decode failure", zap.Error(commitErr))
			}
			continue
		}

		if handleErr := p.handler.Handle(ctx, event); handleErr != nil {
			p.logger.Error("handler error", zap.String("event_type", event.EventType), zap.String("key", event.Key), zap.Error(handleErr))
			recordHandlerError(event)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Error("commit error", zap.Error(commitErr))
		} else {
			recordProcessed(event)
		}
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) == 0 {
		return Message{}, errors.New("empty payload")
	}
	if !json.Valid(msg.Value) {
		return Message{}, errors.New("payload is not valid JSON")
	}

	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}

	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Timestamp: msg.Time,
		EventType: string(eventType),
		Payload:   json.RawMessage(append([]byte(nil), msg.Value...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
