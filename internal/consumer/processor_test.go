package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/events"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	payload := []byte(`{"activity_id":"abc"}`)
	msg := kafka.Message{
		Topic:  events.Topic,
		Offset: 10,
		Key:    []byte("u-1"),
		Time:   time.Now().UTC(),
		Value:  payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TypeNewActiveDay)},
		},
	}

	reader := &stubReader{messages: []kafka.Message{msg}}
	handler := &stubHandler{}
	before := testutil.ToFloat64(processedCounter.WithLabelValues(events.Topic, events.TypeNewActiveDay))

	err := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, events.TypeNewActiveDay, handler.last.EventType)
	require.Equal(t, "u-1", handler.last.Key)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
	require.InDelta(t, before+1, testutil.ToFloat64(processedCounter.WithLabelValues(events.Topic, events.TypeNewActiveDay)), 0.0001)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	msg := kafka.Message{
		Topic:   events.Topic,
		Offset:  20,
		Value:   []byte(`{"sign_in_id":"def"}`),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(events.TypeSignedIn)}},
	}

	reader := &stubReader{messages: []kafka.Message{msg}}
	handler := &stubHandler{err: errors.New("boom")}

	err := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Zero(t, reader.commitCalls)
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		{Topic: events.Topic, Value: []byte(`{}`)},
		{Topic: events.Topic, Value: []byte(`not json`), Headers: []kafka.Header{{Key: "event_type", Value: []byte(events.TypeSignedIn)}}},
	}}
	handler := &stubHandler{}
	before := testutil.ToFloat64(decodeErrorCounter.WithLabelValues(events.Topic))

	err := NewProcessor(reader, handler).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
	require.InDelta(t, before+2, testutil.ToFloat64(decodeErrorCounter.WithLabelValues(events.Topic)), 0.0001)
}

func TestAnalyticsHandlerReplaysEvents(t *testing.T) {
	sub := &stubSubscriber{}
	handler := NewAnalyticsHandler(sub, zaptest.NewLogger(t))

	day := events.NewActiveDayFrom(domain.ActivityRecord{
		ID: "a-1", UserID: "u-1", Medium: "Default", Date: civil.Date{Year: 2024, Month: time.March, Day: 10},
	}, domain.RequestInfo{SessionKey: "sess"})
	payload, err := json.Marshal(day)
	require.NoError(t, err)

	require.NoError(t, handler.Handle(context.Background(), Message{EventType: events.TypeNewActiveDay, Payload: payload}))
	require.Equal(t, "u-1", sub.day.UserID)
	require.Equal(t, "sess", sub.req.SessionKey)

	sub.err = domain.ErrIdentification
	require.NoError(t, handler.Handle(context.Background(), Message{EventType: events.TypeNewActiveDay, Payload: payload}))

	sub.err = errors.New("backend down")
	require.Error(t, handler.Handle(context.Background(), Message{EventType: events.TypeNewActiveDay, Payload: payload}))

	require.Error(t, handler.Handle(context.Background(), Message{EventType: "retention.other", Payload: payload}))
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}

type stubSubscriber struct {
	day    domain.ActivityRecord
	signIn domain.SignIn
	req    domain.RequestInfo
	err    error
}

func (s *stubSubscriber) NewDay(_ context.Context, record domain.ActivityRecord, req domain.RequestInfo) error {
	s.day, s.req = record, req
	return s.err
}

func (s *stubSubscriber) SignedIn(_ context.Context, signIn domain.SignIn, req domain.RequestInfo) error {
	s.signIn, s.req = signIn, req
	return s.err
}
