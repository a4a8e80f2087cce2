// Package events defines the retention event payloads carried through the outbox.
package events

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/civil"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

// Topic is the Kafka topic retention events are published to.
const Topic = "retention_events"

// Event types, also sent as the event_type message header.
const (
	TypeNewActiveDay = "retention.new_day"
	TypeSignedIn     = "retention.sign_in"
)

// Request carries the request details analytics backends need to identify the actor.
type Request struct {
	RequestID  string `json:"request_id,omitempty"`
	RemoteAddr string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Path       string `json:"path,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// NewActiveDay is emitted the first time a user is seen on a calendar day through a medium.
type NewActiveDay struct {
	ActivityID      string     `json:"activity_id"`
	UserID          string     `json:"user_id"`
	Site            string     `json:"site,omitempty"`
	Medium          string     `json:"medium"`
	Date            civil.Date `json:"date"`
	DaysSinceSignup int        `json:"days_since_signup"`
	OccurredAt      time.Time  `json:"occurred_at"`
	Request         Request    `json:"request"`
}

// SignedIn is emitted when a user returns after the inactivity window.
type SignedIn struct {
	SignInID           string    `json:"sign_in_id"`
	UserID             string    `json:"user_id"`
	Site               string    `json:"site,omitempty"`
	Medium             string    `json:"medium"`
	At                 time.Time `json:"at"`
	PreviousActivityAt time.Time `json:"previous_activity_at"`
	Request            Request   `json:"request"`
}

// RequestFrom copies the request details.
func RequestFrom(req domain.RequestInfo) Request {
	return Request{
		RequestID:  req.RequestID,
		RemoteAddr: req.RemoteAddr,
		UserAgent:  req.UserAgent,
		Path:       req.Path,
		SessionKey: req.SessionKey,
	}
}

// Info converts back to the domain request view.
func (r Request) Info() domain.RequestInfo {
	return domain.RequestInfo{
		RequestID:  r.RequestID,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent,
		Path:       r.Path,
		SessionKey: r.SessionKey,
	}
}

// NewActiveDayFrom builds the payload for a freshly stamped activity record.
func NewActiveDayFrom(record domain.ActivityRecord, req domain.RequestInfo) NewActiveDay {
	return NewActiveDay{
		ActivityID:      record.ID,
		UserID:          record.UserID,
		Site:            record.Site,
		Medium:          record.Medium,
		Date:            record.Date,
		DaysSinceSignup: record.DaysSinceSignup,
		OccurredAt:      record.CreatedAt,
		Request:         RequestFrom(req),
	}
}

// Record converts the payload back to an activity record.
func (e NewActiveDay) Record() domain.ActivityRecord {
	return domain.ActivityRecord{
		ID:              e.ActivityID,
		UserID:          e.UserID,
		Site:            e.Site,
		Medium:          e.Medium,
		Date:            e.Date,
		DaysSinceSignup: e.DaysSinceSignup,
		CreatedAt:       e.OccurredAt,
	}
}

// SignedInFrom builds the payload for a new sign-in.
func SignedInFrom(signIn domain.SignIn, req domain.RequestInfo) SignedIn {
	return SignedIn{
		SignInID:           signIn.ID,
		UserID:             signIn.UserID,
		Site:               signIn.Site,
		Medium:             signIn.Medium,
		At:                 signIn.At,
		PreviousActivityAt: signIn.PreviousActivityAt,
		Request:            RequestFrom(req),
	}
}

// SignIn converts the payload back to a sign-in.
func (e SignedIn) SignIn() domain.SignIn {
	return domain.SignIn{
		ID:                 e.SignInID,
		UserID:             e.UserID,
		Site:               e.Site,
		Medium:             e.Medium,
		At:                 e.At,
		PreviousActivityAt: e.PreviousActivityAt,
	}
}

// Decode parses payload according to eventType. It returns NewActiveDay or SignedIn.
func Decode(eventType string, payload []byte) (any, error) {
	switch eventType {
	case TypeNewActiveDay:
		var event NewActiveDay
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, xerrors.Errorf("decode %s: %w", eventType, err)
		}
		return event, nil
	case TypeSignedIn:
		var event SignedIn
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, xerrors.Errorf("decode %s: %w", eventType, err)
		}
		return event, nil
	default:
		return nil, xerrors.Errorf("unknown event type %q", eventType)
	}
}
