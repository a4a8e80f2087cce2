package analytics

import (
	"context"
	"time"

	"example.com/retention/internal/domain"
)

// Subscriber forwards recorder notifications to a Set. It implements notify.Subscriber.
type Subscriber struct {
	set *Set
}

// NewSubscriber constructs a Subscriber.
func NewSubscriber(set *Set) *Subscriber {
	return &Subscriber{set: set}
}

// NewDay submits EventNewActiveDay.
func (s *Subscriber) NewDay(ctx context.Context, record domain.ActivityRecord, req domain.RequestInfo) error {
	return s.set.Submit(ctx, EventNewActiveDay, NewDayProperties(record), ActorFor(record.UserID, req))
}

// SignedIn submits EventSignedIn.
func (s *Subscriber) SignedIn(ctx context.Context, signIn domain.SignIn, req domain.RequestInfo) error {
	return s.set.Submit(ctx, EventSignedIn, SignInProperties(signIn), ActorFor(signIn.UserID, req))
}

// NewDayProperties describes an activity record.
func NewDayProperties(record domain.ActivityRecord) Properties {
	props := Properties{
		"Medium":            record.Medium,
		"Date":              record.Date.String(),
		"Days Since Signup": record.DaysSinceSignup,
	}
	if record.Site != "" {
		props["Site"] = record.Site
	}
	return props
}

// SignInProperties describes a sign-in.
func SignInProperties(signIn domain.SignIn) Properties {
	props := Properties{
		"Medium":            signIn.Medium,
		"Inactive Seconds":  int64(signIn.At.Sub(signIn.PreviousActivityAt).Seconds()),
		"Previous Activity": signIn.PreviousActivityAt.UTC().Format(time.RFC3339),
	}
	if signIn.Site != "" {
		props["Site"] = signIn.Site
	}
	return props
}
