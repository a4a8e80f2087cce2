package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// User is the read-only view of an account that activity is attributed to.
type User struct {
	ID         string
	Username   string
	DateJoined time.Time
}

// SignupDate returns the calendar day the user joined, in loc.
func (u User) SignupDate(loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.UTC
	}
	return civil.DateOf(u.DateJoined.In(loc))
}

// ActivityRecord marks that a user was active on a calendar date through a medium.
// At most one exists per (user, site, medium, date).
type ActivityRecord struct {
	ID              string
	UserID          string
	Site            string
	Medium          string
	Date            civil.Date
	DaysSinceSignup int
	CreatedAt       time.Time
}

// LastActivity holds the most recent time a user was seen per (user, site, medium).
type LastActivity struct {
	ID     string
	UserID string
	Site   string
	Medium string
	SeenAt time.Time
}

// SignIn is an append-only entry written when a user returns after inactivity.
type SignIn struct {
	ID                 string
	UserID             string
	Site               string
	Medium             string
	At                 time.Time
	PreviousActivityAt time.Time
}

// RequestInfo is the request context handed to notification subscribers.
type RequestInfo struct {
	RequestID  string
	RemoteAddr string
	UserAgent  string
	Path       string
	SessionKey string
}
