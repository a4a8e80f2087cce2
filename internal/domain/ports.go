// Package domain defines the entities and storage contracts shared by the retention and segment engines.
package domain

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
)

// UserStore reads accounts owned by the host application.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (User, error)
	// UsersByUsername returns every user when usernames is empty.
	UsersByUsername(ctx context.Context, usernames []string) ([]User, error)
	// UsersJoinedBetween returns users whose DateJoined lies in [start, end].
	UsersJoinedBetween(ctx context.Context, start, end time.Time) ([]User, error)
}

// ActivityStore persists daily activity stamps.
type ActivityStore interface {
	// StampActivity inserts the record unless one already exists for its key and
	// returns the surviving row. created is true only for the caller whose insert won.
	StampActivity(ctx context.Context, record ActivityRecord) (ActivityRecord, bool, error)
	// ActivitiesInDayRange returns records of the given users with DaysSinceSignup in [startDay, endDay).
	ActivitiesInDayRange(ctx context.Context, userIDs []string, startDay, endDay int) ([]ActivityRecord, error)
	// HasActivityOn reports whether any record exists for the user and site on date.
	HasActivityOn(ctx context.Context, userID, site string, date civil.Date) (bool, error)
}

// LastActivityStore persists last-seen snapshots and sign-in history.
type LastActivityStore interface {
	GetOrCreateLastActivity(ctx context.Context, snapshot LastActivity) (LastActivity, bool, error)
	// TouchLastActivity moves SeenAt from previous to at. It returns false when
	// another writer changed the row first.
	TouchLastActivity(ctx context.Context, id string, previous, at time.Time) (bool, error)
	CreateSignIn(ctx context.Context, signIn SignIn) (SignIn, bool, error)
}

// SegmentStore persists segment assignments and their claim placeholders.
type SegmentStore interface {
	// ClaimSegment creates a placeholder for the assignment key unless a row exists,
	// returning the surviving row and whether this call created it.
	ClaimSegment(ctx context.Context, claim SegmentAssignment) (SegmentAssignment, bool, error)
	GetSegment(ctx context.Context, category, userID, site string, date civil.Date) (SegmentAssignment, error)
	// FillSegment stores label on a pending row. Filled rows are never overwritten.
	FillSegment(ctx context.Context, id, label string) error
	// TouchClaim moves a pending row's ClaimedAt to at. It returns ErrNotFound
	// once the row is gone or filled.
	TouchClaim(ctx context.Context, id string, at time.Time) error
	// ReleaseClaim deletes a row only while it is still pending.
	ReleaseClaim(ctx context.Context, id string) error
	// ReleaseStaleClaims deletes the user's pending rows claimed before cutoff.
	ReleaseStaleClaims(ctx context.Context, category, userID, site string, cutoff time.Time) (int, error)
	SegmentDates(ctx context.Context, category, userID, site string, start, end civil.Date) ([]civil.Date, error)
	ListSegments(ctx context.Context, filter SegmentFilter) ([]SegmentAssignment, error)
	DeleteSegments(ctx context.Context, ids []string) (int, error)
}

// Transactor runs fn inside a store transaction carried on the context.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier receives fire-and-forget notifications from the recorders.
// Implementations must not block the caller on subscriber work.
type Notifier interface {
	NewDay(ctx context.Context, record ActivityRecord, req RequestInfo)
	SignedIn(ctx context.Context, signIn SignIn, req RequestInfo)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// NewDay does nothing.
func (NopNotifier) NewDay(context.Context, ActivityRecord, RequestInfo) {}

// SignedIn does nothing.
func (NopNotifier) SignedIn(context.Context, SignIn, RequestInfo) {}

type txKey struct{}

// ContextWithTx marks ctx as carrying an open store transaction.
func ContextWithTx(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored by ContextWithTx.
func TxFromContext(ctx context.Context) (any, bool) {
	tx := ctx.Value(txKey{})
	return tx, tx != nil
}

// InTransaction reports whether ctx carries an open store transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := TxFromContext(ctx)
	return ok
}

// WithoutTx returns ctx with any carried transaction removed. Work that
// outlives the caller must not write through the caller's transaction.
func WithoutTx(ctx context.Context) context.Context {
	if !InTransaction(ctx) {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, nil)
}
