package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// SegmentAssignment is the label a user received for a category on a date.
// An empty Label marks a claim placeholder that is still being computed.
type SegmentAssignment struct {
	ID        string
	Category  string
	UserID    string
	Site      string
	Date      civil.Date
	Label     string
	ClaimedAt time.Time
}

// Pending reports whether the row is an unfilled claim.
func (s SegmentAssignment) Pending() bool {
	return s.Label == ""
}

// SegmentFilter narrows segment listings. Zero values leave a field unconstrained.
type SegmentFilter struct {
	Category string
	Site     string
	UserIDs  []string
	Start    civil.Date
	End      civil.Date
}
