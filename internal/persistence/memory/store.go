// Package memory provides an in-process store used for local development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

type activityKey struct {
	userID, site, medium string
	date                 civil.Date
}

type lastActivityKey struct {
	userID, site, medium string
}

type signInKey struct {
	userID, site, medium string
	at                   int64
}

type segmentKey struct {
	category, userID, site string
	date                   civil.Date
}

// Store keeps every entity in maps guarded by a single mutex, so each
// get-or-create is atomic the same way a unique index makes it atomic in Postgres.
type Store struct {
	mu             sync.RWMutex
	users          map[string]domain.User
	activities     map[activityKey]domain.ActivityRecord
	lastActivities map[lastActivityKey]domain.LastActivity
	signIns        map[signInKey]domain.SignIn
	segments       map[segmentKey]domain.SegmentAssignment
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		users:          make(map[string]domain.User),
		activities:     make(map[activityKey]domain.ActivityRecord),
		lastActivities: make(map[lastActivityKey]domain.LastActivity),
		signIns:        make(map[signInKey]domain.SignIn),
		segments:       make(map[segmentKey]domain.SegmentAssignment),
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(user.ID) == "" {
		user.ID = uuid.NewString()
	}
	s.users[user.ID] = user
}

// RunInTx marks ctx as transactional. The map store has no isolation to offer.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(domain.ContextWithTx(ctx, s))
}

// GetUser implements domain.UserStore.
func (s *Store) GetUser(_ context.Context, userID string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return domain.User{}, xerrors.Errorf("user %q: %w", userID, domain.ErrNotFound)
	}
	return user, nil
}

// UsersByUsername implements domain.UserStore.
func (s *Store) UsersByUsername(_ context.Context, usernames []string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(usernames))
	for _, name := range usernames {
		wanted[name] = struct{}{}
	}
	out := make([]domain.User, 0, len(s.users))
	for _, user := range s.users {
		if len(wanted) > 0 {
			if _, ok := wanted[user.Username]; !ok {
				continue
			}
		}
		out = append(out, user)
	}
	sortUsers(out)
	return out, nil
}

// UsersJoinedBetween implements domain.UserStore.
func (s *Store) UsersJoinedBetween(_ context.Context, start, end time.Time) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.User, 0)
	for _, user := range s.users {
		if user.DateJoined.Before(start) || user.DateJoined.After(end) {
			continue
		}
		out = append(out, user)
	}
	sortUsers(out)
	return out, nil
}

// StampActivity implements domain.ActivityStore.
func (s *Store) StampActivity(_ context.Context, record domain.ActivityRecord) (domain.ActivityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activityKey{userID: record.UserID, site: record.Site, medium: record.Medium, date: record.Date}
	if existing, ok := s.activities[key]; ok {
		return existing, false, nil
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.activities[key] = record
	return record, true, nil
}

// ActivitiesInDayRange implements domain.ActivityStore.
func (s *Store) ActivitiesInDayRange(_ context.Context, userIDs []string, startDay, endDay int) ([]domain.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		members[id] = struct{}{}
	}
	out := make([]domain.ActivityRecord, 0)
	for _, record := range s.activities {
		if _, ok := members[record.UserID]; !ok {
			continue
		}
		if record.DaysSinceSignup < startDay || record.DaysSinceSignup >= endDay {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HasActivityOn implements domain.ActivityStore.
func (s *Store) HasActivityOn(_ context.Context, userID, site string, date civil.Date) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key := range s.activities {
		if key.userID == userID && key.site == site && key.date == date {
			return true, nil
		}
	}
	return false, nil
}

// GetOrCreateLastActivity implements domain.LastActivityStore.
func (s *Store) GetOrCreateLastActivity(_ context.Context, snapshot domain.LastActivity) (domain.LastActivity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lastActivityKey{userID: snapshot.UserID, site: snapshot.Site, medium: snapshot.Medium}
	if existing, ok := s.lastActivities[key]; ok {
		return existing, false, nil
	}
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	s.lastActivities[key] = snapshot
	return snapshot, true, nil
}

// TouchLastActivity implements domain.LastActivityStore.
func (s *Store) TouchLastActivity(_ context.Context, id string, previous, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, snapshot := range s.lastActivities {
		if snapshot.ID != id {
			continue
		}
		if !snapshot.SeenAt.Equal(previous) {
			return false, nil
		}
		snapshot.SeenAt = at
		s.lastActivities[key] = snapshot
		return true, nil
	}
	return false, xerrors.Errorf("last activity %q: %w", id, domain.ErrNotFound)
}

// CreateSignIn implements domain.LastActivityStore.
func (s *Store) CreateSignIn(_ context.Context, signIn domain.SignIn) (domain.SignIn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signInKey{userID: signIn.UserID, site: signIn.Site, medium: signIn.Medium, at: signIn.At.UnixNano()}
	if existing, ok := s.signIns[key]; ok {
		return existing, false, nil
	}
	if signIn.ID == "" {
		signIn.ID = uuid.NewString()
	}
	s.signIns[key] = signIn
	return signIn, true, nil
}

// SignIns returns the sign-in log for a user ordered by time.
func (s *Store) SignIns(userID string) []domain.SignIn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SignIn, 0)
	for _, signIn := range s.signIns {
		if signIn.UserID == userID {
			out = append(out, signIn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// LastActivityFor returns the snapshot for a key, if any.
func (s *Store) LastActivityFor(userID, site, medium string) (domain.LastActivity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.lastActivities[lastActivityKey{userID: userID, site: site, medium: medium}]
	return snapshot, ok
}

// ClaimSegment implements domain.SegmentStore.
func (s *Store) ClaimSegment(_ context.Context, claim domain.SegmentAssignment) (domain.SegmentAssignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := segmentKey{category: claim.Category, userID: claim.UserID, site: claim.Site, date: claim.Date}
	if existing, ok := s.segments[key]; ok {
		return existing, false, nil
	}
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	claim.Label = ""
	s.segments[key] = claim
	return claim, true, nil
}

// GetSegment implements domain.SegmentStore.
func (s *Store) GetSegment(_ context.Context, category, userID, site string, date civil.Date) (domain.SegmentAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	segment, ok := s.segments[segmentKey{category: category, userID: userID, site: site, date: date}]
	if !ok {
		return domain.SegmentAssignment{}, xerrors.Errorf("segment %s/%s/%s: %w", category, userID, date, domain.ErrNotFound)
	}
	return segment, nil
}

// FillSegment implements domain.SegmentStore.
func (s *Store) FillSegment(_ context.Context, id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, segment := range s.segments {
		if segment.ID != id {
			continue
		}
		if !segment.Pending() {
			return nil
		}
		segment.Label = label
		s.segments[key] = segment
		return nil
	}
	return xerrors.Errorf("segment %q: %w", id, domain.ErrNotFound)
}

// TouchClaim implements domain.SegmentStore.
func (s *Store) TouchClaim(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, segment := range s.segments {
		if segment.ID == id && segment.Pending() {
			segment.ClaimedAt = at
			s.segments[key] = segment
			return nil
		}
	}
	return xerrors.Errorf("pending segment %q: %w", id, domain.ErrNotFound)
}

// ReleaseClaim implements domain.SegmentStore.
func (s *Store) ReleaseClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, segment := range s.segments {
		if segment.ID == id && segment.Pending() {
			delete(s.segments, key)
			return nil
		}
	}
	return nil
}

// ReleaseStaleClaims implements domain.SegmentStore.
func (s *Store) ReleaseStaleClaims(_ context.Context, category, userID, site string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for key, segment := range s.segments {
		if key.category != category || key.userID != userID || key.site != site {
			continue
		}
		if segment.Pending() && segment.ClaimedAt.Before(cutoff) {
			delete(s.segments, key)
			released++
		}
	}
	return released, nil
}

// SegmentDates implements domain.SegmentStore.
func (s *Store) SegmentDates(_ context.Context, category, userID, site string, start, end civil.Date) ([]civil.Date, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]civil.Date, 0)
	for key := range s.segments {
		if key.category != category || key.userID != userID || key.site != site {
			continue
		}
		if key.date.Before(start) || key.date.After(end) {
			continue
		}
		out = append(out, key.date)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// ListSegments implements domain.SegmentStore.
func (s *Store) ListSegments(_ context.Context, filter domain.SegmentFilter) ([]domain.SegmentAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[string]struct{}, len(filter.UserIDs))
	for _, id := range filter.UserIDs {
		users[id] = struct{}{}
	}
	out := make([]domain.SegmentAssignment, 0)
	for key, segment := range s.segments {
		if filter.Category != "" && key.category != filter.Category {
			continue
		}
		if key.site != filter.Site {
			continue
		}
		if len(users) > 0 {
			if _, ok := users[key.userID]; !ok {
				continue
			}
		}
		if filter.Start.IsValid() && key.date.Before(filter.Start) {
			continue
		}
		if filter.End.IsValid() && key.date.After(filter.End) {
			continue
		}
		out = append(out, segment)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

// DeleteSegments implements domain.SegmentStore.
func (s *Store) DeleteSegments(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}
	deleted := 0
	for key, segment := range s.segments {
		if _, ok := doomed[segment.ID]; ok {
			delete(s.segments, key)
			deleted++
		}
	}
	return deleted, nil
}

func sortUsers(users []domain.User) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].DateJoined.Equal(users[j].DateJoined) {
			return users[i].DateJoined.Before(users[j].DateJoined)
		}
		return users[i].ID < users[j].ID
	})
}
