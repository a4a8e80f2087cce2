package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"

	"example.com/retention/internal/auth"
	"example.com/retention/internal/domain"
	"example.com/retention/internal/persistence/memory"
	"example.com/retention/internal/retention"
)

type trackingFixture struct {
	store   *memory.Store
	handler http.Handler
	user    domain.User
}

func newTrackingFixture(t *testing.T, status int) trackingFixture {
	t.Helper()
	clock := newClock(t)
	store := memory.NewStore()
	user := domain.User{ID: "u-1", Username: "alice", DateJoined: testNow.AddDate(0, 0, -4)}
	store.PutUser(user)

	tracking := NewTracking(store,
		retention.NewRecorder(store, retention.WithClock(clock)),
		retention.NewSignInTracker(store, retention.WithClock(clock)),
		WithTrackingClock(clock),
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	return trackingFixture{store: store, handler: tracking.Wrap(next), user: user}
}

func (f trackingFixture) stamped(t *testing.T, site string) bool {
	t.Helper()
	ok, err := f.store.HasActivityOn(context.Background(), f.user.ID, site, civil.DateOf(testNow))
	require.NoError(t, err)
	return ok
}

func TestTrackingRecordsSuccessfulAuthenticatedRequests(t *testing.T) {
	f := newTrackingFixture(t, http.StatusOK)

	req := withClaims(httptest.NewRequest(http.MethodGet, "/dashboard", nil), &auth.Claims{Subject: f.user.ID, Site: "eu"})
	req.Header.Set(MediumHeader, "ios")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.True(t, f.stamped(t, "eu"))
	signIns := f.store.SignIns(f.user.ID)
	require.Len(t, signIns, 1)
	require.Equal(t, "ios", signIns[0].Medium)
	require.Equal(t, "eu", signIns[0].Site)

	_, ok := f.store.LastActivityFor(f.user.ID, "eu", "ios")
	require.True(t, ok)
}

func TestTrackingSkipsIneligibleRequests(t *testing.T) {
	f := newTrackingFixture(t, http.StatusOK)

	anonymous := httptest.NewRequest(http.MethodGet, "/", nil)
	f.handler.ServeHTTP(httptest.NewRecorder(), anonymous)

	xhr := withClaims(httptest.NewRequest(http.MethodGet, "/", nil), &auth.Claims{Subject: f.user.ID})
	xhr.Header.Set("X-Requested-With", "XMLHttpRequest")
	f.handler.ServeHTTP(httptest.NewRecorder(), xhr)

	unknown := withClaims(httptest.NewRequest(http.MethodGet, "/", nil), &auth.Claims{Subject: "u-missing"})
	f.handler.ServeHTTP(httptest.NewRecorder(), unknown)

	require.False(t, f.stamped(t, ""))
	require.Empty(t, f.store.SignIns(f.user.ID))
}

func TestTrackingSkipsFailedResponses(t *testing.T) {
	f := newTrackingFixture(t, http.StatusNotFound)

	req := withClaims(httptest.NewRequest(http.MethodGet, "/missing", nil), &auth.Claims{Subject: f.user.ID})
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.False(t, f.stamped(t, ""))
}

func TestRequestInfoFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("User-Agent", "tests/1.0")

	info := RequestInfoFrom(req, &auth.Claims{SessionID: "sess-claims"})
	require.Equal(t, domain.RequestInfo{
		RequestID:  "req-1",
		RemoteAddr: "10.0.0.7",
		UserAgent:  "tests/1.0",
		Path:       "/feed",
		SessionKey: "sess-claims",
	}, info)

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-cookie"})
	info = RequestInfoFrom(req, nil)
	require.Equal(t, "203.0.113.9", info.RemoteAddr)
	require.Equal(t, "sess-cookie", info.SessionKey)
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusInternalServerError)
	require.Equal(t, http.StatusCreated, rec.status)
}
