package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/require"

	"example.com/retention/internal/domain"
)

var (
	activityRowColumns = []string{"activity_id", "user_id", "site", "medium", "activity_date", "days_since_signup", "created_at"}
	segmentRowColumns  = []string{"segment_id", "category", "user_id", "site", "segment_date", "label", "claimed_at"}
)

func newMockRepository(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewRepository(mock), mock
}

func TestStampActivityInsertsNewRow(t *testing.T) {
	repo, mock := newMockRepository(t)
	day := civil.Date{Year: 2024, Month: time.March, Day: 10}
	createdAt := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO daily_activities`).
		WithArgs("a-1", "u-1", "", "Default", day.In(time.UTC), 3, createdAt).
		WillReturnRows(pgxmock.NewRows(activityRowColumns).
			AddRow("a-1", "u-1", "", "Default", day.In(time.UTC), 3, createdAt))

	stored, created, err := repo.StampActivity(context.Background(), domain.ActivityRecord{
		ID: "a-1", UserID: "u-1", Medium: "Default", Date: day, DaysSinceSignup: 3, CreatedAt: createdAt,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, day, stored.Date)
	require.Equal(t, 3, stored.DaysSinceSignup)
}

func TestStampActivityReturnsExistingRowOnConflict(t *testing.T) {
	repo, mock := newMockRepository(t)
	day := civil.Date{Year: 2024, Month: time.March, Day: 10}
	createdAt := time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO daily_activities`).
		WithArgs(pgxmock.AnyArg(), "u-1", "", "Default", day.In(time.UTC), 3, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(activityRowColumns))
	mock.ExpectQuery(`SELECT .* FROM daily_activities`).
		WithArgs("u-1", "", "Default", day.In(time.UTC)).
		WillReturnRows(pgxmock.NewRows(activityRowColumns).
			AddRow("a-existing", "u-1", "", "Default", day.In(time.UTC), 3, createdAt))

	stored, created, err := repo.StampActivity(context.Background(), domain.ActivityRecord{
		UserID: "u-1", Medium: "Default", Date: day, DaysSinceSignup: 3, CreatedAt: createdAt.Add(time.Hour),
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "a-existing", stored.ID)
	require.Equal(t, createdAt, stored.CreatedAt)
}

func TestGetOrCreateRetriesWhenRowVanishes(t *testing.T) {
	repo, mock := newMockRepository(t)
	day := civil.Date{Year: 2024, Month: time.March, Day: 10}

	for i := 0; i < getOrCreateAttempts; i++ {
		mock.ExpectQuery(`INSERT INTO segment_assignments`).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectQuery(`SELECT .* FROM segment_assignments`).
			WillReturnRows(pgxmock.NewRows(segmentRowColumns))
	}

	_, _, err := repo.ClaimSegment(context.Background(), domain.SegmentAssignment{
		Category: "activity", UserID: "u-1", Date: day, ClaimedAt: time.Now().UTC(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not converge")
}

func TestTouchLastActivityReportsLostRace(t *testing.T) {
	repo, mock := newMockRepository(t)
	previous := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	at := previous.Add(2 * time.Hour)

	mock.ExpectExec(`UPDATE last_activities SET seen_at`).
		WithArgs("la-1", previous, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	won, err := repo.TouchLastActivity(context.Background(), "la-1", previous, at)
	require.NoError(t, err)
	require.False(t, won)
}

func TestFillSegmentDistinguishesFilledFromMissing(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE segment_assignments SET label`).
		WithArgs("s-filled", "active").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("s-filled").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, repo.FillSegment(ctx, "s-filled", "active"))

	mock.ExpectExec(`UPDATE segment_assignments SET label`).
		WithArgs("s-gone", "active").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("s-gone").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	err := repo.FillSegment(ctx, "s-gone", "active")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTouchClaimRequiresPendingRow(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	at := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE segment_assignments SET claimed_at`).
		WithArgs("s-pending", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.TouchClaim(ctx, "s-pending", at))

	mock.ExpectExec(`UPDATE segment_assignments SET claimed_at`).
		WithArgs("s-filled", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := repo.TouchClaim(ctx, "s-filled", at)
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetSegmentNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	day := civil.Date{Year: 2024, Month: time.March, Day: 9}

	mock.ExpectQuery(`SELECT .* FROM segment_assignments`).
		WithArgs("activity", "u-1", "", day.In(time.UTC)).
		WillReturnRows(pgxmock.NewRows(segmentRowColumns))

	_, err := repo.GetSegment(context.Background(), "activity", "u-1", "", day)
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListSegmentsBuildsFilter(t *testing.T) {
	repo, mock := newMockRepository(t)
	start := civil.Date{Year: 2024, Month: time.March, Day: 1}
	claimedAt := time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE site = \$1 AND category = \$2 AND user_id IN \(\$3\) AND segment_date >= \$4 ORDER BY user_id, segment_date, category`).
		WithArgs("eu", "activity", "u-1", start.In(time.UTC)).
		WillReturnRows(pgxmock.NewRows(segmentRowColumns).
			AddRow("s-1", "activity", "u-1", "eu", start.In(time.UTC), "active", claimedAt))

	rows, err := repo.ListSegments(context.Background(), domain.SegmentFilter{
		Category: "activity",
		Site:     "eu",
		UserIDs:  []string{"u-1"},
		Start:    start,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, start, rows[0].Date)
	require.Equal(t, "active", rows[0].Label)
}

func TestRunInTxJoinsAmbientTransaction(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM segment_assignments WHERE segment_id=\$1 AND label=''`).
		WithArgs("s-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := repo.RunInTx(ctx, func(ctx context.Context) error {
		require.True(t, domain.InTransaction(ctx))
		return repo.RunInTx(ctx, func(ctx context.Context) error {
			return repo.ReleaseClaim(ctx, "s-1")
		})
	})
	require.NoError(t, err)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	repo, mock := newMockRepository(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := repo.RunInTx(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}
