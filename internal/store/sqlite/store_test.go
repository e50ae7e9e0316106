package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/spider"
)

var fixedNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, clock.NewManual(fixedNow)), mock
}

func TestFindByStatusBuildsInClause(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM spiders WHERE status IN \(\?,\?\) ORDER BY name`).
		WithArgs("start", "delete").
		WillReturnRows(sqlmock.NewRows([]string{"name", "status", "comment", "rate", "searchable", "stats", "updated_at"}).
			AddRow("alpha", "start", "", 2, false, `{"records":4}`, fixedNow))

	defs, err := store.FindByStatus(context.Background(), spider.StatusStart, spider.StatusDelete)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.EqualValues(t, 4, defs[0].Stats.Records)
	require.Equal(t, 2, defs[0].Rate)
	require.NoError(t, mock.ExpectationsWereMet())

	none, err := store.FindByStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSetStatusUsesClock(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE spiders SET status = \?, comment = \?, updated_at = \? WHERE name = \?`).
		WithArgs("running", "", fixedNow, "alpha").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE spiders SET status`).
		WithArgs("error", "x", fixedNow, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.SetStatus(context.Background(), "alpha", spider.StatusRunning, ""))
	require.ErrorIs(t, store.SetStatus(context.Background(), "ghost", spider.StatusError, "x"), spider.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT source_code FROM spiders`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := store.GetSource(context.Background(), "ghost")
	require.True(t, errors.Is(err, spider.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPullPendingUpdatesRollsBackOnWriteFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields FROM tool`).
		WithArgs(PendingUpdatesKey).
		WillReturnRows(sqlmock.NewRows([]string{"fields"}).AddRow(`["Heat","Ronin"]`))
	mock.ExpectExec(`INSERT INTO tool`).
		WithArgs(PendingUpdatesKey, `["Ronin"]`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.PullPendingUpdates(context.Background(), []string{"Heat"})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAgainstSQLite(t *testing.T) {
	t.Parallel()

	store := openTemp(t)
	ctx := context.Background()

	require.NoError(t, store.PutDefinition(ctx, spider.Definition{Name: "movies", SourceCode: "src", Status: spider.StatusRunning, Rate: 3}))
	require.NoError(t, store.PutDefinition(ctx, spider.Definition{Name: "shows", SourceCode: "src2", Status: spider.StatusFinished, Searchable: true}))

	src, err := store.GetSource(ctx, "movies")
	require.NoError(t, err)
	require.Equal(t, "src", src)

	rates, err := store.Rates(ctx, []string{"movies", "shows"})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"movies": 3}, rates)

	searchable, err := store.FindSearchable(ctx)
	require.NoError(t, err)
	require.Len(t, searchable, 1)
	require.Equal(t, "shows", searchable[0].Name)

	require.NoError(t, store.SaveStats(ctx, "movies", spider.Stats{Records: 10, RecordsPerMinute: 2.5}))
	defs, err := store.FindByStatus(ctx, spider.StatusRunning)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.InDelta(t, 2.5, defs[0].Stats.RecordsPerMinute, 0.001)

	rec := spider.Record{Identity: "r1", Spider: "movies", Name: "Heat", URL: "u1", Payload: map[string]any{"year": "1995"}}
	require.NoError(t, store.UpsertRecord(ctx, rec))
	rec.Payload = map[string]any{"year": "1996"}
	require.NoError(t, store.UpsertRecord(ctx, rec))
	require.NoError(t, store.UpsertRecord(ctx, spider.Record{Identity: "r2", Spider: "shows", Name: "Heat", URL: "u2"}))

	id, err := store.FindRecordIdentity(ctx, "movies", "Heat", "u1")
	require.NoError(t, err)
	require.Equal(t, "r1", id)

	briefs, err := store.RecordBriefs(ctx, []string{"Heat"})
	require.NoError(t, err)
	require.Equal(t, []spider.RecordBrief{
		{Spider: "movies", Identity: "r1", URL: "u1"},
		{Spider: "shows", Identity: "r2", URL: "u2"},
	}, briefs["Heat"])

	n, err := store.DeleteRecords(ctx, "movies")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, store.AddPendingUpdates(ctx, "Heat", "Ronin", "Heat"))
	pending, err := store.PendingUpdates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Heat", "Ronin"}, pending)
	require.NoError(t, store.PullPendingUpdates(ctx, []string{"Heat"}))
	pending, err = store.PendingUpdates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Ronin"}, pending)
}
