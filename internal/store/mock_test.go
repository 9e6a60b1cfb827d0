package store_test

import (
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/internal/store"
)

var errDiskFull = errors.New("disk I/O error")

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return store.NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestUpsertPipeline_RollsBackWhenAggregateWriteFails(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, duration, created_at, finished_at FROM pipelines`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "duration", "created_at", "finished_at"}).
			AddRow("running", nil, int64(1704067200), nil))
	mock.ExpectExec(`INSERT INTO pipelines`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE daily_stats SET`).WillReturnError(errDiskFull)
	mock.ExpectRollback()

	p := newPipeline(1, "failed")
	p.FinishedAt = ptrI64(1704067300)
	p.Duration = ptrI64(100)

	err := s.UpsertPipeline(t.Context(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStore)
	assert.ErrorIs(t, err, errDiskFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPipeline_WrapsBeginFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errDiskFull)

	err := s.UpsertPipeline(t.Context(), newPipeline(1, "pending"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPipeline_RollsBackWhenSnapshotReadFails(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, duration, created_at, finished_at FROM pipelines`).
		WillReturnError(errDiskFull)
	mock.ExpectRollback()

	err := s.UpsertPipeline(t.Context(), newPipeline(1, "pending"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildAggregates_RollsBackWhenReaggregationFails(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE daily_stats SET count = 0`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO daily_stats`).WillReturnError(errDiskFull)
	mock.ExpectRollback()

	err := s.RebuildAggregates(t.Context(), store.RebuildAll, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStore)
	assert.ErrorIs(t, err, errDiskFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWatermark_WrapsWriteFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO poll_state`).WillReturnError(errDiskFull)

	err := s.SetWatermark(t.Context(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStore)
	require.NoError(t, mock.ExpectationsWereMet())
}
