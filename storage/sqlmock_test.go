package storage

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := newStore(db)
	store.walCheckpointStop = nil
	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, store.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return store, mock
}

func TestClaimOfflineItemSurfacesDriverErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE offline_queue SET status = 'sending'").
		WithArgs("item-1").
		WillReturnError(errors.New("disk I/O error"))

	err := store.ClaimOfflineItem("item-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "disk I/O error")
}

func TestRecordOfflineFailureRowsAffectedError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE offline_queue").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows unavailable")))

	err := store.RecordOfflineFailure("item-1", 1, "pending", 0, "timeout")
	require.ErrorContains(t, err, "rows unavailable")
}

func TestOfflineQueueStatsScanError(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", 2).
		RowError(0, errors.New("corrupt page"))
	mock.ExpectQuery("SELECT status, COUNT\\(1\\) FROM offline_queue").WillReturnRows(rows)

	_, err := store.OfflineQueueStats()
	require.ErrorContains(t, err, "corrupt page")
}
