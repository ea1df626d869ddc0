package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), zerolog.Nop()), mock
}

func TestScheduleMessageDefaultsPublishAt(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(sqlmock.AnyArg(), "orchestration_queue", sqlmock.AnyArg(), sqlmock.AnyArg(), "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx *Tx) error {
		return tx.ScheduleMessage(context.Background(), "orchestration_queue",
			map[string]any{"type": "START_WORKFLOW"}, time.Time{}, "req-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchDueMessagesUsesSkipLocked(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "destination", "payload", "publish_at", "created_at", "request_id"}).
		AddRow("m1", "actions_queue", []byte(`{"action":"log"}`), now, now, "req-9").
		AddRow("m2", "orchestration_queue", []byte(`{"type":"STEP_COMPLETE"}`), now, now, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(100).
		WillReturnRows(rows)
	mock.ExpectCommit()

	var fetched []OutboxMessage
	err := store.WithinTx(context.Background(), func(tx *Tx) error {
		var err error
		fetched, err = tx.FetchDueMessages(context.Background(), 100)
		return err
	})
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.Equal(t, "m1", fetched[0].ID)
	assert.Equal(t, "req-9", fetched[0].RequestID)
	assert.Empty(t, fetched[1].RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedSkipsEmptyBatch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx *Tx) error {
		return tx.MarkProcessed(context.Background(), nil)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedUpdatesGivenIDs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox SET processed_at").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx *Tx) error {
		return tx.MarkProcessed(context.Background(), []string{"m1", "m2"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetireMessageRecordsReason(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox SET processed_at = now\(\), error`).
		WithArgs("m1", "no task for destination nowhere_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx *Tx) error {
		return tx.RetireMessage(context.Background(), "m1", "no task for destination nowhere_queue")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPendingWakeupMatchesInstanceAndStep(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("orchestration_queue", "inst-1", "pause").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	var pending bool
	err := store.WithinTx(context.Background(), func(tx *Tx) error {
		var err error
		pending, err = tx.HasPendingWakeup(context.Background(), "inst-1", "pause")
		return err
	})
	require.NoError(t, err)
	assert.True(t, pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := assert.AnError
	err := store.WithinTx(context.Background(), func(tx *Tx) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}
