package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	logx "stridebot/pkg/logx"
)

func newPGMock(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &postgresStore{db: db, log: logx.Nop()}, mock
}

func TestPGCreateSubscriberDuplicate(t *testing.T) {
	t.Parallel()
	st, mock := newPGMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO subscribers`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err := st.CreateSubscriber(context.Background(), Subscriber{ChatID: 1, Seq: -1})
	require.ErrorIs(t, err, ErrExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimDeliveryNewRow(t *testing.T) {
	t.Parallel()
	st, mock := newPGMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM subscribers WHERE chat_id = $1 FOR UPDATE`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, attempted_at FROM deliveries`)).
		WithArgs(int64(7), "day-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "attempted_at"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO deliveries`)).
		WithArgs(int64(7), "day-1", string(DeliveryPending), now.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := st.ClaimDelivery(context.Background(), 7, "day-1", now, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimDeliveryAlreadySent(t *testing.T) {
	t.Parallel()
	st, mock := newPGMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM subscribers WHERE chat_id = $1 FOR UPDATE`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, attempted_at FROM deliveries`)).
		WithArgs(int64(7), "day-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "attempted_at"}).
			AddRow(string(DeliverySent), now.Add(-time.Hour)))
	mock.ExpectCommit()

	c, err := st.ClaimDelivery(context.Background(), 7, "day-1", now, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAlreadySent, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimDeliveryInFlightAndStale(t *testing.T) {
	t.Parallel()
	now := time.Now()

	t.Run("fresh pending is in-flight", func(t *testing.T) {
		t.Parallel()
		st, mock := newPGMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM subscribers WHERE chat_id = $1 FOR UPDATE`)).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, attempted_at FROM deliveries`)).
			WithArgs(int64(7), "day-1").
			WillReturnRows(sqlmock.NewRows([]string{"status", "attempted_at"}).
				AddRow(string(DeliveryPending), now.Add(-time.Second)))
		mock.ExpectCommit()

		c, err := st.ClaimDelivery(context.Background(), 7, "day-1", now, 5*time.Minute)
		require.NoError(t, err)
		require.Equal(t, ClaimInFlight, c)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale pending is re-claimed", func(t *testing.T) {
		t.Parallel()
		st, mock := newPGMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM subscribers WHERE chat_id = $1 FOR UPDATE`)).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, attempted_at FROM deliveries`)).
			WithArgs(int64(7), "day-1").
			WillReturnRows(sqlmock.NewRows([]string{"status", "attempted_at"}).
				AddRow(string(DeliveryPending), now.Add(-time.Hour)))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE deliveries SET status = $1, attempted_at = $2`)).
			WithArgs(string(DeliveryPending), now.UTC(), int64(7), "day-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		c, err := st.ClaimDelivery(context.Background(), 7, "day-1", now, 5*time.Minute)
		require.NoError(t, err)
		require.Equal(t, ClaimAcquired, c)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGClaimDeliveryMissingSubscriber(t *testing.T) {
	t.Parallel()
	st, mock := newPGMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM subscribers WHERE chat_id = $1 FOR UPDATE`)).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	_, err := st.ClaimDelivery(context.Background(), 404, "day-1", time.Now(), time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCompleteDeliveryTransaction(t *testing.T) {
	t.Parallel()
	st, mock := newPGMock(t)
	now := time.Now()
	cur := Cursor{Phase: "after_end", Offset: 0, Seq: 13}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE deliveries SET status = $1, completed_at = $2`)).
		WithArgs(string(DeliverySent), now.UTC(), int64(7), "wrap-up", string(DeliveryPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE subscribers SET phase = $1, day_offset = $2, seq = $3`)).
		WithArgs(cur.Phase, cur.Offset, cur.Seq, now.UTC(), int64(7), cur.Seq).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE subscribers SET status = $1 WHERE chat_id = $2`)).
		WithArgs(string(StatusCompleted), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.CompleteDelivery(context.Background(), 7, "wrap-up", cur, true, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
