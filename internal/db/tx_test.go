package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestInTenantTx_SetsTenantFirst(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config($1, $2, true)")).
		WithArgs(TenantSetting, "tenant-a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("UPDATE dead_letter_queue").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := InTenantTx(context.Background(), mock, "tenant-a", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "UPDATE dead_letter_queue SET retry_count = retry_count + 1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTenantTx_RequiresTenant(t *testing.T) {
	err := InTenantTx(context.Background(), nil, "", func(context.Context, pgx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant id is required")
}

func TestInTx_RollsBackOnError(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := InTx(context.Background(), mock, func(context.Context, pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_BeginError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	err := InTx(context.Background(), mock, func(context.Context, pgx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestSavepoint_ReleaseOnSuccess(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`SAVEPOINT "reingest"`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`RELEASE SAVEPOINT "reingest"`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))

	err := Savepoint(context.Background(), mock, "reingest", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepoint_RollbackOnFailure(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`SAVEPOINT "reingest"`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT "reingest"`).WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))

	boom := errors.New("fk violation")
	err := Savepoint(context.Background(), mock, "reingest", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryXactLock(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1)")).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1)")).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))

	ok, err := TryXactLock(context.Background(), mock, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = TryXactLock(context.Background(), mock, 42)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockKey(t *testing.T) {
	a := LockKey("tenant-a", "realtime:24h")
	assert.Equal(t, a, LockKey("tenant-a", "realtime:24h"), "key must be stable")
	assert.NotEqual(t, a, LockKey("tenant-b", "realtime:24h"))
	// Part boundaries are significant.
	assert.NotEqual(t, LockKey("ab", "c"), LockKey("a", "bc"))
}
