package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsertTx_EmptyRows(t *testing.T) {
	n, err := BulkUpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "reconciliation_results",
		Columns:      []string{"transaction_id", "claimed_total_cents"},
		ConflictKeys: []string{"transaction_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsertTx_NoColumns(t *testing.T) {
	_, err := BulkUpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "reconciliation_results",
		ConflictKeys: []string{"transaction_id"},
	}, [][]any{{"tx-1", 100}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsertTx_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsertTx(context.Background(), nil, UpsertConfig{
		Table:   "reconciliation_results",
		Columns: []string{"transaction_id", "claimed_total_cents"},
	}, [][]any{{"tx-1", 100}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsertTx_Success(t *testing.T) {
	mock := newMock(t)
	cols := []string{"transaction_id", "claimed_total_cents"}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_reconciliation_results"}, cols).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	var n int64
	err := InTx(context.Background(), mock, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		n, err = BulkUpsertTx(ctx, tx, UpsertConfig{
			Table:        "reconciliation_results",
			Columns:      cols,
			ConflictKeys: []string{"transaction_id"},
		}, [][]any{{"tx-1", 100}, {"tx-2", 200}})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertTx_CopyError(t *testing.T) {
	mock := newMock(t)
	cols := []string{"transaction_id"}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_reconciliation_results"}, cols).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	err := InTx(context.Background(), mock, func(ctx context.Context, tx pgx.Tx) error {
		_, err := BulkUpsertTx(ctx, tx, UpsertConfig{
			Table:        "reconciliation_results",
			Columns:      cols,
			ConflictKeys: []string{"transaction_id"},
		}, [][]any{{"tx-1"}})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL_SkipUnchanged(t *testing.T) {
	sql := upsertSQL(UpsertConfig{
		Table:         "reconciliation_results",
		Columns:       []string{"transaction_id", "claimed_total_cents", "ghost_revenue_cents"},
		ConflictKeys:  []string{"transaction_id"},
		SkipUnchanged: true,
		Touch:         []string{"updated_at"},
	}, "_tmp")

	assert.Contains(t, sql, `ON CONFLICT ("transaction_id") DO UPDATE SET "claimed_total_cents" = EXCLUDED."claimed_total_cents"`)
	assert.Contains(t, sql, `"updated_at" = now()`)
	assert.Contains(t, sql, `WHERE ("reconciliation_results"."claimed_total_cents", "reconciliation_results"."ghost_revenue_cents") IS DISTINCT FROM (EXCLUDED."claimed_total_cents", EXCLUDED."ghost_revenue_cents")`)
}

func TestUpsertSQL_Guard(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "reconciliation_results",
		Columns:      []string{"tenant_id", "transaction_id", "claimed_total_cents"},
		ConflictKeys: []string{"transaction_id"},
		UpdateCols:   []string{"claimed_total_cents"},
		Guard:        []string{"tenant_id"},
	}
	assert.True(t, strings.HasSuffix(upsertSQL(cfg, "_tmp"),
		`WHERE "reconciliation_results"."tenant_id" = EXCLUDED."tenant_id"`))

	cfg.SkipUnchanged = true
	assert.True(t, strings.HasSuffix(upsertSQL(cfg, "_tmp"),
		`WHERE ("reconciliation_results"."claimed_total_cents") IS DISTINCT FROM (EXCLUDED."claimed_total_cents") AND "reconciliation_results"."tenant_id" = EXCLUDED."tenant_id"`))
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"ledger.revenue_events", `"ledger"."revenue_events"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
