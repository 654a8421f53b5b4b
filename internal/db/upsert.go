package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	// SkipUnchanged leaves a conflicting row untouched when none of the
	// update columns differ, so replays do not bump updated_at.
	SkipUnchanged bool
	// Touch lists columns set to now() whenever a conflicting row is updated.
	Touch []string
	// Guard lists columns that must already match the incoming row for a
	// conflicting row to be updated, e.g. tenant_id.
	Guard []string
}

// BulkUpsertTx loads rows into a temp table with COPY and merges them into
// the target with INSERT ... ON CONFLICT, inside a transaction the caller
// owns (e.g. one opened by InTenantTx). It returns the number of rows
// inserted or updated.
func BulkUpsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	if err := cfg.validate(rows); err != nil || len(rows) == 0 {
		return 0, err
	}

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(cfg, tempTable))
	if err != nil {
		return 0, eris.Wrapf(TranslateError(err), "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

func (cfg UpsertConfig) validate(rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func upsertSQL(cfg UpsertConfig, tempTable string) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	table := sanitizeTable(cfg.Table)
	colList := quoteAndJoin(cfg.Columns)

	sets := make([]string, 0, len(updateCols)+len(cfg.Touch))
	for _, col := range updateCols {
		id := pgx.Identifier{col}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", id, id))
	}
	for _, col := range cfg.Touch {
		sets = append(sets, fmt.Sprintf("%s = now()", pgx.Identifier{col}.Sanitize()))
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		table, colList, colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(sets, ", "),
	)

	var where []string
	if cfg.SkipUnchanged && len(updateCols) > 0 {
		current := make([]string, len(updateCols))
		incoming := make([]string, len(updateCols))
		for i, col := range updateCols {
			id := pgx.Identifier{col}.Sanitize()
			current[i] = table + "." + id
			incoming[i] = "EXCLUDED." + id
		}
		where = append(where, fmt.Sprintf("(%s) IS DISTINCT FROM (%s)",
			strings.Join(current, ", "), strings.Join(incoming, ", ")))
	}
	for _, col := range cfg.Guard {
		id := pgx.Identifier{col}.Sanitize()
		where = append(where, fmt.Sprintf("%s.%s = EXCLUDED.%s", table, id, id))
	}
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	return stmt
}

// sanitizeTable handles schema-qualified table names like "ledger.events".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
