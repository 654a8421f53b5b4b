package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sells-group/revenue-ledger/internal/resilience"
)

// Postgres SQLSTATE codes the ingestion path cares about.
const (
	codeForeignKey       = "23503"
	codeUnique           = "23505"
	codeNotNull          = "23502"
	codeCheck            = "23514"
	codeQueryCanceled    = "57014"
	codeLockNotAvailable = "55P03"
)

// TranslateError maps driver errors onto the typed errors the dead letter
// classifier understands. Unrecognized errors are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeForeignKey:
			return &resilience.ConstraintViolation{Kind: resilience.ConstraintForeignKey, Constraint: pgErr.ConstraintName, Err: err}
		case pgErr.Code == codeUnique:
			return &resilience.ConstraintViolation{Kind: resilience.ConstraintUnique, Constraint: pgErr.ConstraintName, Err: err}
		case pgErr.Code == codeNotNull, pgErr.Code == codeCheck:
			return &resilience.ValidationError{Field: pgErr.ColumnName, Err: err}
		case pgErr.Code == codeQueryCanceled, pgErr.Code == codeLockNotAvailable:
			return &resilience.TimeoutError{Err: err}
		case strings.HasPrefix(pgErr.Code, "08"):
			return &resilience.NetworkError{Err: err}
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return &resilience.TimeoutError{Err: err}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &resilience.NetworkError{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &resilience.NetworkError{Err: err}
	}
	return err
}
