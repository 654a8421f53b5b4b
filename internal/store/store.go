// Package store holds the Postgres queries behind the ledger core. Query
// functions take a db.Querier so they run inside whatever tenant-scoped
// transaction the caller already holds.
package store

import "github.com/sells-group/revenue-ledger/internal/model"

// DeadLetterFilter specifies criteria for listing dead letter records.
type DeadLetterFilter struct {
	Status    model.RemediationStatus `json:"status,omitempty"`
	ErrorType model.ErrorType         `json:"error_type,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
	Offset    int                     `json:"offset,omitempty"`
}

// RetryFilter selects records a sweeper may retry without forcing.
type RetryFilter struct {
	MaxRetries int
	Limit      int
}

const defaultListLimit = 100
