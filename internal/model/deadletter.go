package model

import (
	"fmt"
	"time"
)

// ErrorType identifies why an ingestion attempt failed.
type ErrorType string

const (
	ErrorTypeSchemaValidation ErrorType = "schema_validation"
	ErrorTypeFKConstraint     ErrorType = "fk_constraint"
	ErrorTypeDuplicateKey     ErrorType = "duplicate_key"
	ErrorTypeDatabaseTimeout  ErrorType = "database_timeout"
	ErrorTypeNetworkError     ErrorType = "network_error"
	ErrorTypePIIViolation     ErrorType = "pii_violation"
	ErrorTypeUnknown          ErrorType = "unknown"
)

// Classification says whether a failure is safe to retry automatically.
type Classification string

const (
	ClassificationTransient Classification = "transient"
	ClassificationPermanent Classification = "permanent"
)

// RemediationStatus is the stored retry state of a dead letter record. The
// values match the storage check constraint exactly; finer distinctions
// (manual review, operator notes) go in RemediationNotes.
type RemediationStatus string

const (
	RemediationPending    RemediationStatus = "pending"
	RemediationInProgress RemediationStatus = "in_progress"
	RemediationResolved   RemediationStatus = "resolved"
	RemediationAbandoned  RemediationStatus = "abandoned"
)

// Truncation limits for stored diagnostics.
const (
	MaxErrorMessageLen   = 500
	MaxErrorTracebackLen = 2000
)

// transitions lists the allowed next states for each remediation status.
// Self-transitions are always allowed.
var transitions = map[RemediationStatus][]RemediationStatus{
	RemediationPending:    {RemediationInProgress, RemediationAbandoned},
	RemediationInProgress: {RemediationResolved, RemediationAbandoned, RemediationPending},
	RemediationAbandoned:  {RemediationInProgress, RemediationResolved},
	RemediationResolved:   {},
}

// Valid reports whether s is one of the known statuses.
func (s RemediationStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed.
func (s RemediationStatus) CanTransition(next RemediationStatus) bool {
	allowed, ok := transitions[s]
	if !ok || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	for _, a := range allowed {
		if a == next {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a status change is not in the
// transition table.
type InvalidTransitionError struct {
	From RemediationStatus
	To   RemediationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid remediation transition %s -> %s", e.From, e.To)
}

// DeadLetterRecord is one failed ingestion attempt.
type DeadLetterRecord struct {
	ID            string  `json:"id"`
	TenantID      *string `json:"tenant_id"` // nil only in the quarantine lane
	CorrelationID string  `json:"correlation_id,omitempty"`
	Source        string  `json:"source"`
	Payload       []byte  `json:"payload"` // raw body, kept verbatim even when malformed

	ErrorType      ErrorType      `json:"error_type"`
	Classification Classification `json:"classification"`
	ExceptionClass string         `json:"exception_class"`
	ErrorMessage   string         `json:"error_message"`
	ErrorTraceback string         `json:"error_traceback,omitempty"`

	RetryCount        int               `json:"retry_count"`
	LastRetryAt       *time.Time        `json:"last_retry_at,omitempty"`
	RemediationStatus RemediationStatus `json:"remediation_status"`
	RemediationNotes  string            `json:"remediation_notes,omitempty"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Quarantined reports whether the record belongs to the unattributed lane.
func (r *DeadLetterRecord) Quarantined() bool {
	return r.TenantID == nil
}

// Transition moves the record to next, enforcing the transition table and
// keeping ResolvedAt in step with the resolved status.
func (r *DeadLetterRecord) Transition(next RemediationStatus, now time.Time) error {
	if !r.RemediationStatus.CanTransition(next) {
		return &InvalidTransitionError{From: r.RemediationStatus, To: next}
	}
	r.RemediationStatus = next
	if next == RemediationResolved {
		if r.ResolvedAt == nil {
			t := now
			r.ResolvedAt = &t
		}
	} else {
		r.ResolvedAt = nil
	}
	r.UpdatedAt = now
	return nil
}

// AppendNote adds a timestamped line to the remediation notes.
func (r *DeadLetterRecord) AppendNote(now time.Time, note string) {
	line := fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), note)
	if r.RemediationNotes == "" {
		r.RemediationNotes = line
		return
	}
	r.RemediationNotes += "\n" + line
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
