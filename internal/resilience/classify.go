// Package resilience classifies ingestion failures and provides retry and
// circuit breaking for calls to shared dependencies.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/model"
)

// Classify maps an ingestion failure to an error type and retry
// classification. It never panics; anything it cannot recognize is
// reported as unknown and transient so the record stays retryable.
func Classify(err error) (et model.ErrorType, c model.Classification) {
	defer func() {
		if r := recover(); r != nil {
			et, c = model.ErrorTypeUnknown, model.ClassificationTransient
		}
	}()

	if err == nil {
		return model.ErrorTypeUnknown, model.ClassificationTransient
	}

	var (
		ve  *ValidationError
		cv  *ConstraintViolation
		pii *PIIViolationError
		toe *TimeoutError
		ne  *NetworkError
	)
	switch {
	case errors.As(err, &pii):
		return model.ErrorTypePIIViolation, model.ClassificationPermanent
	case errors.As(err, &ve):
		return model.ErrorTypeSchemaValidation, model.ClassificationTransient
	case errors.As(err, &cv):
		if cv.Kind == ConstraintUnique {
			return model.ErrorTypeDuplicateKey, model.ClassificationPermanent
		}
		return model.ErrorTypeFKConstraint, model.ClassificationPermanent
	case errors.As(err, &toe), errors.Is(err, context.DeadlineExceeded):
		return model.ErrorTypeDatabaseTimeout, model.ClassificationTransient
	case errors.As(err, &ne), isConnErrno(err):
		return model.ErrorTypeNetworkError, model.ClassificationTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.ErrorTypeNetworkError, model.ClassificationTransient
	}

	return model.ErrorTypeUnknown, model.ClassificationTransient
}

// ExceptionClass names the most specific recognized error in err's chain,
// falling back to the type of the root cause.
func ExceptionClass(err error) (name string) {
	defer func() {
		if r := recover(); r != nil {
			name = "unknown"
		}
	}()
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *ValidationError, *ConstraintViolation, *PIIViolationError,
			*TimeoutError, *NetworkError, *TransientError:
			return fmt.Sprintf("%T", e)
		}
	}
	return fmt.Sprintf("%T", eris.Cause(err))
}
