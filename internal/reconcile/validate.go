package reconcile

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/currency"

	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/resilience"
)

// ErrMissingVerified is returned when there is no source of truth to
// reconcile against.
var ErrMissingVerified = &resilience.ValidationError{Field: "verified", Err: errors.New("verified revenue is required")}

var errOverflow = errors.New("claimed total overflows int64 cents")

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateInputs(claims []model.PlatformClaim, verified *model.VerifiedRevenue) error {
	if err := validate.Struct(verified); err != nil {
		return &resilience.ValidationError{Field: "verified", Err: err}
	}
	if verified.Currency != "" {
		if _, err := currency.ParseISO(verified.Currency); err != nil {
			return &resilience.ValidationError{Field: "verified.currency", Err: err}
		}
	}
	for i := range claims {
		if err := validate.Struct(&claims[i]); err != nil {
			return &resilience.ValidationError{Field: fmt.Sprintf("claims[%d]", i), Err: err}
		}
	}
	return nil
}
