package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/currency"

	"github.com/sells-group/revenue-ledger/internal/resilience"
)

// Event is the revenue event body accepted from sources.
type Event struct {
	EventID     string    `json:"event_id" validate:"required,max=255"`
	OrderID     string    `json:"order_id" validate:"omitempty,max=255"`
	AmountCents *int64    `json:"amount_cents" validate:"required,gte=0"`
	Currency    string    `json:"currency" validate:"required,len=3"`
	OccurredAt  time.Time `json:"occurred_at" validate:"required"`
}

// piiKeys are payload keys that must never reach the ledger. Keys are
// compared lowercased with '-' folded to '_'.
var piiKeys = map[string]struct{}{
	"email":                  {},
	"email_address":          {},
	"phone":                  {},
	"phone_number":           {},
	"card_number":            {},
	"credit_card":            {},
	"cvv":                    {},
	"ssn":                    {},
	"social_security_number": {},
	"date_of_birth":          {},
	"dob":                    {},
	"passport_number":        {},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseEvent decodes and validates raw. Malformed or invalid bodies return a
// *resilience.ValidationError; bodies carrying personal data keys return a
// *resilience.PIIViolationError.
func ParseEvent(raw []byte) (*Event, error) {
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, &resilience.ValidationError{Field: "payload", Err: err}
	}
	if _, ok := tree.(map[string]any); !ok {
		return nil, &resilience.ValidationError{Field: "payload", Err: errors.New("expected a JSON object")}
	}
	if keys := findPII(tree); len(keys) > 0 {
		return nil, &resilience.PIIViolationError{Keys: keys}
	}

	var ev Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&ev); err != nil {
		return nil, &resilience.ValidationError{Field: "payload", Err: err}
	}
	if err := validate.Struct(&ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &resilience.ValidationError{Field: verrs[0].Field(), Err: err}
		}
		return nil, &resilience.ValidationError{Err: err}
	}
	ev.Currency = strings.ToUpper(ev.Currency)
	if _, err := currency.ParseISO(ev.Currency); err != nil {
		return nil, &resilience.ValidationError{Field: "currency", Err: err}
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return &ev, nil
}

// findPII returns the sorted distinct PII keys anywhere in tree.
func findPII(tree any) []string {
	found := map[string]struct{}{}
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				norm := strings.ReplaceAll(strings.ToLower(k), "-", "_")
				if _, ok := piiKeys[norm]; ok {
					found[norm] = struct{}{}
				}
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(tree)

	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
