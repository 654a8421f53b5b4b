package revcache

import (
	"fmt"
	"math"
	"time"
)

// Reason explains why a snapshot could not be served.
type Reason string

const (
	ReasonCooldown    Reason = "cooldown"
	ReasonTimeout     Reason = "refresh_timeout"
	ReasonFetchFailed Reason = "fetch_failed"
)

// UnavailableError is the single retryable error returned when no snapshot
// can be served. HTTP callers map it to 503 with Retry-After set to
// RetryAfterSeconds.
type UnavailableError struct {
	Reason            Reason
	RetryAfterSeconds int
	Err               error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("revcache: snapshot unavailable (%s), retry after %ds", e.Reason, e.RetryAfterSeconds)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// FetchError is what a Fetcher returns on any upstream problem. RetryAfter,
// when set, extends the error cooldown.
type FetchError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ceilSeconds rounds d up to whole seconds with a floor of 1.
func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
