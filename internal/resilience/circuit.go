package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Allow while the breaker is rejecting calls.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// OpenError wraps ErrCircuitOpen with the time left until the next probe.
type OpenError struct {
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return ErrCircuitOpen.Error() + ", probe in " + e.Remaining.Round(time.Millisecond).String()
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// BreakerConfig controls a Breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Default: 5.
	FailureThreshold int
	// OpenFor is how long the circuit rejects calls before one probe is
	// let through. Default: 30s.
	OpenFor time.Duration
	// OnStateChange is called with the breaker's lock held.
	OnStateChange func(from, to CircuitState)
}

// Breaker guards a shared dependency across every caller. Unlike a per-key
// cooldown it trips on failures from any tenant.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. While open it returns an
// *OpenError. After OpenFor a single probe is admitted; concurrent callers
// are rejected until that probe reports back through Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.OpenFor {
			return &OpenError{Remaining: b.cfg.OpenFor - elapsed}
		}
		b.transition(CircuitHalfOpen)
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return &OpenError{Remaining: 0}
		}
		b.probing = true
	}
	return nil
}

// Record reports the result of an admitted call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != CircuitClosed {
			b.transition(CircuitClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case CircuitHalfOpen:
		b.probing = false
		b.open()
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

// Abandon releases an admitted call that ended without a verdict on the
// dependency, such as one whose caller gave up.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(CircuitOpen)
}

func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
