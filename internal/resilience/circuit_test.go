package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, openFor time.Duration) (*Breaker, *fakeClock, *[]string) {
	clock := &fakeClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: threshold,
		OpenFor:          openFor,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	b.now = clock.now
	return b, clock, &transitions
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _, transitions := newTestBreaker(3, 10*time.Second)
	boom := errors.New("upstream 502")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(boom)
	}
	assert.Equal(t, CircuitClosed, b.State())

	require.NoError(t, b.Allow())
	b.Record(boom)
	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, []string{"closed->open"}, *transitions)

	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 10*time.Second, open.Remaining)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(2, time.Second)
	boom := errors.New("boom")

	b.Record(boom)
	b.Record(nil)
	b.Record(boom)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_SingleProbeAfterOpenFor(t *testing.T) {
	b, clock, transitions := newTestBreaker(1, 10*time.Second)
	b.Record(errors.New("boom"))

	clock.advance(4 * time.Second)
	var open *OpenError
	require.ErrorAs(t, b.Allow(), &open)
	assert.Equal(t, 6*time.Second, open.Remaining)

	clock.advance(6 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, CircuitHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "second caller rejected while probing")

	b.Record(nil)
	assert.Equal(t, CircuitClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, *transitions)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 10*time.Second)
	b.Record(errors.New("boom"))

	clock.advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.Record(errors.New("still down"))
	assert.Equal(t, CircuitOpen, b.State())

	var open *OpenError
	require.ErrorAs(t, b.Allow(), &open)
	assert.Equal(t, 10*time.Second, open.Remaining)
}

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.OpenFor)
	assert.Equal(t, "unknown", CircuitState(9).String())
}

func TestBreaker_AbandonedProbeAdmitsNext(t *testing.T) {
	b, clock, _ := newTestBreaker(1, time.Second)
	b.Record(errors.New("boom"))
	clock.advance(time.Second)

	require.NoError(t, b.Allow())
	b.Abandon()
	assert.Equal(t, CircuitHalfOpen, b.State())
	assert.NoError(t, b.Allow())
}
