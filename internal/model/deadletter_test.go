package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemediationStatus_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to RemediationStatus
		want     bool
	}{
		{RemediationPending, RemediationInProgress, true},
		{RemediationPending, RemediationAbandoned, true},
		{RemediationPending, RemediationResolved, false},
		{RemediationPending, RemediationPending, true},
		{RemediationInProgress, RemediationResolved, true},
		{RemediationInProgress, RemediationAbandoned, true},
		{RemediationInProgress, RemediationPending, true},
		{RemediationAbandoned, RemediationInProgress, true},
		{RemediationAbandoned, RemediationResolved, true},
		{RemediationAbandoned, RemediationPending, false},
		{RemediationResolved, RemediationResolved, true},
		{RemediationResolved, RemediationPending, false},
		{RemediationResolved, RemediationInProgress, false},
		{RemediationResolved, RemediationAbandoned, false},
		{RemediationPending, "retrying", false},
		{"manual_review", RemediationPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestResolvedIsAbsorbing(t *testing.T) {
	t.Parallel()

	all := []RemediationStatus{RemediationPending, RemediationInProgress, RemediationResolved, RemediationAbandoned}
	for _, next := range all {
		if next == RemediationResolved {
			continue
		}
		assert.False(t, RemediationResolved.CanTransition(next), "resolved -> %s", next)
	}
}

func TestDeadLetterRecord_Transition(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := &DeadLetterRecord{RemediationStatus: RemediationPending}
	require.NoError(t, rec.Transition(RemediationInProgress, now))
	assert.Nil(t, rec.ResolvedAt)

	require.NoError(t, rec.Transition(RemediationResolved, now))
	require.NotNil(t, rec.ResolvedAt)
	assert.Equal(t, now, *rec.ResolvedAt)

	err := rec.Transition(RemediationPending, now.Add(time.Minute))
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, RemediationResolved, ite.From)
	assert.Equal(t, RemediationPending, ite.To)
	assert.Equal(t, RemediationResolved, rec.RemediationStatus)
}

func TestDeadLetterRecord_TransitionClearsResolvedAt(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	stale := now.Add(-time.Hour)

	rec := &DeadLetterRecord{RemediationStatus: RemediationAbandoned, ResolvedAt: &stale}
	require.NoError(t, rec.Transition(RemediationInProgress, now))
	assert.Nil(t, rec.ResolvedAt)
}

func TestDeadLetterRecord_AppendNote(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := &DeadLetterRecord{}
	rec.AppendNote(now, "first")
	rec.AppendNote(now, "second")
	assert.Equal(t, "[2026-03-01T12:00:00Z] first\n[2026-03-01T12:00:00Z] second", rec.RemediationNotes)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", Truncate("short", 500))
	assert.Len(t, Truncate(strings.Repeat("x", 600), MaxErrorMessageLen), 500)

	// "é" is two bytes; a cut through the middle backs off to the rune start.
	s := strings.Repeat("a", 499) + "é"
	got := Truncate(s, 500)
	assert.Equal(t, strings.Repeat("a", 499), got)
}

func TestCacheEntry_FreshAndCoolingDown(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	asOf := now.Add(-5 * time.Second)
	until := now.Add(3 * time.Second)

	var nilEntry *CacheEntry
	assert.False(t, nilEntry.Fresh(now))
	assert.False(t, nilEntry.CoolingDown(now))

	fresh := &CacheEntry{Payload: &Snapshot{}, DataAsOf: &asOf, ExpiresAt: now.Add(time.Second)}
	assert.True(t, fresh.Fresh(now))

	expired := &CacheEntry{Payload: &Snapshot{}, DataAsOf: &asOf, ExpiresAt: now.Add(-time.Second)}
	assert.False(t, expired.Fresh(now))

	failed := &CacheEntry{ErrorCooldownUntil: &until}
	assert.True(t, failed.CoolingDown(now))
	assert.False(t, failed.CoolingDown(until.Add(time.Millisecond)))
}
