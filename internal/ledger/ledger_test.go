package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

func newRule(id, target string, limit float64) domain.Rule {
	return domain.Rule{
		ID:                id,
		TargetName:        target,
		DailyLimitMinutes: limit,
		RemainingMinutes:  limit,
		Action:            domain.ActionNotifyOnly,
	}
}

func TestDecrement_OneSecondSteps(t *testing.T) {
	l := New()
	l.Restore([]domain.Rule{newRule("1", "x.com", 2)}, nil)
	r := &l.Rules()[0]

	// 2 minutes = 120 one-second decrements to reach exactly zero.
	for i := 0; i < 119; i++ {
		l.Decrement(r, 1)
		assert.False(t, l.ReachedLimit(r), "limit reached early at step %d", i)
	}
	l.Decrement(r, 1)

	assert.InDelta(t, 0, r.RemainingMinutes, 1e-4)
	assert.True(t, l.ReachedLimit(r))
}

func TestDecrement_ClampsAtZero(t *testing.T) {
	l := New()
	l.Restore([]domain.Rule{newRule("1", "x.com", 1)}, nil)
	r := &l.Rules()[0]

	l.Decrement(r, 3600)
	l.Decrement(r, 1)

	assert.Equal(t, 0.0, r.RemainingMinutes)
}

func TestDecrement_RoundsToFourDecimals(t *testing.T) {
	l := New()
	l.Restore([]domain.Rule{newRule("1", "x.com", 1)}, nil)
	r := &l.Rules()[0]

	l.Decrement(r, 1)

	// 1 - 1/60 = 0.98333... kept at 4 decimal places.
	assert.Equal(t, 0.9833, r.RemainingMinutes)
}

func TestMergeIncoming_PreservesRemainingWithinTolerance(t *testing.T) {
	l := New()
	existing := newRule("1", "x.com", 60)
	existing.RemainingMinutes = 58
	l.Restore([]domain.Rule{existing}, nil)

	l.MergeIncoming([]domain.Rule{newRule("1", "x.com", 60)})

	require.Len(t, l.Rules(), 1)
	assert.Equal(t, 58.0, l.Rules()[0].RemainingMinutes)
}

func TestMergeIncoming_ResetsOnChangedLimit(t *testing.T) {
	l := New()
	existing := newRule("1", "x.com", 60)
	existing.RemainingMinutes = 58
	l.Restore([]domain.Rule{existing}, nil)

	l.MergeIncoming([]domain.Rule{newRule("1", "x.com", 30)})

	require.Len(t, l.Rules(), 1)
	assert.Equal(t, 30.0, l.Rules()[0].RemainingMinutes)
}

func TestMergeIncoming_ResetsBeyondTolerance(t *testing.T) {
	l := New()
	existing := newRule("1", "x.com", 60)
	existing.RemainingMinutes = 10 // 50 minutes below the re-sent limit
	l.Restore([]domain.Rule{existing}, nil)

	l.MergeIncoming([]domain.Rule{newRule("1", "x.com", 60)})

	assert.Equal(t, 60.0, l.Rules()[0].RemainingMinutes)
}

func TestMergeIncoming_ResetsOnChangedTarget(t *testing.T) {
	l := New()
	existing := newRule("1", "x.com", 60)
	existing.RemainingMinutes = 59
	l.Restore([]domain.Rule{existing}, nil)

	l.MergeIncoming([]domain.Rule{newRule("1", "y.com", 60)})

	assert.Equal(t, 60.0, l.Rules()[0].RemainingMinutes)
}

func TestMergeIncoming_PrunesRemovedBlacklistEntries(t *testing.T) {
	l := New()
	l.Restore(
		[]domain.Rule{newRule("1", "x.com", 60), newRule("2", "y.com", 30)},
		[]string{"x.com", "y.com"},
	)

	l.MergeIncoming([]domain.Rule{newRule("2", "y.com", 30)})

	assert.False(t, l.IsBlacklisted("x.com"), "removed target must leave the blacklist")
	assert.True(t, l.IsBlacklisted("y.com"))
}

func TestDailyReset(t *testing.T) {
	l := New()
	a := newRule("1", "x.com", 60)
	a.RemainingMinutes = 0
	b := newRule("2", "y.com", 30)
	b.RemainingMinutes = 12.5
	l.Restore([]domain.Rule{a, b}, []string{"x.com"})

	l.DailyReset()

	assert.Empty(t, l.Blacklist())
	assert.Equal(t, 60.0, l.Rules()[0].RemainingMinutes)
	assert.Equal(t, 30.0, l.Rules()[1].RemainingMinutes)
}

func TestUnblacklistIfToppedUp(t *testing.T) {
	l := New()
	r := newRule("1", "x.com", 60)
	r.RemainingMinutes = 0
	l.Restore([]domain.Rule{r}, []string{"x.com"})
	rule := &l.Rules()[0]

	assert.False(t, l.UnblacklistIfToppedUp(rule), "no top-up, entry stays")
	assert.True(t, l.IsBlacklisted("x.com"))

	rule.RemainingMinutes = 15 // external top-up
	assert.True(t, l.UnblacklistIfToppedUp(rule))
	assert.False(t, l.IsBlacklisted("x.com"))
	assert.False(t, l.UnblacklistIfToppedUp(rule), "second call is a no-op")
}

func TestRestore_RederivesOutOfRangeRemaining(t *testing.T) {
	l := New()
	bad := newRule("1", "x.com", 60)
	bad.RemainingMinutes = -3
	over := newRule("2", "y.com", 30)
	over.RemainingMinutes = 45
	l.Restore([]domain.Rule{bad, over}, nil)

	assert.Equal(t, 60.0, l.Rules()[0].RemainingMinutes)
	assert.Equal(t, 30.0, l.Rules()[1].RemainingMinutes)
}
