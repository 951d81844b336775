// Package ledger owns the canonical rule list and blacklist.
// All operations are synchronous in-memory transforms; persistence is
// the caller's responsibility. The ledger is mutated only from the
// coordinator's event loop, so it carries no locking.
package ledger

import (
	"math"
	"sort"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

// mergeToleranceMinutes bounds how far an existing rule's remaining
// time may sit below a re-sent identical limit and still be preserved.
// Keeps minor rule-list refreshes from the companion from resetting
// budgets mid-day.
const mergeToleranceMinutes = 2

// Ledger holds the in-memory source of truth for rules and the
// blacklist of targets that are over budget today.
type Ledger struct {
	rules     []domain.Rule
	blacklist map[string]struct{}
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{blacklist: make(map[string]struct{})}
}

// Restore replaces the ledger contents from persisted state.
// Remaining times that fall outside [0, limit] are re-derived from the
// limit, matching first-run behavior.
func (l *Ledger) Restore(rules []domain.Rule, blacklist []string) {
	l.rules = make([]domain.Rule, len(rules))
	copy(l.rules, rules)
	for i := range l.rules {
		r := &l.rules[i]
		if r.RemainingMinutes < 0 || r.RemainingMinutes > r.DailyLimitMinutes {
			r.RemainingMinutes = r.DailyLimitMinutes
		}
	}

	l.blacklist = make(map[string]struct{}, len(blacklist))
	for _, target := range blacklist {
		l.blacklist[target] = struct{}{}
	}
}

// Rules returns the live backing slice. Callers on the event loop may
// mutate entries through pointers into it; the slice is only replaced
// by MergeIncoming or Restore.
func (l *Ledger) Rules() []domain.Rule {
	return l.rules
}

// Blacklist returns the blacklist as a sorted slice for serialization.
func (l *Ledger) Blacklist() []string {
	out := make([]string, 0, len(l.blacklist))
	for target := range l.blacklist {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// IsBlacklisted reports whether the target is currently blocked.
func (l *Ledger) IsBlacklisted(target string) bool {
	_, ok := l.blacklist[target]
	return ok
}

// Decrement reduces the rule's remaining time by the given number of
// seconds, rounded to 4 decimal places to bound floating-point drift,
// clamped at zero.
func (l *Ledger) Decrement(r *domain.Rule, seconds int) {
	r.RemainingMinutes = round4((r.RemainingMinutes*60 - float64(seconds)) / 60)
	if r.RemainingMinutes < 0 {
		r.RemainingMinutes = 0
	}
}

// ReachedLimit reports whether the rule's budget is exhausted.
func (l *Ledger) ReachedLimit(r *domain.Rule) bool {
	return r.RemainingMinutes <= 0
}

// MergeIncoming replaces the rule list with an update from the
// companion. Remaining time is preserved only for a rule with the same
// id, target and daily limit whose remaining time is within
// mergeToleranceMinutes of the new limit; everything else is reset to
// the new limit. Blacklist entries whose target no longer appears in
// the update are pruned.
func (l *Ledger) MergeIncoming(incoming []domain.Rule) {
	existing := make(map[string]domain.Rule, len(l.rules))
	for _, r := range l.rules {
		existing[r.ID] = r
	}

	merged := make([]domain.Rule, len(incoming))
	copy(merged, incoming)
	for i := range merged {
		r := &merged[i]
		prev, ok := existing[r.ID]
		if ok &&
			prev.TargetName == r.TargetName &&
			prev.DailyLimitMinutes == r.DailyLimitMinutes &&
			math.Abs(r.DailyLimitMinutes-prev.RemainingMinutes) <= mergeToleranceMinutes {
			r.RemainingMinutes = prev.RemainingMinutes
		} else {
			r.RemainingMinutes = r.DailyLimitMinutes
		}
	}
	l.rules = merged

	kept := make(map[string]struct{}, len(merged))
	for _, r := range merged {
		kept[r.TargetName] = struct{}{}
	}
	for target := range l.blacklist {
		if _, ok := kept[target]; !ok {
			delete(l.blacklist, target)
		}
	}
}

// AddToBlacklist marks the rule's target as blocked.
func (l *Ledger) AddToBlacklist(r *domain.Rule) {
	l.blacklist[r.TargetName] = struct{}{}
}

// UnblacklistIfToppedUp clears a stale blacklist entry for a rule that
// has since been granted more time externally. Returns true if the
// entry was removed.
func (l *Ledger) UnblacklistIfToppedUp(r *domain.Rule) bool {
	if r.RemainingMinutes <= 0 {
		return false
	}
	if _, ok := l.blacklist[r.TargetName]; !ok {
		return false
	}
	delete(l.blacklist, r.TargetName)
	return true
}

// DailyReset empties the blacklist and restores every rule's remaining
// time to its daily limit.
func (l *Ledger) DailyReset() {
	l.blacklist = make(map[string]struct{})
	for i := range l.rules {
		l.rules[i].RemainingMinutes = l.rules[i].DailyLimitMinutes
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
