// Package matcher resolves a URL to the rule that tracks it.
// Matching is pure: no state, no I/O, and a malformed URL is never an
// error, just "no match".
package matcher

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

// Match returns a pointer into rules for the first rule that matches
// rawURL, or nil. The pointer is valid until the rule list is replaced;
// callers run on the single event-loop goroutine, so mutating the
// returned rule is safe.
//
// Tiers, first hit wins:
//  1. exact hostname match, case-insensitive
//  2. domain-suffix match, anchored on a dot boundary (rules whose
//     target contains a dot only; "example.com" matches
//     "mail.example.com" but never "example.com.evil.com")
//  3. heuristic whole-word search of the target (and target+".com" for
//     short dotless names) inside hostname+path. False positives are an
//     accepted tradeoff here, not a defect.
func Match(rawURL string, rules []domain.Rule) *domain.Rule {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}

	hostname := strings.ToLower(u.Hostname())
	hostAndPath := hostname + strings.ToLower(u.Path)

	// Tier 1: exact hostname.
	for i := range rules {
		if strings.EqualFold(rules[i].TargetName, hostname) {
			return &rules[i]
		}
	}

	// Tier 2: registered-domain suffix. Skips dotless targets so a rule
	// named "com" never swallows every .com site.
	for i := range rules {
		target := strings.ToLower(rules[i].TargetName)
		if !strings.Contains(target, ".") {
			continue
		}
		if hostname == target || strings.HasSuffix(hostname, "."+target) {
			return &rules[i]
		}
	}

	// Tier 3: word-bounded substring over hostname+path, so a rule
	// labeled "YouTube" still matches youtube.com URLs.
	for i := range rules {
		target := strings.ToLower(rules[i].TargetName)
		needles := []string{target}
		if !strings.Contains(target, ".") && len(target) > 2 {
			needles = append(needles, target+".com")
		}
		for _, needle := range needles {
			if wordPattern(needle).MatchString(hostAndPath) {
				return &rules[i]
			}
		}
	}

	return nil
}

// wordPattern matches needle bounded by start/end of string or one of
// the separator characters ". / - _".
func wordPattern(needle string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[./\-_])` + regexp.QuoteMeta(needle) + `(?:[./\-_]|$)`)
}
