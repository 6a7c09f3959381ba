package clinical

import "strings"

// NameMatcher decides whether two drug/allergen names refer to the same
// substance. It exists so the heuristic can be swapped for a coded
// (RxNorm/SNOMED) lookup without touching the engine's control flow.
type NameMatcher interface {
	Matches(a, b string) bool
}

// SubstringMatcher matches when either name contains the other,
// case-insensitive. Deliberately over-inclusive: for allergy screening a
// false positive is a nuisance alert, a false negative is patient harm.
type SubstringMatcher struct{}

// Matches reports a bidirectional case-insensitive substring match.
func (SubstringMatcher) Matches(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
