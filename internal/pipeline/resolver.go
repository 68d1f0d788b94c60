package pipeline

import (
	"cmp"
	"slices"
)

// Resolve returns the records in output order without modifying the input.
//
// Pages sort by tier first: preferred-prefix keys, then other recognized
// keys, then pages without a key. Keys within a tier compare as fixed-width
// digit strings. Pages without a key, and pages sharing a key, keep their
// scan order.
func Resolve(records []PageRecord) []PageRecord {
	out := slices.Clone(records)
	slices.SortStableFunc(out, Compare)
	return out
}

// Compare orders two records by (tier, key, original index).
func Compare(a, b PageRecord) int {
	return cmp.Or(
		cmp.Compare(a.Key.Tier(), b.Key.Tier()),
		cmp.Compare(a.Key.Value, b.Key.Value),
		cmp.Compare(a.Index, b.Index),
	)
}
