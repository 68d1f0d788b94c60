// Package keys holds the order key type and the table of accepted key
// formats used to pick a key out of noisy recognizer output.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/width"
)

// Tiers used when ordering pages. Lower sorts first.
const (
	TierPreferred = 0
	TierOther     = 1
	TierAbsent    = 2
)

// Pattern is one accepted order key format: a fixed digit prefix followed by
// digits up to a fixed total length.
type Pattern struct {
	Prefix string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	Length int    `mapstructure:"length" yaml:"length" json:"length"`
}

// DefaultPatterns returns the accepted key formats used when none are configured.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Prefix: "0900", Length: 10},
		{Prefix: "0800", Length: 10},
		{Prefix: "0700", Length: 10},
	}
}

// DefaultPreferredPrefix is the prefix whose keys sort ahead of all others.
const DefaultPreferredPrefix = "0900"

// Key is a recognized order key. The zero value means no key was found.
type Key struct {
	Value     string
	Prefix    string
	Preferred bool
}

// Found reports whether the key is present.
func (k Key) Found() bool { return k.Value != "" }

// Tier returns the sort tier of the key.
func (k Key) Tier() int {
	switch {
	case !k.Found():
		return TierAbsent
	case k.Preferred:
		return TierPreferred
	default:
		return TierOther
	}
}

func (k Key) String() string {
	if !k.Found() {
		return "<none>"
	}
	return k.Value
}

// MarshalJSON encodes an absent key as null and a present key as its digits.
func (k Key) MarshalJSON() ([]byte, error) {
	if !k.Found() {
		return []byte("null"), nil
	}
	return json.Marshal(k.Value)
}

// Table matches candidate strings against an ordered list of patterns.
// It is immutable after construction and safe for concurrent use.
type Table struct {
	patterns  []Pattern
	preferred string
	strict    bool
}

// Option configures a Table.
type Option func(*Table)

// WithStrictLength rejects candidates that carry more digits than the
// matched pattern allows.
func WithStrictLength(strict bool) Option {
	return func(t *Table) { t.strict = strict }
}

// NewTable validates the patterns and builds a matching table. preferred may
// be empty, in which case every recognized key lands in the same tier.
func NewTable(patterns []Pattern, preferred string, opts ...Option) (*Table, error) {
	if len(patterns) == 0 {
		return nil, errors.New("at least one key pattern is required")
	}
	t := &Table{patterns: make([]Pattern, len(patterns)), preferred: preferred}
	copy(t.patterns, patterns)

	preferredSeen := preferred == ""
	for i, p := range t.patterns {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		if p.Prefix == preferred {
			preferredSeen = true
		}
	}
	if !preferredSeen {
		return nil, fmt.Errorf("preferred prefix %q does not match any pattern", preferred)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// MustTable is NewTable for static configuration; it panics on error.
func MustTable(patterns []Pattern, preferred string, opts ...Option) *Table {
	t, err := NewTable(patterns, preferred, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultTable returns a table over DefaultPatterns.
func DefaultTable() *Table {
	return MustTable(DefaultPatterns(), DefaultPreferredPrefix)
}

// Patterns returns a copy of the table's patterns in match order.
func (t *Table) Patterns() []Pattern {
	out := make([]Pattern, len(t.patterns))
	copy(out, t.patterns)
	return out
}

// Preferred returns the preferred prefix.
func (t *Table) Preferred() string { return t.preferred }

// Strict reports whether extra digits cause a candidate to be rejected.
func (t *Table) Strict() bool { return t.strict }

// Match returns the first key found in the candidates. Candidates are scanned
// in the given order and, within a candidate, patterns in table order; the
// first hit wins. Candidates are expected to be normalized already.
func (t *Table) Match(candidates ...string) (Key, bool) {
	for _, c := range candidates {
		for _, p := range t.patterns {
			if v, ok := t.find(c, p); ok {
				return Key{Value: v, Prefix: p.Prefix, Preferred: p.Prefix == t.preferred}, true
			}
		}
	}
	return Key{}, false
}

// find returns the leftmost occurrence of the prefix, truncated to the
// pattern length. Later occurrences cannot fit if the leftmost does not.
func (t *Table) find(candidate string, p Pattern) (string, bool) {
	if t.strict {
		if len(candidate) == p.Length && strings.HasPrefix(candidate, p.Prefix) {
			return candidate, true
		}
		return "", false
	}
	i := strings.Index(candidate, p.Prefix)
	if i < 0 || i+p.Length > len(candidate) {
		return "", false
	}
	return candidate[i : i+p.Length], true
}

func (p Pattern) validate() error {
	if p.Prefix == "" {
		return errors.New("prefix is empty")
	}
	if !isDigits(p.Prefix) {
		return fmt.Errorf("prefix %q must contain only digits", p.Prefix)
	}
	if p.Length <= len(p.Prefix) {
		return fmt.Errorf("length %d must exceed prefix length %d", p.Length, len(p.Prefix))
	}
	return nil
}

// Normalize folds full-width digits to ASCII and drops every other character.
func Normalize(raw string) string {
	folded := width.Fold.String(raw)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
