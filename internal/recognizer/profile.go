package recognizer

import (
	"fmt"
	"strings"
)

// Page segmentation modes understood by Tesseract.
const (
	SegSingleBlock = 6
	SegSingleLine  = 7
	SegSingleWord  = 8
	SegRawLine     = 13
)

// DigitWhitelist restricts recognition to decimal digits.
const DigitWhitelist = "0123456789"

// Profile is one configuration of the recognition engine.
type Profile struct {
	Name        string `json:"name"`
	PageSegMode int    `json:"page_seg_mode"`
	Whitelist   string `json:"whitelist,omitempty"`
}

var builtinProfiles = []Profile{
	{Name: "single_block", PageSegMode: SegSingleBlock, Whitelist: DigitWhitelist},
	{Name: "single_line", PageSegMode: SegSingleLine, Whitelist: DigitWhitelist},
	{Name: "single_word", PageSegMode: SegSingleWord, Whitelist: DigitWhitelist},
	{Name: "raw_line", PageSegMode: SegRawLine, Whitelist: DigitWhitelist},
}

// DefaultProfiles returns the built-in profiles in their default order.
func DefaultProfiles() []Profile {
	return append([]Profile(nil), builtinProfiles...)
}

// DefaultProfileNames returns the names of DefaultProfiles.
func DefaultProfileNames() []string {
	names := make([]string, len(builtinProfiles))
	for i, p := range builtinProfiles {
		names[i] = p.Name
	}
	return names
}

// ProfilesByName resolves built-in profile names, keeping the given order.
func ProfilesByName(names []string) ([]Profile, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no recognition profiles given")
	}
	out := make([]Profile, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if seen[n] {
			return nil, fmt.Errorf("duplicate recognition profile %q", n)
		}
		p, ok := lookupProfile(n)
		if !ok {
			return nil, fmt.Errorf("unknown recognition profile %q (known: %s)", n, strings.Join(DefaultProfileNames(), ", "))
		}
		seen[n] = true
		out = append(out, p)
	}
	return out, nil
}

func lookupProfile(name string) (Profile, bool) {
	for _, p := range builtinProfiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
