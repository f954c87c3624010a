package dispatch

import "strings"

// Normalizer canonicalizes dialable numbers so that duplicates collapse and
// local numbers gain the default country prefix. Normalizing an already
// normalized number is a no-op.
type Normalizer struct {
	// CountryCode is prefixed to bare local numbers, without a leading '+'.
	CountryCode string
	// LocalLength is the digit count of a bare local number.
	LocalLength int
}

// Normalize canonicalizes one raw number. The empty string means the input
// was not usable.
func (n Normalizer) Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, s)
	s = strings.TrimPrefix(s, "+")
	for strings.HasPrefix(s, "0") {
		s = s[1:]
	}
	if s == "" || !digitsOnly(s) {
		return ""
	}
	if len(s) == n.LocalLength && n.CountryCode != "" {
		s = n.CountryCode + s
	}
	return s
}

// NormalizeAll canonicalizes a batch, dropping unusable entries and
// de-duplicating while preserving first-seen order.
func (n Normalizer) NormalizeAll(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		num := n.Normalize(r)
		if num == "" {
			continue
		}
		if _, dup := seen[num]; dup {
			continue
		}
		seen[num] = struct{}{}
		out = append(out, num)
	}
	return out
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
