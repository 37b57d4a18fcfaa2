// Package rewrite substitutes tokens for resolved spans in a document.
package rewrite

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/dativo-io/redact/internal/span"
)

// Replacement pairs a resolved span with its token.
type Replacement struct {
	Span  span.Span
	Token string
}

// Rewrite returns text with every replacement applied. Replacements are
// applied rightmost first so the byte offsets of those still pending stay
// valid. The caller's slice is not reordered.
func Rewrite(text string, reps []Replacement) (string, error) {
	if len(reps) == 0 {
		return text, nil
	}
	sorted := make([]Replacement, len(reps))
	copy(sorted, reps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Span.Start > sorted[j].Span.Start })

	size := len(text)
	limit := len(text)
	for i, r := range sorted {
		s := r.Span
		if s.Start < 0 || s.Start >= s.End || s.End > len(text) {
			return "", errors.Wrapf(span.ErrMalformedSpan, "replacement %d: [%d,%d) outside document of %d bytes", i, s.Start, s.End, len(text))
		}
		if s.End > limit {
			return "", errors.Wrapf(span.ErrMalformedSpan, "replacement [%d,%d) overlaps the next one at %d", s.Start, s.End, limit)
		}
		limit = s.Start
		size += len(r.Token) - s.Len()
	}

	out := []byte(text)
	for _, r := range sorted {
		s := r.Span
		tail := out[s.End:]
		next := make([]byte, 0, s.Start+len(r.Token)+len(tail))
		next = append(next, out[:s.Start]...)
		next = append(next, r.Token...)
		next = append(next, tail...)
		out = next
	}
	if len(out) != size {
		return "", errors.AssertionFailedf("rewritten length %d, expected %d", len(out), size)
	}
	return string(out), nil
}
