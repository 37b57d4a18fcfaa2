package span

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Resolve turns raw, possibly overlapping candidates into a list sorted by
// Start with no two spans overlapping. The result does not depend on the
// order the recognizer reported the candidates in.
//
// Candidates are ordered by start, then longer first, then more likely
// first. Sweeping left to right, a candidate overlapping the last accepted
// span replaces it only when it has strictly higher priority (length,
// then likelihood, then earlier start); otherwise it is dropped.
func Resolve(spans []Span) ([]Span, error) {
	for _, s := range spans {
		if s.Start >= s.End {
			return nil, errors.Wrapf(ErrMalformedSpan, "empty or inverted span [%d,%d)", s.Start, s.End)
		}
		if s.Start < 0 {
			return nil, errors.Wrapf(ErrMalformedSpan, "negative offset in span [%d,%d)", s.Start, s.End)
		}
	}

	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if a.Likelihood != b.Likelihood {
			return a.Likelihood > b.Likelihood
		}
		// Full tie: entity type keeps the order independent of input order.
		return a.EntityType < b.EntityType
	})

	var out []Span
	for _, s := range sorted {
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		last := &out[len(out)-1]
		if s.Start >= last.End {
			out = append(out, s)
			continue
		}
		if outranks(s, *last) {
			*last = s
		}
	}
	return out, nil
}

// outranks reports whether a has strictly higher priority than b.
func outranks(a, b Span) bool {
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	if a.Likelihood != b.Likelihood {
		return a.Likelihood > b.Likelihood
	}
	return a.Start < b.Start
}
