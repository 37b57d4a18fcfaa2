// Package span defines the PII span data model shared by every stage of
// the redaction pipeline, plus offset normalisation and overlap resolution.
//
// All offsets are byte offsets into the UTF-8 document and must fall on
// rune boundaries. Recognizers that report code-point or UTF-16 offsets
// convert them with FromRuneOffsets or FromUTF16Offsets before handing
// spans to the pipeline.
package span

import (
	"unicode/utf16"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ErrMalformedSpan is returned for spans with invalid offsets: empty,
// inverted, out of range, or splitting a multi-byte rune.
var ErrMalformedSpan = errors.New("malformed span")

// Span is a contiguous PII candidate within a document.
type Span struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	EntityType string     `json:"entity_type"`
	Likelihood Likelihood `json:"likelihood"`
	Text       string     `json:"-"`
}

// New builds a span over text[start:end], filling Text from the document.
func New(text string, start, end int, entityType string, l Likelihood) (Span, error) {
	s := Span{Start: start, End: end, EntityType: entityType, Likelihood: l}
	if err := s.check(len(text)); err != nil {
		return Span{}, err
	}
	if !onRuneBoundary(text, start) || !onRuneBoundary(text, end) {
		return Span{}, errors.Wrapf(ErrMalformedSpan, "offsets [%d,%d) split a rune", start, end)
	}
	s.Text = text[start:end]
	return s, nil
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// WithLikelihood returns a copy of s with the likelihood replaced.
func (s Span) WithLikelihood(l Likelihood) Span {
	s.Likelihood = l
	return s
}

// SafeFormat implements redact.SafeFormatter. Offsets, type and
// likelihood are safe to log; the covered text is not.
func (s Span) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s[%d,%d) %s %s",
		redact.SafeString(s.EntityType), redact.SafeInt(s.Start), redact.SafeInt(s.End), s.Likelihood, s.Text)
}

// String renders the span with its text redacted.
func (s Span) String() string {
	return redact.Sprint(s).Redact().StripMarkers()
}

func (s Span) check(docLen int) error {
	if s.Start >= s.End {
		return errors.Wrapf(ErrMalformedSpan, "empty or inverted span [%d,%d)", s.Start, s.End)
	}
	if s.Start < 0 || s.End > docLen {
		return errors.Wrapf(ErrMalformedSpan, "span [%d,%d) outside document of %d bytes", s.Start, s.End, docLen)
	}
	return nil
}

// Validate checks every span against the document: bounds, non-empty,
// rune-aligned, and Text consistent with the offsets. Text is filled in
// when the recognizer left it empty.
func Validate(text string, spans []Span) ([]Span, error) {
	out := make([]Span, len(spans))
	for i, s := range spans {
		if err := s.check(len(text)); err != nil {
			return nil, err
		}
		if !onRuneBoundary(text, s.Start) || !onRuneBoundary(text, s.End) {
			return nil, errors.Wrapf(ErrMalformedSpan, "offsets [%d,%d) split a rune", s.Start, s.End)
		}
		covered := text[s.Start:s.End]
		if s.Text != "" && s.Text != covered {
			return nil, errors.Wrapf(ErrMalformedSpan, "span [%d,%d) text does not match document", s.Start, s.End)
		}
		s.Text = covered
		out[i] = s
	}
	return out, nil
}

func onRuneBoundary(text string, off int) bool {
	if off == 0 || off == len(text) {
		return true
	}
	return utf8.RuneStart(text[off])
}

// FromRuneOffsets converts code-point offsets (as reported by most NER
// services) into byte offsets.
func FromRuneOffsets(text string, start, end int) (int, int, error) {
	if start < 0 || start >= end {
		return 0, 0, errors.Wrapf(ErrMalformedSpan, "empty or inverted rune span [%d,%d)", start, end)
	}
	bs, be := -1, -1
	r := 0
	for i := range text {
		if r == start {
			bs = i
		}
		if r == end {
			be = i
			break
		}
		r++
	}
	if bs < 0 && r == start {
		bs = len(text)
	}
	if be < 0 && r == end {
		be = len(text)
	}
	if bs < 0 || be < 0 {
		return 0, 0, errors.Wrapf(ErrMalformedSpan, "rune span [%d,%d) outside document of %d runes", start, end, utf8.RuneCountInString(text))
	}
	return bs, be, nil
}

// FromUTF16Offsets converts UTF-16 code-unit offsets (as reported by
// JavaScript- and Java-backed services) into byte offsets. An offset
// falling inside a surrogate pair is malformed.
func FromUTF16Offsets(text string, start, end int) (int, int, error) {
	if start < 0 || start >= end {
		return 0, 0, errors.Wrapf(ErrMalformedSpan, "empty or inverted utf-16 span [%d,%d)", start, end)
	}
	bs, be := -1, -1
	u := 0
	for i, r := range text {
		if u == start {
			bs = i
		}
		if u == end {
			be = i
			break
		}
		u += utf16.RuneLen(r)
		if u > start && bs < 0 || u > end && be < 0 {
			return 0, 0, errors.Wrapf(ErrMalformedSpan, "utf-16 span [%d,%d) splits a surrogate pair", start, end)
		}
	}
	if bs < 0 && u == start {
		bs = len(text)
	}
	if be < 0 && u == end {
		be = len(text)
	}
	if bs < 0 || be < 0 {
		return 0, 0, errors.Wrapf(ErrMalformedSpan, "utf-16 span [%d,%d) outside document", start, end)
	}
	return bs, be, nil
}
