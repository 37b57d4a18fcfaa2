// Package rules adjusts candidate spans using hotword and exclusion rules
// before overlap resolution. Hotwords near a span shift its likelihood
// (or veto it); exclusions veto spans whose text fully matches a pattern.
package rules

import (
	"regexp"

	"github.com/cockroachdb/errors"

	"github.com/dativo-io/redact/internal/span"
)

// ErrRuleCompilation is returned when a rule pattern does not compile or a
// rule definition is inconsistent.
var ErrRuleCompilation = errors.New("rule compilation error")

// Kind selects how a rule's pattern is matched.
type Kind int

const (
	Hotword Kind = iota + 1
	Exclusion
)

func (k Kind) String() string {
	switch k {
	case Hotword:
		return "hotword"
	case Exclusion:
		return "exclusion"
	default:
		return "unknown"
	}
}

// Unit is the distance unit of a hotword window.
type Unit int

const (
	Tokens Unit = iota
	Chars
)

// Window bounds how far a hotword match may sit from a span. Before
// counts distance from a match ending before the span, After from a
// match starting after it. Zero disables that side.
type Window struct {
	Before int
	After  int
	Unit   Unit
}

// Effect is what an applicable rule does to a span.
type Effect int

const (
	Adjust Effect = iota
	Veto
)

// Adjustment changes a span's likelihood. Fixed, when set, wins over
// Relative. A zero Adjustment lowers the likelihood by one level.
type Adjustment struct {
	Fixed    span.Likelihood
	Relative int
}

func (a Adjustment) apply(l span.Likelihood) span.Likelihood {
	if a.Fixed != span.Unspecified {
		return a.Fixed
	}
	if a.Relative == 0 {
		return l.Shift(-1)
	}
	return l.Shift(a.Relative)
}

// Rule is a compiled hotword or exclusion rule. Rules are immutable once
// compiled and safe to share between goroutines.
type Rule struct {
	Name        string
	Kind        Kind
	Pattern     *regexp.Regexp
	EntityTypes []string
	Window      Window
	Effect      Effect
	Adjustment  Adjustment
}

func (r *Rule) appliesTo(entityType string) bool {
	if len(r.EntityTypes) == 0 {
		return true
	}
	for _, t := range r.EntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// Engine evaluates a fixed rule set against documents.
type Engine struct {
	hotwords      []*Rule
	exclusions    []*Rule
	minLikelihood span.Likelihood
}

// DefaultMinLikelihood is the acceptance threshold when none is configured.
const DefaultMinLikelihood = span.Possible

// NewEngine builds an engine from compiled rules. A span that hotword
// rules reduce below minLikelihood is dropped; spans the hotwords leave
// alone pass whatever their likelihood. Unspecified selects
// DefaultMinLikelihood.
func NewEngine(rules []*Rule, minLikelihood span.Likelihood) (*Engine, error) {
	if minLikelihood == span.Unspecified {
		minLikelihood = DefaultMinLikelihood
	}
	e := &Engine{minLikelihood: minLikelihood}
	for _, r := range rules {
		if r == nil {
			continue
		}
		if r.Pattern == nil {
			return nil, errors.Wrapf(ErrRuleCompilation, "rule %q has no pattern", r.Name)
		}
		switch r.Kind {
		case Hotword:
			e.hotwords = append(e.hotwords, r)
		case Exclusion:
			e.exclusions = append(e.exclusions, r)
		default:
			return nil, errors.Wrapf(ErrRuleCompilation, "rule %q has unknown kind %d", r.Name, r.Kind)
		}
	}
	return e, nil
}

// MinLikelihood returns the acceptance threshold.
func (e *Engine) MinLikelihood() span.Likelihood { return e.minLikelihood }

// Len returns the number of rules in the engine.
func (e *Engine) Len() int { return len(e.hotwords) + len(e.exclusions) }

// Adjust applies hotword rules, drops spans they reduced below the
// threshold, then applies exclusions. A span without a likelihood is
// treated as sitting at the threshold. Neither text nor the input slice is
// modified. Spans must lie within text, as span.Validate guarantees.
func (e *Engine) Adjust(text string, spans []span.Span) []span.Span {
	out := make([]span.Span, 0, len(spans))
	vetoed := make([]bool, len(spans))
	adjusted := make([]span.Span, len(spans))
	copy(adjusted, spans)

	if len(e.hotwords) > 0 && len(spans) > 0 {
		var toks tokenIndex
		for _, r := range e.hotwords {
			matches := r.Pattern.FindAllStringIndex(text, -1)
			if len(matches) == 0 {
				continue
			}
			if r.Window.Unit == Tokens && toks == nil {
				toks = tokenize(text)
			}
			for i := range adjusted {
				if vetoed[i] || !r.appliesTo(adjusted[i].EntityType) {
					continue
				}
				if !r.near(toks, adjusted[i], matches) {
					continue
				}
				if r.Effect == Veto {
					vetoed[i] = true
					continue
				}
				adjusted[i] = adjusted[i].WithLikelihood(r.Adjustment.apply(e.level(adjusted[i].Likelihood)))
			}
		}
	}

	for i, s := range adjusted {
		if vetoed[i] || e.reducedBelow(spans[i].Likelihood, s.Likelihood) {
			continue
		}
		if e.excluded(text, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// level places an unspecified likelihood at the threshold.
func (e *Engine) level(l span.Likelihood) span.Likelihood {
	if l == span.Unspecified {
		return e.minLikelihood
	}
	return l
}

func (e *Engine) reducedBelow(before, after span.Likelihood) bool {
	if after == span.Unspecified {
		return false
	}
	return after < e.level(before) && after < e.minLikelihood
}

func (e *Engine) excluded(text string, s span.Span) bool {
	if s.Start < 0 || s.End > len(text) || s.Start > s.End {
		return false
	}
	covered := text[s.Start:s.End]
	for _, r := range e.exclusions {
		if r.appliesTo(s.EntityType) && r.Pattern.MatchString(covered) {
			return true
		}
	}
	return false
}

// near reports whether any hotword match lies within the rule window of s.
func (r *Rule) near(toks tokenIndex, s span.Span, matches [][]int) bool {
	for _, m := range matches {
		ms, me := m[0], m[1]
		if ms == me {
			continue
		}
		if me <= s.Start && r.Window.Before > 0 {
			if d := r.distance(toks, me, s.Start); d <= r.Window.Before {
				return true
			}
		}
		if ms >= s.End && r.Window.After > 0 {
			if d := r.distance(toks, s.End, ms); d <= r.Window.After {
				return true
			}
		}
	}
	return false
}

// distance measures the gap between offsets from <= to. In chars it is
// the byte gap; in tokens it is the number of token boundaries crossed,
// so adjacent words are at distance 1.
func (r *Rule) distance(toks tokenIndex, from, to int) int {
	if r.Window.Unit == Chars {
		return to - from
	}
	return toks.countBetween(from, to) + 1
}
