// Package classifier is the built-in regex recognizer. Recognizers are
// declared in Presidio-style YAML: each match is validated (Luhn, IBAN,
// BSN, PESEL), scored, boosted by nearby context words and reported as a
// candidate span.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"

	redactotel "github.com/dativo-io/redact/internal/otel"
	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/patterns"
)

var tracer = redactotel.Tracer("github.com/dativo-io/redact/internal/classifier")

const (
	// DefaultMinScore discards matches below this confidence unless
	// context words lift them above it.
	DefaultMinScore = 0.5

	// ContextSimilarityFactor is added to a match's score when a context
	// word appears nearby.
	ContextSimilarityFactor = 0.35

	// ContextWindowChars is how many bytes either side of a match are
	// searched for context words.
	ContextWindowChars = 100
)

// Pattern is a compiled, ready-to-use detection pattern.
type Pattern struct {
	Recognizer string
	EntityType string
	Regex      *regexp.Regexp
	Group      int
	Score      float64
	Context    map[string][]string
	Validate   func(string) bool
}

// DefaultRecognizers returns the recognizers embedded in the binary.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.PIIYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded PII patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// Scanner detects PII with regex patterns. It is immutable after
// construction and safe for concurrent use.
type Scanner struct {
	patterns []Pattern
	minScore float64
}

// ScannerOption configures a Scanner.
type ScannerOption func(*scannerConfig)

type scannerConfig struct {
	patternFile       string
	enabledEntities   []string
	disabledEntities  []string
	customRecognizers []RecognizerConfig
	minScore          float64
}

// WithMinScore overrides DefaultMinScore.
func WithMinScore(score float64) ScannerOption {
	return func(c *scannerConfig) { c.minScore = score }
}

// WithPatternFile layers recognizers from a YAML file over the defaults.
// A missing file is ignored.
func WithPatternFile(path string) ScannerOption {
	return func(c *scannerConfig) { c.patternFile = path }
}

// WithEnabledEntities restricts the scanner to these entity types.
func WithEnabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.enabledEntities = entities }
}

// WithDisabledEntities removes these entity types.
func WithDisabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.disabledEntities = entities }
}

// WithCustomRecognizers adds recognizers on top of all other layers.
func WithCustomRecognizers(recognizers []RecognizerConfig) ScannerOption {
	return func(c *scannerConfig) { c.customRecognizers = recognizers }
}

// NewScanner builds a scanner from the embedded defaults, then the
// pattern file, then custom recognizers, later layers replacing earlier
// recognizers of the same name.
func NewScanner(opts ...ScannerOption) (*Scanner, error) {
	var cfg scannerConfig
	for _, o := range opts {
		o(&cfg)
	}

	defaults, err := DefaultRecognizers()
	if err != nil {
		return nil, fmt.Errorf("loading default recognizers: %w", err)
	}

	var global []RecognizerConfig
	if cfg.patternFile != "" {
		rf, err := LoadRecognizerFile(cfg.patternFile)
		if err != nil {
			return nil, fmt.Errorf("loading pattern file: %w", err)
		}
		if rf != nil {
			global = rf.Recognizers
		}
	}

	merged := MergeRecognizers(defaults, global, cfg.customRecognizers)
	merged = FilterByEntities(merged, cfg.enabledEntities, cfg.disabledEntities)

	compiled, err := CompilePatterns(merged)
	if err != nil {
		return nil, fmt.Errorf("compiling patterns: %w", err)
	}

	minScore := DefaultMinScore
	if cfg.minScore > 0 {
		minScore = cfg.minScore
	}
	return &Scanner{patterns: compiled, minScore: minScore}, nil
}

// MustNewScanner is like NewScanner but panics on error.
func MustNewScanner(opts ...ScannerOption) *Scanner {
	s, err := NewScanner(opts...)
	if err != nil {
		panic(fmt.Sprintf("classifier.NewScanner: %v", err))
	}
	return s
}

// Name identifies the recognizer in logs and traces.
func (s *Scanner) Name() string { return "regex" }

// Recognize returns a candidate span for every validated match whose
// score, after the context boost, reaches the scanner minimum. Context
// words of lang and language-neutral context words apply; an undetermined
// lang uses every context word.
func (s *Scanner) Recognize(ctx context.Context, text string, lang language.Tag) ([]span.Span, error) {
	_, sp := tracer.Start(ctx, "classifier.recognize")
	defer sp.End()

	base, _ := lang.Base()
	langCode := base.String()
	if lang == language.Und {
		langCode = ""
	}

	var out []span.Span
	for _, p := range s.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range p.Regex.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.Group], m[2*p.Group+1]
			if start < 0 || start == end {
				continue
			}
			value := text[start:end]
			if p.Validate != nil && !p.Validate(value) {
				continue
			}
			score := p.Score
			if words := contextWords(p.Context, langCode); len(words) > 0 && hasContext(text, m[0], m[1], words) {
				score += ContextSimilarityFactor
			}
			if score > 1 {
				score = 1
			}
			if score < s.minScore {
				continue
			}
			out = append(out, span.Span{
				Start:      start,
				End:        end,
				EntityType: p.EntityType,
				Likelihood: span.LikelihoodFromScore(score),
				Text:       value,
			})
		}
	}

	sp.SetAttributes(attribute.Int("pii.entity_count", len(out)))
	return out, nil
}

// contextWords returns the words for langCode plus language-neutral
// words. An empty langCode selects all of them.
func contextWords(byLang map[string][]string, langCode string) []string {
	if len(byLang) == 0 {
		return nil
	}
	if langCode == "" {
		var all []string
		for _, ws := range byLang {
			all = append(all, ws...)
		}
		return all
	}
	return append(append([]string(nil), byLang[""]...), byLang[langCode]...)
}

// hasContext reports whether a context word occurs within
// ContextWindowChars bytes of the match [start,end).
func hasContext(text string, start, end int, words []string) bool {
	from := start - ContextWindowChars
	if from < 0 {
		from = 0
	}
	to := end + ContextWindowChars
	if to > len(text) {
		to = len(text)
	}
	window := strings.ToLower(text[from:to])
	for _, w := range words {
		if strings.Contains(window, w) {
			return true
		}
	}
	return false
}
