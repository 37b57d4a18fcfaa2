package rules

import (
	"os"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/dativo-io/redact/internal/span"
)

// File is the YAML layout of a rule file:
//
//	min_likelihood: POSSIBLE
//	rules:
//	  - name: test-markers
//	    kind: hotword
//	    pattern: '(?i)\b(foo|bar)\b'
//	    window_before: 1
//	    fixed_likelihood: VERY_UNLIKELY
//	  - name: vendor
//	    kind: exclusion
//	    pattern: 'Example Corp'
type File struct {
	MinLikelihood span.Likelihood `yaml:"min_likelihood,omitempty"`
	Rules         []Config        `yaml:"rules"`
}

// Config is the declarative form of a Rule.
type Config struct {
	Name            string          `yaml:"name"`
	Kind            string          `yaml:"kind"`
	Pattern         string          `yaml:"pattern"`
	EntityTypes     []string        `yaml:"entity_types,omitempty"`
	Window          int             `yaml:"window,omitempty"`
	WindowBefore    int             `yaml:"window_before,omitempty"`
	WindowAfter     int             `yaml:"window_after,omitempty"`
	WindowUnit      string          `yaml:"window_unit,omitempty"`
	Veto            bool            `yaml:"veto,omitempty"`
	FixedLikelihood span.Likelihood `yaml:"fixed_likelihood,omitempty"`
	Relative        int             `yaml:"relative,omitempty"`
	CaseSensitive   bool            `yaml:"case_sensitive,omitempty"`
}

// Parse decodes rule YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parsing rule YAML"), ErrRuleCompilation)
	}
	return &f, nil
}

// LoadFile reads and parses a rule file. A missing file is an error.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading rule file %s", path)
	}
	return Parse(data)
}

// Compile turns every Config into a Rule.
func (f *File) Compile() ([]*Rule, error) {
	out := make([]*Rule, 0, len(f.Rules))
	for i := range f.Rules {
		r, err := f.Rules[i].Compile()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Compile validates and compiles one rule definition. Exclusion patterns
// are anchored so they must match the whole span text, and are
// case-insensitive unless CaseSensitive is set.
func (c *Config) Compile() (*Rule, error) {
	r := &Rule{
		Name:        c.Name,
		EntityTypes: c.EntityTypes,
		Adjustment:  Adjustment{Fixed: c.FixedLikelihood, Relative: c.Relative},
	}
	if c.Veto {
		r.Effect = Veto
	}

	pattern := c.Pattern
	if pattern == "" {
		return nil, errors.Wrapf(ErrRuleCompilation, "rule %q: empty pattern", c.Name)
	}

	switch strings.ToLower(c.Kind) {
	case "hotword", "":
		r.Kind = Hotword
		r.Window = Window{Before: c.WindowBefore, After: c.WindowAfter}
		if c.Window > 0 {
			if r.Window.Before == 0 {
				r.Window.Before = c.Window
			}
			if r.Window.After == 0 {
				r.Window.After = c.Window
			}
		}
		if r.Window.Before == 0 && r.Window.After == 0 {
			return nil, errors.Wrapf(ErrRuleCompilation, "hotword rule %q: window must be positive", c.Name)
		}
		switch strings.ToLower(c.WindowUnit) {
		case "", "token", "tokens":
			r.Window.Unit = Tokens
		case "char", "chars", "characters":
			r.Window.Unit = Chars
		default:
			return nil, errors.Wrapf(ErrRuleCompilation, "hotword rule %q: unknown window unit %q", c.Name, c.WindowUnit)
		}
	case "exclusion":
		r.Kind = Exclusion
		r.Effect = Veto
		pattern = `^(?:` + pattern + `)$`
		if !c.CaseSensitive {
			pattern = `(?i)` + pattern
		}
	default:
		return nil, errors.Wrapf(ErrRuleCompilation, "rule %q: unknown kind %q", c.Name, c.Kind)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "compiling rule %q", c.Name), ErrRuleCompilation)
	}
	r.Pattern = re
	return r, nil
}

// FromWordLists builds the rule pair used by the command line. Entries
// are regular expression fragments: hotwords are joined into one
// case-insensitive alternation that forces a span directly after a match
// to VERY_UNLIKELY, and exclusions into one full-match alternation.
func FromWordLists(hotwords, exclusions []string) ([]*Rule, error) {
	var cfgs []Config
	if words := nonEmpty(hotwords); len(words) > 0 {
		cfgs = append(cfgs, Config{
			Name:            "cli-hotwords",
			Kind:            "hotword",
			Pattern:         `(?i)(?:` + strings.Join(words, "|") + `)`,
			WindowBefore:    1,
			FixedLikelihood: span.VeryUnlikely,
		})
	}
	if words := nonEmpty(exclusions); len(words) > 0 {
		cfgs = append(cfgs, Config{
			Name:    "cli-exclusions",
			Kind:    "exclusion",
			Pattern: strings.Join(words, "|"),
		})
	}
	f := File{Rules: cfgs}
	return f.Compile()
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
