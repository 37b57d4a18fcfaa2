package classifier

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RecognizerFile is the top-level YAML structure for a recognizer file.
// It mirrors Presidio's recognizer registry layout.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig is one recognizer: one entity type, its patterns, deny
// list and per-language context words.
type RecognizerConfig struct {
	Name               string            `yaml:"name" json:"name"`
	SupportedEntity    string            `yaml:"supported_entity" json:"supported_entity"`
	Enabled            *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns           []PatternConfig   `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	SupportedLanguages []LanguageContext `yaml:"supported_languages,omitempty" json:"supported_languages,omitempty"`
	DenyList           []string          `yaml:"deny_list,omitempty" json:"deny_list,omitempty"`
	DenyListScore      float64           `yaml:"deny_list_score,omitempty" json:"deny_list_score,omitempty"`
	// Validation names a checksum every match must pass: luhn, iban, bsn
	// or pesel.
	Validation string `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// PatternConfig is a single regex within a recognizer. When Group is set
// the span covers that capture group instead of the whole match.
type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
	Group int     `yaml:"group,omitempty" json:"group,omitempty"`
}

// LanguageContext holds context words for a language. An empty language
// applies to every document.
type LanguageContext struct {
	Language string   `yaml:"language" json:"language"`
	Context  []string `yaml:"context,omitempty" json:"context,omitempty"`
}

func (r *RecognizerConfig) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ParseRecognizerFile parses recognizer YAML.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads a recognizer file. A missing file yields nil
// and no error so an optional global file can be configured
// unconditionally.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// MergeRecognizers merges layers in order. A recognizer in a later layer
// replaces the one with the same name; new names are appended.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig
	for _, layer := range layers {
		for _, rc := range layer {
			if idx, ok := index[rc.Name]; ok {
				merged[idx] = rc
				continue
			}
			index[rc.Name] = len(merged)
			merged = append(merged, rc)
		}
	}
	return merged
}

// FilterByEntities keeps recognizers whose entity is in enabled (when
// non-empty) and not in disabled. Entities may be given by their
// Presidio name or the canonical name (EMAIL_ADDRESS or EMAIL).
func FilterByEntities(recognizers []RecognizerConfig, enabled, disabled []string) []RecognizerConfig {
	allowed := entitySet(enabled)
	blocked := entitySet(disabled)
	var out []RecognizerConfig
	for _, r := range recognizers {
		e := CanonicalEntity(r.SupportedEntity)
		if len(allowed) > 0 && !allowed[e] {
			continue
		}
		if blocked[e] {
			continue
		}
		out = append(out, r)
	}
	return out
}

func entitySet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[CanonicalEntity(n)] = true
	}
	return set
}

// CompilePatterns turns recognizer configs into runtime patterns.
// Disabled recognizers are skipped.
func CompilePatterns(recognizers []RecognizerConfig) ([]Pattern, error) {
	var out []Pattern
	for _, rec := range recognizers {
		if !rec.isEnabled() {
			continue
		}
		validate, err := validator(rec.Validation)
		if err != nil {
			return nil, fmt.Errorf("recognizer %q: %w", rec.Name, err)
		}
		entity := CanonicalEntity(rec.SupportedEntity)
		if entity == "" {
			return nil, fmt.Errorf("recognizer %q: supported_entity is required", rec.Name)
		}
		ctxWords := contextByLanguage(rec.SupportedLanguages)

		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in recognizer %q: %w", p.Name, rec.Name, err)
			}
			if p.Group < 0 || p.Group > re.NumSubexp() {
				return nil, fmt.Errorf("pattern %q in recognizer %q: group %d out of range", p.Name, rec.Name, p.Group)
			}
			out = append(out, Pattern{
				Recognizer: rec.Name,
				EntityType: entity,
				Regex:      re,
				Group:      p.Group,
				Score:      p.Score,
				Context:    ctxWords,
				Validate:   validate,
			})
		}

		if words := nonEmpty(rec.DenyList); len(words) > 0 {
			quoted := make([]string, len(words))
			for i, w := range words {
				quoted[i] = regexp.QuoteMeta(w)
			}
			score := rec.DenyListScore
			if score == 0 {
				score = 1.0
			}
			out = append(out, Pattern{
				Recognizer: rec.Name,
				EntityType: entity,
				Regex:      regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
				Score:      score,
				Context:    ctxWords,
				Validate:   validate,
			})
		}
	}
	return out, nil
}

func contextByLanguage(langs []LanguageContext) map[string][]string {
	if len(langs) == 0 {
		return nil
	}
	m := make(map[string][]string, len(langs))
	for _, l := range langs {
		key := strings.ToLower(l.Language)
		for _, w := range l.Context {
			m[key] = append(m[key], strings.ToLower(w))
		}
	}
	return m
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

// entityNames maps Presidio entity names to the names used in tokens.
var entityNames = map[string]string{
	"EMAIL_ADDRESS": "EMAIL",
	"PHONE_NUMBER":  "PHONE",
	"IBAN_CODE":     "IBAN",
	"PERSON_NAME":   "PERSON",
	"DATE_TIME":     "DATE",
}

// CanonicalEntity normalises an entity name to upper snake case and maps
// Presidio names onto the short names (EMAIL_ADDRESS -> EMAIL).
func CanonicalEntity(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	if short, ok := entityNames[n]; ok {
		return short
	}
	return n
}
