package transform

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
)

// TableConfig is the serialisable form of a Table:
//
//	default:
//	  kind: hash
//	entities:
//	  EMAIL_ADDRESS:
//	    label: EMAIL
//	  CREDIT_CARD:
//	    transform:
//	      kind: fpe
//	      alphabet: numeric
//	      wrapped:
//	        kms_key_name: arn:aws:kms:...
//	        wrapped_key: CiQA...
type TableConfig struct {
	Default  Config                  `yaml:"default" json:"default"`
	Entities map[string]EntityConfig `yaml:"entities,omitempty" json:"entities,omitempty"`
}

// EntityConfig overrides the token label and, optionally, the transform
// for one entity type.
type EntityConfig struct {
	Label     string  `yaml:"label,omitempty" json:"label,omitempty"`
	Transform *Config `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// Binding is the transform registered for an entity type. Label is the
// name written into tokens; it defaults to the entity type.
type Binding struct {
	EntityType  string
	Label       string
	Transformer Transformer
}

// Table maps entity types to transforms. It is built once and read-only
// afterwards, so one Table may serve any number of concurrent documents.
type Table struct {
	def      Transformer
	bindings map[string]Binding
}

// BuildTable resolves every transform in cfg. When the default transform
// needs a transient key, the same key is shared by every entity override
// that has none, so one run produces one consistent token space.
func BuildTable(ctx context.Context, cfg TableConfig, unwrapper KeyUnwrapper) (*Table, error) {
	base := cfg.Default
	if base.Kind != FormatPreservingEncrypt && !base.Unkeyed && len(base.Key) == 0 {
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		base.Key = key
	}
	def, err := New(ctx, base, unwrapper)
	if err != nil {
		return nil, errors.Wrap(err, "default transform")
	}
	if len(cfg.Default.Key) == 0 && !cfg.Default.Unkeyed && def.Kind() != FormatPreservingEncrypt {
		def = transientView{def}
	}

	t := &Table{def: def, bindings: make(map[string]Binding, len(cfg.Entities))}
	for entityType, ec := range cfg.Entities {
		if entityType == "" {
			return nil, errors.New("entity override with empty entity type")
		}
		b := Binding{EntityType: entityType, Label: ec.Label, Transformer: def}
		if b.Label == "" {
			b.Label = entityType
		}
		if ec.Transform != nil {
			c := *ec.Transform
			shared := false
			if c.Kind != FormatPreservingEncrypt && !c.Unkeyed && len(c.Key) == 0 {
				c.Key, shared = base.Key, true
			}
			tr, err := New(ctx, c, unwrapper)
			if err != nil {
				return nil, errors.Wrapf(err, "transform for %s", entityType)
			}
			if shared && def.Transient() {
				tr = transientView{tr}
			}
			b.Transformer = tr
		}
		t.bindings[entityType] = b
	}
	return t, nil
}

// NewTable wraps a single transformer as the default for every entity.
func NewTable(def Transformer) *Table {
	return &Table{def: def, bindings: map[string]Binding{}}
}

// Lookup returns the binding for entityType, falling back to the default.
func (t *Table) Lookup(entityType string) Binding {
	if b, ok := t.bindings[entityType]; ok {
		return b
	}
	return Binding{EntityType: entityType, Label: entityType, Transformer: t.def}
}

// Transform produces the token for a value of entityType.
func (t *Table) Transform(text, entityType string) (string, error) {
	b := t.Lookup(entityType)
	return b.Transformer.Transform(text, b.Label)
}

// Default returns the fallback transformer.
func (t *Table) Default() Transformer { return t.def }

// Bindings returns the explicit bindings ordered by entity type.
func (t *Table) Bindings() []Binding {
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out
}

// Transient reports whether any transform runs on a per-process key.
func (t *Table) Transient() bool {
	if t.def.Transient() {
		return true
	}
	for _, b := range t.bindings {
		if b.Transformer.Transient() {
			return true
		}
	}
	return false
}

// transientView marks a transformer built from a key BuildTable generated.
type transientView struct{ Transformer }

func (transientView) Transient() bool { return true }
