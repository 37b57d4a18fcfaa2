package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dativo-io/redact/internal/audit"
	"github.com/dativo-io/redact/internal/classifier"
	"github.com/dativo-io/redact/internal/config"
	"github.com/dativo-io/redact/internal/keystore"
	"github.com/dativo-io/redact/internal/kms"
	"github.com/dativo-io/redact/internal/pipeline"
	"github.com/dativo-io/redact/internal/recognizer"
	"github.com/dativo-io/redact/internal/recognizer/comprehend"
	"github.com/dativo-io/redact/internal/recognizer/llm"
	"github.com/dativo-io/redact/internal/rules"
	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/internal/transform"
)

// keyCaller identifies CLI reads in the key store access log.
const keyCaller = "cli"

// buildOptions carries the per-invocation settings that are not part of
// config.Config.
type buildOptions struct {
	hotwords   []string
	exclusions []string
	entities   []string
}

// buildPipeline wires recognizers, rules, keys and transforms from cfg.
func buildPipeline(ctx context.Context, cfg *config.Config, opts buildOptions) (*pipeline.Pipeline, error) {
	rec, err := buildRecognizer(ctx, cfg, opts.entities)
	if err != nil {
		return nil, err
	}

	ruleSet, minLikelihood, err := buildRules(cfg, opts)
	if err != nil {
		return nil, err
	}

	key, err := resolveKey(ctx, cfg)
	if err != nil {
		return nil, err
	}
	table, err := buildTableConfig(cfg, key)
	if err != nil {
		return nil, err
	}

	var unwrapper transform.KeyUnwrapper
	if needsUnwrapper(table) {
		u, err := kms.NewFromRegion(ctx, cfg.KMSRegionOrDefault(), "")
		if err != nil {
			return nil, fmt.Errorf("initializing kms: %w", err)
		}
		unwrapper = u
	}

	return pipeline.New(ctx, pipeline.Config{
		Recognizer:        rec,
		Rules:             ruleSet,
		MinLikelihood:     minLikelihood,
		Transform:         table,
		Unwrapper:         unwrapper,
		Entities:          opts.entities,
		RecognizerTimeout: cfg.RecognizerTimeout,
		Language:          cfg.Language,
	})
}

func buildRecognizer(ctx context.Context, cfg *config.Config, entities []string) (pipeline.Recognizer, error) {
	members := make([]pipeline.Recognizer, 0, len(cfg.Recognizers))
	for _, name := range cfg.Recognizers {
		switch name {
		case config.RecognizerRegex:
			s, err := classifier.NewScanner()
			if err != nil {
				return nil, fmt.Errorf("loading regex recognizer: %w", err)
			}
			members = append(members, s)
		case config.RecognizerLLM:
			members = append(members, llm.NewWithBaseURL(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL,
				llm.WithModel(cfg.OpenAIModel), llm.WithEntities(entities)))
		case config.RecognizerComprehend:
			c, err := comprehend.NewFromRegion(ctx, cfg.AWSRegion)
			if err != nil {
				return nil, err
			}
			members = append(members, c)
		default:
			return nil, fmt.Errorf("unknown recognizer %q", name)
		}
	}
	if len(members) == 1 {
		return members[0], nil
	}
	return recognizer.NewChain(members...), nil
}

// buildRules loads the rule file, if any, and appends the command-line
// hotword and exclusion rules. A threshold set in the rule file wins over
// the configured one.
func buildRules(cfg *config.Config, opts buildOptions) ([]*rules.Rule, span.Likelihood, error) {
	minLikelihood := cfg.MinLikelihood
	var out []*rules.Rule
	if cfg.RulesFile != "" {
		f, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return nil, minLikelihood, err
		}
		compiled, err := f.Compile()
		if err != nil {
			return nil, minLikelihood, err
		}
		out = append(out, compiled...)
		if f.MinLikelihood != 0 {
			minLikelihood = f.MinLikelihood
		}
	}
	cli, err := rules.FromWordLists(opts.hotwords, opts.exclusions)
	if err != nil {
		return nil, minLikelihood, err
	}
	return append(out, cli...), minLikelihood, nil
}

// resolveKey returns raw key material from --key or the key store. Nil
// means no key was configured.
func resolveKey(ctx context.Context, cfg *config.Config) ([]byte, error) {
	switch {
	case cfg.Key != "":
		return transform.DecodeKey(cfg.Key)
	case cfg.KeyName != "":
		store, err := openKeyStore(cfg)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		k, err := store.Get(ctx, cfg.KeyName, keyCaller)
		if err != nil {
			return nil, fmt.Errorf("loading key %q: %w", cfg.KeyName, err)
		}
		return k.Material, nil
	default:
		return nil, nil
	}
}

// buildTableConfig reads the transform file when configured, otherwise
// builds a single default transform from the flat settings.
func buildTableConfig(cfg *config.Config, key []byte) (transform.TableConfig, error) {
	if cfg.TransformFile == "" {
		return transform.TableConfig{Default: cfg.TransformConfig(key)}, nil
	}
	data, err := os.ReadFile(cfg.TransformFile)
	if err != nil {
		return transform.TableConfig{}, fmt.Errorf("reading transform file: %w", err)
	}
	var tc transform.TableConfig
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return transform.TableConfig{}, fmt.Errorf("parsing transform file %s: %w", cfg.TransformFile, err)
	}
	if tc.Default.Kind != transform.FormatPreservingEncrypt && !tc.Default.Unkeyed {
		tc.Default.Key = key
	}
	log.Debug().Str("file", cfg.TransformFile).Int("entities", len(tc.Entities)).Msg("transform_table_loaded")
	return tc, nil
}

func needsUnwrapper(tc transform.TableConfig) bool {
	if tc.Default.Kind == transform.FormatPreservingEncrypt {
		return true
	}
	for _, e := range tc.Entities {
		if e.Transform != nil && e.Transform.Kind == transform.FormatPreservingEncrypt {
			return true
		}
	}
	return false
}

func openKeyStore(cfg *config.Config) (*keystore.Store, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultVaultKey()
	return keystore.Open(cfg.KeyStorePath(), cfg.VaultKey)
}

// openAuditStore returns nil when auditing is disabled.
func openAuditStore(cfg *config.Config) (*audit.Store, error) {
	if !cfg.Audit {
		return nil, nil
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultAuditKey()
	return audit.Open(cfg.AuditDBPath(), cfg.AuditKey)
}

// recordAudit appends one record for a CLI run. A failing audit log is
// reported but does not fail the run.
func recordAudit(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline, o audit.Outcome) {
	store, err := openAuditStore(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("audit_unavailable")
		return
	}
	if store == nil {
		return
	}
	defer store.Close()
	r, err := store.Log(ctx, p, o)
	if err != nil {
		log.Warn().Err(err).Msg("audit_record_failed")
		return
	}
	log.Debug().Str("audit_id", r.ID).Int("spans", r.SpanCount).Msg("audit_recorded")
}
