package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/redact/internal/audit"
	"github.com/dativo-io/redact/internal/config"
	"github.com/dativo-io/redact/internal/pipeline"
	"github.com/dativo-io/redact/internal/transform"
)

// defaultText is redacted when no file is given.
const defaultText = "My name is John Doe and my email is john.doe@example.com."

var (
	runFile        string
	runGenerateKey bool
	runStore       bool
	runCombined    bool
	runHotwords    []string
	runExclusions  []string
	runEntities    []string
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Redact PII in a file or the built-in example text",
	Long: `Redact PII in a file, or in a short example text when no file is given.

The redacted text is printed to stdout. With --store it is written to
<file>.redact instead, and with --combined also to <file>.redact.combined
as <source>...</source> and <redacted>...</redacted>.`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error { return bindFlags(cmd, runFlagKeys) },
	RunE:    runRedact,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFile, "file", "f", "", "file to redact (same as the positional argument)")
	f.StringP("key", "k", "", "base64 32 or 64 byte key; a transient key is used when neither --key nor --key-name is set")
	f.String("key-name", "", "name of a key in the key store")
	f.BoolVarP(&runGenerateKey, "generate-key", "g", false, "print a random 32-byte base64 key to stderr")
	f.BoolVarP(&runStore, "store", "s", false, "write <file>.redact instead of printing")
	f.BoolVarP(&runCombined, "combined", "c", false, "also emit source and redacted text wrapped in tags")
	f.StringSliceVar(&runHotwords, "hotwords", []string{"foo", "bar"}, "patterns that mark the next value as not PII")
	f.StringSliceVarP(&runExclusions, "exclusions", "x", nil, "patterns whose full match is never redacted")
	f.StringSliceVar(&runEntities, "entities", nil, "only redact these entity types (default: all)")
	f.String("transform", config.DefaultTransform, "transform: hash, deterministic or fpe")
	f.String("recognizer", config.DefaultRecognizer, "recognizers to run, joined with + (regex, llm, comprehend)")
	f.String("rules", "", "rule file (YAML)")
	f.String("language", "", "document language (BCP 47), passed to recognizers")
	f.String("min-likelihood", config.DefaultMinLikelihood, "drop spans that hotwords reduce below this likelihood")

	rootCmd.AddCommand(runCmd)
}

// runFlagKeys maps run flags onto config keys.
var runFlagKeys = map[string]string{
	"key":            config.KeyKey,
	"key-name":       config.KeyKeyName,
	"transform":      config.KeyTransform,
	"recognizer":     config.KeyRecognizer,
	"rules":          config.KeyRulesFile,
	"language":       config.KeyLanguage,
	"min-likelihood": config.KeyMinLikelihood,
}

// bindFlags binds flags of the executing command to viper keys. It runs
// before each command since run and serve bind the same keys.
func bindFlags(cmd *cobra.Command, flagKeys map[string]string) error {
	for flag, key := range flagKeys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}

func runRedact(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	path := runFile
	if len(args) == 1 {
		path = args[0]
	}

	if runGenerateKey {
		key, err := transform.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Generated key (base64): %s\n", key)
		if path == "" && viper.GetString(config.KeyKey) == "" {
			return nil
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	text := defaultText
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		text = string(data)
		log.Info().Str("file", path).Msg("reading_input")
	}

	p, err := buildPipeline(ctx, cfg, buildOptions{
		hotwords:   runHotwords,
		exclusions: runExclusions,
		entities:   runEntities,
	})
	if err != nil {
		return err
	}

	doc := pipeline.Document{ID: path, Text: text, Language: cfg.Language}
	if doc.ID == "" {
		doc.ID = "example"
	}
	start := time.Now()
	res, err := p.Process(ctx, doc)
	recordAudit(ctx, cfg, p, audit.Outcome{
		Source:   audit.SourceCLI,
		Caller:   keyCaller,
		Document: doc,
		Result:   res,
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return err
	}

	if runStore && path != "" {
		return storeOutputs(path, text, res.Redacted, runCombined)
	}
	if runStore {
		log.Warn().Msg("--store needs an input file; printing to stdout")
	}
	return printOutput(cmd.OutOrStdout(), text, res.Redacted, runCombined)
}

// storeOutputs writes <path>.redact and, when combined, <path>.redact.combined.
func storeOutputs(path, source, redacted string, combined bool) error {
	out := path + ".redact"
	if err := os.WriteFile(out, []byte(redacted), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	log.Info().Str("file", out).Msg("redacted_written")

	if combined {
		out = path + ".redact.combined"
		if err := os.WriteFile(out, []byte(pipeline.FormatCombined(source, redacted)), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		log.Info().Str("file", out).Msg("combined_written")
	}
	return nil
}

func printOutput(w io.Writer, source, redacted string, combined bool) error {
	if combined {
		_, err := fmt.Fprintln(w, pipeline.FormatCombined(source, redacted))
		return err
	}
	_, err := fmt.Fprintln(w, redacted)
	return err
}
