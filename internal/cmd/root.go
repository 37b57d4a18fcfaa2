package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/redact/internal/otel"
)

var tracer = otel.Tracer("github.com/dativo-io/redact/internal/cmd")

var (
	cfgFile      string
	otelShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "redact",
	Short: "Deterministic PII redaction",
	Long: `redact finds personal data in text and replaces it with stable tokens.

Detection combines a local regex recognizer with optional LLM and
AWS Comprehend recognizers. Detected values are replaced with:
- keyed hash tokens ([EMAIL:3fQk9aZx])
- deterministic encryption surrogates (reversible with the key)
- format-preserving encryption (KMS-wrapped keys)

The same value always yields the same token under the same key, so
redacted datasets stay joinable.`,
	SilenceUsage:      true,
	PersistentPreRunE: beforeCommand,
}

func beforeCommand(*cobra.Command, []string) error {
	setupLogging()

	shutdown, err := otel.Setup("redact", resolvedVersion(), viper.GetBool("otel") || viper.GetBool("verbose"))
	if err != nil {
		return fmt.Errorf("initializing OpenTelemetry: %w", err)
	}
	otelShutdown = shutdown
	return nil
}

// setupLogging points the global zerolog logger at stderr. stdout is
// reserved for redacted output.
func setupLogging() {
	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if viper.GetString("log_format") == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default ./redact.config.yaml, then ~/.redact/redact.config.yaml)")
	f.BoolP("verbose", "v", false, "debug logging and tracing")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "console", "console or json")
	f.Bool("otel", false, "export traces and metrics to stderr")

	for flag, key := range map[string]string{
		"verbose":    "verbose",
		"otel":       "otel",
		"log-level":  "log_level",
		"log-format": "log_format",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func initConfig() {
	viper.SetEnvPrefix("REDACT")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("redact.config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".redact"))
		}
	}
	_ = viper.ReadInConfig()
}

// Execute runs the CLI and flushes telemetry before returning.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}
