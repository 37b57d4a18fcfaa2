package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/redact/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect redact configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		showConfig(cmd, cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func showConfig(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	line := func(label, value string) { fmt.Fprintf(out, "%-20s %s\n", label+":", value) }

	dirState := "(not created yet)"
	if _, err := os.Stat(cfg.DataDir); err == nil {
		dirState = "(exists)"
	}
	line("Data directory", cfg.DataDir+" "+dirState)
	line("Key store", cfg.KeyStorePath())
	if cfg.UsingDefaultVaultKey() {
		line("Vault key", "derived default (set REDACT_VAULT_KEY for production)")
	} else {
		line("Vault key", "set")
	}

	line("Transform", cfg.TransformKind().String())
	if cfg.TransformFile != "" {
		line("Transform file", cfg.TransformFile)
	}
	switch {
	case cfg.Key != "":
		line("Key", "inline (quickstart only)")
	case cfg.KeyName != "":
		line("Key", "key store: "+cfg.KeyName)
	case cfg.WrappedKey != "":
		line("Key", "KMS wrapped: "+cfg.KMSKeyName)
	default:
		line("Key", "transient (tokens change on every run)")
	}

	line("Recognizer", strings.Join(cfg.Recognizers, "+"))
	line("Min likelihood", cfg.MinLikelihood.String())
	if cfg.RulesFile != "" {
		line("Rule file", cfg.RulesFile)
	}
	line("Language", cfg.Language.String())
	line("Recognizer timeout", cfg.RecognizerTimeout.String())
	if cfg.UsesRecognizer(config.RecognizerLLM) {
		line("OpenAI endpoint", cfg.OpenAIBaseURL+" ("+cfg.OpenAIModel+")")
		line("OpenAI API key", mask(cfg.OpenAIAPIKey))
	}
	if cfg.UsesRecognizer(config.RecognizerComprehend) {
		line("AWS region", cfg.AWSRegion)
	}

	line("Listen address", cfg.ListenAddr)
	line("Rate limit", fmt.Sprintf("%d req/min per caller", cfg.RateLimitRPM))
	line("API keys", fmt.Sprintf("%d configured", len(cfg.APIKeys)))
	if cfg.Audit {
		line("Audit log", cfg.AuditDBPath())
	} else {
		line("Audit log", "disabled")
	}
}

// mask keeps the first four characters of a secret.
func mask(secret string) string {
	switch {
	case secret == "":
		return "(not set)"
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****"
	}
}
