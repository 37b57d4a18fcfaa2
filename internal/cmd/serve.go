package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/redact/internal/config"
	"github.com/dativo-io/redact/internal/server"
)

var (
	serveEntities     []string
	serveBatchWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the redaction HTTP API",
	Long: `Start the redaction HTTP API.

Endpoints:
  GET  /health            liveness
  GET  /v1/health         pipeline summary
  POST /v1/redact         redact one document
  POST /v1/redact/batch   redact many documents under one key
  GET  /v1/audit          the caller's audit records (when audit is on)

Requests authenticate with X-Redact-Key or Authorization: Bearer when
api_keys is set (REDACT_API_KEYS="key1:etl,key2:analytics").`,
	PreRunE: func(cmd *cobra.Command, args []string) error { return bindFlags(cmd, serveFlagKeys) },
	RunE:    runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", config.DefaultListenAddr, "listen address")
	f.String("key-name", "", "name of a key in the key store")
	f.String("transform", config.DefaultTransform, "transform: hash, deterministic or fpe")
	f.String("recognizer", config.DefaultRecognizer, "recognizers to run, joined with + (regex, llm, comprehend)")
	f.String("rules", "", "rule file (YAML)")
	f.StringSliceVar(&serveEntities, "entities", nil, "only redact these entity types (default: all)")
	f.IntVar(&serveBatchWorkers, "batch-workers", 0, "concurrent documents per batch request (default: GOMAXPROCS)")

	rootCmd.AddCommand(serveCmd)
}

var serveFlagKeys = map[string]string{
	"listen":     config.KeyListenAddr,
	"key-name":   config.KeyKeyName,
	"transform":  config.KeyTransform,
	"recognizer": config.KeyRecognizer,
	"rules":      config.KeyRulesFile,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	httpServer, cleanup, err := newHTTPServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// newHTTPServer builds the pipeline once and wraps it in an http.Server.
// Every request shares the same transform table, so a transient key is
// stable for the life of the process. cleanup closes the audit log.
func newHTTPServer(ctx context.Context, cfg *config.Config) (*http.Server, func(), error) {
	p, err := buildPipeline(ctx, cfg, buildOptions{entities: serveEntities})
	if err != nil {
		return nil, nil, err
	}
	if p.Table().Transient() {
		log.Warn().Msg("no key configured; tokens are stable only until the server restarts. Set key_name for durable tokens.")
	}

	apiKeys := server.ParseAPIKeys(cfg.APIKeys)
	if len(apiKeys) == 0 {
		log.Warn().Msg("REDACT_API_KEYS not set; API requests are not authenticated. Set for production.")
	}

	opts := []server.Option{server.WithBatchWorkers(serveBatchWorkers)}
	if cfg.RateLimitRPM > 0 {
		callers := len(apiKeys)
		if callers == 0 {
			callers = 1
		}
		opts = append(opts, server.WithRateLimiter(server.NewRateLimiter(cfg.RateLimitRPM*callers, cfg.RateLimitRPM)))
	}
	cleanup := func() {}
	auditStore, err := openAuditStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	if auditStore != nil {
		opts = append(opts, server.WithAuditLog(auditStore))
		cleanup = func() { _ = auditStore.Close() }
	}
	srv := server.NewServer(p, apiKeys, opts...)

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("recognizer", p.RecognizerName()).
		Str("transform", p.Table().Default().Kind().String()).
		Int("api_keys", len(apiKeys)).
		Int("rate_limit_rpm", cfg.RateLimitRPM).
		Bool("audit", auditStore != nil).
		Msg("redact_serve_started")

	return &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}, cleanup, nil
}
