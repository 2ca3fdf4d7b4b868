package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirbridge/bridge/internal/config"
	"github.com/fhirbridge/bridge/internal/domain/audit"
	"github.com/fhirbridge/bridge/internal/domain/transform"
	"github.com/fhirbridge/bridge/internal/engine"
	"github.com/fhirbridge/bridge/internal/platform/db"
	"github.com/fhirbridge/bridge/internal/platform/hl7v2"
	"github.com/fhirbridge/bridge/internal/platform/middleware"
)

// requiredSegments are the segments a run cannot proceed without. An
// unresolvable patient segment leaves nothing for clinical resources to
// reference.
var requiredSegments = []string{"MSH", "PID", "PAT"}

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge-server",
		Short: "HL7v2/C-CDA to FHIR conversion server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(transformCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the conversion API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func transformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform [file]",
		Short: "Convert one message from a file (or stdin) and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			return runTransform(cmd, args, format)
		},
	}
	cmd.Flags().String("format", "hl7v2", "Input format: hl7v2 or ccda")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the audit schema in the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, err = pool.Exec(ctx, `
				CREATE TABLE IF NOT EXISTS transform_runs (
					id UUID PRIMARY KEY,
					run_id TEXT NOT NULL UNIQUE,
					source TEXT NOT NULL,
					message_type TEXT NOT NULL,
					status TEXT NOT NULL,
					attempts INT NOT NULL,
					bundle_id TEXT NOT NULL DEFAULT '',
					trail JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)`)
			if err != nil {
				return fmt.Errorf("create transform_runs: %w", err)
			}
			fmt.Println("audit schema ready")
			return nil
		},
	}
}

// newLogger builds the process logger from config, with a console writer in
// development.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// newController wires the conversion engine from config: rule store,
// inference, resolver, controller.
func newController(cfg *config.Config, logger zerolog.Logger) (*engine.Controller, error) {
	store, err := engine.NewRuleStore()
	if err != nil {
		return nil, err
	}
	if cfg.RulePackDir != "" {
		if err := store.LoadDir(cfg.RulePackDir); err != nil {
			return nil, err
		}
		logger.Info().Str("dir", cfg.RulePackDir).Int("rules", store.Len()).Msg("rule packs loaded")
	}

	inference := engine.NewZInference(store, cfg.RetrieverTopK, cfg.InferenceThreshold)
	resolver := engine.NewResolver(engine.NewTemplateCache(), store, inference, cfg.RetrieverTopK, logger)
	return engine.NewController(resolver, engine.NewBundleValidator(), cfg.RepairBudget, requiredSegments, logger), nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	controller, err := newController(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}

	// Audit store: PostgreSQL when configured, in-memory otherwise.
	ctx := context.Background()
	runRepo := audit.NewRunRepoMemory()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		runRepo = audit.NewRunRepoPG(pool)
		logger.Info().Msg("audit store: postgres")
	} else {
		logger.Warn().Msg("DATABASE_URL not set; audit runs are kept in memory only")
	}
	auditSvc := audit.NewService(runRepo, logger)

	transformSvc := transform.NewService(controller, auditSvc, logger)
	handler := transform.NewHandler(transformSvc, auditSvc)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	apiV1 := e.Group("/api/v1")
	handler.RegisterRoutes(apiV1)

	// HL7v2 MLLP TCP listener, started when MLLP_ADDR is set. Feeds arriving
	// here go through the same pipeline as the HTTP API.
	if cfg.MLLPAddr != "" {
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, transformSvc.MLLPHandler(), logger)
		go func() {
			if err := mllpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("MLLP server failed")
			}
		}()
		defer mllpServer.Stop()
		logger.Info().Str("addr", cfg.MLLPAddr).Msg("MLLP server started")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runTransform converts a single message and prints the result bundle and
// trail as JSON. The process exits non-zero when the bundle was not
// accepted, so scripts can gate on it.
func runTransform(cmd *cobra.Command, args []string, format string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	controller, err := newController(cfg, logger)
	if err != nil {
		return err
	}
	svc := transform.NewService(controller, nil, logger)

	var raw []byte
	if len(args) == 1 {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	ctx := cmd.Context()
	var result *engine.Result
	switch format {
	case "hl7v2":
		result, err = svc.TransformHL7(ctx, raw)
	case "ccda":
		result, err = svc.TransformCCDA(ctx, raw)
	default:
		return fmt.Errorf("unknown format %q (want hl7v2 or ccda)", format)
	}
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"status": result.Status,
		"trail":  result.Trail,
	}
	if result.Bundle != nil {
		now := time.Now().UTC()
		out["bundle"] = result.Bundle.ToFHIR(&now)
	}
	if len(result.Violations) > 0 {
		out["violations"] = result.Violations
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if result.Status != engine.StatusAccepted {
		return fmt.Errorf("conversion not accepted: %s", result.Status)
	}
	return nil
}
