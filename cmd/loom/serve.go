package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loomlab/loom/config"
	"github.com/loomlab/loom/core"
	"github.com/loomlab/loom/logging"
	"github.com/loomlab/loom/runtime"
	anthropicruntime "github.com/loomlab/loom/runtime/anthropic"
	openairuntime "github.com/loomlab/loom/runtime/openai"
	"github.com/loomlab/loom/server"
	"github.com/loomlab/loom/store"
	"github.com/loomlab/loom/store/sqlite"
	"github.com/loomlab/loom/supervisor"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Optional .env for local development.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to yaml config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(&logging.Config{
		Level:     parseLogLevel(cfg.Logging.Level),
		Format:    cfg.Logging.Format,
		Output:    os.Stdout,
		Component: "loom",
	})

	definitions, executions, transcripts, cleanup, err := buildStores(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}

	var metrics *supervisor.Metrics
	if cfg.Server.Metrics {
		metrics = supervisor.NewMetrics(prometheus.DefaultRegisterer)
	}

	sup := supervisor.New(resolver, func(o *supervisor.Options) {
		o.DefinitionStore = definitions
		o.ExecutionStore = executions
		o.TranscriptStore = transcripts
		o.Logger = logger.WithComponent("supervisor")
		o.Metrics = metrics
	})

	srv := server.New(sup, definitions, func(o *server.Options) {
		o.Logger = logger.WithComponent("server")
		o.Metrics = cfg.Server.Metrics
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func buildStores(cfg *config.Config, logger logging.Logger) (core.DefinitionStore, core.ExecutionStore, core.TranscriptStore, func(), error) {
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("using sqlite store at %s", db.Path())
		return db.Definitions(), db.Executions(), db.Transcripts(), func() { _ = db.Close() }, nil
	default:
		logger.Info("using in-memory store")
		return store.NewInMemoryDefinitionStore(),
			store.NewInMemoryExecutionStore(),
			store.NewInMemoryTranscriptStore(),
			func() {}, nil
	}
}

func buildResolver(cfg *config.Config) (core.AgentResolver, error) {
	registry := runtime.NewRegistry()
	for ref, profile := range cfg.Agents {
		registry.Register(ref, profile)
	}

	switch cfg.Runtime.Provider {
	case "openai":
		return openairuntime.NewResolver(registry, func(o *openairuntime.Options) {
			if cfg.Runtime.Model != "" {
				o.Model = cfg.Runtime.Model
			}
		}), nil
	default:
		return anthropicruntime.NewResolver(registry, func(o *anthropicruntime.Options) {
			if cfg.Runtime.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Runtime.Model)
			}
		}), nil
	}
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}
