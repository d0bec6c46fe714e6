package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/glosa-engine/api"
	"github.com/warp/glosa-engine/processor"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Serves the loaded catalog over HTTP. On SIGINT/SIGTERM the server stops
accepting connections, waits up to 30s for active requests, then closes the
tracking store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default server.port)")
	return cmd
}

func runServe(ctx context.Context) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	proc := processor.New(a.engine, a.parser, processor.WithLogger(logger))
	handler := api.NewHandler(api.HandlerConfig{
		Processor:    proc,
		Rules:        a.engine.Rules(),
		Diagnostics:  a.catalog.Diagnostics,
		Records:      a.store,
		Executions:   a.store,
		EndExecution: a.recorder.EndExecution,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
