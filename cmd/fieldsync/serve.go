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

	"github.com/cuemby/fieldsync/pkg/inspector"
	"github.com/cuemby/fieldsync/pkg/worker"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync worker as a local proxy",
	Long: `Run the sync worker.

The worker listens on the configured address and proxies every request to
the repository through the interceptor: reads are cached, writes that fail
are queued and replayed when connectivity returns. The same listener serves
the control endpoint (POST /__fieldsync/message), the inspection session
surface (/__fieldsync/inspections), /metrics, /health and /ready.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("version-tag", "", "Cache generation to install (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("version-tag"); v != "" {
		cfg.Version = v
	}

	w, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	surface := inspector.New(w, cfg)
	if err := surface.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}

	router := chi.NewRouter()
	router.Mount(inspector.BasePath, surface.Handler())
	router.Mount("/", w.Handler())

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	fmt.Printf("✓ Worker listening on %s\n", cfg.Listen)
	fmt.Printf("  Repository: %s\n", cfg.Backend.URL)
	fmt.Printf("  Generation: %s\n", w.Generation())
	fmt.Println()
	fmt.Println("Worker is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case runErr = <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	// Final checkpoint of whatever is being edited, before the queue closes
	if err := surface.Close(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: final autosave failed: %v\n", err)
	}

	if err := w.Stop(); err != nil {
		return fmt.Errorf("failed to stop worker: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return runErr
}
