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

	"github.com/cuemby/fieldsync/pkg/backend"
	"github.com/spf13/cobra"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the reference repository server",
	Long: `Run a small PostgREST-style repository backed by SQLite.

It is meant for development and for exercising the worker against a real
remote: 'fieldsync backend' in one terminal, 'fieldsync serve' in another.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.Reference.Listen = v
		}
		if v, _ := cmd.Flags().GetString("db"); v != "" {
			cfg.Reference.DBPath = v
		}

		store, err := backend.OpenStore(cfg.Reference.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		server := &http.Server{
			Addr:              cfg.Reference.Listen,
			Handler:           backend.NewServer(store).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		fmt.Printf("✓ Reference backend listening on %s\n", cfg.Reference.Listen)
		fmt.Printf("  Database: %s\n", cfg.Reference.DBPath)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
		case err := <-errCh:
			return fmt.Errorf("HTTP server error: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func init() {
	backendCmd.Flags().String("listen", "", "Listen address (overrides config)")
	backendCmd.Flags().String("db", "", "SQLite database path (overrides config)")
}
