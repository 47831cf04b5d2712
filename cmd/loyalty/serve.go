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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/factory"
)

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the expiration scheduler",
		Long: `Start the HTTP API.

On startup the catalog file (catalog_file) is applied when configured, and
the expiration scheduler starts when sweep_enabled is true. SIGINT/SIGTERM
stop accepting connections and wait up to 30s for in-flight requests.

Examples:
  loyalty serve
  loyalty serve --port 3000 --config ./loyalty.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				cfg.Port = port
			}
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides config)")
	return cmd
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.CatalogFile != "" {
		if err := seedCatalog(ctx, a, cfg.CatalogFile); err != nil {
			return err
		}
	}

	scheduler := a.scheduler()
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(a.handler(), cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("store", cfg.StoreDriver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func seedCatalog(ctx context.Context, a *app, path string) error {
	f := factory.NewCatalogFactory()
	doc, err := f.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", path, err)
	}
	res, err := f.Apply(ctx, doc, a.admin, a.rewards)
	if err != nil {
		return fmt.Errorf("apply catalog %s: %w", path, err)
	}
	log.Info().
		Str("file", path).
		Int("rules_created", res.RulesCreated).
		Int("rules_updated", res.RulesUpdated).
		Int("campaigns_created", res.CampaignsCreated).
		Int("campaigns_updated", res.CampaignsUpdated).
		Int("rewards_saved", res.RewardsSaved).
		Msg("catalog applied")
	return nil
}
