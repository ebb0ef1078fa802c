// Command vortexgw is the Vortex market-data gateway process: it wires C1
// through C9 together and serves the client HTTP/WS surface.
//
// Grounded on cmd/cryptorun/main.go's cobra root-command shape: a small
// fixed set of subcommands, zerolog initialized once before Execute. This
// gateway has no TTY UX, only serve and config check — no interactive-menu
// default entry.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/vortexgw/internal/config"
	"github.com/sawpanic/vortexgw/internal/gateway/batcher"
	"github.com/sawpanic/vortexgw/internal/gateway/cache"
	"github.com/sawpanic/vortexgw/internal/gateway/client"
	"github.com/sawpanic/vortexgw/internal/gateway/composer"
	"github.com/sawpanic/vortexgw/internal/gateway/gate"
	"github.com/sawpanic/vortexgw/internal/gateway/mux"
	"github.com/sawpanic/vortexgw/internal/gateway/resolver"
	"github.com/sawpanic/vortexgw/internal/gateway/tenant"
	"github.com/sawpanic/vortexgw/internal/gateway/upstream"
	"github.com/sawpanic/vortexgw/internal/telemetry"
)

const version = "v0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "vortexgw",
		Short:   "Vortex market-data gateway",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (defaults baked in if omitted)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway's HTTP/WS client surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	configCheckCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCheckCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: http=%s ws=%s redis=%s catalog_dsn=%q\n",
				cfg.HTTP.Addr, cfg.WS.Addr, cfg.Redis.Addr, cfg.Catalog.DSN)
			return nil
		},
	})

	rootCmd.AddCommand(serveCmd, configCheckCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewLogger(&cfg.Log)
	logger.Info().Msg("starting vortexgw")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})

	res, err := resolver.New(cfg.Catalog.DSN, cfg.Catalog.ResolverTTL, logger)
	if err != nil {
		return fmt.Errorf("open resolver: %w", err)
	}
	defer res.Close()

	tenantStore, err := tenant.NewSQLStore(cfg.Catalog.DSN)
	if err != nil {
		return fmt.Errorf("open tenant store: %w", err)
	}
	defer tenantStore.Close()

	g := gate.New(rdb, cfg.Gate.JitterMS, logger)

	session := upstream.NewSession(cfg.Upstream.APIKey)
	httpClient := upstream.NewHTTPClient(cfg.Upstream.BaseURL, cfg.Snapshot.HTTPTimeoutMS, session, logger)

	b := batcher.New(httpClient, g, res, cfg.Batch.CoalesceMS, cfg.Batch.MaxChunk, cfg.Batch.MaxRetries, logger)

	memCache := cache.NewMemory(cfg.Cache.MemoryMax, cfg.Cache.MemoryTTLMS)
	sharedCache := cache.NewSharedStore(rdb, cfg.Cache.TickTTLMS)

	comp := composer.New(res, b, memCache, sharedCache)

	// mx is constructed before the ingestor and the client gateway exist,
	// which both need it and both of which it needs in turn — resolved by
	// two-phase wiring (see mux.New's doc comment).
	mx := mux.New(nil, nil, cfg.Stream.MaxSubsPerSocket)

	ingestor := upstream.NewIngestor(
		cfg.Upstream.WSURL,
		session.AccessToken,
		cfg.Stream.ReconnectMaxMS,
		memCache,
		sharedCache,
		mx,
		logger,
	)
	mx.SetUpstream(ingestor)

	gw := client.New(cfg, res, mx, comp, httpClient, tenantStore, logger)
	mx.SetDispatcher(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ingestor.Run(ctx)

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: gw.Routes()}
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", gw.ServeWS)
	wsServer := &http.Server{Addr: cfg.WS.Addr, Handler: wsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.WS.Addr).Msg("ws surface listening")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = wsServer.Shutdown(shutdownCtx)

	return nil
}
