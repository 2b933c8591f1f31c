/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the marketplace shop engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load SHOP_* configuration, then apply command-line overrides
  2. Build the process logger
  3. Initialize SQLite store
  4. Load every shop, role, discount and policy into the registry
  5. Register Prometheus collectors
  6. Start the discount expiration sweeper
  7. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides SHOP_ADDR, default :8080)
  -db      SQLite database path (overrides SHOP_DB_PATH, default marketplace.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. SHOP_LOG_LEVEL, SHOP_LOG_FORMAT, SHOP_SWEEP_INTERVAL,
  SHOP_RATE_LIMIT and SHOP_ALLOWED_ORIGINS have no flag equivalent.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHOP_SHUTDOWN_WAIT)
  3. Stop the sweeper
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/marketplace.db"

  # Run with in-memory database and JSON logs
  SHOP_LOG_FORMAT=json ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - shop/registry.go: Shop registry
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/warp/marketplace-engine/api"
	"github.com/warp/marketplace-engine/config"
	"github.com/warp/marketplace-engine/discount"
	"github.com/warp/marketplace-engine/shop"
	"github.com/warp/marketplace-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; fall back to a bare one for the fatal line.
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	// Flags
	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Addr, cfg.DBPath = *addr, *dbPath

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := cfg.Logger(os.Stderr)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("failed to initialize database")
	}
	defer store.Close()

	// Rebuild in-memory shops from the database
	registry := shop.NewRegistry(store, discount.SystemClock{}, log)
	if err := registry.Load(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to load shops")
	}

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := api.NewMetrics(promReg)

	sweeper := api.NewExpirationSweeper(registry, cfg.SweepInterval, log)
	sweeper.Metrics = metrics
	sweeper.Start()
	defer sweeper.Stop()

	// Create router
	handler := api.NewHandler(registry, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Metrics:        metrics,
		Gatherer:       promReg,
	})

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-serveErr:
		log.Error().Err(err).Msg("server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
