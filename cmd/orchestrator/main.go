// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/corsair-labs/marketplace-orchestrator/internal/action"
	"github.com/corsair-labs/marketplace-orchestrator/internal/batch"
	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/dispatcher"
	"github.com/corsair-labs/marketplace-orchestrator/internal/facade"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/obs"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orchestrator"
	"github.com/corsair-labs/marketplace-orchestrator/internal/redisclient"
	"github.com/corsair-labs/marketplace-orchestrator/internal/services"
	"github.com/corsair-labs/marketplace-orchestrator/internal/stats"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: dispatcher|facade|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("open postgres", obs.Err(err))
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	defer db.Close()
	pg := store.NewPGStore(db)

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	idx := store.NewRedisIndex(rdb)
	rl := store.NewRateLimiter(rdb, time.Minute)

	registry := action.NewRegistry()
	bridgeClient := bridge.NewClient(nil, cfg.Bridge.QueueCap)
	wsTransport := bridge.NewWSTransport(bridgeClient)
	bridgeClient.SetTransport(wsTransport)
	registerHandlers(registry, cfg, bridgeClient)

	orch := orchestrator.New(pg, registry)
	batches := batch.NewRegistry(pg, cfg.Dispatcher.MaxRetries)

	var statsPub *stats.Publisher
	if cfg.Stats.NATSURL != "" {
		statsPub, err = stats.NewPublisher(cfg, logger)
		if err != nil {
			logger.Warn("stats publisher unavailable, continuing without fan-out", obs.Err(err))
			statsPub = nil
		} else {
			defer statsPub.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	metricsSrv := obs.StartMetricsServer(cfg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	obs.StartReadyQueueSampler(ctx, cfg.Observability.QueueSampleInterval, idx, pg, logger)

	disp := dispatcher.New(pg, idx, rl, orch, batches, bridgeClient, statsPub, cfg, logger)
	fac := facade.New(pg, idx, batches, bridgeClient, cfg, logger)

	switch role {
	case "dispatcher":
		if err := disp.Run(ctx); err != nil {
			logger.Fatal("dispatcher error", obs.Err(err))
		}
	case "facade":
		runFacade(ctx, cfg, fac, logger)
	case "all":
		go func() {
			if err := disp.Run(ctx); err != nil {
				logger.Error("dispatcher error", obs.Err(err))
				cancel()
			}
		}()
		runFacade(ctx, cfg, fac, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runFacade(ctx context.Context, cfg *config.Config, fac *facade.Facade, logger *zap.Logger) {
	srv := &http.Server{
		Addr:         cfg.Facade.Addr,
		Handler:      fac.Router(),
		ReadTimeout:  cfg.Facade.ReadTimeout,
		WriteTimeout: cfg.Facade.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("facade listening", obs.String("addr", cfg.Facade.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("facade server error", obs.Err(err))
	}
}

// registerHandlers wires every (marketplace, action) pair to a
// DirectHandler or BridgedHandler constructed from config.Marketplaces,
// per spec.md §4.4's dispatch table.
func registerHandlers(registry *action.Registry, cfg *config.Config, br *bridge.Client) {
	actions := []action.Code{action.Publish, action.Update, action.Delete, action.SyncListings, action.SyncOrders}
	for _, m := range marketplace.All() {
		ep := cfg.Marketplaces[string(m)]
		switch m.Family() {
		case marketplace.FamilyDirect:
			svc := services.NewHTTPService(ep.BaseURL, ep.Headers)
			ctor := services.NewDirectHandlerConstructor(svc)
			for _, a := range actions {
				registry.Register(m, a, ctor)
			}
		case marketplace.FamilyBridged:
			svc := services.NewExtensionService(ep.PathPrefix)
			ctor := services.NewBridgedHandlerConstructor(svc, br)
			for _, a := range actions {
				registry.Register(m, a, ctor)
			}
		}
	}
}
