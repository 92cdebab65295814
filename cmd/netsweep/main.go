package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/netsweep/internal/config"
	"github.com/HerbHall/netsweep/internal/discoverer"
	"github.com/HerbHall/netsweep/internal/discovery"
	"github.com/HerbHall/netsweep/internal/drule"
	"github.com/HerbHall/netsweep/internal/pgcache"
	"github.com/HerbHall/netsweep/internal/pgservice"
	"github.com/HerbHall/netsweep/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("netsweep starting", zap.String("version", version.Short()))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Rule definitions come from the rules file; reloading it acts as the
	// configuration sync.
	rules := drule.NewRegistry()
	rulesFile := cfg.GetString("rules.file")
	if err := rules.LoadFile(rulesFile); err != nil {
		logger.Fatal("failed to load discovery rules", zap.Error(err))
	}

	store, err := discovery.NewSQLite(cfg.GetString("database.path"), logger.Named("discovery"))
	if err != nil {
		logger.Fatal("failed to open discovery database", zap.Error(err))
	}
	defer store.Close()

	// Proxy group bookkeeping.
	pgConfig := pgcache.NewConfigCache(logger.Named("pgconfig"))
	pgCache := pgcache.New(logger.Named("pgcache"))
	pgCache.SyncFromConfig(pgConfig)

	pgService, err := pgservice.New(cfg.GetString("pgmanager.socket"), pgCache, logger.Named("pgmanager"))
	if err != nil {
		logger.Fatal("failed to start proxy group manager service", zap.Error(err))
	}
	defer pgService.Destroy()

	// The discoverer manager.
	svc, err := discoverer.New(discoverer.Config{
		Workers:      cfg.GetInt("discoverer.workers"),
		SourceIP:     cfg.GetString("discoverer.source_ip"),
		Delay:        cfg.GetDuration("discoverer.delay"),
		SocketPath:   cfg.GetString("discoverer.socket"),
		TimeoutFor: func(class drule.TimeoutClass) (time.Duration, error) {
			switch class {
			case drule.TimeoutAgent:
				return cfg.TimeoutFor("timeouts.agent")
			case drule.TimeoutSNMP:
				return cfg.TimeoutFor("timeouts.snmp")
			default:
				return cfg.TimeoutFor("timeouts.simple")
			}
		},
	}, rules, store, logger.Named("discoverer"))
	if err != nil {
		logger.Fatal("failed to initialize discovery manager", zap.Error(err))
	}
	defer svc.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(gctx)
	})

	// Optional prometheus endpoint.
	if addr := cfg.GetString("metrics.addr"); addr != "" {
		metricsServer := &http.Server{
			Addr:         addr,
			Handler:      promhttp.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", zap.String("addr", addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("netsweep ready")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("service error", zap.Error(err))
	}

	logger.Info("netsweep stopped")
}
