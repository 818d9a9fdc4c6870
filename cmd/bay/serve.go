package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AstrBotDevs/shipyard-neo/pkg/api"
	"github.com/AstrBotDevs/shipyard-neo/pkg/clock"
	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/driver"
	"github.com/AstrBotDevs/shipyard-neo/pkg/idempotency"
	"github.com/AstrBotDevs/shipyard-neo/pkg/locks"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/reconciler"
	"github.com/AstrBotDevs/shipyard-neo/pkg/router"
	"github.com/AstrBotDevs/shipyard-neo/pkg/runtime"
	"github.com/AstrBotDevs/shipyard-neo/pkg/storage"
	"github.com/AstrBotDevs/shipyard-neo/pkg/warmpool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return serve(configFile)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML config file")
}

func serve(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	drv, err := driver.New(cfg.Driver)
	if err != nil {
		return err
	}
	defer drv.Close()

	clk := clock.NewReal()
	keyed := locks.NewKeyed()
	pool := runtime.NewPool()
	mgr := manager.New(store, drv, pool, keyed, clk, cfg)
	rt := router.New(mgr)
	idem := idempotency.New(store, clk, cfg.Idempotency.TTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var queue *warmpool.Queue
	var sched *warmpool.Scheduler
	if cfg.WarmPool.Enabled {
		queue = warmpool.NewQueue(mgr, cfg.WarmPool.QueueMaxSize, cfg.WarmPool.QueueWorkers,
			warmpool.DropPolicy(cfg.WarmPool.DropPolicy), cfg.WarmPool.DropAlertThreshold)
		queue.Start(ctx)
		sched = warmpool.NewScheduler(mgr, queue, cfg, clk)
		sched.Start(ctx)
	}

	rec := reconciler.New(mgr, idem, clk, cfg.Reconciler.Interval)
	rec.Start(ctx)

	srv := api.NewServer(mgr, rt, idem, queue, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger := log.WithComponent("main")
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Shutdown order matters: stop accepting requests, then the background
	// loops, then clean up the warm pool while the driver is still usable.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger := log.WithComponent("main")
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	rec.Stop()
	if sched != nil {
		sched.Stop()
	}
	if queue != nil {
		queue.Close()
	}
	if sched != nil {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cfg.WarmPool.ShutdownGrace)
		sched.Cleanup(cleanupCtx)
		cleanupCancel()
	}
	cancel()

	logger := log.WithComponent("main")
	logger.Info().Msg("Shutdown complete")
	return nil
}
