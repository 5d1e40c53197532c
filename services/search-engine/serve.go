package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmguard/bitsearch/libs/go/core/logging"
	"github.com/swarmguard/bitsearch/libs/go/core/otelinit"
	"github.com/swarmguard/bitsearch/libs/go/core/resilience"
	"github.com/swarmguard/bitsearch/services/search-engine/config"
	"github.com/swarmguard/bitsearch/services/search-engine/store"
)

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler, otm := otelinit.InitMetrics(ctx, serviceName)

	// the store path is fixed for the process lifetime, so read it once
	// before the watcher starts applying
	boot, err := config.Load(configPath)
	if err != nil {
		return err
	}
	var history *store.Store
	if boot.Store.Path != "" {
		history, err = store.Open(boot.Store.Path)
		if err != nil {
			return err
		}
		defer history.Close()
	}

	svc := newService(history, logger)
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, svc.apply, logger)
		if err != nil {
			return err
		}
		defer watcher.Stop()
	} else if err := svc.apply(boot); err != nil {
		return err
	}
	cfg := svc.current().cfg

	rl := cfg.RateLimit
	limiter := resilience.NewKeyedLimiter(rl.Capacity, rl.FillRate, rl.Window, rl.MaxPerWindow, 10*time.Minute)
	go svc.maintain(ctx, time.Minute, limiter)

	if cfg.NATS.URL != "" {
		nc, err := connectNATS(ctx, cfg.NATS)
		if err != nil {
			slog.Error("nats unavailable; continuing with HTTP only", "error", err)
		} else {
			defer nc.Drain()
			svc.publish = natsPublisher(nc)
			if _, err := svc.serveNATS(nc, cfg.NATS); err != nil {
				return err
			}
		}
	}

	srv := newHTTPServer(cfg.HTTP.Addr, newAPI(svc, limiter, watcher, promHandler, otm).routes())
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("service started", "addr", cfg.HTTP.Addr, "history", history != nil)
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	otelinit.Flush(ctxSd, shutdownMetrics)
	slog.Info("shutdown complete")
	return nil
}
