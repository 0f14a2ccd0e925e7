// Command orchestrator runs the workflow engine, scheduler, and gateway as
// a single long-lived daemon: load config, open the store, stand up the
// browser driver and its page pool, wire the engine and scheduler, then
// serve the gateway's WebSocket/REST surface until signalled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/browserwf/internal/authz"
	"github.com/basket/browserwf/internal/browserdriver"
	"github.com/basket/browserwf/internal/bus"
	"github.com/basket/browserwf/internal/capreg"
	"github.com/basket/browserwf/internal/config"
	"github.com/basket/browserwf/internal/engine"
	"github.com/basket/browserwf/internal/gateway"
	"github.com/basket/browserwf/internal/obs"
	"github.com/basket/browserwf/internal/pagepool"
	"github.com/basket/browserwf/internal/scheduler"
	"github.com/basket/browserwf/internal/store"
	"github.com/basket/browserwf/internal/taskrunner"
	"github.com/basket/browserwf/internal/telemetry"
	"github.com/basket/browserwf/internal/trigger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher not started", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config file changed on disk; restart to apply", "path", ev.Path, "op", ev.Op.String())
			}
		}()
	}

	otelProvider, err := obs.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.NewWithOptions(logger, cfg.EventSubscriberQueueDepth)

	driver, err := newDriver(cfg)
	if err != nil {
		fatalStartup(logger, "E_DRIVER_INIT", err)
	}
	defer func() { _ = driver.Shutdown(ctx) }()

	pool := pagepool.New(driver, pagepool.Config{
		MaxPages:    cfg.PagePool.Max,
		ResetPolicy: pagepool.ResetPolicy(cfg.PagePool.ResetPolicy),
		Obs:         otelProvider,
	})

	reg := capreg.New()
	browserHandler := capreg.NewBrowserHandler(pool, driver, cfg.DefaultTaskTimeout())
	capreg.RegisterActions(reg, browserHandler,
		browserdriver.ActionNavigate,
		browserdriver.ActionClick,
		browserdriver.ActionType,
		browserdriver.ActionGetText,
		browserdriver.ActionScreenshot,
		browserdriver.ActionGetContent,
		browserdriver.ActionEvaluate,
	)

	runner := taskrunner.New(taskrunner.Deps{
		Store:    st,
		Bus:      eventBus,
		Registry: reg,
		Logger:   logger,
		Obs:      otelProvider,
	})

	eng := engine.New(st, eventBus, runner, engine.Config{
		GlobalParallelism:         cfg.GlobalParallelism,
		DefaultParallelismPerExec: cfg.ParallelismPerExecution,
		DefaultExecutionTimeout:   cfg.DefaultExecutionTimeout(),
		CancellationGrace:         cfg.CancellationGrace(),
		OrphanPolicy:              engine.OrphanPolicy(cfg.OrphanPolicy),
		Obs:                       otelProvider,
	}, logger)

	if err := eng.Recover(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed")

	sched := scheduler.New(st, eng, eventBus, authz.Permissive{}, logger)

	trg := trigger.New(trigger.Config{Store: st, Scheduler: sched, Logger: logger})
	trg.Start(ctx)
	defer trg.Stop()

	gw := gateway.New(gateway.Config{
		Scheduler:    sched,
		Logger:       logger,
		Auth:         cfg.Auth,
		CORS:         cfg.CORS,
		RateLimit:    cfg.RateLimit,
		AllowOrigins: cfg.AllowOrigins,
		Obs:          otelProvider,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("gateway server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout(cfg))
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = driver.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// newDriver selects the BrowserDriver implementation. ORCH_FAKE_DRIVER lets
// local development and CI run without a Docker daemon.
func newDriver(cfg config.Config) (browserdriver.Driver, error) {
	if os.Getenv("ORCH_FAKE_DRIVER") != "" {
		return browserdriver.NewFakeDriver(), nil
	}
	return browserdriver.NewDockerDriver(browserdriver.DockerConfig{})
}

func drainTimeout(cfg config.Config) time.Duration {
	d := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if d <= 0 {
		d = 5 * time.Second
	}
	return d
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}
