package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/server"
	"github.com/nicktill/tileproxy/pkg/server/monitor"
	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/transport"
)

const (
	// Server configuration
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second // viewport loads may wait for their fetches
	shutdownTimeout    = 30 * time.Second
)

// Overridden in tests.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// exitf reports a startup failure that happens before a logger exists.
func exitf(format string, args ...any) {
	fmt.Fprintf(stderr, format+"\n", args...)
	exit(1)
}

// app holds the wired components of one server instance.
type app struct {
	router    *mux.Router
	hub       *server.Hub
	charts    *server.Charts
	scheduler *server.Scheduler
}

// newApp wires charts, handlers and jobs around src. Charts fetch from src
// in-process.
func newApp(cfg server.Config, src source.Source, log *zap.Logger) (*app, error) {
	hub := server.NewHub(log.Named("ws"))
	registry := orchestrator.NewRegistry()
	charts := server.NewCharts(transport.NewLocal(src), cfg.FetchOptions(), registry, hub, log.Named("charts"))

	scheduler, err := server.NewScheduler(src, charts, log.Named("jobs"))
	if err != nil {
		return nil, err
	}

	var disk *monitor.DiskMonitor
	if !cfg.InMemory {
		disk = monitor.NewDiskMonitor(cfg.DataDir, cfg.MaxStorageMB*1024*1024)
	}

	router := mux.NewRouter()
	server.SetupRoutes(router, server.NewAPI(src, charts, registry, hub, disk, log.Named("api")), cfg)

	return &app{router: router, hub: hub, charts: charts, scheduler: scheduler}, nil
}

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		// The logger depends on the config, so report with a bare one
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		exitf("failed to build logger: %v", err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	log.Info("starting tileproxy server",
		zap.String("env", cfg.Env),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int64("max_memory_mb", cfg.MaxMemoryMB),
		zap.Int("max_concurrent_fetches", cfg.MaxConcurrentFetches),
	)

	src, err := server.InitializeSource(cfg, log.Named("source"))
	if err != nil {
		log.Fatal("failed to initialize source", zap.Error(err))
	}
	defer src.Close()

	a, err := newApp(cfg, src, log)
	if err != nil {
		log.Fatal("failed to initialize server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(ctx)
	}()
	log.Info("websocket hub started")

	a.scheduler.Start()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("server ready", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")

	// Stop accepting requests before tearing down what they use
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown warning", zap.Error(err))
	}

	a.scheduler.Stop()
	a.charts.CloseAll()
	cancel()

	// Wait for background goroutines to finish
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Warn("some background tasks did not stop in time, forcing exit")
	}

	log.Info("tileproxy server exited")
}
