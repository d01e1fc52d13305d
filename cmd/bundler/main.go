package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/ethaccount/bundler/src/app"
	"github.com/joho/godotenv"

	"github.com/ethaccount/bundler/docs/swagger"
	"github.com/rs/zerolog"
)

// @license.name  AGPL-3.0-only

// @host      localhost:8080
// @BasePath  /

// @externalDocs.description  ERC-4337
// @externalDocs.url          https://eips.ethereum.org/EIPS/eip-4337

const (
	AppName    = "ERC-4337 Bundler"
	AppVersion = "0.1.0"
)

func main() {
	// Load .env file if it exists (optional in production)
	if _, err := os.Stat(".env"); err == nil {
		err := godotenv.Overload(".env")
		if err != nil {
			log.Fatalf("Error loading .env file: %v", err)
		}
	}

	config := app.NewAppConfig()

	swagger.SwaggerInfo.Title = AppName + " API"
	swagger.SwaggerInfo.Version = AppVersion
	swagger.SwaggerInfo.Description = fmt.Sprintf("%s JSON-RPC with trace-based validation", AppName)
	if config.Host != nil {
		swagger.SwaggerInfo.Host = *config.Host
	}

	// Create root logger
	logger := app.InitLogger(*config.LogLevel, *config.Environment)

	// Create root context
	rootCtx, rootCancel := context.WithCancel(context.Background())
	rootCtx = logger.WithContext(rootCtx)

	logger.Info().
		Str("version", AppVersion).
		Str("environment", *config.Environment).
		Msgf("Launching %s", AppName)

	application, err := app.NewApplication(rootCtx, *config)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		rootCancel()
		return
	}

	wg := sync.WaitGroup{}

	wg.Add(1)
	go application.RunHTTPServer(rootCtx, &wg)

	wg.Add(1)
	go application.RunRevalidationWorker(rootCtx, &wg)

	wg.Add(1)
	go runSystemStatsLogger(rootCtx, &wg, logger)

	if *config.Environment == "dev" {
		wg.Add(1)
		go runPprofServer(rootCtx, &wg, logger)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Cancel root context to signal all workers to stop
	rootCancel()

	waitChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		logger.Info().Msg("All workers shut down gracefully")
	case <-time.After(15 * time.Second):
		logger.Error().Msg("Timeout waiting for workers to shut down")
	}

	application.Shutdown(rootCtx)

	logger.Info().Msg("Application shutdown complete")
}

// runPprofServer starts a debug server with pprof endpoints
func runPprofServer(ctx context.Context, wg *sync.WaitGroup, logger zerolog.Logger) {
	defer wg.Done()

	server := &http.Server{
		Addr:    ":6060",
		Handler: http.DefaultServeMux,
	}

	go func() {
		logger.Info().Msg("pprof server is running on http://localhost:6060/debug/pprof/")
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Failed to start pprof server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown pprof server gracefully")
	} else {
		logger.Info().Msg("pprof server shutdown complete")
	}
}

// runSystemStatsLogger logs memory and GC statistics every minute
func runSystemStatsLogger(ctx context.Context, wg *sync.WaitGroup, logger zerolog.Logger) {
	defer wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("System stats logger shutting down")
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			var gcStats debug.GCStats
			debug.ReadGCStats(&gcStats)

			logger.Debug().
				Uint64("heap_mb", m.HeapInuse/1024/1024).
				Uint64("sys_mb", m.Sys/1024/1024).
				Int("goroutines", runtime.NumGoroutine()).
				Int64("gc_num", gcStats.NumGC).
				Dur("gc_pause_total", gcStats.PauseTotal).
				Msg("System stats")
		}
	}
}
