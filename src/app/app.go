package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethaccount/bundler/src/handler"
	"github.com/ethaccount/bundler/src/repository"
	"github.com/ethaccount/bundler/src/rules"
	"github.com/ethaccount/bundler/src/service"
	"github.com/ethaccount/bundler/tracer"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Application struct {
	config            AppConfig
	database          *gorm.DB
	redis             *redis.Client
	registry          *prometheus.Registry
	SimulationService *service.SimulationService
	ValidationService *service.ValidationService
	MempoolService    *service.MempoolService
}

func NewApplication(ctx context.Context, config AppConfig) (*Application, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", "NewApplication").Logger()

	app := &Application{config: config}

	// Mempool rules
	rulesConfig := rules.DefaultConfig()
	if *config.MempoolRulesPath != "" {
		loaded, err := rules.LoadConfig(*config.MempoolRulesPath)
		if err != nil {
			return nil, err
		}
		rulesConfig = loaded
	}
	policy, err := rulesConfig.Policy(*config.MempoolID)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("mempool_id", policy.ID()).
		Strs("rules", policy.Rules()).
		Msg("mempool rules loaded")

	registry := tracer.NewRegistry()
	if _, err := registry.New(*config.TracerName); err != nil {
		return nil, err
	}

	// Audit log database (optional)
	var audit service.AuditLog
	if *config.DSN != "" {
		database, err := gorm.Open(postgresDriver.Open(*config.DSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("connection to database failed: %w", err)
		}

		db, err := database.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database connection: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connection to database failed: %w", err)
		}
		logger.Info().Msg("Database connection established")
		app.database = database

		// run migration files
		if err := MigrationUp(*config.DSN, *config.MigrationPath); err != nil {
			return nil, err
		}

		audit = repository.NewEntryRepository(database)
	} else {
		logger.Warn().Msg("DB_URL not set, audit log disabled")
	}

	// Mempool store, shared through Redis when configured
	var mempool repository.Mempool
	if *config.RedisAddr != "" {
		redisOpts, err := redis.ParseURL(*config.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connection to redis failed: %w", err)
		}
		logger.Info().Msg("Redis connection established")
		app.redis = rdb
		mempool = repository.NewMempoolCache(rdb, policy.ID(), *config.EntryTTL)
	} else {
		logger.Warn().Msg("REDIS_URL not set, using in-process mempool")
		mempool = repository.NewMemoryMempool(*config.EntryTTL)
	}

	// Metrics
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(app.registry)

	simulationService, err := service.NewSimulationService(ctx, service.SimulationConfig{
		NodeRPCURL:     *config.NodeRPCURL,
		ChainID:        *config.ChainID,
		Timeout:        *config.SimulationTimeout,
		GasCap:         *config.SimulationGasCap,
		SimulationCode: *config.SimulationCode,
	})
	if err != nil {
		return nil, err
	}
	app.SimulationService = simulationService

	chainID, err := simulationService.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	logger.Info().Str("chain_id", chainID.String()).Msg("Node connection established")

	app.ValidationService = service.NewValidationService(simulationService, registry, policy, audit, metrics, service.ValidationConfig{
		EntryPoints:            *config.EntryPoints,
		TracerName:             *config.TracerName,
		MempoolID:              policy.ID(),
		PaymasterGasMultiplier: *config.PaymasterGasMultiplier,
	})

	app.MempoolService = service.NewMempoolService(app.ValidationService, simulationService, mempool, metrics, service.MempoolConfig{
		RevalidationInterval: *config.RevalidationInterval,
	})

	return app, nil
}

func (app *Application) Shutdown(ctx context.Context) {
	logger := zerolog.Ctx(ctx).With().Str("function", "Shutdown").Logger()

	if app.SimulationService != nil {
		app.SimulationService.Close()
		logger.Info().Msg("Node connection closed")
	}

	// Close database connection
	if app.database != nil {
		db, err := app.database.DB()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to get underlying database connection")
		} else {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close database connection")
			} else {
				logger.Info().Msg("Database connection closed")
			}
		}
	}

	// Close Redis connection
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close redis connection")
		} else {
			logger.Info().Msg("Redis connection closed")
		}
	}
}

func (app *Application) RunHTTPServer(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := zerolog.Ctx(ctx).With().Str("function", "RunHTTPServer").Logger()

	// Set to release mode to disable Gin logger
	gin.SetMode(gin.ReleaseMode)

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())

	// Register routes
	handler.RegisterRoutes(ctx, ginRouter, app.MempoolService, handler.RouteConfig{
		AllowOrigins: *app.config.AllowOrigins,
		Gatherer:     app.registry,
	})

	// Build HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", *app.config.Port),
		Handler: ginRouter,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Msgf("HTTP server is on http://localhost:%s/health", *app.config.Port)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Panic().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	logger.Info().Msg("Gracefully shutting down HTTP server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown HTTP server gracefully")
	} else {
		logger.Info().Msg("HTTP server shutdown complete")
	}
}

func (app *Application) RunRevalidationWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := zerolog.Ctx(ctx).With().Str("function", "RunRevalidationWorker").Logger()
	logger.Info().Msg("Starting revalidation worker")

	if err := app.MempoolService.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Revalidation worker failed")
	}

	logger.Info().Msg("Revalidation worker stopped")
}
