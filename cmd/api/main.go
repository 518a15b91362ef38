package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/xobi667/xiaobaibai/internal/adapter/repo"
	"github.com/xobi667/xiaobaibai/internal/domain"
	"github.com/xobi667/xiaobaibai/internal/http/handlers"
	httpapi "github.com/xobi667/xiaobaibai/internal/http/httpapi"
	"github.com/xobi667/xiaobaibai/internal/infra"
	"github.com/xobi667/xiaobaibai/internal/jobs"
	"github.com/xobi667/xiaobaibai/internal/orchestrator"
	"github.com/xobi667/xiaobaibai/internal/providers/chatapi"
	"github.com/xobi667/xiaobaibai/internal/providers/imageapi"
	"github.com/xobi667/xiaobaibai/internal/storage"
	"github.com/xobi667/xiaobaibai/internal/strategy"
	"github.com/xobi667/xiaobaibai/internal/workspace"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	configStore := infra.NewStore(cfg)
	ctx := context.Background()

	// Job registry: PostgreSQL when configured, in-memory otherwise.
	var registry domain.JobRegistry
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		pgRegistry := repo.NewJobRegistry(infra.NewSQLRunner(pool, logger))
		if err := pgRegistry.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare jobs schema")
		}
		registry = pgRegistry
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory job registry")
		registry = repo.NewJobRegistryMemory()
	}

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize asset storage")
	}
	scratch := cfg.ScratchPath
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "xiaobaibai-scratch")
	}
	workspaces, err := workspace.NewManager(scratch)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize scratch workspaces")
	}

	snap := configStore.Snapshot()
	httpClient := &http.Client{Timeout: snap.RequestTimeout}
	structured, err := imageapi.NewClient(imageapi.Options{
		APIKey:           snap.ProviderAPIKey,
		BaseURL:          snap.ProviderBaseURL,
		HTTPClient:       httpClient,
		Logger:           &logger,
		TransportRetries: snap.ProviderRetry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize structured provider client")
	}
	conversational, err := chatapi.NewClient(chatapi.Options{
		APIKey:           snap.ProviderAPIKey,
		BaseURL:          snap.ProviderBaseURL,
		HTTPClient:       httpClient,
		Logger:           &logger,
		TransportRetries: snap.ProviderRetry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize conversational provider client")
	}

	engine := strategy.NewEngine(strategy.Options{
		Structured:     structured,
		Conversational: conversational,
		Retries:        snap.ProviderRetry,
		Logger:         &logger,
	})
	runner := jobs.NewRunner(jobs.Options{
		Engine:   engine,
		Store:    store,
		Registry: registry,
		Config:   configStore,
		Logger:   &logger,
	})
	orch := orchestrator.New(orchestrator.Options{
		Registry: registry,
		Config:   configStore,
		Logger:   &logger,
	})

	app := &handlers.App{
		Registry:   registry,
		Submitter:  orch,
		Runner:     runner,
		Workspaces: workspaces,
		Assets:     store,
		Settings:   configStore,
		Logger:     logger,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		JobRateLimit:   cfg.JobRateLimit,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain job orchestrator")
	}
	logger.Info().Msg("server stopped")
}
