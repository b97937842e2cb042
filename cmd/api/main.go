package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"promptstudio/internal/adapter/repo"
	"promptstudio/internal/domain"
	"promptstudio/internal/history"
	"promptstudio/internal/http/handlers"
	httpapi "promptstudio/internal/http/httpapi"
	"promptstudio/internal/infra"
	"promptstudio/internal/infra/geoip"
	"promptstudio/internal/jobs"
	"promptstudio/internal/middleware"
	"promptstudio/internal/providers/pipeline"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	sqlRunner := infra.NewSQLRunner(dbpool, logger)
	generationRepo := repo.NewGenerationRepository(sqlRunner)

	var lookup middleware.CountryLookup
	if cfg.GeoIPDBPath != "" {
		resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("geoip database unavailable, falling back to headers")
		} else {
			lookup = resolver.CountryCode
		}
	}

	pipelineClient, err := pipeline.NewClient(pipeline.Options{
		APIKey:    cfg.PipelineAPIKey,
		BaseURL:   cfg.PipelineBaseURL,
		DefaultID: cfg.DefaultPipelineID,
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline client init failed")
	}

	store := jobs.NewStore()
	orchestrator := jobs.NewOrchestrator(ctx, pipelineClient, store, generationRepo, logger, jobs.PollConfig{
		Interval:      cfg.PollInterval,
		MaxAttempts:   cfg.MaxPollAttempts,
		StuckWindow:   cfg.StuckWindow,
		GlobalTimeout: cfg.GlobalTimeout,
	})
	go orchestrator.RunTicker(ctx)

	historyGroup := history.NewGroup(func(ctx context.Context, userID string) ([]domain.HistoryRow, error) {
		return generationRepo.ListByUser(ctx, userID, cfg.HistoryLimit)
	}, cfg.RefreshWindow, cfg.RefreshWindow)

	app := &handlers.App{
		Store:        store,
		Orchestrator: orchestrator,
		Repo:         generationRepo,
		History:      historyGroup,
		Config:       cfg,
		Logger:       logger,
		MediaClient:  &http.Client{Timeout: 60 * time.Second},
	}

	router := httpapi.NewRouter(app, cfg, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}

	// Let in-flight pollers finish their final flushes before the pool closes.
	orchestrator.Wait()
	logger.Info().Msg("server stopped")
}
