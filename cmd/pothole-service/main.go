package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"pothole-service/internal/auth"
	"pothole-service/internal/client"
	"pothole-service/internal/config"
	"pothole-service/internal/db"
	"pothole-service/internal/detector"
	httphandler "pothole-service/internal/http"
	"pothole-service/internal/http/middleware"
	"pothole-service/internal/logger"
	"pothole-service/internal/model"
	"pothole-service/internal/repository"
	"pothole-service/internal/results"
	"pothole-service/internal/service"
)

func main() {
	_ = godotenv.Load(".env.local")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	files := results.NewStore(cfg.Storage.ResultsDir, appLogger)

	var store service.DetectionStore
	switch cfg.Storage.Mode {
	case config.StorageModeFiles:
		appLogger.Info().Str("dir", cfg.Storage.ResultsDir).Msg("detection store: result documents")
		store = files
	default:
		database, err := db.New(cfg, appLogger)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to open detection database")
		}
		store = repository.NewDetectionRepository(database, appLogger)
	}

	var det detector.Detector
	switch cfg.Detector.Mode {
	case config.DetectorModeRemote:
		remote := detector.NewRemote(cfg.Detector.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := remote.CheckHealth(ctx); err != nil {
			appLogger.Warn().Err(err).Str("url", cfg.Detector.URL).Msg("inference service not reachable yet")
		}
		cancel()
		det = remote
	default:
		appLogger.Info().Int64("seed", cfg.Detector.Seed).Msg("using simulated detector")
		det = detector.NewSimulated(cfg.Detector.Seed)
	}

	center, err := model.NewCoordinates(cfg.Map.CenterLat, cfg.Map.CenterLon)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("invalid map center")
	}

	detectionService := service.NewDetectionService(store, files, det, service.DetectionServiceConfig{
		WriteDocuments:    cfg.Storage.Mode == config.StorageModeDatabase,
		StatsTTL:          cfg.Storage.StatsCacheTTL,
		BatchDir:          cfg.Storage.BatchDir,
		DemoMode:          cfg.Map.DemoMode,
		MapCenter:         center,
		MapJitter:         cfg.Map.Jitter,
		HotspotResolution: cfg.Map.HotspotResolution,
		HotspotLimit:      cfg.Map.HotspotLimit,
	}, appLogger)

	notifier := client.NewNotifier(cfg.Twilio, appLogger)

	alertService := service.NewAlertService(
		repository.NewAlertSettingsRepository(cfg.Alerts.SettingsPath),
		detectionService,
		notifier,
		cfg.Map.DemoMode,
		appLogger,
	)

	repairService := service.NewRepairService(
		repository.NewRepairRequestRepository(cfg.Repair.LedgerPath),
		detectionService,
		service.RepairServiceOptions{
			RejectDuplicates: cfg.Repair.DuplicatePolicy == config.DuplicatePolicyReject,
			DemoLocations:    cfg.Map.DemoMode,
		},
		appLogger,
	)
	repairService.SetNotifier(alertService)

	tokenParser := auth.NewParser(cfg.Auth.AccessSecret)

	handler := httphandler.NewHandler(detectionService, repairService, alertService, appLogger)
	authMiddleware := middleware.Auth(tokenParser)
	router := httphandler.NewRouter(handler, authMiddleware, cfg.Environment, store.Ping)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	appLogger.Info().Str("addr", addr).Str("storage", cfg.Storage.Mode).Msg("starting pothole service")

	if err := router.Run(addr); err != nil {
		appLogger.Error().Err(err).Msg("failed to start server")
		os.Exit(1)
	}
}
