// Command reconcile imports result documents that the relational detection
// store does not know about yet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"pothole-service/internal/config"
	"pothole-service/internal/db"
	"pothole-service/internal/logger"
	"pothole-service/internal/repository"
	"pothole-service/internal/results"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "list documents that would be imported without writing")
	flag.Parse()

	_ = godotenv.Load(".env.local")

	cfg, err := config.LoadStorage()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open detection database")
	}

	repo := repository.NewDetectionRepository(database, log)
	files := results.NewStore(cfg.Storage.ResultsDir, log)

	var imported, skipped, failed int
	for _, rec := range files.LoadAll(ctx) {
		if ctx.Err() != nil {
			log.Warn().Msg("interrupted")
			break
		}

		source := rec.SourcePath()
		known, err := repo.HasImagePath(ctx, source)
		if err != nil {
			log.Error().Err(err).Str("source", source).Msg("lookup failed")
			failed++
			continue
		}
		if known {
			skipped++
			continue
		}

		if *dryRun {
			log.Info().Str("source", source).Int("detections", len(rec.Detections)).Msg("would import")
			imported++
			continue
		}

		meta := rec.Metadata
		if meta.CapturedAt.IsZero() {
			meta.CapturedAt = rec.Time()
		}
		saved, err := repo.SaveDetectionRun(ctx, source, rec.Detections, meta)
		if err != nil {
			log.Error().Err(err).Str("source", source).Msg("import failed")
			failed++
			continue
		}
		log.Debug().Str("source", source).Uint("image_id", saved.ImageID).Msg("imported")
		imported++
	}

	log.Info().
		Int("imported", imported).
		Int("skipped", skipped).
		Int("failed", failed).
		Bool("dry_run", *dryRun).
		Msg("reconcile finished")

	if failed > 0 {
		os.Exit(1)
	}
}
