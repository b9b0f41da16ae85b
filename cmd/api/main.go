// Command api serves the read-only REST API over the loaded data.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/api"
	"github.com/montreal-gis/airwatch/internal/config"
	"github.com/montreal-gis/airwatch/internal/db"
	"github.com/montreal-gis/airwatch/internal/pipeline"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "api").Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("api failed")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := pipeline.NewBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	srv := api.New(api.Options{
		ListenAddr:    cfg.ListenAddr(),
		BearerToken:   cfg.APIBearerToken,
		DashboardPath: cfg.DashboardPath,
		Logger:        logger,
	}, store, blobs)

	return srv.Run(ctx)
}
