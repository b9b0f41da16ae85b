// Command ingest runs the fetch+stage stage once: freshness gate,
// source search, download and staging of every configured dataset.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/config"
	"github.com/montreal-gis/airwatch/internal/pipeline"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "ingest").Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("ingest failed")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	return pipeline.RunIngest(ctx, cfg, logger)
}
