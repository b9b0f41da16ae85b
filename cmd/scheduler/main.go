// Command scheduler runs the full pipeline on a cron schedule and
// serves the Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/config"
	"github.com/montreal-gis/airwatch/internal/metrics"
	"github.com/montreal-gis/airwatch/internal/pipeline"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "scheduler").Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("scheduler failed")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Cron(cfg.ScheduleCron).Do(func() {
		runPipeline(ctx, cfg, logger)
	}); err != nil {
		return err
	}
	scheduler.StartAsync()

	logger.Info().Str("cron", cfg.ScheduleCron).Str("metrics", cfg.MetricsAddr).Msg("scheduler running")

	<-ctx.Done()
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return metricsSrv.Shutdown(shutdownCtx)
}

// runPipeline executes the stages in dependency order. A stage failure
// is logged but does not stop the later stages: staged data from a
// partially failed ingest still deserves loading, and an unchanged
// dashboard beats a missing one.
func runPipeline(ctx context.Context, cfg config.Config, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	stages := []struct {
		name string
		fn   func(context.Context, config.Config, zerolog.Logger) error
	}{
		{pipeline.StageIngest, pipeline.RunIngest},
		{pipeline.StageLoad, func(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
			return pipeline.RunLoad(ctx, cfg, logger, nil)
		}},
		{pipeline.StageTrain, pipeline.RunTrain},
		{pipeline.StageRender, pipeline.RunRender},
	}

	for _, stage := range stages {
		if runCtx.Err() != nil {
			logger.Warn().Str("stage", stage.name).Msg("run cancelled before stage")
			return
		}
		if err := stage.fn(runCtx, cfg, logger); err != nil {
			logger.Error().Err(err).Str("stage", stage.name).Msg("stage failed")
			continue
		}
		logger.Info().Str("stage", stage.name).Msg("stage finished")
	}
}
