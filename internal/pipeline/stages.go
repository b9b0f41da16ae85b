package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/blob"
	"github.com/montreal-gis/airwatch/internal/config"
	"github.com/montreal-gis/airwatch/internal/db"
	"github.com/montreal-gis/airwatch/internal/fetch"
	"github.com/montreal-gis/airwatch/internal/metrics"
	"github.com/montreal-gis/airwatch/internal/normalize"
	"github.com/montreal-gis/airwatch/internal/render"
	"github.com/montreal-gis/airwatch/internal/score"
	"github.com/montreal-gis/airwatch/internal/source"
)

// Stage names used in logs and metric labels.
const (
	StageIngest = "ingest"
	StageLoad   = "load"
	StageTrain  = "train"
	StageRender = "render"
)

// NewBlobStore builds the shared object store. Dry runs use an
// in-process store so nothing persists.
func NewBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.DryRun {
		return blob.NewMemory(), nil
	}
	return blob.NewMinio(ctx, blob.MinioOptions{
		Endpoint:      cfg.StorageEndpoint,
		AccessKey:     cfg.StorageAccessKey,
		SecretKey:     cfg.StorageSecretKey,
		Bucket:        cfg.StorageBucket,
		UseSSL:        cfg.StorageUseSSL,
		PublicBaseURL: cfg.StoragePublicBaseURL,
	})
}

// NewConfiguredRunner wires the adapters and their resilient fetch
// clients from configuration. The ground client carries the rate
// limiter; the catalogue API has no per-minute cap.
func NewConfiguredRunner(cfg config.Config, store blob.Store, logger zerolog.Logger) *Runner {
	satClient := fetch.New(fetch.Options{
		HTTPClient:  &http.Client{Timeout: cfg.RequestTimeout},
		MaxRetries:  cfg.RetryMax,
		InitialWait: cfg.RetryInitial,
		MaxWait:     cfg.RetryMaxWait,
		BreakerName: "satellite-catalogue",
		Logger:      logger,
	})
	groundClient := fetch.New(fetch.Options{
		HTTPClient:  &http.Client{Timeout: cfg.RequestTimeout},
		Limiter:     fetch.NewLimiter(cfg.RateMinInterval),
		MaxRetries:  cfg.RetryMax,
		InitialWait: cfg.RetryInitial,
		MaxWait:     cfg.RetryMaxWait,
		BreakerName: "ground-network",
		Logger:      logger,
	})

	satellite := source.NewSatellite(source.SatelliteConfig{
		TokenURL:     cfg.SatTokenURL,
		CatalogURL:   cfg.SatCatalogURL,
		Collection:   cfg.SatCollection,
		ProductMatch: cfg.SatProductMatch,
		Parameter:    cfg.SatParameter,
		Username:     cfg.SatUsername,
		Password:     cfg.SatPassword,
	}, satClient, logger)
	ground := source.NewGround(source.GroundConfig{
		BaseURL:    cfg.GroundBaseURL,
		APIKey:     cfg.OpenAQAPIKey,
		Parameters: cfg.Parameters,
	}, groundClient, logger)

	return &Runner{
		Store:              store,
		Adapters:           []source.Adapter{satellite, ground},
		Bounds:             cfg.Bounds,
		Parameters:         cfg.Parameters,
		SatelliteParameter: cfg.SatParameter,
		FetchWindow:        cfg.FetchWindow,
		FreshnessMaxAge:    cfg.FreshnessMaxAge,
		LegacyLatestPath:   cfg.LegacyLatestPath,
		Logger:             logger,
	}
}

// observeStage records duration and outcome for one stage execution.
func observeStage(stage string) func(error) {
	start := time.Now()
	return func(err error) {
		metrics.StageDurationSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.StageRunsTotal.WithLabelValues(stage, status).Inc()
	}
}

// RunIngest executes the fetch+stage stage end to end.
func RunIngest(ctx context.Context, cfg config.Config, logger zerolog.Logger) (err error) {
	done := observeStage(StageIngest)
	defer func() { done(err) }()

	store, err := NewBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	sum, err := NewConfiguredRunner(cfg, store, logger).Ingest(ctx)
	if err != nil {
		return err
	}
	return sum.TerminalErr()
}

// RunLoad migrates the schema and loads every staged artifact into the
// spatial tables. A missing staged artifact is a skip, not a failure:
// the ingest stage may legitimately have skipped it. The decoder for
// satellite products is pluggable; nil selects the JSON grid decoder.
func RunLoad(ctx context.Context, cfg config.Config, logger zerolog.Logger, decode normalize.ProductDecoder) (err error) {
	done := observeStage(StageLoad)
	defer func() { done(err) }()

	if decode == nil {
		decode = normalize.DecodeGridJSON
	}

	store, err := NewBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	dbs, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbs.Close()

	if err = dbs.Migrate(ctx); err != nil {
		return err
	}

	runID := uuid.NewString()
	var failed int

	satEntry := loadSatellite(ctx, cfg, store, dbs, decode, runID, logger)
	if satEntry.State == StateFailed {
		failed++
	}
	if logErr := AppendRunLog(ctx, store, source.KindSatellite, satEntry); logErr != nil {
		logger.Error().Err(logErr).Msg("run log flush failed")
	}

	groundEntries := make([]LogEntry, 0, len(cfg.Parameters))
	for _, p := range cfg.Parameters {
		e := loadGround(ctx, cfg, store, dbs, runID, p, logger)
		if e.State == StateFailed {
			failed++
		}
		groundEntries = append(groundEntries, e)
	}
	if logErr := AppendRunLog(ctx, store, source.KindGround, groundEntries...); logErr != nil {
		logger.Error().Err(logErr).Msg("run log flush failed")
	}

	if failed > 0 {
		return fmt.Errorf("load run %s: %d dataset(s) failed", runID, failed)
	}
	return nil
}

func loadSatellite(ctx context.Context, cfg config.Config, store blob.Store, dbs *db.Store, decode normalize.ProductDecoder, runID string, logger zerolog.Logger) LogEntry {
	d := Dataset{Source: source.KindSatellite, Parameter: cfg.SatParameter}
	entry := LogEntry{RunID: runID, Source: d.Source, Parameter: d.Parameter, StartedAt: time.Now().UTC()}
	finish := func(st State, detail string) LogEntry {
		entry.State = st
		entry.Detail = detail
		entry.FinishedAt = time.Now().UTC()
		logger.Info().Str("source", string(d.Source)).Str("parameter", d.Parameter).
			Str("state", string(st)).Str("detail", detail).Int("rows", entry.Rows).Msg("load finished")
		return entry
	}

	raw, err := store.Download(ctx, d.StagedPath(cfg.LegacyLatestPath))
	if errors.Is(err, blob.ErrNotExist) {
		return finish(StateSkipped, "no staged artifact")
	}
	if err != nil {
		return finish(StateFailed, "read staged artifact: "+err.Error())
	}

	doc, err := decode(raw)
	if err != nil {
		return finish(StateFailed, err.Error())
	}

	records, err := normalize.Grid(doc, normalize.GridOptions{
		Parameter:     cfg.SatParameter,
		Bounds:        cfg.Bounds,
		BufferRadiusM: cfg.BufferRadiusM,
	})
	if errors.Is(err, normalize.ErrNoData) {
		return finish(StateSkipped, "no usable cells in bounds")
	}
	if err != nil {
		return finish(StateFailed, err.Error())
	}

	n, err := dbs.AppendSatellite(ctx, records)
	if err != nil {
		return finish(StateFailed, "append: "+err.Error())
	}
	metrics.RowsWrittenTotal.WithLabelValues("satellite_measurements").Add(float64(n))
	entry.Rows = int(n)
	return finish(StateLoaded, "")
}

func loadGround(ctx context.Context, cfg config.Config, store blob.Store, dbs *db.Store, runID, param string, logger zerolog.Logger) LogEntry {
	d := Dataset{Source: source.KindGround, Parameter: param}
	entry := LogEntry{RunID: runID, Source: d.Source, Parameter: param, StartedAt: time.Now().UTC()}
	finish := func(st State, detail string) LogEntry {
		entry.State = st
		entry.Detail = detail
		entry.FinishedAt = time.Now().UTC()
		logger.Info().Str("source", string(d.Source)).Str("parameter", param).
			Str("state", string(st)).Str("detail", detail).Int("rows", entry.Rows).Msg("load finished")
		return entry
	}

	raw, err := store.Download(ctx, d.StagedPath(cfg.LegacyLatestPath))
	if errors.Is(err, blob.ErrNotExist) {
		return finish(StateSkipped, "no staged artifact")
	}
	if err != nil {
		return finish(StateFailed, "read staged artifact: "+err.Error())
	}

	records, err := normalize.Tabular(raw)
	if errors.Is(err, normalize.ErrNoData) {
		return finish(StateSkipped, "no usable measurements")
	}
	if err != nil {
		return finish(StateFailed, err.Error())
	}

	n, err := dbs.AppendGround(ctx, records)
	if err != nil {
		return finish(StateFailed, "append: "+err.Error())
	}
	metrics.RowsWrittenTotal.WithLabelValues("ground_measurements").Add(float64(n))
	entry.Rows = int(n)
	return finish(StateLoaded, "")
}

// RunTrain scores the comparison view and rebuilds the anomaly flags.
// An entirely empty ground table is a hard failure: scoring before any
// load has ever run means the pipeline is miswired. Parameters with
// fewer rows than the minimum are skipped, not failed; a sparse week is
// normal.
func RunTrain(ctx context.Context, cfg config.Config, logger zerolog.Logger) (err error) {
	done := observeStage(StageTrain)
	defer func() { done(err) }()

	dbs, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbs.Close()

	total, err := dbs.CountGround(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		return errors.New("no ground measurements loaded, nothing to score against")
	}

	rows, err := dbs.FetchComparison(ctx)
	if err != nil {
		return err
	}

	byParam := make(map[string][]score.Observation)
	for _, r := range rows {
		byParam[r.Parameter] = append(byParam[r.Parameter], score.Observation{
			Time:      r.Timestamp,
			Parameter: r.Parameter,
			Value:     r.SensorValue,
		})
	}

	scorer := score.NewRobustZ(cfg.ZThreshold)
	flags := make([]db.AnomalyFlag, 0, len(rows))
	for param, obs := range byParam {
		if len(obs) < cfg.MinScoreRows {
			logger.Info().Str("parameter", param).Int("rows", len(obs)).
				Int("min", cfg.MinScoreRows).Msg("too few rows to score, skipping parameter")
			continue
		}
		var anomalies int
		for _, fl := range scorer.Score(obs) {
			flags = append(flags, db.AnomalyFlag{
				Timestamp: fl.Time,
				Parameter: fl.Parameter,
				Value:     fl.Value,
				Score:     fl.Score,
				Anomalous: fl.Anomalous,
				Model:     scorer.Name(),
			})
			if fl.Anomalous {
				anomalies++
			}
		}
		metrics.AnomaliesFoundTotal.WithLabelValues(param).Add(float64(anomalies))
		logger.Info().Str("parameter", param).Int("rows", len(obs)).
			Int("anomalies", anomalies).Msg("parameter scored")
	}

	if err = dbs.ReplaceAnomalyFlags(ctx, flags); err != nil {
		return err
	}

	if cfg.ExportCSVPath != "" {
		f, ferr := os.Create(cfg.ExportCSVPath)
		if ferr != nil {
			return fmt.Errorf("open csv export: %w", ferr)
		}
		defer f.Close()
		if ferr := db.WriteComparisonCSV(f, rows); ferr != nil {
			return fmt.Errorf("write csv export: %w", ferr)
		}
		logger.Info().Str("path", cfg.ExportCSVPath).Int("rows", len(rows)).Msg("comparison exported")
	}

	logger.Info().Int("flags", len(flags)).Msg("anomaly flags rebuilt")
	return nil
}

// RunRender renders the dashboard from the scored comparison and
// publishes it. Dry runs write the page to a local file instead.
func RunRender(ctx context.Context, cfg config.Config, logger zerolog.Logger) (err error) {
	done := observeStage(StageRender)
	defer func() { done(err) }()

	dbs, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbs.Close()

	rows, err := dbs.FetchScoredComparison(ctx)
	if err != nil {
		return err
	}

	html, err := render.Dashboard(rows, cfg.Bounds, time.Now().UTC())
	if err != nil {
		return err
	}

	if cfg.DryRun {
		if err = os.WriteFile("dashboard.html", html, 0o644); err != nil {
			return err
		}
		logger.Info().Int("rows", len(rows)).Msg("dry-run: dashboard written to ./dashboard.html")
		return nil
	}

	store, err := NewBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	url, err := render.Publish(ctx, store, cfg.DashboardPath, html)
	if err != nil {
		return err
	}
	logger.Info().Int("rows", len(rows)).Str("url", url).Msg("dashboard published")
	return nil
}
