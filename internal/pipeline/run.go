// Package pipeline orchestrates the weekly ingestion run: a freshness
// gate in front of each dataset, resilient fetch through the source
// adapters, and staging into the shared object store. Every dataset
// moves through an explicit state machine and every transition lands in
// a per-source run log.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/blob"
	"github.com/montreal-gis/airwatch/internal/fetch"
	"github.com/montreal-gis/airwatch/internal/geo"
	"github.com/montreal-gis/airwatch/internal/metrics"
	"github.com/montreal-gis/airwatch/internal/source"
)

// State is a pipeline dataset state.
type State string

const (
	StatePending  State = "PENDING"
	StateFetching State = "FETCHING"
	StateStaged   State = "STAGED"
	StateLoaded   State = "LOADED"
	StateScored   State = "SCORED"
	StateRendered State = "RENDERED"
	StateSkipped  State = "SKIPPED"
	StateFailed   State = "FAILED"
)

// transitions lists the legal successor states. SKIPPED and FAILED are
// terminal for the run; a later run starts the dataset over at PENDING.
var transitions = map[State][]State{
	StatePending:  {StateFetching, StateSkipped, StateFailed},
	StateFetching: {StateStaged, StateSkipped, StateFailed},
	StateStaged:   {StateLoaded, StateFailed},
	StateLoaded:   {StateScored, StateFailed},
	StateScored:   {StateRendered, StateFailed},
}

// CanTransition reports whether moving from one state to another is
// legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dataset identifies one unit of ingestion: a source family and a
// pollutant parameter.
type Dataset struct {
	Source    source.Kind
	Parameter string
}

// StagedPath returns the object-store path the dataset stages to.
// Satellite artifacts are binary products, ground artifacts are JSON.
// The legacy scheme keeps a single latest file per source, which
// collapses all parameters of that source onto one path.
func (d Dataset) StagedPath(legacy bool) string {
	ext := ".json"
	if d.Source == source.KindSatellite {
		ext = ".nc"
	}
	if legacy {
		return fmt.Sprintf("%s/latest%s", d.Source, ext)
	}
	return fmt.Sprintf("%s/%s/latest%s", d.Source, d.Parameter, ext)
}

// RunLogPath returns the run log object path for a source family.
func RunLogPath(k source.Kind) string {
	return string(k) + "/run_log.json"
}

// LogEntry is one dataset outcome in the run log.
type LogEntry struct {
	RunID      string      `json:"run_id"`
	Source     source.Kind `json:"source"`
	Parameter  string      `json:"parameter"`
	State      State       `json:"state"`
	Detail     string      `json:"detail,omitempty"`
	Rows       int         `json:"rows,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// RunLog is the persisted per-source history of dataset outcomes.
type RunLog struct {
	Entries []LogEntry `json:"entries"`
}

// runLogLimit bounds the persisted history so the log object cannot
// grow without end.
const runLogLimit = 500

// AppendRunLog appends entries to the source's run log object,
// creating it on first use. A corrupt existing log is discarded rather
// than blocking the run.
func AppendRunLog(ctx context.Context, s blob.Store, k source.Kind, entries ...LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var log RunLog
	data, err := s.Download(ctx, RunLogPath(k))
	switch {
	case err == nil:
		_ = json.Unmarshal(data, &log)
	case errors.Is(err, blob.ErrNotExist):
	default:
		return fmt.Errorf("read run log: %w", err)
	}

	log.Entries = append(log.Entries, entries...)
	if len(log.Entries) > runLogLimit {
		log.Entries = log.Entries[len(log.Entries)-runLogLimit:]
	}

	out, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	if err := s.Upload(ctx, RunLogPath(k), out, "application/json"); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return nil
}

// Summary tallies one ingestion run.
type Summary struct {
	RunID   string
	Staged  int
	Skipped int
	Failed  int
}

// TerminalErr reports the run-terminal outcome: failures with nothing
// staged at all. Dataset failures alongside staged data exit clean;
// the run log and metrics carry the per-dataset detail.
func (s Summary) TerminalErr() error {
	if s.Failed > 0 && s.Staged == 0 {
		return fmt.Errorf("ingestion run %s: %d dataset(s) failed, nothing staged", s.RunID, s.Failed)
	}
	return nil
}

// Runner drives the ingestion stage across all configured adapters.
type Runner struct {
	Store    blob.Store
	Adapters []source.Adapter

	Bounds geo.BoundingBox
	// Parameters are the ground pollutant categories. The satellite
	// source tracks a single configured parameter.
	Parameters         []string
	SatelliteParameter string

	FetchWindow      time.Duration
	FreshnessMaxAge  time.Duration
	LegacyLatestPath bool

	Logger zerolog.Logger
	// Now lets tests pin the clock. Defaults to time.Now.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Ingest runs the fetch+stage stage for every dataset. Sources run
// concurrently; within a source, datasets run in order so the
// rate-limited upstreams see sequential traffic. A dataset failure
// never aborts the run, and the run log is flushed even when the
// context is cancelled mid-run.
func (r *Runner) Ingest(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	window := source.NewWindow(r.now(), r.FetchWindow)
	if err := window.Validate(); err != nil {
		return sum, err
	}

	r.Logger.Info().
		Str("run_id", sum.RunID).
		Time("window_start", window.Start).
		Time("window_end", window.End).
		Msg("ingestion run started")

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ad := range r.Adapters {
		wg.Add(1)
		go func(ad source.Adapter) {
			defer wg.Done()
			entries := r.ingestSource(ctx, sum.RunID, ad, window)

			// The run log must survive cancellation; a fresh deadline on
			// an uncancellable context covers the flush.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := AppendRunLog(flushCtx, r.Store, ad.Kind(), entries...); err != nil {
				r.Logger.Error().Err(err).Str("source", string(ad.Kind())).Msg("run log flush failed")
			}

			mu.Lock()
			for _, e := range entries {
				switch e.State {
				case StateStaged:
					sum.Staged++
				case StateSkipped:
					sum.Skipped++
				default:
					sum.Failed++
				}
			}
			mu.Unlock()
		}(ad)
	}
	wg.Wait()

	r.Logger.Info().
		Str("run_id", sum.RunID).
		Int("staged", sum.Staged).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("ingestion run finished")

	return sum, ctx.Err()
}

func (r *Runner) ingestSource(ctx context.Context, runID string, ad source.Adapter, window source.Window) []LogEntry {
	params := r.Parameters
	if ad.Kind() == source.KindSatellite {
		params = []string{r.SatelliteParameter}
	}

	entries := make([]LogEntry, 0, len(params))
	for _, p := range params {
		entry, status := r.ingestDataset(ctx, runID, ad, window, p)
		entries = append(entries, entry)
		metrics.DatasetsTotal.WithLabelValues(string(ad.Kind()), status).Inc()

		level := zerolog.InfoLevel
		if entry.State == StateFailed {
			level = zerolog.ErrorLevel
		}
		r.Logger.WithLevel(level).
			Str("run_id", runID).
			Str("source", string(ad.Kind())).
			Str("parameter", p).
			Str("state", string(entry.State)).
			Str("detail", entry.Detail).
			Int("rows", entry.Rows).
			Msg("dataset finished")
	}
	return entries
}

// ingestDataset moves one dataset from PENDING to a terminal state and
// returns its log entry plus a metrics status label.
func (r *Runner) ingestDataset(ctx context.Context, runID string, ad source.Adapter, window source.Window, param string) (LogEntry, string) {
	entry := LogEntry{
		RunID:     runID,
		Source:    ad.Kind(),
		Parameter: param,
		StartedAt: r.now(),
	}
	finish := func(st State, detail string) LogEntry {
		entry.State = st
		entry.Detail = detail
		entry.FinishedAt = r.now()
		return entry
	}

	if err := ctx.Err(); err != nil {
		return finish(StateFailed, "run cancelled: "+err.Error()), "failed"
	}

	d := Dataset{Source: ad.Kind(), Parameter: param}
	path := d.StagedPath(r.LegacyLatestPath)

	fresh, err := blob.IsFresh(ctx, r.Store, path, r.FreshnessMaxAge)
	if err != nil {
		return finish(StateFailed, "freshness check: "+err.Error()), "failed"
	}
	if fresh {
		return finish(StateSkipped, "staged artifact still fresh"), "skipped"
	}

	candidates, err := ad.Search(ctx, source.Filter{
		Bounds:     r.Bounds,
		Window:     window,
		Parameters: []string{param},
	})
	if err != nil {
		if errors.Is(err, fetch.ErrArchivalUnavailable) {
			return finish(StateSkipped, "product archived offline, retry next run"), "offline"
		}
		return finish(StateFailed, "search: "+err.Error()), "failed"
	}
	if len(candidates) == 0 {
		return finish(StateSkipped, "no candidates in window"), "empty"
	}

	rows, err := r.stage(ctx, ad, path, candidates)
	if err != nil {
		if errors.Is(err, fetch.ErrArchivalUnavailable) {
			return finish(StateSkipped, "product archived offline, retry next run"), "offline"
		}
		return finish(StateFailed, err.Error()), "failed"
	}
	if rows == 0 && ad.Kind() == source.KindGround {
		return finish(StateSkipped, "no measurements in window"), "empty"
	}

	entry.Rows = rows
	return finish(StateStaged, ""), "staged"
}

// stage downloads and uploads the dataset artifact. Satellite datasets
// stage the newest product as-is; ground datasets merge every sensor's
// readings into one JSON artifact. A single sensor failing must not
// discard the other sensors' readings: per-sensor errors are logged and
// skipped, and the dataset fails only when no sensor yielded data.
func (r *Runner) stage(ctx context.Context, ad source.Adapter, path string, candidates []source.Candidate) (int, error) {
	if ad.Kind() == source.KindSatellite {
		payload, err := ad.Download(ctx, candidates[0])
		if err != nil {
			return 0, fmt.Errorf("download %s: %w", candidates[0].Name, err)
		}
		ct := payload.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		if err := r.Store.Upload(ctx, path, payload.Data, ct); err != nil {
			return 0, err
		}
		return 1, nil
	}

	merged := source.StagedGroundArtifact{Results: []source.StagedMeasurement{}}
	var skipped int
	for _, c := range candidates {
		payload, err := ad.Download(ctx, c)
		if err != nil {
			skipped++
			r.Logger.Warn().Err(err).Str("sensor", c.ID).Str("name", c.Name).Msg("sensor fetch failed, skipping")
			continue
		}
		var part source.StagedGroundArtifact
		if err := json.Unmarshal(payload.Data, &part); err != nil {
			skipped++
			r.Logger.Warn().Err(err).Str("sensor", c.ID).Str("name", c.Name).Msg("sensor payload undecodable, skipping")
			continue
		}
		merged.Results = append(merged.Results, part.Results...)
	}
	if len(merged.Results) == 0 {
		if skipped > 0 {
			return 0, fmt.Errorf("all %d sensor fetches failed", skipped)
		}
		return 0, nil
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("encode staged artifact: %w", err)
	}
	if err := r.Store.Upload(ctx, path, data, "application/json"); err != nil {
		return 0, err
	}
	return len(merged.Results), nil
}
