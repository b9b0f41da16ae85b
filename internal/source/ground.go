package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/fetch"
)

// GroundConfig wires a GroundAdapter to the sensor network API.
type GroundConfig struct {
	BaseURL    string
	APIKey     string
	Parameters []string
	// PageLimit caps measurements returned per sensor request.
	PageLimit int
}

// GroundAdapter lists monitoring locations inside the bounding box and
// retrieves per-sensor measurement windows. The sensor API imposes a
// per-minute request cap, so the fetch client it is built on must carry
// a rate limiter; sequential per-sensor calls are an intentional
// serialization point.
type GroundAdapter struct {
	cfg    GroundConfig
	client *fetch.Client
	log    zerolog.Logger

	// window is pinned by Search so Download covers the same span.
	window Window
}

// NewGround builds a GroundAdapter on top of a resilient fetch client.
func NewGround(cfg GroundConfig, client *fetch.Client, log zerolog.Logger) *GroundAdapter {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	return &GroundAdapter{cfg: cfg, client: client, log: log}
}

func (a *GroundAdapter) Kind() Kind { return KindGround }

type groundLocation struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Coordinates *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"coordinates"`
	Sensors []struct {
		ID        int64 `json:"id"`
		Parameter struct {
			Name  string `json:"name"`
			Units string `json:"units"`
		} `json:"parameter"`
	} `json:"sensors"`
}

type groundLocationsResponse struct {
	Results []groundLocation `json:"results"`
}

// Search lists locations in the filter bounds and returns one candidate
// per sensor whose parameter is in the target set. An empty result is
// success, not failure.
func (a *GroundAdapter) Search(ctx context.Context, f Filter) ([]Candidate, error) {
	if err := f.Window.Validate(); err != nil {
		return nil, err
	}
	a.window = f.Window

	params := f.Parameters
	if len(params) == 0 {
		params = a.cfg.Parameters
	}
	wanted := make(map[string]bool, len(params))
	for _, p := range params {
		wanted[strings.ToLower(p)] = true
	}

	q := url.Values{}
	q.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", f.Bounds.MinLon, f.Bounds.MinLat, f.Bounds.MaxLon, f.Bounds.MaxLat))
	q.Set("limit", "1000")
	listURL := strings.TrimRight(a.cfg.BaseURL, "/") + "/locations?" + q.Encode()

	res, err := a.client.Do(ctx, fetch.Request{Build: a.buildGet(listURL)})
	if err != nil {
		return nil, fmt.Errorf("ground location search: %w", err)
	}

	var payload groundLocationsResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode locations response: %w", err)
	}

	var candidates []Candidate
	for _, loc := range payload.Results {
		var lon, lat *float64
		if loc.Coordinates != nil {
			lon, lat = loc.Coordinates.Longitude, loc.Coordinates.Latitude
		}
		for _, s := range loc.Sensors {
			name := strings.ToLower(s.Parameter.Name)
			if !wanted[name] {
				continue
			}
			candidates = append(candidates, Candidate{
				ID:        fmt.Sprintf("%d", s.ID),
				Name:      loc.Name,
				Parameter: name,
				Unit:      s.Parameter.Units,
				Lon:       lon,
				Lat:       lat,
			})
		}
	}

	a.log.Info().Int("locations", len(payload.Results)).Int("sensors", len(candidates)).Msg("ground search complete")
	return candidates, nil
}

type groundMeasurement struct {
	Value  *float64 `json:"value"`
	Period struct {
		DatetimeTo json.RawMessage `json:"datetimeTo"`
	} `json:"period"`
}

type groundMeasurementsResponse struct {
	Results []groundMeasurement `json:"results"`
}

// Download fetches one sensor's measurements over the search window and
// returns them as staged-artifact rows. The timestamp field is passed
// through raw; the upstream delivers either a string or a nested
// object and the normalizer flattens both.
func (a *GroundAdapter) Download(ctx context.Context, c Candidate) (Payload, error) {
	q := url.Values{}
	q.Set("datetime_from", a.window.Start.UTC().Format(time.RFC3339))
	q.Set("datetime_to", a.window.End.UTC().Format(time.RFC3339))
	q.Set("limit", fmt.Sprintf("%d", a.cfg.PageLimit))
	measURL := strings.TrimRight(a.cfg.BaseURL, "/") + "/sensors/" + c.ID + "/measurements?" + q.Encode()

	res, err := a.client.Do(ctx, fetch.Request{Build: a.buildGet(measURL)})
	if err != nil {
		return Payload{}, err
	}

	var payload groundMeasurementsResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return Payload{}, fmt.Errorf("decode measurements for sensor %s: %w", c.ID, err)
	}

	rows := make([]StagedMeasurement, 0, len(payload.Results))
	for _, m := range payload.Results {
		var coords *Coordinates
		if c.Lon != nil && c.Lat != nil {
			coords = &Coordinates{Longitude: c.Lon, Latitude: c.Lat}
		}
		rows = append(rows, StagedMeasurement{
			Location:    c.Name,
			Parameter:   c.Parameter,
			Value:       m.Value,
			Unit:        c.Unit,
			Coordinates: coords,
			Date:        m.Period.DatetimeTo,
		})
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, ContentType: "application/json"}, nil
}

func (a *GroundAdapter) buildGet(rawURL string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if a.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", a.cfg.APIKey)
		}
		return req, nil
	}
}
