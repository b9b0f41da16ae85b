package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/fetch"
)

const locationsBody = `{"results":[
	{"id":10,"name":"Saint-Michel","coordinates":{"latitude":45.59,"longitude":-73.62},
	 "sensors":[
		{"id":101,"parameter":{"name":"no2","units":"ppm"}},
		{"id":102,"parameter":{"name":"temperature","units":"c"}}
	 ]},
	{"id":11,"name":"Verdun","coordinates":{"latitude":45.46,"longitude":-73.57},
	 "sensors":[{"id":103,"parameter":{"name":"PM25","units":"µg/m³"}}]}
]}`

func groundFixture(t *testing.T, handler http.Handler) *GroundAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := fetch.New(fetch.Options{
		HTTPClient:  srv.Client(),
		MaxRetries:  1,
		InitialWait: time.Millisecond,
	})
	return NewGround(GroundConfig{
		BaseURL:    srv.URL,
		APIKey:     "k",
		Parameters: []string{"no2", "pm25"},
	}, client, zerolog.Nop())
}

func TestGroundSearchFiltersSensorsByParameter(t *testing.T) {
	var gotBBox, gotKey string
	mux := http.NewServeMux()
	mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		gotBBox = r.URL.Query().Get("bbox")
		gotKey = r.Header.Get("X-API-Key")
		w.Write([]byte(locationsBody))
	})

	adapter := groundFixture(t, mux)
	candidates, err := adapter.Search(context.Background(), testFilter())
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}

	if gotBBox != "-73.97,45.41,-73.47,45.71" {
		t.Errorf("bbox query = %q", gotBBox)
	}
	if gotKey != "k" {
		t.Errorf("X-API-Key = %q, want k", gotKey)
	}

	// The temperature sensor is not a target pollutant; PM25 matches
	// case-insensitively.
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(candidates))
	}
	if candidates[0].ID != "101" || candidates[0].Parameter != "no2" {
		t.Errorf("first candidate = %+v", candidates[0])
	}
	if candidates[1].ID != "103" || candidates[1].Parameter != "pm25" {
		t.Errorf("second candidate = %+v", candidates[1])
	}
	if candidates[1].Name != "Verdun" || candidates[1].Lat == nil || *candidates[1].Lat != 45.46 {
		t.Errorf("candidate should carry location name and coordinates: %+v", candidates[1])
	}
}

func TestGroundDownloadBuildsStagedRows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(locationsBody))
	})
	mux.HandleFunc("/sensors/101/measurements", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("datetime_from") == "" || q.Get("datetime_to") == "" {
			t.Error("measurement request missing window bounds")
		}
		// One nested-object timestamp, one raw string: both forms must
		// survive staging untouched.
		w.Write([]byte(`{"results":[
			{"value":21.4,"period":{"datetimeTo":{"utc":"2026-03-01T10:00:00Z"}}},
			{"value":19.9,"period":{"datetimeTo":"2026-03-01T11:00:00Z"}}
		]}`))
	})

	adapter := groundFixture(t, mux)
	candidates, err := adapter.Search(context.Background(), testFilter())
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}

	payload, err := adapter.Download(context.Background(), candidates[0])
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	var rows []StagedMeasurement
	if err := json.Unmarshal(payload.Data, &rows); err != nil {
		t.Fatalf("staged payload is not valid JSON: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Location != "Saint-Michel" || rows[0].Parameter != "no2" || rows[0].Unit != "ppm" {
		t.Errorf("row 0 metadata = %+v", rows[0])
	}
	if rows[0].Value == nil || *rows[0].Value != 21.4 {
		t.Errorf("row 0 value = %v, want 21.4", rows[0].Value)
	}
	if string(rows[0].Date) != `{"utc":"2026-03-01T10:00:00Z"}` {
		t.Errorf("nested timestamp not preserved: %s", rows[0].Date)
	}
	if string(rows[1].Date) != `"2026-03-01T11:00:00Z"` {
		t.Errorf("string timestamp not preserved: %s", rows[1].Date)
	}
	if rows[0].Coordinates == nil || *rows[0].Coordinates.Longitude != -73.62 {
		t.Errorf("row 0 coordinates = %+v", rows[0].Coordinates)
	}
}
