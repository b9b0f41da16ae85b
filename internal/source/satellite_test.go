package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/fetch"
	"github.com/montreal-gis/airwatch/internal/geo"
)

func testWindow() Window {
	end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	return NewWindow(end, 168*time.Hour)
}

func testFilter() Filter {
	return Filter{
		Bounds: geo.BoundingBox{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71},
		Window: testWindow(),
	}
}

func satelliteFixture(t *testing.T, handler http.Handler) (*SatelliteAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := fetch.New(fetch.Options{
		HTTPClient:  srv.Client(),
		MaxRetries:  1,
		InitialWait: time.Millisecond,
	})
	adapter := NewSatellite(SatelliteConfig{
		TokenURL:     srv.URL + "/token",
		CatalogURL:   srv.URL + "/odata/v1",
		Collection:   "SENTINEL-5P",
		ProductMatch: "L2__CH4",
		Parameter:    "ch4",
		Username:     "user",
		Password:     "pass",
	}, client, zerolog.Nop())
	return adapter, srv
}

func zipWithMember(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create zip member: %v", err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatalf("write zip member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestSatelliteSearchReturnsLatestProduct(t *testing.T) {
	var gotFilter string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/odata/v1/Products", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotFilter = r.URL.Query().Get("$filter")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[{"Id":"abc-123","Name":"S5P_L2__CH4_20260301.zip","ContentDate":{"Start":"2026-03-01T17:05:00Z"}}]}`))
	})

	adapter, _ := satelliteFixture(t, mux)
	candidates, err := adapter.Search(context.Background(), testFilter())
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}

	c := candidates[0]
	if c.ID != "abc-123" {
		t.Errorf("ID = %q, want abc-123", c.ID)
	}
	if c.Parameter != "ch4" {
		t.Errorf("Parameter = %q, want the configured override ch4", c.Parameter)
	}
	if !c.CaptureTime.Equal(time.Date(2026, 3, 1, 17, 5, 0, 0, time.UTC)) {
		t.Errorf("CaptureTime = %v", c.CaptureTime)
	}

	for _, fragment := range []string{"SENTINEL-5P", "L2__CH4", "SRID=4326", "POLYGON((-73.97 45.41"} {
		if !strings.Contains(gotFilter, fragment) {
			t.Errorf("catalogue filter %q missing %q", gotFilter, fragment)
		}
	}
}

func TestSatelliteSearchEmptyCatalogue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/odata/v1/Products", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	})

	adapter, _ := satelliteFixture(t, mux)
	candidates, err := adapter.Search(context.Background(), testFilter())
	if err != nil {
		t.Fatalf("empty catalogue should not be an error, got %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("got %d candidates, want 0", len(candidates))
	}
}

func TestSatelliteDownloadUnwrapsZip(t *testing.T) {
	payload := []byte("netcdf-bytes")
	archive := zipWithMember(t, "S5P_L2__CH4_20260301/product.nc", payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/odata/v1/Products(abc-123)/$value", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(archive)
	})

	adapter, _ := satelliteFixture(t, mux)
	got, err := adapter.Download(context.Background(), Candidate{ID: "abc-123", Name: "S5P_L2__CH4_20260301.zip"})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Errorf("unwrapped payload = %q, want %q", got.Data, payload)
	}
}

func TestSatelliteDownloadArchivalOffline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/odata/v1/Products(cold-1)/$value", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	adapter, _ := satelliteFixture(t, mux)
	_, err := adapter.Download(context.Background(), Candidate{ID: "cold-1", Name: "old.zip"})
	if !errors.Is(err, fetch.ErrArchivalUnavailable) {
		t.Fatalf("error = %v, want ErrArchivalUnavailable", err)
	}
}

func TestSatelliteMissingCredentials(t *testing.T) {
	client := fetch.New(fetch.Options{MaxRetries: 0, InitialWait: time.Millisecond})
	adapter := NewSatellite(SatelliteConfig{TokenURL: "http://unused", CatalogURL: "http://unused"}, client, zerolog.Nop())

	_, err := adapter.Search(context.Background(), testFilter())
	var authErr *fetch.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *fetch.AuthError", err)
	}
}

func TestWindowValidate(t *testing.T) {
	w := Window{Start: time.Now(), End: time.Now().Add(-time.Hour)}
	if err := w.Validate(); err == nil {
		t.Error("inverted window should not validate")
	}
	if err := testWindow().Validate(); err != nil {
		t.Errorf("valid window rejected: %v", err)
	}
}
