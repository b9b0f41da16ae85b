package source

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/fetch"
)

// SatelliteConfig wires a SatelliteAdapter to a product catalogue.
type SatelliteConfig struct {
	TokenURL     string
	CatalogURL   string
	Collection   string
	ProductMatch string
	Parameter    string
	Username     string
	Password     string
}

// SatelliteAdapter searches an OData product catalogue for the latest
// product intersecting the area of interest and downloads it. The
// access token is fetched once per run and reused; an authentication
// failure is terminal for the whole source.
type SatelliteAdapter struct {
	cfg    SatelliteConfig
	client *fetch.Client
	log    zerolog.Logger

	token string
}

// NewSatellite builds a SatelliteAdapter on top of a resilient fetch
// client.
func NewSatellite(cfg SatelliteConfig, client *fetch.Client, log zerolog.Logger) *SatelliteAdapter {
	return &SatelliteAdapter{cfg: cfg, client: client, log: log}
}

func (a *SatelliteAdapter) Kind() Kind { return KindSatellite }

type odataProduct struct {
	ID          string `json:"Id"`
	Name        string `json:"Name"`
	ContentDate struct {
		Start time.Time `json:"Start"`
	} `json:"ContentDate"`
}

type odataResponse struct {
	Value []odataProduct `json:"value"`
}

// Search returns at most one candidate: the newest product in the
// collection matching the product-name fragment, intersecting the
// filter bounds and captured inside the window. Zero candidates is a
// normal outcome, not an error.
func (a *SatelliteAdapter) Search(ctx context.Context, f Filter) ([]Candidate, error) {
	if err := f.Window.Validate(); err != nil {
		return nil, err
	}
	if err := a.ensureToken(ctx); err != nil {
		return nil, err
	}

	filter := fmt.Sprintf(
		"Collection/Name eq '%s' and contains(Name, '%s') and OData.CSC.Intersects(area=geography'SRID=4326;%s') and ContentDate/Start ge %s",
		a.cfg.Collection, a.cfg.ProductMatch, f.Bounds.PolygonWKT(),
		f.Window.Start.UTC().Format(time.RFC3339),
	)
	q := url.Values{}
	q.Set("$filter", filter)
	q.Set("$top", "1")
	q.Set("$orderby", "ContentDate/Start desc")
	searchURL := strings.TrimRight(a.cfg.CatalogURL, "/") + "/Products?" + q.Encode()

	res, err := a.client.Do(ctx, fetch.Request{
		Build: func() (*http.Request, error) {
			req, err := http.NewRequest(http.MethodGet, searchURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+a.token)
			return req, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("satellite catalogue search: %w", err)
	}

	var payload odataResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode catalogue response: %w", err)
	}
	if len(payload.Value) == 0 {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(payload.Value))
	for _, p := range payload.Value {
		candidates = append(candidates, Candidate{
			ID:   p.ID,
			Name: p.Name,
			// Parameter identity is the configured request, never
			// inferred from product metadata: product naming shifts
			// between releases.
			Parameter:   a.cfg.Parameter,
			CaptureTime: p.ContentDate.Start,
		})
	}
	return candidates, nil
}

// Download retrieves the product bytes. Zip-wrapped products are
// unwrapped to the first scientific-data member; direct products pass
// through unchanged. An HTTP 202 from the archive surfaces as
// fetch.ErrArchivalUnavailable.
func (a *SatelliteAdapter) Download(ctx context.Context, c Candidate) (Payload, error) {
	if err := a.ensureToken(ctx); err != nil {
		return Payload{}, err
	}

	downloadURL := fmt.Sprintf("%s/Products(%s)/$value", strings.TrimRight(a.cfg.CatalogURL, "/"), c.ID)
	res, err := a.client.Do(ctx, fetch.Request{
		Build: func() (*http.Request, error) {
			req, err := http.NewRequest(http.MethodGet, downloadURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+a.token)
			return req, nil
		},
		ExpectBinary: true,
	})
	if err != nil {
		return Payload{}, err
	}

	if strings.HasSuffix(c.Name, ".nc") {
		return Payload{Data: res.Body, ContentType: "application/x-netcdf"}, nil
	}

	data, err := extractDataMember(res.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("unwrap product archive %s: %w", c.Name, err)
	}
	return Payload{Data: data, ContentType: "application/x-netcdf"}, nil
}

// ensureToken performs the password-grant exchange once per run.
func (a *SatelliteAdapter) ensureToken(ctx context.Context) error {
	if a.token != "" {
		return nil
	}
	if a.cfg.Username == "" || a.cfg.Password == "" {
		return &fetch.AuthError{Source: string(KindSatellite), Err: fmt.Errorf("missing credentials")}
	}

	form := url.Values{}
	form.Set("client_id", "cdse-public")
	form.Set("username", a.cfg.Username)
	form.Set("password", a.cfg.Password)
	form.Set("grant_type", "password")

	res, err := a.client.Do(ctx, fetch.Request{
		Build: func() (*http.Request, error) {
			req, err := http.NewRequest(http.MethodPost, a.cfg.TokenURL, strings.NewReader(form.Encode()))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req, nil
		},
	})
	if err != nil {
		return &fetch.AuthError{Source: string(KindSatellite), Err: err}
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(res.Body, &token); err != nil || token.AccessToken == "" {
		return &fetch.AuthError{Source: string(KindSatellite), Err: fmt.Errorf("token endpoint returned no access_token")}
	}

	a.token = token.AccessToken
	a.log.Debug().Msg("satellite access token acquired")
	return nil
}

// extractDataMember pulls the first .nc member out of a zip archive.
func extractDataMember(archive []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".nc") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("archive holds no scientific data member")
}
