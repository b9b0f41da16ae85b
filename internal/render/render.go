// Package render produces the static HTML dashboard: a Leaflet map of
// the monitored area with every paired observation plotted and anomaly
// flags highlighted.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/montreal-gis/airwatch/internal/blob"
	"github.com/montreal-gis/airwatch/internal/db"
	"github.com/montreal-gis/airwatch/internal/geo"
)

// ParameterSummary tallies one pollutant for the dashboard header.
type ParameterSummary struct {
	Name      string
	Rows      int
	Anomalies int
}

type page struct {
	GeneratedAt string
	Bounds      geo.BoundingBox
	CenterLon   float64
	CenterLat   float64
	Summaries   []ParameterSummary
	TotalRows   int
	RowsJSON    template.JS
}

// Dashboard renders the scored comparison rows into a self-contained
// HTML page. An empty row set still renders, showing the monitored
// area with no observations.
func Dashboard(rows []db.ScoredRow, bounds geo.BoundingBox, now time.Time) ([]byte, error) {
	byParam := make(map[string]*ParameterSummary)
	for _, r := range rows {
		s, ok := byParam[r.Parameter]
		if !ok {
			s = &ParameterSummary{Name: r.Parameter}
			byParam[r.Parameter] = s
		}
		s.Rows++
		if r.Anomalous {
			s.Anomalies++
		}
	}
	summaries := make([]ParameterSummary, 0, len(byParam))
	for _, s := range byParam {
		summaries = append(summaries, *s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode dashboard rows: %w", err)
	}

	p := page{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Bounds:      bounds,
		CenterLon:   (bounds.MinLon + bounds.MaxLon) / 2,
		CenterLat:   (bounds.MinLat + bounds.MaxLat) / 2,
		Summaries:   summaries,
		TotalRows:   len(rows),
		RowsJSON:    template.JS(rowsJSON),
	}

	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render dashboard: %w", err)
	}
	return buf.Bytes(), nil
}

// Publish uploads the rendered page and returns a browser-openable URL.
func Publish(ctx context.Context, store blob.Store, path string, html []byte) (string, error) {
	if err := store.Upload(ctx, path, html, "text/html; charset=utf-8"); err != nil {
		return "", err
	}
	return store.PublicURL(ctx, path)
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Montreal Air Quality</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<style>
  body { margin: 0; font-family: system-ui, sans-serif; }
  header { padding: 0.75rem 1rem; background: #1d3557; color: #fff; }
  header h1 { margin: 0; font-size: 1.2rem; }
  .summary { display: flex; gap: 1rem; padding: 0.5rem 1rem; background: #f1faee; flex-wrap: wrap; }
  .summary .card { font-size: 0.85rem; }
  .summary .card strong { text-transform: uppercase; }
  .summary .anomalous { color: #e63946; font-weight: 600; }
  #map { height: calc(100vh - 7rem); }
  footer { padding: 0.25rem 1rem; font-size: 0.75rem; color: #555; }
</style>
</head>
<body>
<header><h1>Montreal Air Quality &mdash; satellite vs ground sensors</h1></header>
<div class="summary">
{{- range .Summaries }}
  <div class="card"><strong>{{ .Name }}</strong>: {{ .Rows }} paired observations{{ if .Anomalies }}, <span class="anomalous">{{ .Anomalies }} anomalous</span>{{ end }}</div>
{{- else }}
  <div class="card">No paired observations loaded yet.</div>
{{- end }}
</div>
<div id="map"></div>
<footer>Generated {{ .GeneratedAt }} &middot; {{ .TotalRows }} observations</footer>
<script>
var map = L.map('map').setView([{{ .CenterLat }}, {{ .CenterLon }}], 11);
L.tileLayer('https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png', {
  attribution: '&copy; OpenStreetMap contributors'
}).addTo(map);

L.rectangle([[{{ .Bounds.MinLat }}, {{ .Bounds.MinLon }}], [{{ .Bounds.MaxLat }}, {{ .Bounds.MaxLon }}]], {
  color: '#1d3557', weight: 1, fill: false, dashArray: '4'
}).addTo(map);

var rows = {{ .RowsJSON }};
rows.forEach(function (r) {
  var color = r.is_anomaly ? '#e63946' : '#457b9d';
  var marker = L.circleMarker([r.lat, r.lon], {
    radius: r.is_anomaly ? 8 : 5,
    color: color, fillColor: color, fillOpacity: 0.7
  }).addTo(map);
  marker.bindPopup(
    '<b>' + r.sensor_name + '</b><br>' +
    r.sensor_parameter + ': ' + r.sensor_value + ' ' + r.sensor_unit + '<br>' +
    'satellite: ' + r.satellite_value + '<br>' +
    'variance: ' + r.variance.toFixed(2) + '<br>' +
    r.sensor_ts + (r.is_anomaly ? '<br><b>anomaly</b>' : '')
  );
});
</script>
</body>
</html>
`))
