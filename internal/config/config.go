package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/montreal-gis/airwatch/internal/geo"
)

const (
	defaultDBHost = "postgis"
	defaultDBPort = 5432
	defaultDBUser = "gis_user"
	defaultDBPass = "gis_pass"
	defaultDBName = "montreal_airquality"

	defaultStorageEndpoint = "localhost:9000"
	defaultStorageKey      = "minioadmin"
	defaultStorageSecret   = "minioadmin"
	defaultBucket          = "montreal-airwatch"

	defaultGroundBaseURL   = "https://api.openaq.org/v3"
	defaultSatTokenURL     = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	defaultSatCatalogURL   = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	defaultSatCollection   = "SENTINEL-5P"
	defaultSatProductMatch = "L2__CH4"
	defaultSatParameter    = "ch4"

	defaultFreshnessMaxAge = 168 * time.Hour
	defaultFetchWindow     = 168 * time.Hour
	defaultRetryMax        = 5
	defaultRetryInitial    = 2 * time.Second
	defaultRetryMaxWait    = 60 * time.Second
	defaultRateInterval    = 1100 * time.Millisecond
	defaultRequestTimeout  = 60 * time.Second
	defaultRunTimeout      = 45 * time.Minute
	defaultBufferRadiusM   = 2500.0

	defaultDashboardPath = "maps/dashboard.html"
	defaultScheduleCron  = "0 3 * * 1"
	defaultMetricsAddr   = ":9090"
	defaultAPIPort       = 8080
	defaultZThreshold    = 3.0
	defaultMinScoreRows  = 10
)

// defaultParameters are the pollutant categories tracked for ground
// sensors. The satellite source contributes the first one only.
var defaultParameters = []string{"ch4", "pm25", "pm10", "no2", "o3", "co", "so2"}

// montrealBounds is the metropolitan bounding box used as the default
// spatial filter for both sources.
var montrealBounds = geo.BoundingBox{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71}

// Config holds environment-driven settings shared by all pipeline
// stages. Every field has a local/dev default and is overridable.
type Config struct {
	DatabaseURL string
	ProjectID   string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool
	// StoragePublicBaseURL, when set, is preferred over presigned URLs
	// for public artifact links.
	StoragePublicBaseURL string

	OpenAQAPIKey  string
	GroundBaseURL string

	SatUsername     string
	SatPassword     string
	SatTokenURL     string
	SatCatalogURL   string
	SatCollection   string
	SatProductMatch string
	SatParameter    string

	Bounds     geo.BoundingBox
	Parameters []string

	// FreshnessMaxAge is the staleness threshold of the freshness gate.
	// Observed pipeline revisions used both 24h and 168h; neither is
	// baked in.
	FreshnessMaxAge time.Duration
	FetchWindow     time.Duration

	RetryMax        int
	RetryInitial    time.Duration
	RetryMaxWait    time.Duration
	RateMinInterval time.Duration
	RequestTimeout  time.Duration
	RunTimeout      time.Duration

	BufferRadiusM float64

	// LegacyLatestPath switches staged-artifact naming to the older
	// single-latest-file scheme instead of per-category paths.
	LegacyLatestPath bool

	DashboardPath string
	ExportCSVPath string

	ZThreshold   float64
	MinScoreRows int

	ScheduleCron string
	MetricsAddr  string

	APIPort        int
	APIBearerToken string

	DryRun bool
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		GroundBaseURL:   defaultGroundBaseURL,
		SatTokenURL:     defaultSatTokenURL,
		SatCatalogURL:   defaultSatCatalogURL,
		SatCollection:   defaultSatCollection,
		SatProductMatch: defaultSatProductMatch,
		SatParameter:    defaultSatParameter,
		Bounds:          montrealBounds,
		Parameters:      defaultParameters,
		FreshnessMaxAge: defaultFreshnessMaxAge,
		FetchWindow:     defaultFetchWindow,
		RetryMax:        defaultRetryMax,
		RetryInitial:    defaultRetryInitial,
		RetryMaxWait:    defaultRetryMaxWait,
		RateMinInterval: defaultRateInterval,
		RequestTimeout:  defaultRequestTimeout,
		RunTimeout:      defaultRunTimeout,
		BufferRadiusM:   defaultBufferRadiusM,
		DashboardPath:   defaultDashboardPath,
		ZThreshold:      defaultZThreshold,
		MinScoreRows:    defaultMinScoreRows,
		ScheduleCron:    defaultScheduleCron,
		MetricsAddr:     defaultMetricsAddr,
		APIPort:         defaultAPIPort,
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		host := getenvDefault("DB_HOST", defaultDBHost)
		user := getenvDefault("DB_USER", defaultDBUser)
		pass := getenvDefault("DB_PASS", defaultDBPass)
		name := getenvDefault("DB_NAME", defaultDBName)
		port := defaultDBPort
		if v := strings.TrimSpace(os.Getenv("DB_PORT")); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil || p <= 0 {
				return cfg, fmt.Errorf("invalid DB_PORT: %s", v)
			}
			port = p
		}
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, pass, host, port, name)
	}

	cfg.ProjectID = getenvDefault("PROJECT_ID", "montreal-airwatch-dev")

	cfg.StorageEndpoint = getenvDefault("STORAGE_ENDPOINT", defaultStorageEndpoint)
	cfg.StorageAccessKey = getenvDefault("STORAGE_ACCESS_KEY", defaultStorageKey)
	cfg.StorageSecretKey = getenvDefault("STORAGE_SECRET_KEY", defaultStorageSecret)
	cfg.StorageBucket = getenvDefault("STORAGE_BUCKET", defaultBucket)
	cfg.StorageUseSSL = boolEnv("STORAGE_USE_SSL")
	cfg.StoragePublicBaseURL = strings.TrimSpace(os.Getenv("STORAGE_PUBLIC_BASE_URL"))

	cfg.OpenAQAPIKey = strings.TrimSpace(os.Getenv("OPENAQ_API_KEY"))
	cfg.GroundBaseURL = getenvDefault("GROUND_BASE_URL", defaultGroundBaseURL)

	cfg.SatUsername = strings.TrimSpace(os.Getenv("SAT_USERNAME"))
	cfg.SatPassword = strings.TrimSpace(os.Getenv("SAT_PASSWORD"))
	cfg.SatTokenURL = getenvDefault("SAT_TOKEN_URL", defaultSatTokenURL)
	cfg.SatCatalogURL = getenvDefault("SAT_CATALOG_URL", defaultSatCatalogURL)
	cfg.SatCollection = getenvDefault("SAT_COLLECTION", defaultSatCollection)
	cfg.SatProductMatch = getenvDefault("SAT_PRODUCT_MATCH", defaultSatProductMatch)
	cfg.SatParameter = getenvDefault("SAT_PARAMETER", defaultSatParameter)

	if v := strings.TrimSpace(os.Getenv("BOUNDS")); v != "" {
		box, err := parseBounds(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid BOUNDS: %w", err)
		}
		cfg.Bounds = box
	}

	if v := strings.TrimSpace(os.Getenv("PARAMETERS")); v != "" {
		parts := strings.Split(v, ",")
		params := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				params = append(params, strings.ToLower(p))
			}
		}
		if len(params) == 0 {
			return cfg, fmt.Errorf("PARAMETERS is set but empty")
		}
		cfg.Parameters = params
	}

	var err error
	if cfg.FreshnessMaxAge, err = durationEnv("FRESHNESS_MAX_AGE", cfg.FreshnessMaxAge); err != nil {
		return cfg, err
	}
	if cfg.FetchWindow, err = durationEnv("FETCH_WINDOW", cfg.FetchWindow); err != nil {
		return cfg, err
	}
	if cfg.RetryInitial, err = durationEnv("RETRY_INITIAL", cfg.RetryInitial); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxWait, err = durationEnv("RETRY_MAX_WAIT", cfg.RetryMaxWait); err != nil {
		return cfg, err
	}
	if cfg.RateMinInterval, err = durationEnv("RATE_MIN_INTERVAL", cfg.RateMinInterval); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return cfg, err
	}
	if cfg.RunTimeout, err = durationEnv("RUN_TIMEOUT", cfg.RunTimeout); err != nil {
		return cfg, err
	}

	if v := strings.TrimSpace(os.Getenv("RETRY_MAX")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid RETRY_MAX: %s", v)
		}
		cfg.RetryMax = n
	}

	if v := strings.TrimSpace(os.Getenv("BUFFER_RADIUS_M")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("invalid BUFFER_RADIUS_M: %s", v)
		}
		cfg.BufferRadiusM = f
	}

	cfg.LegacyLatestPath = boolEnv("LEGACY_LATEST_PATH")

	cfg.DashboardPath = getenvDefault("DASHBOARD_PATH", defaultDashboardPath)
	cfg.ExportCSVPath = strings.TrimSpace(os.Getenv("EXPORT_CSV_PATH"))

	if v := strings.TrimSpace(os.Getenv("Z_THRESHOLD")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("invalid Z_THRESHOLD: %s", v)
		}
		cfg.ZThreshold = f
	}
	if v := strings.TrimSpace(os.Getenv("MIN_SCORE_ROWS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid MIN_SCORE_ROWS: %s", v)
		}
		cfg.MinScoreRows = n
	}

	cfg.ScheduleCron = getenvDefault("SCHEDULE_CRON", defaultScheduleCron)
	cfg.MetricsAddr = getenvDefault("METRICS_ADDR", defaultMetricsAddr)

	if v := strings.TrimSpace(os.Getenv("API_PORT")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			return cfg, fmt.Errorf("invalid API_PORT: %s", v)
		}
		cfg.APIPort = p
	}
	cfg.APIBearerToken = strings.TrimSpace(os.Getenv("API_BEARER_TOKEN"))

	cfg.DryRun = boolEnv("DRY_RUN")

	return cfg, nil
}

// ListenAddr returns the host:port string for the REST API server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.APIPort)
}

func parseBounds(v string) (geo.BoundingBox, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return geo.BoundingBox{}, fmt.Errorf("want minLon,minLat,maxLon,maxLat, got %q", v)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BoundingBox{}, err
		}
		vals[i] = f
	}
	box := geo.BoundingBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if box.MinLon > box.MaxLon || box.MinLat > box.MaxLat {
		return geo.BoundingBox{}, fmt.Errorf("inverted bounds %q", v)
	}
	return box, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func boolEnv(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return v == "1" || strings.EqualFold(v, "true")
}
