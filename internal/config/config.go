package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	"github.com/geoface/attendance-server-go/internal/geo"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongo    = "mongo"

	MetricEuclidean = "euclidean"
	MetricCosine    = "cosine"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"5001"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend    string `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL     string `env:"DATABASE_URL"`
	MongoURI        string `env:"MONGO_URI"`
	MongoDatabase   string `env:"MONGO_DATABASE" envDefault:"test"`
	MongoCollection string `env:"MONGO_COLLECTION" envDefault:"teachers"`
	RedisURL        string `env:"REDIS_URL,required"`

	EmbeddingURL      string `env:"EMBEDDING_URL" envDefault:"http://localhost:8000"`
	CameraSnapshotURL string `env:"CAMERA_SNAPSHOT_URL" envDefault:"http://localhost:8081/snapshot.jpg"`
	CameraFPS         int    `env:"CAMERA_FPS" envDefault:"10"`

	SchoolLatitude             float64 `env:"SCHOOL_LATITUDE" envDefault:"25.568261"`
	SchoolLongitude            float64 `env:"SCHOOL_LONGITUDE" envDefault:"84.150563"`
	GeofenceRadiusMeters       float64 `env:"GEOFENCE_RADIUS_METERS" envDefault:"500"`
	FaceTolerance              float64 `env:"FACE_TOLERANCE" envDefault:"0.6"`
	FaceDistanceMetric         string  `env:"FACE_DISTANCE_METRIC" envDefault:"euclidean"`
	RequiredConsecutiveMatches int     `env:"REQUIRED_CONSECUTIVE_MATCHES" envDefault:"5"`
	DetectionScale             float64 `env:"DETECTION_SCALE" envDefault:"0.25"`
	JPEGQuality                int     `env:"JPEG_QUALITY" envDefault:"80"`

	ImageFetchTimeoutSeconds  int    `env:"IMAGE_FETCH_TIMEOUT_SECONDS" envDefault:"10"`
	AttendanceTimezone        string `env:"ATTENDANCE_TIMEZONE" envDefault:"Local"`
	SessionIdleTimeoutSeconds int    `env:"SESSION_IDLE_TIMEOUT_SECONDS" envDefault:"600"`

	RateLimitPerMin    int      `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	HSTSEnabled        bool     `env:"HSTS_ENABLED" envDefault:"false"`
	StaticDir          string   `env:"STATIC_DIR" envDefault:"static"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) ImageFetchTimeout() time.Duration {
	return time.Duration(c.ImageFetchTimeoutSeconds) * time.Second
}

// SessionIdleTimeout is zero when the watchdog is disabled.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}

func (c *Config) SchoolLocation() geo.Point {
	return geo.Point{Lat: c.SchoolLatitude, Lon: c.SchoolLongitude}
}

// Location resolves ATTENDANCE_TIMEZONE, used to decide which calendar day
// a commit belongs to.
func (c *Config) Location() (*time.Location, error) {
	if c.AttendanceTimezone == "" || c.AttendanceTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.AttendanceTimezone)
	if err != nil {
		return nil, fmt.Errorf("ATTENDANCE_TIMEZONE: %w", err)
	}
	return loc, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StoreBackendPostgres)
		}
	case StoreBackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_BACKEND=%s", StoreBackendMongo)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMongo, c.StoreBackend)
	}

	if err := c.SchoolLocation().Validate(); err != nil {
		return fmt.Errorf("SCHOOL_LATITUDE/SCHOOL_LONGITUDE: %w", err)
	}
	if c.GeofenceRadiusMeters <= 0 {
		return fmt.Errorf("GEOFENCE_RADIUS_METERS must be positive")
	}
	if c.FaceTolerance <= 0 {
		return fmt.Errorf("FACE_TOLERANCE must be positive")
	}
	switch strings.ToLower(c.FaceDistanceMetric) {
	case MetricEuclidean, MetricCosine:
	default:
		return fmt.Errorf("FACE_DISTANCE_METRIC must be %q or %q", MetricEuclidean, MetricCosine)
	}
	if c.RequiredConsecutiveMatches < 1 {
		return fmt.Errorf("REQUIRED_CONSECUTIVE_MATCHES must be at least 1")
	}
	if c.DetectionScale <= 0 || c.DetectionScale > 1 {
		return fmt.Errorf("DETECTION_SCALE must be in (0, 1]")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be in [1, 100]")
	}
	if c.CameraFPS < 1 {
		return fmt.Errorf("CAMERA_FPS must be at least 1")
	}
	if c.ImageFetchTimeoutSeconds < 1 {
		return fmt.Errorf("IMAGE_FETCH_TIMEOUT_SECONDS must be at least 1")
	}
	if c.SessionIdleTimeoutSeconds < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT_SECONDS must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if strings.HasPrefix(c.RedisURL, "redis://") && !strings.Contains(c.RedisURL, "localhost") {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS): consider using rediss://")
	}
	if len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
		log.Debug().Msg("CORS allows any origin")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.FaceDistanceMetric = strings.ToLower(cfg.FaceDistanceMetric)
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	return &cfg, nil
}
