package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts. There is no write timeout: /video_feed and /events
// are long-lived responses.
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// StoreCommitTimeout bounds a single attendance upsert issued from the frame loop.
const StoreCommitTimeout = 5 * time.Second

// Background job intervals
const WatchdogInterval = 30 * time.Second

// FrameBoundary is the multipart boundary of the MJPEG stream.
const FrameBoundary = "frame"

// Request body limit for control routes
const MaxRequestBodyBytes = 1 << 20

// Default rate limiting
const DefaultRateLimitPerMin = 120
