package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geoface/attendance-server-go/internal/biometric"
	"github.com/geoface/attendance-server-go/internal/camera"
	"github.com/geoface/attendance-server-go/internal/config"
	"github.com/geoface/attendance-server-go/internal/database"
	"github.com/geoface/attendance-server-go/internal/geo"
	"github.com/geoface/attendance-server-go/internal/handler"
	"github.com/geoface/attendance-server-go/internal/jobs"
	"github.com/geoface/attendance-server-go/internal/middleware"
	"github.com/geoface/attendance-server-go/internal/redis"
	"github.com/geoface/attendance-server-go/internal/repository"
	"github.com/geoface/attendance-server-go/internal/service"
	"github.com/geoface/attendance-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	repo, pingStore, closeStore := connectStore(cfg)
	defer closeStore()

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	metric, err := biometric.ParseMetric(cfg.FaceDistanceMetric)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid face distance metric")
	}
	embeddings := biometric.NewEmbeddingClient(cfg.EmbeddingURL, cfg.ImageFetchTimeout())
	matcher := biometric.NewMatcher(embeddings, cfg.FaceTolerance, metric)

	gate, err := geo.NewGate(cfg.SchoolLocation(), cfg.GeofenceRadiusMeters)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid geofence")
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid attendance timezone")
	}

	verificationService := service.NewVerificationService(
		repo,
		biometric.NewImageFetcher(cfg.ImageFetchTimeout()),
		matcher,
		camera.NewSnapshotOpener(cfg.CameraSnapshotURL, cfg.CameraFPS),
		gate,
		service.Options{
			RequiredMatches: cfg.RequiredConsecutiveMatches,
			DetectionScale:  cfg.DetectionScale,
			JPEGQuality:     cfg.JPEGQuality,
			Location:        loc,
			CommitTimeout:   config.StoreCommitTimeout,
		},
	).
		WithEvents(broker).
		WithStartLimiter(service.NewRateLimiter(redisClient.Client))

	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client, cfg.RateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.HSTSEnabled)

	verificationHandler := handler.NewVerificationHandler(verificationService)
	eventsHandler := handler.NewEventsHandler(broker, verificationService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()

		status, code := "ok", http.StatusOK
		checks := map[string]string{"store": "ok", "redis": "ok"}
		if err := pingStore(ctx); err != nil {
			checks["store"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     status,
			"checks":     checks,
			"session":    verificationService.Status().State,
			"sseClients": broker.TotalClients(),
			"timestamp":  time.Now().UnixMilli(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Long-lived responses: no request timeout.
	r.Get("/video_feed", verificationHandler.VideoFeed)
	r.Get("/events", eventsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware.Handler)
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		verificationHandler.MountControl(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Get("/", handler.Home)
		verificationHandler.MountQuery(r)
	})

	r.Route("/ui", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.NotFound(handler.StaticFileServer(cfg.StaticDir, "/ui").ServeHTTP)
	})

	watchdog := jobs.NewSessionWatchdog(verificationService, cfg.SessionIdleTimeout(), config.WatchdogInterval)
	watchdog.Start()
	defer watchdog.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Releases the camera and ends any running /video_feed so Shutdown can drain.
	verificationService.Stop(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// connectStore opens the attendance store selected by STORE_BACKEND.
func connectStore(cfg *config.Config) (repository.AttendanceRepository, func(context.Context) error, func()) {
	switch cfg.StoreBackend {
	case config.StoreBackendMongo:
		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		defer cancel()

		m, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mongo")
		}
		log.Info().Str("database", cfg.MongoDatabase).Str("collection", cfg.MongoCollection).Msg("mongo connected")

		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
			defer cancel()
			if err := m.Close(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to disconnect mongo")
			}
		}
		return repository.NewMongoAttendanceRepository(m.Collection), m.Ping, closeFn

	default:
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		cancel()
		log.Info().Msg("database connected")

		if err := db.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}

		return repository.NewAttendanceRepository(db.DB), db.Ping, func() { db.Close() }
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
