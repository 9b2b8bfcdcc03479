package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/geoface/attendance-server-go/internal/audit"
	"github.com/geoface/attendance-server-go/internal/biometric"
	"github.com/geoface/attendance-server-go/internal/camera"
	"github.com/geoface/attendance-server-go/internal/config"
	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/geo"
	"github.com/geoface/attendance-server-go/internal/metrics"
	"github.com/geoface/attendance-server-go/internal/model"
	"github.com/geoface/attendance-server-go/internal/repository"
	"github.com/geoface/attendance-server-go/internal/sse"
	"github.com/geoface/attendance-server-go/internal/util"
)

// ImageFetcher downloads the enrollment image.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// EventPublisher fans verification events out to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, identity string, event sse.Event) error
}

const eventPublishTimeout = 2 * time.Second

// Options tunes the verification service.
type Options struct {
	RequiredMatches int
	DetectionScale  float64
	JPEGQuality     int
	Location        *time.Location
	CommitTimeout   time.Duration
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RequiredMatches < 1 {
		o.RequiredMatches = 5
	}
	if !(o.DetectionScale > 0) || o.DetectionScale > 1 {
		o.DetectionScale = 0.5
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		o.JPEGQuality = 80
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = config.StoreCommitTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// VerificationService owns the single verification session and drives the
// frame pipeline for it.
type VerificationService struct {
	repo    repository.AttendanceRepository
	fetcher ImageFetcher
	matcher *biometric.Matcher
	opener  camera.Opener
	gate    *geo.Gate
	events  EventPublisher
	limiter StartLimiter
	opts    Options

	// startMu serializes Start. Stop never takes it, so a stop issued while
	// a start is loading returns immediately.
	startMu sync.Mutex

	mu      sync.Mutex
	current *Session
	idle    model.SessionState
}

func NewVerificationService(
	repo repository.AttendanceRepository,
	fetcher ImageFetcher,
	matcher *biometric.Matcher,
	opener camera.Opener,
	gate *geo.Gate,
	opts Options,
) *VerificationService {
	return &VerificationService{
		repo:    repo,
		fetcher: fetcher,
		matcher: matcher,
		opener:  opener,
		gate:    gate,
		opts:    opts.withDefaults(),
		idle:    model.SessionStateEmpty,
	}
}

// WithEvents attaches an event publisher. Events are best effort.
func (s *VerificationService) WithEvents(p EventPublisher) *VerificationService {
	s.events = p
	return s
}

// WithStartLimiter throttles Start per identity.
func (s *VerificationService) WithStartLimiter(l StartLimiter) *VerificationService {
	s.limiter = l
	return s
}

func (s *VerificationService) today() string {
	return s.opts.Now().In(s.opts.Location).Format(model.AttendanceDateLayout)
}

// retryAfterSeconds rounds the wait until resetAt up to whole seconds, at
// least one.
func retryAfterSeconds(resetAt time.Time) int64 {
	secs := int64(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Start begins verification for identity. If today's attendance already
// exists the camera is never opened and the current session is left alone.
// Otherwise any previous session is discarded and a new one is loaded.
func (s *VerificationService) Start(ctx context.Context, identity, imageURL string) (*model.StartResult, error) {
	identity = util.NormalizeIdentity(identity)
	if identity == "" {
		return nil, apperrors.MissingRequired("email")
	}

	if s.limiter != nil {
		if allowed, resetAt := s.limiter.CheckLimit(ctx, identity, startLimit, startLimitWindow); !allowed {
			audit.Log(ctx, audit.Event{Type: audit.EventRateLimitExceed, Identity: identity})
			return nil, apperrors.RateLimitExceeded().WithDetails(map[string]any{
				"retryAfter": retryAfterSeconds(resetAt),
			})
		}
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	existing, err := s.repo.FindByDate(ctx, identity, s.today())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		audit.Log(ctx, audit.Event{
			Type:     audit.EventAlreadyMarked,
			Identity: identity,
			Details:  map[string]interface{}{"time": existing.Time},
		})
		return &model.StartResult{
			Status:         model.StartStatusAlreadyMarked,
			Message:        "Attendance already marked for today",
			AttendanceTime: existing.Time,
		}, nil
	}

	sess := newSession(uuid.NewString(), identity, s.opts.Now())
	s.mu.Lock()
	prev := s.current
	s.current = sess
	s.mu.Unlock()
	if prev != nil {
		s.discard(ctx, prev)
	}

	if err := s.load(ctx, sess, imageURL); err != nil {
		s.abandon(sess)
		audit.Log(ctx, audit.Event{
			Type:      audit.EventStartFailed,
			Identity:  identity,
			SessionID: sess.ID(),
			Details:   map[string]interface{}{"error": err},
		})
		return nil, err
	}

	metrics.SetSessionActive(true)
	s.publish(sess.ID(), identity, model.EventSessionStarted, nil)
	audit.Log(ctx, audit.Event{Type: audit.EventVerificationStart, Identity: identity, SessionID: sess.ID()})

	log.Info().
		Str("identity", identity).
		Str("sessionId", sess.ID()).
		Msg("verification session ready")

	return &model.StartResult{
		Status:    model.StartStatusReady,
		Message:   "Face loaded and camera ready",
		SessionID: sess.ID(),
	}, nil
}

// load fetches the enrollment image, extracts the reference embedding and
// opens the camera.
func (s *VerificationService) load(ctx context.Context, sess *Session, imageURL string) error {
	if imageURL == "" {
		teacher, err := s.repo.FindTeacher(ctx, sess.Identity())
		if err != nil {
			return err
		}
		if teacher == nil || teacher.ImageURL == "" {
			return apperrors.MissingRequired("imageUrl")
		}
		imageURL = teacher.ImageURL
	}

	data, err := s.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return err
	}

	ref, err := s.matcher.LoadReference(ctx, data)
	if err != nil {
		return err
	}

	src, err := s.opener.Open(ctx)
	if err != nil {
		return err
	}

	if err := sess.ready(ref, src, s.opts.Now()); err != nil {
		_ = src.Close()
		return err
	}
	return nil
}

// abandon drops a session whose load failed.
func (s *VerificationService) abandon(sess *Session) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
		s.idle = model.SessionStateEmpty
	}
	s.mu.Unlock()
	sess.stop()
}

func (s *VerificationService) discard(ctx context.Context, sess *Session) {
	identity := sess.Identity()
	sess.stop()
	metrics.SetSessionActive(false)
	if identity != "" {
		s.publish(sess.ID(), identity, model.EventSessionStopped, map[string]any{"reason": "replaced"})
	}
	log.Info().Str("sessionId", sess.ID()).Msg("previous verification session discarded")
}

// SetLocation records the latest location sample. Invalid coordinates leave
// the session untouched.
func (s *VerificationService) SetLocation(ctx context.Context, lat, lon float64) (*model.LocationResult, error) {
	p := geo.Point{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sess := s.Current()
	if sess == nil {
		return nil, apperrors.NoActiveSession()
	}

	res, err := s.gate.Evaluate(&p)
	if err != nil {
		return nil, err
	}
	sess.setLocation(p)

	s.publish(sess.ID(), sess.Identity(), model.EventLocationUpdated, map[string]any{
		"distance_from_school": res.DistanceMeters,
		"within_range":         res.WithinRange,
	})

	log.Debug().
		Float64("lat", lat).
		Float64("lon", lon).
		Float64("distanceMeters", res.DistanceMeters).
		Bool("withinRange", res.WithinRange).
		Msg("location updated")

	return &model.LocationResult{
		Status:             "success",
		Message:            "Location updated",
		DistanceFromSchool: res.DistanceMeters,
		WithinRange:        res.WithinRange,
	}, nil
}

// Current returns the current session, or nil.
func (s *VerificationService) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *VerificationService) Status() model.SessionStatus {
	s.mu.Lock()
	sess, idle := s.current, s.idle
	s.mu.Unlock()

	if sess == nil {
		return model.SessionStatus{State: idle, RequiredMatches: s.opts.RequiredMatches}
	}
	return sess.status(s.gate, s.opts.RequiredMatches)
}

// Today reports whether the current identity already has today's entry.
func (s *VerificationService) Today(ctx context.Context) (*model.TodayStatus, error) {
	sess := s.Current()
	if sess == nil {
		return nil, apperrors.NoActiveSession()
	}
	identity := sess.Identity()
	if identity == "" {
		return nil, apperrors.NoActiveSession()
	}

	rec, err := s.repo.FindByDate(ctx, identity, s.today())
	if err != nil {
		return nil, err
	}
	return &model.TodayStatus{
		TeacherEmail:     identity,
		AttendanceMarked: rec != nil,
		AttendanceData:   rec,
	}, nil
}

// History lists recent attendance for identity, newest first.
func (s *VerificationService) History(ctx context.Context, identity string, limit int) ([]model.AttendanceRecord, error) {
	identity = util.NormalizeIdentity(identity)
	if identity == "" {
		return nil, apperrors.MissingRequired("email")
	}
	return s.repo.ListByIdentity(ctx, identity, repository.ClampHistoryLimit(limit))
}

// Stop ends the current session and releases the camera. It reports whether
// there was a session to stop.
func (s *VerificationService) Stop(ctx context.Context) bool {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.idle = model.SessionStateStopped
	s.mu.Unlock()

	if sess == nil {
		return false
	}

	identity := sess.Identity()
	sess.stop()
	metrics.SetSessionActive(false)
	if identity != "" {
		s.publish(sess.ID(), identity, model.EventSessionStopped, nil)
	}
	audit.Log(ctx, audit.Event{Type: audit.EventVerificationStop, Identity: identity, SessionID: sess.ID()})

	log.Info().Str("sessionId", sess.ID()).Msg("verification session stopped")
	return true
}

// StopIfIdle stops the session if it has been READY without a stream for
// longer than maxIdle.
func (s *VerificationService) StopIfIdle(ctx context.Context, maxIdle time.Duration) bool {
	sess := s.Current()
	if sess == nil {
		return false
	}
	idle, ok := sess.idleFor(s.opts.Now())
	if !ok || idle < maxIdle {
		return false
	}

	s.mu.Lock()
	if s.current != sess {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	log.Info().
		Str("sessionId", sess.ID()).
		Dur("idle", idle).
		Msg("stopping idle verification session")
	return s.Stop(ctx)
}

// Stream runs the frame pipeline for the current session, handing each
// annotated JPEG to emit. It returns when the client goes away, the session
// is stopped or emit fails. Only one stream may run per session.
func (s *VerificationService) Stream(ctx context.Context, emit func(jpeg []byte) error) error {
	sess := s.Current()
	if sess == nil {
		return apperrors.NoActiveSession()
	}

	src, err := sess.beginStream()
	if err != nil {
		return err
	}
	defer func() { sess.endStream(s.opts.Now()) }()

	p := &FramePipeline{
		sess:     sess,
		source:   src,
		matcher:  s.matcher,
		gate:     s.gate,
		repo:     s.repo,
		debounce: NewDebounceCounter(s.opts.RequiredMatches),
		opts:     s.opts,
		publish:  s.publish,
	}
	return p.Run(ctx, emit)
}

func (s *VerificationService) publish(sessionID, identity string, typ model.VerificationEventType, data map[string]any) {
	if s.events == nil || identity == "" {
		return
	}

	ev := model.VerificationEvent{
		Type:      typ,
		SessionID: sessionID,
		Identity:  identity,
		Data:      data,
		At:        s.opts.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, identity, sse.Event{Type: string(typ), Data: ev.ToSSEEventData()}); err != nil {
		log.Warn().
			Err(err).
			Str("identity", identity).
			Str("event", string(typ)).
			Msg("failed to publish verification event")
	}
}
