package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/geoface/attendance-server-go/internal/biometric"
	"github.com/geoface/attendance-server-go/internal/camera"
	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/geo"
	"github.com/geoface/attendance-server-go/internal/model"
)

// Session is the single verification session. The location sample is
// written by SetLocation and read by the frame loop without taking mu.
type Session struct {
	id        string
	startedAt time.Time

	location atomic.Pointer[geo.Point]
	matches  atomic.Int32

	mu             sync.Mutex
	state          model.SessionState
	identity       string
	reference      biometric.Embedding
	source         camera.Source
	streaming      bool
	idleSince      time.Time
	committed      bool
	commitDisabled bool
	attendanceTime string
	lastErr        error
}

func newSession(id, identity string, now time.Time) *Session {
	return &Session{
		id:        id,
		identity:  identity,
		startedAt: now,
		state:     model.SessionStateLoading,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ready installs the reference embedding and camera once loading finished.
// It fails when the session was stopped while loading.
func (s *Session) ready(ref biometric.Embedding, src camera.Source, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.SessionStateLoading {
		return apperrors.NoActiveSession()
	}
	s.reference = ref
	s.source = src
	s.state = model.SessionStateReady
	s.idleSince = now
	return nil
}

// stop clears identity, embedding and location and releases the camera.
// An in-flight frame may finish but sees no identity afterwards.
func (s *Session) stop() {
	s.mu.Lock()
	src := s.source
	s.state = model.SessionStateStopped
	s.identity = ""
	s.reference = nil
	s.source = nil
	s.mu.Unlock()

	s.location.Store(nil)
	s.matches.Store(0)
	if src != nil {
		_ = src.Close()
	}
}

func (s *Session) setLocation(p geo.Point) {
	s.location.Store(&p)
}

func (s *Session) Location() *geo.Point {
	return s.location.Load()
}

// beginStream claims the stream slot.
func (s *Session) beginStream() (camera.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Live() || s.source == nil {
		return nil, apperrors.NoActiveSession()
	}
	if s.streaming {
		return nil, apperrors.StreamInUse()
	}
	s.streaming = true
	if s.state == model.SessionStateReady {
		s.state = model.SessionStateStreaming
	}
	return s.source, nil
}

// endStream releases the stream slot. A session that streamed without
// committing goes back to READY.
func (s *Session) endStream(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
	if s.state == model.SessionStateStreaming {
		s.state = model.SessionStateReady
	}
	s.idleSince = now
}

// idleFor reports how long a READY session has gone without a stream.
func (s *Session) idleFor(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.SessionStateReady || s.streaming {
		return 0, false
	}
	return now.Sub(s.idleSince), true
}

// frameView is what one frame iteration needs from the session.
type frameView struct {
	identity  string
	reference biometric.Embedding
}

func (s *Session) view() frameView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frameView{
		identity:  s.identity,
		reference: s.reference,
	}
}

// canCommit reports whether identity may still be committed on this
// session. It is checked again right before the write since Stop can land
// while a frame is being processed.
func (s *Session) canCommit(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return identity != "" && s.identity == identity && s.state.Live() &&
		!s.committed && !s.commitDisabled
}

func (s *Session) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *Session) markCommitted(attendanceTime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	s.attendanceTime = attendanceTime
	s.lastErr = nil
	if s.state.Live() {
		s.state = model.SessionStateCommitted
	}
}

// recordCommitError keeps the failure for status. NOT_FOUND disables
// further commits; anything else is retried on the next qualifying frame.
func (s *Session) recordCommitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		s.commitDisabled = true
	}
}

func (s *Session) status(gate *geo.Gate, required int) model.SessionStatus {
	s.mu.Lock()
	st := model.SessionStatus{
		SessionID:          s.id,
		State:              s.state,
		TeacherEmail:       s.identity,
		FaceLoaded:         s.reference != nil,
		AttendanceDone:     s.committed,
		AttendanceTime:     s.attendanceTime,
		ConsecutiveMatches: int(s.matches.Load()),
		RequiredMatches:    required,
	}
	startedAt := s.startedAt
	st.StartedAt = &startedAt
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.LastErrorCode = string(apperrors.GetCode(s.lastErr))
	}
	s.mu.Unlock()

	if loc := s.location.Load(); loc != nil {
		st.LocationSet = true
		if res, err := gate.Evaluate(loc); err == nil {
			d := res.DistanceMeters
			st.DistanceFromSchool = &d
			st.WithinSchoolRange = res.WithinRange
		}
	}
	return st
}
