package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/geoface/attendance-server-go/internal/biometric"
	"github.com/geoface/attendance-server-go/internal/camera"
	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/geo"
	"github.com/geoface/attendance-server-go/internal/model"
	"github.com/geoface/attendance-server-go/internal/sse"
)

var (
	school   = geo.Point{Lat: 25.568261, Lon: 84.150563}
	faraway  = geo.Point{Lat: 25.568261, Lon: 84.160563}
	refVec   = biometric.Embedding{1, 0, 0}
	otherVec = biometric.Embedding{0, 1, 0}
	testNow  = time.Date(2026, 3, 2, 8, 59, 30, 0, time.UTC)
)

// Mock attendance repository
type mockAttendanceRepo struct {
	mock.Mock
}

func (m *mockAttendanceRepo) FindTeacher(ctx context.Context, email string) (*model.Teacher, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Teacher), args.Error(1)
}

func (m *mockAttendanceRepo) SaveTeacher(ctx context.Context, teacher model.Teacher) error {
	args := m.Called(ctx, teacher)
	return args.Error(0)
}

func (m *mockAttendanceRepo) FindByDate(ctx context.Context, email string, date string) (*model.AttendanceRecord, error) {
	args := m.Called(ctx, email, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AttendanceRecord), args.Error(1)
}

func (m *mockAttendanceRepo) UpsertDaily(ctx context.Context, params model.UpsertAttendanceParams) (*model.UpsertResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UpsertResult), args.Error(1)
}

func (m *mockAttendanceRepo) ListByIdentity(ctx context.Context, email string, limit int) ([]model.AttendanceRecord, error) {
	args := m.Called(ctx, email, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AttendanceRecord), args.Error(1)
}

// stubDetector returns one face whose embedding is the reference unless
// mismatch is set.
type stubDetector struct {
	mismatch atomic.Bool
	fail     atomic.Bool
	noFace   atomic.Bool
	calls    atomic.Int32

	// onDetect runs inside each call with its 1-based index.
	onDetect func(call int)
}

func (d *stubDetector) DetectFaces(_ context.Context, _ []byte) ([]biometric.Face, error) {
	n := d.calls.Add(1)
	if d.onDetect != nil {
		d.onDetect(int(n))
	}
	if d.fail.Load() {
		return nil, errors.New("detector unavailable")
	}
	if d.noFace.Load() {
		return nil, nil
	}
	vec := refVec
	if d.mismatch.Load() {
		vec = otherVec
	}
	return []biometric.Face{{Embedding: vec, Box: image.Rect(4, 4, 20, 20), Score: 0.99}}, nil
}

type stubFetcher struct {
	data []byte
	err  error
	urls []string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	return f.data, f.err
}

type fakeSource struct {
	open  atomic.Bool
	seq   atomic.Uint64
	reads atomic.Int32
}

func newFakeSource() *fakeSource {
	s := &fakeSource{}
	s.open.Store(true)
	return s
}

func (s *fakeSource) Read(ctx context.Context) (*camera.Frame, error) {
	if !s.open.Load() {
		return nil, camera.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.reads.Add(1)
	return &camera.Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Image:     image.NewRGBA(image.Rect(0, 0, 64, 48)),
	}, nil
}

func (s *fakeSource) IsOpen() bool { return s.open.Load() }

func (s *fakeSource) Close() error {
	s.open.Store(false)
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	err     error
	sources []*fakeSource
}

func (o *fakeOpener) Open(_ context.Context) (camera.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	src := newFakeSource()
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sources)
}

func (o *fakeOpener) last() *fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sources[len(o.sources)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, ev sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Type)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type denyLimiter struct{}

func (denyLimiter) CheckLimit(context.Context, string, int, time.Duration) (bool, time.Time) {
	return false, time.Now().Add(time.Minute)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func referenceJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type harness struct {
	svc      *VerificationService
	repo     *mockAttendanceRepo
	detector *stubDetector
	fetcher  *stubFetcher
	opener   *fakeOpener
	events   *recordingPublisher
	clock    *testClock
	upserts  atomic.Int32
}

const testEmail = "asha@school.test"

func newHarness(t *testing.T) *harness {
	t.Helper()
	gate, err := geo.NewGate(school, 500)
	require.NoError(t, err)

	h := &harness{
		repo:     &mockAttendanceRepo{},
		detector: &stubDetector{},
		fetcher:  &stubFetcher{data: referenceJPEG(t)},
		opener:   &fakeOpener{},
		events:   &recordingPublisher{},
		clock:    &testClock{now: testNow},
	}
	matcher := biometric.NewMatcher(h.detector, 0.6, biometric.MetricEuclidean)
	h.svc = NewVerificationService(h.repo, h.fetcher, matcher, h.opener, gate, Options{
		RequiredMatches: 5,
		DetectionScale:  0.5,
		JPEGQuality:     70,
		Location:        time.UTC,
		CommitTimeout:   time.Second,
		Now:             h.clock.Now,
	}).WithEvents(h.events)
	return h
}

func (h *harness) expectNotMarked() {
	h.repo.On("FindByDate", mock.Anything, testEmail, "2026-03-02").Return(nil, nil)
}

func (h *harness) expectUpsert(ret *model.UpsertResult, err error) *mock.Call {
	return h.repo.On("UpsertDaily", mock.Anything, mock.MatchedBy(func(p model.UpsertAttendanceParams) bool {
		return p.Email == testEmail && p.Date == "2026-03-02"
	})).Run(func(mock.Arguments) { h.upserts.Add(1) }).Return(ret, err)
}

func createdResult() *model.UpsertResult {
	return &model.UpsertResult{
		Action: model.UpsertActionCreated,
		Record: model.AttendanceRecord{
			Email: testEmail, Date: "2026-03-02", Time: "08:59:30",
			FaceMatched: true, LocationMatched: true, Verified: true,
		},
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.startWith(t, "https://img.test/asha.jpg")
}

func (h *harness) startWith(t *testing.T, imageURL string) {
	t.Helper()
	res, err := h.svc.Start(context.Background(), testEmail, imageURL)
	require.NoError(t, err)
	require.Equal(t, model.StartStatusReady, res.Status)
}

// stream runs the pipeline for n frames. onFrame, if set, runs after each
// emitted frame with its 1-based index.
func (h *harness) stream(t *testing.T, n int, onFrame func(i int)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	frames := 0
	err := h.svc.Stream(ctx, func(jpegData []byte) error {
		frames++
		assert.NotEmpty(t, jpegData)
		if onFrame != nil {
			onFrame(frames)
		}
		if frames >= n {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDebounceCounter(t *testing.T) {
	d := NewDebounceCounter(3)
	assert.Equal(t, 1, d.Observe(true))
	assert.Equal(t, 2, d.Observe(true))
	assert.False(t, d.Ready())
	assert.Equal(t, 0, d.Observe(false))
	d.Observe(true)
	d.Observe(true)
	d.Observe(true)
	assert.True(t, d.Ready())
	d.Reset()
	assert.Equal(t, 0, d.Count())

	assert.Equal(t, 1, NewDebounceCounter(0).Required())
}

func TestStart(t *testing.T) {
	t.Run("ready after loading face and camera", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()

		res, err := h.svc.Start(context.Background(), "  Asha@School.test ", "https://img.test/asha.jpg")
		require.NoError(t, err)
		assert.Equal(t, model.StartStatusReady, res.Status)
		assert.NotEmpty(t, res.SessionID)
		assert.Equal(t, 1, h.opener.opened())

		st := h.svc.Status()
		assert.Equal(t, model.SessionStateReady, st.State)
		assert.Equal(t, testEmail, st.TeacherEmail)
		assert.True(t, st.FaceLoaded)
		assert.False(t, st.LocationSet)
		assert.Nil(t, st.DistanceFromSchool)
		assert.Contains(t, h.events.types(), string(model.EventSessionStarted))
	})

	t.Run("already marked does not open the camera", func(t *testing.T) {
		h := newHarness(t)
		h.repo.On("FindByDate", mock.Anything, testEmail, "2026-03-02").
			Return(&model.AttendanceRecord{Email: testEmail, Date: "2026-03-02", Time: "08:10:00"}, nil)

		res, err := h.svc.Start(context.Background(), testEmail, "https://img.test/asha.jpg")
		require.NoError(t, err)
		assert.Equal(t, model.StartStatusAlreadyMarked, res.Status)
		assert.Equal(t, "08:10:00", res.AttendanceTime)
		assert.Equal(t, 0, h.opener.opened())
		assert.Empty(t, h.fetcher.urls)
		assert.Equal(t, model.SessionStateEmpty, h.svc.Status().State)
	})

	t.Run("missing email", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Start(context.Background(), "   ", "https://img.test/asha.jpg")
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})

	t.Run("falls back to enrolled image url", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.repo.On("FindTeacher", mock.Anything, testEmail).
			Return(&model.Teacher{Email: testEmail, ImageURL: "https://img.test/enrolled.jpg"}, nil)

		h.startWith(t, "")
		assert.Equal(t, []string{"https://img.test/enrolled.jpg"}, h.fetcher.urls)
	})

	t.Run("no image url and no enrollment", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.repo.On("FindTeacher", mock.Anything, testEmail).Return(nil, nil)

		_, err := h.svc.Start(context.Background(), testEmail, "")
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
		assert.Equal(t, model.SessionStateEmpty, h.svc.Status().State)
	})

	tests := []struct {
		name  string
		setup func(h *harness)
		code  apperrors.ErrorCode
	}{
		{
			name:  "fetch failure",
			setup: func(h *harness) { h.fetcher.err = apperrors.FetchFailed(errors.New("404")) },
			code:  apperrors.ErrCodeFetch,
		},
		{
			name:  "undecodable image",
			setup: func(h *harness) { h.fetcher.data = []byte("<html>") },
			code:  apperrors.ErrCodeImageDecode,
		},
		{
			name:  "no face in enrollment image",
			setup: func(h *harness) { h.detector.noFace.Store(true) },
			code:  apperrors.ErrCodeNoFaceDetected,
		},
		{
			name:  "camera unavailable",
			setup: func(h *harness) { h.opener.err = apperrors.Device(errors.New("no device")) },
			code:  apperrors.ErrCodeDevice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.expectNotMarked()
			tt.setup(h)

			_, err := h.svc.Start(context.Background(), testEmail, "https://img.test/asha.jpg")
			assert.Equal(t, tt.code, apperrors.GetCode(err))

			st := h.svc.Status()
			assert.Equal(t, model.SessionStateEmpty, st.State)
			assert.False(t, st.FaceLoaded)
		})
	}

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t)
		h.svc.WithStartLimiter(denyLimiter{})

		_, err := h.svc.Start(context.Background(), testEmail, "https://img.test/asha.jpg")
		assert.Equal(t, apperrors.ErrCodeRateLimitExceeded, apperrors.GetCode(err))
		appErr, ok := apperrors.AsAppError(err)
		require.True(t, ok)
		details, ok := appErr.Details.(map[string]any)
		require.True(t, ok)
		assert.InDelta(t, 60, details["retryAfter"], 1)
		h.repo.AssertNotCalled(t, "FindByDate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("restart discards the previous session", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)
		first := h.opener.last()

		h.start(t)
		assert.False(t, first.IsOpen())
		assert.True(t, h.opener.last().IsOpen())
		assert.Equal(t, 2, h.opener.opened())
	})
}

func TestSetLocation(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		assert.Equal(t, apperrors.ErrCodeNoActiveSession, apperrors.GetCode(err))
	})

	t.Run("reports distance", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)

		res, err := h.svc.SetLocation(context.Background(), faraway.Lat, faraway.Lon)
		require.NoError(t, err)
		assert.Equal(t, "success", res.Status)
		assert.False(t, res.WithinRange)
		assert.InDelta(t, 1004, res.DistanceFromSchool, 10)

		st := h.svc.Status()
		assert.True(t, st.LocationSet)
		require.NotNil(t, st.DistanceFromSchool)
		assert.False(t, st.WithinSchoolRange)
	})

	t.Run("invalid coordinate leaves state untouched", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)

		_, err := h.svc.SetLocation(context.Background(), 91, 0)
		assert.Equal(t, apperrors.ErrCodeInvalidCoordinate, apperrors.GetCode(err))
		assert.False(t, h.svc.Status().LocationSet)

		_, err = h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)
		_, err = h.svc.SetLocation(context.Background(), 0, 200)
		assert.Equal(t, apperrors.ErrCodeInvalidCoordinate, apperrors.GetCode(err))

		st := h.svc.Status()
		require.NotNil(t, st.DistanceFromSchool)
		assert.InDelta(t, 0, *st.DistanceFromSchool, 1e-6)
		assert.True(t, st.WithinSchoolRange)
	})
}

func TestStream(t *testing.T) {
	t.Run("commits exactly once after the required matches", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.expectUpsert(createdResult(), nil)
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)

		var commitFrame int
		h.stream(t, 6, func(i int) {
			if commitFrame == 0 && h.upserts.Load() == 1 {
				commitFrame = i
			}
		})

		assert.Equal(t, 5, commitFrame)
		assert.Equal(t, int32(1), h.upserts.Load())

		st := h.svc.Status()
		assert.Equal(t, model.SessionStateCommitted, st.State)
		assert.True(t, st.AttendanceDone)
		assert.Equal(t, "08:59:30", st.AttendanceTime)
		assert.Contains(t, h.events.types(), string(model.EventAttendanceCommitted))

		// A later stream on the same session never commits again.
		h.stream(t, 6, nil)
		assert.Equal(t, int32(1), h.upserts.Load())
	})

	t.Run("outside the geofence never commits", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), faraway.Lat, faraway.Lon)
		require.NoError(t, err)

		h.stream(t, 8, nil)
		h.repo.AssertNotCalled(t, "UpsertDaily", mock.Anything, mock.Anything)
		assert.Equal(t, model.SessionStateReady, h.svc.Status().State)
	})

	t.Run("no location sample never commits", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)

		h.stream(t, 8, nil)
		h.repo.AssertNotCalled(t, "UpsertDaily", mock.Anything, mock.Anything)
	})

	t.Run("a mismatched frame resets the count", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.expectUpsert(createdResult(), nil)
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)

		var commitFrame int
		h.stream(t, 10, func(i int) {
			switch i {
			case 4:
				h.detector.mismatch.Store(true)
			case 5:
				h.detector.mismatch.Store(false)
			}
			if commitFrame == 0 && h.upserts.Load() == 1 {
				commitFrame = i
			}
		})
		assert.Equal(t, 10, commitFrame)
	})

	t.Run("detector errors count as no face", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)
		h.detector.fail.Store(true)

		h.stream(t, 6, nil)
		h.repo.AssertNotCalled(t, "UpsertDaily", mock.Anything, mock.Anything)
		assert.Equal(t, 0, h.svc.Status().ConsecutiveMatches)
	})

	t.Run("store error is retried on the next qualifying frame", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.expectUpsert(nil, apperrors.Database(errors.New("connection reset"))).Once()
		h.expectUpsert(createdResult(), nil).Once()
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)

		var afterFirst model.SessionStatus
		h.stream(t, 8, func(i int) {
			if i == 5 {
				afterFirst = h.svc.Status()
			}
		})

		assert.False(t, afterFirst.AttendanceDone)
		assert.Equal(t, string(apperrors.ErrCodeDatabase), afterFirst.LastErrorCode)
		assert.Equal(t, int32(2), h.upserts.Load())

		st := h.svc.Status()
		assert.True(t, st.AttendanceDone)
		assert.Empty(t, st.LastErrorCode)
	})

	t.Run("unknown teacher disables commits", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.expectUpsert(nil, apperrors.NotFound("Teacher"))
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)

		h.stream(t, 9, nil)
		assert.Equal(t, int32(1), h.upserts.Load())

		st := h.svc.Status()
		assert.False(t, st.AttendanceDone)
		assert.Equal(t, string(apperrors.ErrCodeNotFound), st.LastErrorCode)
		assert.Contains(t, h.events.types(), string(model.EventCommitFailed))
	})

	t.Run("stop mid-stream ends processing", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)
		src := h.opener.last()

		frames := 0
		err = h.svc.Stream(context.Background(), func([]byte) error {
			frames++
			if frames == 2 {
				assert.True(t, h.svc.Stop(context.Background()))
			}
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, 2, frames)
		assert.Equal(t, int32(2), src.reads.Load())
		assert.False(t, src.IsOpen())
		h.repo.AssertNotCalled(t, "UpsertDaily", mock.Anything, mock.Anything)

		st := h.svc.Status()
		assert.Equal(t, model.SessionStateStopped, st.State)
		assert.False(t, st.FaceLoaded)
		assert.False(t, st.LocationSet)
		assert.Contains(t, h.events.types(), string(model.EventSessionStopped))
	})

	t.Run("stop while a frame is in flight does not commit", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)
		_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
		require.NoError(t, err)
		sess := h.svc.Current()

		// The fifth frame would qualify. Stop lands during its detection,
		// followed by a location sample that raced the stop.
		h.detector.onDetect = func(call int) {
			if call == 5 {
				assert.True(t, h.svc.Stop(context.Background()))
				sess.setLocation(school)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = h.svc.Stream(ctx, func([]byte) error { return nil })
		require.NoError(t, err)

		assert.Equal(t, int32(5), h.detector.calls.Load())
		h.repo.AssertNotCalled(t, "UpsertDaily", mock.Anything, mock.Anything)
		assert.False(t, h.svc.Status().AttendanceDone)
	})

	t.Run("second stream is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		first := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			var once sync.Once
			done <- h.svc.Stream(ctx, func([]byte) error {
				once.Do(func() { close(first) })
				return nil
			})
		}()
		<-first

		err := h.svc.Stream(context.Background(), func([]byte) error { return nil })
		assert.Equal(t, apperrors.ErrCodeStreamInUse, apperrors.GetCode(err))
		assert.Equal(t, model.SessionStateStreaming, h.svc.Status().State)

		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, model.SessionStateReady, h.svc.Status().State)
	})

	t.Run("requires a session", func(t *testing.T) {
		h := newHarness(t)
		err := h.svc.Stream(context.Background(), func([]byte) error { return nil })
		assert.Equal(t, apperrors.ErrCodeNoActiveSession, apperrors.GetCode(err))
	})

	t.Run("emit failure ends the stream quietly", func(t *testing.T) {
		h := newHarness(t)
		h.expectNotMarked()
		h.start(t)

		err := h.svc.Stream(context.Background(), func([]byte) error { return errors.New("broken pipe") })
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateReady, h.svc.Status().State)
	})
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.svc.Stop(context.Background()))

	h.expectNotMarked()
	h.start(t)
	assert.True(t, h.svc.Stop(context.Background()))

	_, err := h.svc.SetLocation(context.Background(), school.Lat, school.Lon)
	assert.Equal(t, apperrors.ErrCodeNoActiveSession, apperrors.GetCode(err))
	assert.Equal(t, model.SessionStateStopped, h.svc.Status().State)
}

func TestStopIfIdle(t *testing.T) {
	h := newHarness(t)
	h.expectNotMarked()
	h.start(t)

	h.clock.Advance(time.Minute)
	assert.False(t, h.svc.StopIfIdle(context.Background(), 5*time.Minute))

	h.clock.Advance(5 * time.Minute)
	assert.True(t, h.svc.StopIfIdle(context.Background(), 5*time.Minute))
	assert.False(t, h.opener.last().IsOpen())
	assert.Equal(t, model.SessionStateStopped, h.svc.Status().State)
}

func TestToday(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Today(context.Background())
	assert.Equal(t, apperrors.ErrCodeNoActiveSession, apperrors.GetCode(err))

	h.expectNotMarked()
	h.start(t)

	today, err := h.svc.Today(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEmail, today.TeacherEmail)
	assert.False(t, today.AttendanceMarked)
	assert.Nil(t, today.AttendanceData)
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	records := []model.AttendanceRecord{{Email: testEmail, Date: "2026-03-02", Time: "08:59:30"}}
	h.repo.On("ListByIdentity", mock.Anything, testEmail, 30).Return(records, nil)

	got, err := h.svc.History(context.Background(), "ASHA@school.test", 0)
	require.NoError(t, err)
	assert.Equal(t, records, got)

	_, err = h.svc.History(context.Background(), "", 10)
	assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
}
