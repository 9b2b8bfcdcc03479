package handler

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/geoface/attendance-server-go/internal/config"
	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/model"
	"github.com/geoface/attendance-server-go/internal/util"
)

// Verifier is the verification session as seen by the HTTP layer.
type Verifier interface {
	Start(ctx context.Context, identity, imageURL string) (*model.StartResult, error)
	SetLocation(ctx context.Context, lat, lon float64) (*model.LocationResult, error)
	Status() model.SessionStatus
	Today(ctx context.Context) (*model.TodayStatus, error)
	Stop(ctx context.Context) bool
	Stream(ctx context.Context, emit func(jpeg []byte) error) error
	History(ctx context.Context, identity string, limit int) ([]model.AttendanceRecord, error)
}

type VerificationHandler struct {
	svc Verifier
}

func NewVerificationHandler(svc Verifier) *VerificationHandler {
	return &VerificationHandler{svc: svc}
}

// MountControl registers the routes that change session state.
func (h *VerificationHandler) MountControl(r chi.Router) {
	r.Post("/start_verification", h.StartVerification)
	r.Post("/set_location", h.SetLocation)
	r.Get("/send_location", h.SendLocation)
	r.Post("/stop_verification", h.StopVerification)
}

func (h *VerificationHandler) MountQuery(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/check_attendance_status", h.CheckAttendanceStatus)
	r.Get("/attendance/{identity}", h.History)
}

type startRequest struct {
	Email    string `json:"email" validate:"required,email"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url"`
}

func (h *VerificationHandler) StartVerification(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	req.Email = util.NormalizeIdentity(req.Email)
	if err := validateRequest(&req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Start(r.Context(), req.Email, req.ImageURL)
	if err != nil {
		if apperrors.IsEnrollmentError(err) {
			log.Info().Err(err).Str("identity", req.Email).Msg("enrollment image rejected")
		} else {
			log.Warn().Err(err).Str("identity", req.Email).Msg("start verification failed")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

var errNotANumber = errors.New("coordinate is not a number")

// coordinate accepts a JSON number or a numeric string.
type coordinate float64

func (c *coordinate) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*c = coordinate(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errNotANumber
	}
	f, ok := util.ParseFloatParam(s)
	if !ok {
		return errNotANumber
	}
	*c = coordinate(f)
	return nil
}

type locationRequest struct {
	Latitude  *coordinate `json:"latitude" validate:"required"`
	Longitude *coordinate `json:"longitude" validate:"required"`
}

func (h *VerificationHandler) SetLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, errNotANumber) {
			writeError(w, apperrors.InvalidCoordinate("latitude and longitude must be numbers"))
			return
		}
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, err)
		return
	}

	h.setLocation(w, r, float64(*req.Latitude), float64(*req.Longitude))
}

// SendLocation takes a sample from a GPS device as query parameters.
func (h *VerificationHandler) SendLocation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lon") == "" {
		writeError(w, apperrors.MissingRequired("lat and lon"))
		return
	}

	lat, okLat := util.ParseFloatParam(q.Get("lat"))
	lon, okLon := util.ParseFloatParam(q.Get("lon"))
	if !okLat || !okLon {
		writeError(w, apperrors.InvalidCoordinate("lat and lon must be numbers"))
		return
	}

	h.setLocation(w, r, lat, lon)
}

func (h *VerificationHandler) setLocation(w http.ResponseWriter, r *http.Request, lat, lon float64) {
	res, err := h.svc.SetLocation(r.Context(), lat, lon)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *VerificationHandler) StopVerification(w http.ResponseWriter, r *http.Request) {
	stopped := h.svc.Stop(r.Context())

	message := "System stopped"
	if !stopped {
		message = "No active session"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "stopped",
		"message": message,
	})
}

func (h *VerificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *VerificationHandler) CheckAttendanceStatus(w http.ResponseWriter, r *http.Request) {
	today, err := h.svc.Today(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, today)
}

func (h *VerificationHandler) History(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, apperrors.InvalidInput("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := h.svc.History(r.Context(), identity, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email":      util.NormalizeIdentity(identity),
		"attendance": records,
	})
}

// VideoFeed streams annotated frames as multipart/x-mixed-replace. Errors
// raised before the first frame are returned as JSON.
func (h *VerificationHandler) VideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(config.FrameBoundary); err != nil {
		writeError(w, apperrors.Internal("invalid frame boundary"))
		return
	}

	started := false
	err := h.svc.Stream(r.Context(), func(frame []byte) error {
		if !started {
			w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+config.FrameBoundary)
			w.Header().Set("Cache-Control", "no-cache, no-store")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame))},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if err != nil && !started {
		writeError(w, err)
		return
	}
	if err != nil {
		log.Debug().Err(err).Msg("video feed ended")
	}
}

// Home lists the available routes.
func Home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "geofenced face attendance",
		"endpoints": []string{
			"POST /start_verification",
			"POST /set_location",
			"GET /send_location?lat=&lon=",
			"GET /video_feed",
			"GET /status",
			"GET /check_attendance_status",
			"POST /stop_verification",
			"GET /attendance/{identity}?limit=",
			"GET /events?identity=",
			"GET /health",
			"GET /metrics",
		},
	})
}
