package model

import (
	"encoding/json"
	"time"
)

type StartResult struct {
	Status         StartStatus `json:"status"`
	Message        string      `json:"message"`
	SessionID      string      `json:"sessionId,omitempty"`
	AttendanceTime string      `json:"attendance_time,omitempty"`
}

type LocationResult struct {
	Status             string  `json:"status"`
	Message            string  `json:"message"`
	DistanceFromSchool float64 `json:"distance_from_school"`
	WithinRange        bool    `json:"within_range"`
}

// SessionStatus is a point-in-time snapshot of the verification session.
// DistanceFromSchool is nil until a location sample exists.
type SessionStatus struct {
	SessionID          string       `json:"sessionId,omitempty"`
	State              SessionState `json:"state"`
	TeacherEmail       string       `json:"teacher_email,omitempty"`
	FaceLoaded         bool         `json:"face_loaded"`
	LocationSet        bool         `json:"location_set"`
	DistanceFromSchool *float64     `json:"distance_from_school"`
	WithinSchoolRange  bool         `json:"within_school_range"`
	AttendanceDone     bool         `json:"attendance_done"`
	AttendanceTime     string       `json:"attendance_time,omitempty"`
	ConsecutiveMatches int          `json:"consecutive_matches"`
	RequiredMatches    int          `json:"required_matches"`
	LastError          string       `json:"last_error,omitempty"`
	LastErrorCode      string       `json:"last_error_code,omitempty"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
}

// TodayStatus answers whether the current identity already has today's entry.
type TodayStatus struct {
	TeacherEmail     string            `json:"teacher_email"`
	AttendanceMarked bool              `json:"attendance_marked"`
	AttendanceData   *AttendanceRecord `json:"attendance_data"`
}

// VerificationEvent is published on the identity's event channel.
type VerificationEvent struct {
	Type      VerificationEventType `json:"type"`
	SessionID string                `json:"sessionId"`
	Identity  string                `json:"identity"`
	Data      map[string]any        `json:"data,omitempty"`
	At        time.Time             `json:"at"`
}

// ToSSEEventData returns JSON data for SSE events
func (e *VerificationEvent) ToSSEEventData() json.RawMessage {
	data, _ := json.Marshal(e)
	return data
}
