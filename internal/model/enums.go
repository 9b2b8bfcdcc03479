package model

// SessionState is the lifecycle position of the verification session.
type SessionState string

const (
	SessionStateEmpty     SessionState = "empty"
	SessionStateLoading   SessionState = "loading"
	SessionStateReady     SessionState = "ready"
	SessionStateStreaming SessionState = "streaming"
	SessionStateCommitted SessionState = "committed"
	SessionStateStopped   SessionState = "stopped"
)

// Live reports whether the session holds a reference embedding and a camera.
func (s SessionState) Live() bool {
	switch s {
	case SessionStateReady, SessionStateStreaming, SessionStateCommitted:
		return true
	}
	return false
}

type StartStatus string

const (
	StartStatusReady         StartStatus = "ready"
	StartStatusAlreadyMarked StartStatus = "already_marked"
)

type UpsertAction string

const (
	UpsertActionCreated UpsertAction = "created"
	UpsertActionUpdated UpsertAction = "updated"
)

type VerificationEventType string

const (
	EventSessionStarted      VerificationEventType = "session_started"
	EventLocationUpdated     VerificationEventType = "location_updated"
	EventAttendanceCommitted VerificationEventType = "attendance_committed"
	EventCommitFailed        VerificationEventType = "commit_failed"
	EventSessionStopped      VerificationEventType = "session_stopped"
)
