// Package metrics holds the Prometheus instrumentation of the verification
// loop, attendance commits and the embedding service breaker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Commit outcomes
const (
	CommitCreated  = "created"
	CommitUpdated  = "updated"
	CommitNotFound = "not_found"
	CommitFailed   = "failed"
)

var (
	FramesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_frames_processed_total",
			Help: "Frames run through detection, by combined face and location result",
		},
		[]string{"result"}, // "match", "nomatch"
	)

	FrameAcquireErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_frame_acquire_errors_total",
			Help: "Frame reads that failed and were retried",
		},
	)

	FrameProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attendance_frame_processing_seconds",
			Help:    "Time from frame acquisition to emitted JPEG",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_commits_total",
			Help: "Attendance upsert attempts by outcome",
		},
		[]string{"outcome"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_sessions_active",
			Help: "1 while a verification session holds a reference embedding",
		},
	)

	EmbeddingBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_embedding_breaker_state",
			Help: "Embedding service circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// RecordFrame observes one processed frame.
func RecordFrame(matched bool, elapsed time.Duration) {
	result := "nomatch"
	if matched {
		result = "match"
	}
	FramesProcessed.WithLabelValues(result).Inc()
	FrameProcessingDuration.Observe(elapsed.Seconds())
}

func RecordCommit(outcome string) {
	Commits.WithLabelValues(outcome).Inc()
}

func SetSessionActive(active bool) {
	if active {
		SessionsActive.Set(1)
		return
	}
	SessionsActive.Set(0)
}
