package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// IdleStopper stops the verification session once it has sat idle too long.
type IdleStopper interface {
	StopIfIdle(ctx context.Context, maxIdle time.Duration) bool
}

// SessionWatchdog releases the camera held by a session that was started but
// never streamed.
type SessionWatchdog struct {
	sessions IdleStopper
	maxIdle  time.Duration
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

func NewSessionWatchdog(sessions IdleStopper, maxIdle, interval time.Duration) *SessionWatchdog {
	return &SessionWatchdog{
		sessions: sessions,
		maxIdle:  maxIdle,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *SessionWatchdog) Start() {
	if j.maxIdle <= 0 {
		log.Info().Msg("session watchdog disabled")
		return
	}
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("maxIdle", j.maxIdle).
		Msg("session watchdog started")
}

func (j *SessionWatchdog) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		log.Info().Msg("session watchdog stopped")
	})
}

func (j *SessionWatchdog) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.check()
		}
	}
}

func (j *SessionWatchdog) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if j.sessions.StopIfIdle(ctx, j.maxIdle) {
		log.Info().Dur("maxIdle", j.maxIdle).Msg("released idle verification session")
	}
}
