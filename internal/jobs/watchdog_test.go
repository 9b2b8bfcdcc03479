package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeStopper struct {
	calls   atomic.Int32
	maxIdle atomic.Int64
	stop    bool
}

func (f *fakeStopper) StopIfIdle(ctx context.Context, maxIdle time.Duration) bool {
	f.calls.Add(1)
	f.maxIdle.Store(int64(maxIdle))
	return f.stop
}

func TestSessionWatchdog(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewSessionWatchdog(&fakeStopper{}, 5*time.Minute, 30*time.Second)

		assert.NotNil(t, job)
		assert.Equal(t, 30*time.Second, job.interval)
		assert.Equal(t, 5*time.Minute, job.maxIdle)
	})

	t.Run("checks on every tick", func(t *testing.T) {
		stopper := &fakeStopper{stop: true}
		job := NewSessionWatchdog(stopper, time.Minute, 10*time.Millisecond)

		job.Start()
		assert.Eventually(t, func() bool { return stopper.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
		job.Stop()

		assert.Equal(t, int64(time.Minute), stopper.maxIdle.Load())
	})

	t.Run("disabled when max idle is zero", func(t *testing.T) {
		stopper := &fakeStopper{}
		job := NewSessionWatchdog(stopper, 0, time.Millisecond)

		job.Start()
		time.Sleep(20 * time.Millisecond)
		job.Stop()

		assert.Zero(t, stopper.calls.Load())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		job := NewSessionWatchdog(&fakeStopper{}, time.Minute, time.Hour)
		job.Start()
		job.Stop()
		assert.NotPanics(t, job.Stop)
	})
}
