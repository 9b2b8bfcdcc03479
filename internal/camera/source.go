// Package camera provides pull-based frame sources with an explicit
// open/closed lifecycle.
package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrClosed is returned by Read once the source has been closed, including
// when Close happens while a Read is blocked.
var ErrClosed = errors.New("camera: source closed")

type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// Source yields frames until closed. Read errors other than ErrClosed are
// transient and the caller may retry. Close is idempotent and safe to call
// concurrently with Read.
type Source interface {
	Read(ctx context.Context) (*Frame, error)
	IsOpen() bool
	Close() error
}

// Opener acquires the camera. It fails with DEVICE_ERROR when the device is
// unavailable.
type Opener interface {
	Open(ctx context.Context) (Source, error)
}
