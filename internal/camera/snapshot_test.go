package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
)

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestSnapshotOpener_Open(t *testing.T) {
	t.Run("unreachable camera is a device error", func(t *testing.T) {
		o := NewSnapshotOpener("http://127.0.0.1:1/snapshot.jpg", 10)
		_, err := o.Open(context.Background())
		assert.Equal(t, apperrors.ErrCodeDevice, apperrors.GetCode(err))
	})

	t.Run("non-image response is a device error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("camera booting"))
		}))
		defer srv.Close()

		_, err := NewSnapshotOpener(srv.URL, 10).Open(context.Background())
		assert.Equal(t, apperrors.ErrCodeDevice, apperrors.GetCode(err))
	})
}

func TestSnapshotSource_Read(t *testing.T) {
	frame := jpegBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer srv.Close()

	src, err := NewSnapshotOpener(srv.URL, 50).Open(context.Background())
	require.NoError(t, err)
	defer src.Close()

	assert.True(t, src.IsOpen())

	f1, err := src.Read(context.Background())
	require.NoError(t, err)
	f2, err := src.Read(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), f1.Seq)
	assert.Equal(t, uint64(2), f2.Seq)
	assert.Equal(t, 8, f1.Image.Bounds().Dx())
	assert.False(t, f2.Timestamp.Before(f1.Timestamp))

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.False(t, src.IsOpen())

	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSnapshotSource_CloseDuringRead(t *testing.T) {
	frame := jpegBytes(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// first call is the open probe; later calls hang until the client goes away
		if calls.Add(1) == 1 {
			w.Write(frame)
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	src, err := NewSnapshotOpener(srv.URL, 10).Open(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := src.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
}
