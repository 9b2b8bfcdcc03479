package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
)

const (
	probeTimeout     = 5 * time.Second
	maxSnapshotBytes = 10 << 20
)

// SnapshotOpener opens an HTTP still-image camera, polling URL at FPS.
type SnapshotOpener struct {
	URL    string
	FPS    int
	Client *http.Client
}

func NewSnapshotOpener(url string, fps int) *SnapshotOpener {
	if fps < 1 {
		fps = 1
	}
	return &SnapshotOpener{
		URL:    url,
		FPS:    fps,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Open verifies that the camera answers with a decodable image before
// handing out a Source.
func (o *SnapshotOpener) Open(ctx context.Context) (Source, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if _, err := fetchSnapshot(probeCtx, o.Client, o.URL); err != nil {
		return nil, apperrors.Device(err)
	}

	srcCtx, srcCancel := context.WithCancel(context.Background())
	s := &snapshotSource{
		url:      o.URL,
		client:   o.Client,
		interval: time.Second / time.Duration(o.FPS),
		ctx:      srcCtx,
		cancel:   srcCancel,
	}
	s.open.Store(true)

	log.Info().Str("url", o.URL).Int("fps", o.FPS).Msg("Camera opened")
	return s, nil
}

type snapshotSource struct {
	url      string
	client   *http.Client
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	open   atomic.Bool

	mu       sync.Mutex // serializes Read
	seq      uint64
	lastRead time.Time
}

func (s *snapshotSource) IsOpen() bool {
	return s.open.Load()
}

func (s *snapshotSource) Close() error {
	if s.open.CompareAndSwap(true, false) {
		s.cancel()
		log.Info().Str("url", s.url).Msg("Camera released")
	}
	return nil
}

func (s *snapshotSource) Read(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsOpen() {
		return nil, ErrClosed
	}

	if wait := s.interval - time.Since(s.lastRead); wait > 0 && !s.lastRead.IsZero() {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return nil, ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	s.lastRead = time.Now()

	reqCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	img, err := fetchSnapshot(reqCtx, s.client, s.url)
	if !s.IsOpen() {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}

	s.seq++
	return &Frame{Seq: s.seq, Timestamp: s.lastRead, Image: img}, nil
}

func fetchSnapshot(ctx context.Context, client *http.Client, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return img, nil
}
