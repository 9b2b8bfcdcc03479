package biometric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
)

// MaxEnrollmentImageBytes caps the enrollment download.
const MaxEnrollmentImageBytes = 20 << 20

// ImageFetcher downloads enrollment images with a bounded timeout.
type ImageFetcher struct {
	client  *http.Client
	timeout time.Duration
}

func NewImageFetcher(timeout time.Duration) *ImageFetcher {
	return &ImageFetcher{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Fetch returns the body of rawURL. Transport failures, timeouts, non-2xx
// responses and oversized bodies all fail with FETCH_ERROR.
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperrors.InvalidInput("imageUrl", "must be an absolute http(s) URL")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperrors.FetchFailed(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.FetchFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.FetchFailed(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxEnrollmentImageBytes+1))
	if err != nil {
		return nil, apperrors.FetchFailed(err)
	}
	if len(data) > MaxEnrollmentImageBytes {
		return nil, apperrors.FetchFailed(fmt.Errorf("image larger than %d bytes", MaxEnrollmentImageBytes))
	}

	return data, nil
}
