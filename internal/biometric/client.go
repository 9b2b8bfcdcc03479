package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/geoface/attendance-server-go/internal/metrics"
)

const (
	defaultEmbeddingURL = "http://localhost:8000"
	faceEndpoint        = "/embed/face"
	breakerName         = "embedding-service"
)

// ErrServiceUnavailable is returned while the circuit breaker is open.
var ErrServiceUnavailable = errors.New("embedding service unavailable")

// EmbeddingClient calls the face embedding server. Requests go through a
// circuit breaker so a dead server costs one fast failure per frame instead
// of a full request timeout.
type EmbeddingClient struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[[]Face]
}

type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

func NewEmbeddingClient(baseURL string, timeout time.Duration) *EmbeddingClient {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}

	metrics.EmbeddingBreakerState.Set(0)

	cb := gobreaker.NewCircuitBreaker[[]Face](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			metrics.EmbeddingBreakerState.Set(stateToFloat(to))
		},
	})

	return &EmbeddingClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cb:      cb,
	}
}

// DetectFaces implements Detector.
func (c *EmbeddingClient) DetectFaces(ctx context.Context, imageData []byte) ([]Face, error) {
	faces, err := c.cb.Execute(func() ([]Face, error) {
		return c.detect(ctx, imageData)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return faces, err
}

func (c *EmbeddingClient) detect(ctx context.Context, imageData []byte) ([]Face, error) {
	body, err := c.postMultipartImage(ctx, faceEndpoint, imageData)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	faces := make([]Face, 0, len(resp.Faces))
	for _, d := range resp.Faces {
		faces = append(faces, Face{
			Embedding: Embedding(d.Embedding),
			Box:       bboxToRect(d.BBox),
			Score:     d.DetScore,
		})
	}
	return faces, nil
}

func (c *EmbeddingClient) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", http.DetectContentType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func bboxToRect(b []float64) image.Rectangle {
	if len(b) < 4 {
		return image.Rectangle{}
	}
	return image.Rect(
		int(math.Round(b[0])), int(math.Round(b[1])),
		int(math.Round(b[2])), int(math.Round(b[3])),
	)
}

// breakerSuccess does not count a cancelled caller against the service.
func breakerSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
