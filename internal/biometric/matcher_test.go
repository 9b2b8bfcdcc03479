package biometric

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
)

type stubDetector struct {
	faces []Face
	err   error
	calls int
}

func (s *stubDetector) DetectFaces(_ context.Context, _ []byte) ([]Face, error) {
	s.calls++
	return s.faces, s.err
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestMetricDistance(t *testing.T) {
	a := Embedding{1, 0, 0}
	b := Embedding{0, 1, 0}

	assert.InDelta(t, math.Sqrt2, MetricEuclidean.Distance(a, b), 1e-9)
	assert.InDelta(t, 1.0, MetricCosine.Distance(a, b), 1e-9)
	assert.InDelta(t, 0.0, MetricCosine.Distance(a, Embedding{3, 0, 0}), 1e-9)
	assert.Equal(t, 0.0, MetricEuclidean.Distance(a, a))

	t.Run("length mismatch never matches", func(t *testing.T) {
		assert.True(t, math.IsInf(MetricEuclidean.Distance(a, Embedding{1, 0}), 1))
	})

	t.Run("zero vector under cosine never matches", func(t *testing.T) {
		assert.True(t, math.IsInf(MetricCosine.Distance(a, Embedding{0, 0, 0}), 1))
	})
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	m, err = ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricEuclidean, m)

	_, err = ParseMetric("hamming")
	assert.Error(t, err)
}

func TestMatchFrame(t *testing.T) {
	ref := Embedding{0.1, 0.2, 0.3}

	t.Run("zero faces never match", func(t *testing.T) {
		res := MatchFrame(nil, ref, 0.6, MetricEuclidean)
		assert.False(t, res.Matched)
		assert.Equal(t, -1, res.FaceIndex)
		assert.True(t, math.IsInf(res.Distance, 1))
	})

	t.Run("any face within tolerance matches", func(t *testing.T) {
		faces := []Face{
			{Embedding: Embedding{5, 5, 5}},
			{Embedding: Embedding{0.1, 0.2, 0.35}},
		}
		res := MatchFrame(faces, ref, 0.6, MetricEuclidean)
		assert.True(t, res.Matched)
		assert.Equal(t, 1, res.FaceIndex)
		assert.InDelta(t, 0.05, res.Distance, 1e-6)
	})

	t.Run("first qualifying face wins", func(t *testing.T) {
		faces := []Face{
			{Embedding: Embedding{0.1, 0.2, 0.5}},
			{Embedding: Embedding{0.1, 0.2, 0.3}},
		}
		res := MatchFrame(faces, ref, 0.6, MetricEuclidean)
		assert.Equal(t, 0, res.FaceIndex)
	})

	t.Run("distance equal to tolerance matches", func(t *testing.T) {
		faces := []Face{{Embedding: Embedding{0.1, 0.2, 0.8}}}
		res := MatchFrame(faces, ref, MetricEuclidean.Distance(faces[0].Embedding, ref), MetricEuclidean)
		assert.True(t, res.Matched)
	})

	t.Run("reports closest distance when nothing matches", func(t *testing.T) {
		faces := []Face{
			{Embedding: Embedding{2.1, 0.2, 0.3}},
			{Embedding: Embedding{1.1, 0.2, 0.3}},
		}
		res := MatchFrame(faces, ref, 0.6, MetricEuclidean)
		assert.False(t, res.Matched)
		assert.InDelta(t, 1.0, res.Distance, 1e-6)
	})

	t.Run("is deterministic for fixed input", func(t *testing.T) {
		faces := []Face{{Embedding: Embedding{0.1, 0.2, 0.31}}, {Embedding: Embedding{0.1, 0.2, 0.3}}}
		first := MatchFrame(faces, ref, 0.6, MetricEuclidean)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, MatchFrame(faces, ref, 0.6, MetricEuclidean))
		}
	})
}

func TestMatcher_LoadReference(t *testing.T) {
	ctx := context.Background()

	t.Run("returns a copy of the first face embedding", func(t *testing.T) {
		emb := Embedding{1, 2, 3}
		det := &stubDetector{faces: []Face{{Embedding: emb}, {Embedding: Embedding{9, 9, 9}}}}
		m := NewMatcher(det, 0.6, MetricEuclidean)

		ref, err := m.LoadReference(ctx, testJPEG(t))
		require.NoError(t, err)
		assert.Equal(t, Embedding{1, 2, 3}, ref)

		emb[0] = 42
		assert.Equal(t, float32(1), ref[0])
	})

	t.Run("undecodable bytes fail before detection", func(t *testing.T) {
		det := &stubDetector{}
		m := NewMatcher(det, 0.6, MetricEuclidean)

		_, err := m.LoadReference(ctx, []byte("<html>not an image</html>"))
		assert.Equal(t, apperrors.ErrCodeImageDecode, apperrors.GetCode(err))
		assert.Equal(t, 0, det.calls)
	})

	t.Run("no face detected", func(t *testing.T) {
		m := NewMatcher(&stubDetector{}, 0.6, MetricEuclidean)
		_, err := m.LoadReference(ctx, testJPEG(t))
		assert.Equal(t, apperrors.ErrCodeNoFaceDetected, apperrors.GetCode(err))
	})

	t.Run("detector failure is an external error", func(t *testing.T) {
		m := NewMatcher(&stubDetector{err: errors.New("boom")}, 0.6, MetricEuclidean)
		_, err := m.LoadReference(ctx, testJPEG(t))
		assert.Equal(t, apperrors.ErrCodeExternal, apperrors.GetCode(err))
	})
}
