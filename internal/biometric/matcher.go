// Package biometric turns images into face embeddings and decides whether a
// frame contains the enrolled face.
package biometric

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
)

// Embedding is a face feature vector produced by the detector.
type Embedding []float32

// Face is one detection. Box is in the pixel space of the image that was
// submitted to the detector.
type Face struct {
	Embedding Embedding
	Box       image.Rectangle
	Score     float64
}

// Detector finds faces in an encoded image and returns their embeddings in
// detector order.
type Detector interface {
	DetectFaces(ctx context.Context, imageData []byte) ([]Face, error)
}

type Metric string

const (
	MetricEuclidean Metric = "euclidean"
	MetricCosine    Metric = "cosine"
)

func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricEuclidean, "":
		return MetricEuclidean, nil
	case MetricCosine:
		return MetricCosine, nil
	}
	return "", apperrors.InvalidInput("metric", "must be euclidean or cosine")
}

// Distance between two embeddings. Vectors of different length, or a zero
// vector under the cosine metric, are infinitely far apart.
func (m Metric) Distance(a, b Embedding) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}
	if m == MetricCosine {
		return cosineDistance(a, b)
	}
	return euclideanDistance(a, b)
}

func euclideanDistance(a, b Embedding) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineDistance(a, b Embedding) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.Inf(1)
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// MatchResult is the typed outcome of comparing a frame to the reference.
// FaceIndex is -1 when nothing matched; Distance is then the closest face
// seen, or +Inf for an empty frame.
type MatchResult struct {
	Matched   bool
	FaceIndex int
	Distance  float64
}

// MatchFrame reports whether any detected face lies within tolerance of
// reference. The first face in detector order that qualifies wins.
func MatchFrame(faces []Face, reference Embedding, tolerance float64, metric Metric) MatchResult {
	res := MatchResult{FaceIndex: -1, Distance: math.Inf(1)}
	for i, f := range faces {
		d := metric.Distance(f.Embedding, reference)
		if d <= tolerance {
			return MatchResult{Matched: true, FaceIndex: i, Distance: d}
		}
		if d < res.Distance {
			res.Distance = d
		}
	}
	return res
}

// Matcher binds a detector to a tolerance and metric.
type Matcher struct {
	detector  Detector
	tolerance float64
	metric    Metric
}

func NewMatcher(detector Detector, tolerance float64, metric Metric) *Matcher {
	return &Matcher{detector: detector, tolerance: tolerance, metric: metric}
}

func (m *Matcher) Detector() Detector {
	return m.detector
}

// LoadReference extracts the enrollment embedding from imageData. The first
// detected face is used.
func (m *Matcher) LoadReference(ctx context.Context, imageData []byte) (Embedding, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(imageData)); err != nil {
		return nil, apperrors.ImageDecode(err)
	}

	faces, err := m.detector.DetectFaces(ctx, imageData)
	if err != nil {
		return nil, apperrors.External("face embedding service", err)
	}
	if len(faces) == 0 || len(faces[0].Embedding) == 0 {
		return nil, apperrors.NoFaceDetected()
	}

	ref := make(Embedding, len(faces[0].Embedding))
	copy(ref, faces[0].Embedding)
	return ref, nil
}

func (m *Matcher) Match(faces []Face, reference Embedding) MatchResult {
	return MatchFrame(faces, reference, m.tolerance, m.metric)
}
