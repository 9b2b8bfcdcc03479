// Package geo evaluates location samples against a circular geofence.
package geo

import (
	"fmt"
	"math"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
)

// WGS-84 ellipsoid
const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563
	wgs84B = wgs84A * (1 - wgs84F)

	meanEarthRadius = 6371008.8

	vincentyMaxIterations = 200
	vincentyTolerance     = 1e-12
)

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Validate fails with INVALID_COORDINATE for non-finite or out-of-range values.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) {
		return apperrors.InvalidCoordinate("latitude is not a finite number")
	}
	if math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) {
		return apperrors.InvalidCoordinate("longitude is not a finite number")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return apperrors.InvalidCoordinate(fmt.Sprintf("latitude %v outside [-90, 90]", p.Lat))
	}
	if p.Lon < -180 || p.Lon > 180 {
		return apperrors.InvalidCoordinate(fmt.Sprintf("longitude %v outside [-180, 180]", p.Lon))
	}
	return nil
}

// Result is the outcome of evaluating one sample. Known is false when no
// sample was available, in which case DistanceMeters is meaningless.
type Result struct {
	DistanceMeters float64
	Known          bool
	WithinRange    bool
}

// Gate is a fixed-radius geofence around Center.
type Gate struct {
	Center       Point
	RadiusMeters float64
}

func NewGate(center Point, radiusMeters float64) (*Gate, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if !(radiusMeters > 0) || math.IsInf(radiusMeters, 0) {
		return nil, apperrors.InvalidInput("radius", "must be a positive number of meters")
	}
	return &Gate{Center: center, RadiusMeters: radiusMeters}, nil
}

// Evaluate reports the distance from the gate center to sample and whether it
// lies inside the fence. A nil sample is never within range.
func (g *Gate) Evaluate(sample *Point) (Result, error) {
	if sample == nil {
		return Result{}, nil
	}

	d, err := Distance(g.Center, *sample)
	if err != nil {
		return Result{}, err
	}

	return Result{
		DistanceMeters: d,
		Known:          true,
		WithinRange:    d <= g.RadiusMeters,
	}, nil
}

// Distance returns the geodesic distance in meters between a and b on the
// WGS-84 ellipsoid. Near-antipodal pairs where the ellipsoidal iteration does
// not converge fall back to the great-circle distance.
func Distance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	if d, ok := vincenty(a, b); ok {
		return d, nil
	}
	return haversine(a, b), nil
}

func vincenty(p1, p2 Point) (float64, bool) {
	L := radians(p2.Lon - p1.Lon)
	U1 := math.Atan((1 - wgs84F) * math.Tan(radians(p1.Lat)))
	U2 := math.Atan((1 - wgs84F) * math.Tan(radians(p2.Lat)))
	sinU1, cosU1 := math.Sincos(U1)
	sinU2, cosU2 := math.Sincos(U2)

	lambda := L
	for i := 0; i < vincentyMaxIterations; i++ {
		sinLambda, cosLambda := math.Sincos(lambda)

		t1 := cosU2 * sinLambda
		t2 := cosU1*sinU2 - sinU1*cosU2*cosLambda
		sinSigma := math.Sqrt(t1*t1 + t2*t2)
		if sinSigma == 0 {
			return 0, true
		}
		cosSigma := sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma := math.Atan2(sinSigma, cosSigma)

		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cosSqAlpha := 1 - sinAlpha*sinAlpha

		// equatorial line
		cos2SigmaM := 0.0
		if cosSqAlpha != 0 {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cosSqAlpha
		}

		C := wgs84F / 16 * cosSqAlpha * (4 + wgs84F*(4-3*cosSqAlpha))
		prev := lambda
		lambda = L + (1-C)*wgs84F*sinAlpha*
			(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))

		if math.Abs(lambda-prev) < vincentyTolerance {
			uSq := cosSqAlpha * (wgs84A*wgs84A - wgs84B*wgs84B) / (wgs84B * wgs84B)
			A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
			B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
			deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
				B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))
			return wgs84B * A * (sigma - deltaSigma), true
		}
	}
	return 0, false
}

func haversine(a, b Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * meanEarthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
