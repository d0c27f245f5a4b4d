package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by every distance computation.
const EarthRadiusMeters = 6371000.0

// Point is a coordinate in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
}

// Valid reports whether p is a finite coordinate inside the WGS84 ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) || math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Distance returns the great-circle distance in meters using the haversine formula.
// NaN inputs propagate to the result.
func Distance(a, b Point) float64 {
	phi1 := a.Latitude * math.Pi / 180
	phi2 := b.Latitude * math.Pi / 180
	dPhi := (b.Latitude - a.Latitude) * math.Pi / 180
	dLambda := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// DistanceBetween is Distance for possibly absent coordinates. When either side is
// missing it returns the 0 sentinel with known=false; callers must not read a zero
// distance from absent data as co-located.
func DistanceBetween(a, b *Point) (meters float64, known bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return Distance(*a, *b), true
}
