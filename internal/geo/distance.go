// Package geo provides the geographic distance model used to rank edge
// servers by their network proximity to a client.
package geo

import "math"

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371.0

// Coordinate is a geographic position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within the usual
// latitude/longitude bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Distance returns the great-circle distance between a and b in kilometres,
// computed with the haversine formula. It is symmetric and returns 0 for
// identical coordinates.
func Distance(a, b Coordinate) float64 {
	lat1 := radians(a.Lat)
	lon1 := radians(a.Lon)
	lat2 := radians(b.Lat)
	lon2 := radians(b.Lon)

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	h := math.Pow(math.Sin(dlat/2), 2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)
	// Rounding can push h marginally above 1 for near-antipodal pairs,
	// which would make Sqrt(1-h) NaN.
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
