// Package geofence decides whether a coordinate lies inside a classroom
// polygon. It is pure: no state, no I/O, deterministic for identical input.
package geofence

import (
	"fmt"
	"math"
)

// RequiredVertices is the number of corners a classroom polygon carries.
// Locations are registered as quadrilaterals.
const RequiredVertices = 4

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// InvalidInputError reports malformed coordinates or polygons. Callers map it
// onto their own validation error kind.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "geofence: " + e.Reason
}

func validPoint(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Contains reports whether p falls inside the polygon using even-odd ray
// casting: a horizontal ray from p toward +infinity longitude, counting edge
// crossings. Edges with equal latitude at both endpoints are skipped to avoid
// a zero divisor, which leaves points exactly on a horizontal edge ambiguous.
func Contains(p Point, polygon []Point) (bool, error) {
	if !validPoint(p) {
		return false, &InvalidInputError{Reason: fmt.Sprintf("invalid coordinate (%v, %v)", p.Lat, p.Lon)}
	}
	if len(polygon) < 3 {
		return false, &InvalidInputError{Reason: fmt.Sprintf("polygon needs at least 3 vertices, got %d", len(polygon))}
	}
	for i, v := range polygon {
		if !validPoint(v) {
			return false, &InvalidInputError{Reason: fmt.Sprintf("invalid vertex at index %d", i)}
		}
	}

	inside := false
	for i, j := 0, len(polygon)-1; i < len(polygon); j, i = i, i+1 {
		vi, vj := polygon[i], polygon[j]
		if vi.Lat == vj.Lat {
			continue
		}
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) &&
			p.Lon < (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lon {
			inside = !inside
		}
	}
	return inside, nil
}

// ContainsQuad is Contains with the registered-shape constraint enforced:
// the polygon must have exactly RequiredVertices corners.
func ContainsQuad(p Point, polygon []Point) (bool, error) {
	if len(polygon) != RequiredVertices {
		return false, &InvalidInputError{Reason: fmt.Sprintf("classroom must have exactly %d corners, got %d", RequiredVertices, len(polygon))}
	}
	return Contains(p, polygon)
}
