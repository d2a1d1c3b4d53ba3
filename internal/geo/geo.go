package geo

import "fmt"

// DefaultAccuracyThreshold is the GPS accuracy gate in meters
const DefaultAccuracyThreshold = 50.0

// Point is a WGS84 coordinate
type Point struct {
	Lng float64
	Lat float64
}

// Polygon is an ordered ring of vertices; the closing edge from the last
// vertex back to the first is implicit
type Polygon []Point

// FromPairs builds a Polygon from [lng, lat] vertex pairs
func FromPairs(pairs [][2]float64) Polygon {
	if len(pairs) == 0 {
		return nil
	}
	poly := make(Polygon, len(pairs))
	for i, p := range pairs {
		poly[i] = Point{Lng: p[0], Lat: p[1]}
	}
	return poly
}

// PointInPolygon reports whether p lies inside poly using even-odd ray
// casting. Points exactly on an edge are not guaranteed a consistent
// inside/outside answer.
func PointInPolygon(p Point, poly Polygon) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := poly[i].Lng, poly[i].Lat
		xj, yj := poly[j].Lng, poly[j].Lat

		if ((yi > p.Lat) != (yj > p.Lat)) &&
			(p.Lng < (xj-xi)*(p.Lat-yi)/(yj-yi)+xi) {
			inside = !inside
		}
	}
	return inside
}

// Result is the outcome of validating a captured position against an
// assignment's target area and the accuracy gate
type Result struct {
	LocationValid bool
	AccuracyValid bool
	Valid         bool
	Message       string
}

// Validate applies the geofence and accuracy gates. An empty area means the
// location is unconstrained. A nil accuracy is treated as failing the gate.
// When both gates fail, the accuracy message wins: imprecise positioning
// explains the area result.
func Validate(lat, lng float64, accuracy *float64, area Polygon, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultAccuracyThreshold
	}

	res := Result{LocationValid: true, Message: "Location is valid"}

	if len(area) > 0 {
		res.LocationValid = PointInPolygon(Point{Lng: lng, Lat: lat}, area)
		if !res.LocationValid {
			res.Message = "You are outside the assigned survey area"
		}
	}

	res.AccuracyValid = accuracy != nil && *accuracy <= threshold
	if !res.AccuracyValid {
		if accuracy != nil {
			res.Message = fmt.Sprintf("Imprecise GPS (±%.0fm). Move to an open area.", *accuracy)
		} else {
			res.Message = "GPS accuracy is not available"
		}
	}

	res.Valid = res.LocationValid && res.AccuracyValid
	return res
}
