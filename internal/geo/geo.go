package geo

import (
	"math"

	"github.com/example/courier-matching/internal/models"
)

const earthRadiusKm = 6371.0

// Distance returns the great-circle (haversine) distance in kilometers.
func Distance(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// PointToSegmentDistance returns the distance in kilometers from p to the
// nearest point of the segment [a, b]. The projection is planar (longitude
// scaled by the cosine of the mean latitude), which is a fair approximation
// at city/region scale; the final leg is measured geodesically so a
// zero-length segment degenerates to Distance(p, a).
func PointToSegmentDistance(p, a, b models.Coord) float64 {
	t := SegmentProgress(p, a, b)
	nearest := models.Coord{
		Lat: a.Lat + t*(b.Lat-a.Lat),
		Lon: a.Lon + t*(b.Lon-a.Lon),
	}
	return Distance(p, nearest)
}

// SegmentProgress returns the projection parameter t of p onto [a, b],
// clamped to [0, 1]. t orders pickup before drop-off along a corridor. A
// zero-length segment yields 0.
func SegmentProgress(p, a, b models.Coord) float64 {
	meanLat := toRad((a.Lat + b.Lat) / 2)
	scale := math.Cos(meanLat)

	ax, ay := a.Lon*scale, a.Lat
	bx, by := b.Lon*scale, b.Lat
	px, py := p.Lon*scale, p.Lat

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return 0
	}
	t := ((px-ax)*dx + (py-ay)*dy) / lenSq
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// WindowsOverlap reports whether two inclusive intervals intersect.
func WindowsOverlap(s1, e1, s2, e2 int64) bool {
	return s1 <= e2 && s2 <= e1
}

// OverlapMinutes returns the size of the intersection of two windows in whole
// minutes, 0 when they do not overlap. Inputs are epoch milliseconds.
func OverlapMinutes(s1, e1, s2, e2 int64) int {
	if !WindowsOverlap(s1, e1, s2, e2) {
		return 0
	}
	lo := s1
	if s2 > lo {
		lo = s2
	}
	hi := e1
	if e2 < hi {
		hi = e2
	}
	return int((hi - lo) / 60000)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
