// Package geometry re-projects annotation polygons into patch-local coordinates.
package geometry

import (
	"image"
	"math"
)

// Vertex is a polygon point in pixel coordinates.
type Vertex struct {
	X float64
	Y float64
}

// Polygon is an ordered vertex list.
type Polygon []Vertex

// Touches reports whether some vertex has x inside [origin.X, origin.X+size)
// and some vertex, not necessarily the same one, has y inside
// [origin.Y, origin.Y+size).
func (p Polygon) Touches(origin image.Point, size int) bool {
	var xIn, yIn bool
	for _, v := range p {
		if inRange(v.X, origin.X, size) {
			xIn = true
		}
		if inRange(v.Y, origin.Y, size) {
			yIn = true
		}
		if xIn && yIn {
			return true
		}
	}
	return false
}

// Adjust expresses the polygon in the frame of the patch at origin. Vertices
// outside the patch are clamped to its edge and repeated vertices are dropped,
// keeping the first occurrence. The second result is false when the polygon
// does not touch the patch.
func Adjust(p Polygon, origin image.Point, size int) (Polygon, bool) {
	if len(p) == 0 || !p.Touches(origin, size) {
		return nil, false
	}

	adjusted := make(Polygon, 0, len(p))
	for _, v := range p {
		adjusted = append(adjusted, Vertex{
			X: clamp(v.X, origin.X, size),
			Y: clamp(v.Y, origin.Y, size),
		})
	}

	return Unique(adjusted), true
}

// Unique removes every repeat of an already seen vertex, preserving order.
func Unique(p Polygon) Polygon {
	seen := make(map[Vertex]struct{}, len(p))
	out := p[:0:0]
	for _, v := range p {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func inRange(c float64, origin, size int) bool {
	return c >= float64(origin) && c < float64(origin+size)
}

// clamp maps one coordinate into [0, size]: below the patch goes to 0, past
// the far edge goes to size-1, anything else is shifted and truncated.
func clamp(c float64, origin, size int) float64 {
	lo, hi := float64(origin), float64(origin+size)
	switch {
	case c < lo:
		return 0
	case c > hi:
		return float64(size - 1)
	default:
		return math.Trunc(c - lo)
	}
}
