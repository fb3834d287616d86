// Package geom holds the box and vector math shared by the tracker and the
// identity registry.
package geom

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Box is an axis-aligned bounding box in pixel coordinates, (X1,Y1) top-left
// and (X2,Y2) bottom-right.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Point is a 2D pixel coordinate.
type Point struct {
	X, Y float64
}

// BoxFromSlice builds a Box from an [x1 y1 x2 y2] slice. ok is false when the
// slice is too short.
func BoxFromSlice(v []float64) (b Box, ok bool) {
	if len(v) < 4 {
		return Box{}, false
	}
	return Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, true
}

// Width returns the box width, never negative.
func (b Box) Width() float64 { return math.Max(0, b.X2-b.X1) }

// Height returns the box height, never negative.
func (b Box) Height() float64 { return math.Max(0, b.Y2-b.Y1) }

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 { return b.Width() * b.Height() }

// Valid reports whether the box has positive area and finite corners.
func (b Box) Valid() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Area() > 0
}

// Intersect returns the overlapping region of a and b; the result has zero
// area when they do not overlap.
func Intersect(a, b Box) Box {
	return Box{
		X1: math.Max(a.X1, b.X1),
		Y1: math.Max(a.Y1, b.Y1),
		X2: math.Min(a.X2, b.X2),
		Y2: math.Min(a.Y2, b.Y2),
	}
}

// IoU returns the intersection-over-union ratio of a and b in [0, 1].
func IoU(a, b Box) float64 {
	if !a.Valid() || !b.Valid() {
		return 0
	}
	inter := Intersect(a, b).Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Overlap returns the fraction of a's area that lies inside region.
func Overlap(a, region Box) float64 {
	if !a.Valid() || !region.Valid() {
		return 0
	}
	return Intersect(a, region).Area() / a.Area()
}

// UpperFraction returns the top frac of b (frac clamped to [0, 1]).
func UpperFraction(b Box, frac float64) Box {
	frac = math.Min(1, math.Max(0, frac))
	return Box{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y1 + b.Height()*frac}
}

// Euclidean returns the straight-line distance between p and q.
func Euclidean(p, q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// L2Normalize returns a unit-length copy of v. A zero vector stays zero.
func L2Normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	if len(v) == 0 {
		return out
	}
	n := floats.Norm(out, 2)
	if n == 0 || math.IsNaN(n) {
		return out
	}
	floats.Scale(1/n, out)
	return out
}

// CosineDistance returns 1 - cosine similarity of a and b. Mismatched
// lengths, empty vectors and zero vectors are maximally distant (1).
func CosineDistance(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	sim := floats.Dot(a, b) / (na * nb)
	// clamp rounding drift
	sim = math.Min(1, math.Max(-1, sim))
	return 1 - sim
}
