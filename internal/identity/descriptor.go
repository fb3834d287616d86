package identity

import (
	"sort"

	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/geom"
	"github.com/banshee-data/watchtower/internal/tracking"
)

// DefaultHeadFraction is the share of a person box, from the top, searched
// for a face.
const DefaultHeadFraction = 0.6

// DescriptorFromLandmarks builds a scale-invariant descriptor from ordered
// keypoints: every pairwise distance (i<j) divided by the largest one, then
// L2-normalized. Fewer than two points or coincident points give nil.
func DescriptorFromLandmarks(points []geom.Point) []float64 {
	if len(points) < 2 {
		return nil
	}
	dists := make([]float64, 0, len(points)*(len(points)-1)/2)
	maxDist := 0.0
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			d := geom.Euclidean(points[i], points[j])
			if d > maxDist {
				maxDist = d
			}
			dists = append(dists, d)
		}
	}
	if maxDist == 0 {
		return nil
	}
	for i := range dists {
		dists[i] /= maxDist
	}
	return geom.L2Normalize(dists)
}

// Associate links track boxes to faces. Each track considers the upper
// headFraction of its box and the face with the largest share of its area
// inside that region. Pairs are claimed best overlap first so a face goes to
// at most one track. The result maps track id to face index.
func Associate(boxes []tracking.TrackedBox, faces []detect.Face, headFraction float64) map[int64]int {
	if headFraction <= 0 || headFraction > 1 {
		headFraction = DefaultHeadFraction
	}

	type pair struct {
		trackID int64
		face    int
		overlap float64
	}
	var pairs []pair
	for _, b := range boxes {
		head := geom.UpperFraction(b.Box, headFraction)
		for fi, f := range faces {
			if ov := geom.Overlap(f.Box, head); ov > 0 {
				pairs = append(pairs, pair{trackID: b.TrackID, face: fi, overlap: ov})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].overlap != pairs[j].overlap {
			return pairs[i].overlap > pairs[j].overlap
		}
		if pairs[i].trackID != pairs[j].trackID {
			return pairs[i].trackID < pairs[j].trackID
		}
		return pairs[i].face < pairs[j].face
	})

	out := make(map[int64]int)
	claimed := make(map[int]bool)
	for _, p := range pairs {
		if _, done := out[p.trackID]; done || claimed[p.face] {
			continue
		}
		out[p.trackID] = p.face
		claimed[p.face] = true
	}
	return out
}
