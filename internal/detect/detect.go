// Package detect defines the model capability boundary: frames in, boxes,
// weapon candidates and facial keypoints out. HTTP clients reach model
// servers that expose one endpoint per capability.
package detect

import (
	"context"
	"fmt"

	"github.com/banshee-data/watchtower/internal/geom"
)

// PersonClass is the class label the object detector reports for people.
const PersonClass = "person"

// Frame is one decoded video frame as handed to the capabilities.
type Frame struct {
	Data   []byte  // JPEG-encoded image
	PTS    float64 // presentation timestamp in seconds, valid when HasPTS
	HasPTS bool
	Seq    int64 // position in the stream, starting at 0
}

// Detection is a single object box from a detector.
type Detection struct {
	Class      string
	ClassID    int
	Confidence float64
	Box        geom.Box
}

// Face is a face box with its ordered keypoints.
type Face struct {
	Box        geom.Box
	Keypoints  []geom.Point
	Confidence float64
}

// ObjectDetector returns boxes for every object class the model knows.
type ObjectDetector interface {
	Detect(ctx context.Context, f Frame) ([]Detection, error)
}

// LandmarkDetector returns faces with keypoints.
type LandmarkDetector interface {
	DetectFaces(ctx context.Context, f Frame) ([]Face, error)
}

// FilterClass keeps detections of the given class at or above minConf.
// Detections with malformed boxes are dropped.
func FilterClass(dets []Detection, class string, minConf float64) []Detection {
	var out []Detection
	for _, d := range dets {
		if d.Class == class && d.Confidence >= minConf && d.Box.Valid() {
			out = append(out, d)
		}
	}
	return out
}

// FilterWeapons keeps detections at or above minConf whose class is in
// allowed. An empty allowed set accepts every class, which suits a model
// trained only on weapons. Missing class names become "weapon_<id>".
func FilterWeapons(dets []Detection, allowed []string, minConf float64) []Detection {
	set := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		set[c] = true
	}
	var out []Detection
	for _, d := range dets {
		if d.Class == "" {
			d.Class = fmt.Sprintf("weapon_%d", d.ClassID)
		}
		if d.Confidence < minConf || !d.Box.Valid() {
			continue
		}
		if len(set) > 0 && !set[d.Class] {
			continue
		}
		out = append(out, d)
	}
	return out
}
