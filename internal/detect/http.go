package detect

import (
	"context"
	"fmt"

	"github.com/banshee-data/watchtower/internal/geom"
	"github.com/banshee-data/watchtower/internal/httputil"
)

const frameContentType = "image/jpeg"

type wireDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

type wireDetections struct {
	Detections []wireDetection `json:"detections"`
}

type wireFace struct {
	BBox       []float64    `json:"bbox"`
	Keypoints  [][2]float64 `json:"keypoints"`
	Confidence float64      `json:"score"`
}

type wireFaces struct {
	Faces []wireFace `json:"faces"`
}

// HTTPDetector posts frames to an object detection endpoint.
type HTTPDetector struct {
	URL    string
	Client httputil.HTTPClient
}

// NewHTTPDetector returns a detector for the given endpoint.
func NewHTTPDetector(url string, client httputil.HTTPClient) *HTTPDetector {
	return &HTTPDetector{URL: url, Client: client}
}

// Detect implements ObjectDetector.
func (d *HTTPDetector) Detect(ctx context.Context, f Frame) ([]Detection, error) {
	var resp wireDetections
	if err := httputil.PostJSON(ctx, d.Client, d.URL, frameContentType, f.Data, &resp); err != nil {
		return nil, err
	}
	out := make([]Detection, 0, len(resp.Detections))
	for i, w := range resp.Detections {
		box, ok := geom.BoxFromSlice(w.BBox)
		if !ok {
			return nil, fmt.Errorf("detection %d: bbox has %d values, want 4", i, len(w.BBox))
		}
		out = append(out, Detection{
			Class:      w.Class,
			ClassID:    w.ClassID,
			Confidence: w.Confidence,
			Box:        box,
		})
	}
	return out, nil
}

// HTTPLandmarkDetector posts frames to a face keypoint endpoint.
type HTTPLandmarkDetector struct {
	URL    string
	Client httputil.HTTPClient
}

// NewHTTPLandmarkDetector returns a landmark detector for the given endpoint.
func NewHTTPLandmarkDetector(url string, client httputil.HTTPClient) *HTTPLandmarkDetector {
	return &HTTPLandmarkDetector{URL: url, Client: client}
}

// DetectFaces implements LandmarkDetector.
func (d *HTTPLandmarkDetector) DetectFaces(ctx context.Context, f Frame) ([]Face, error) {
	var resp wireFaces
	if err := httputil.PostJSON(ctx, d.Client, d.URL, frameContentType, f.Data, &resp); err != nil {
		return nil, err
	}
	out := make([]Face, 0, len(resp.Faces))
	for i, w := range resp.Faces {
		box, ok := geom.BoxFromSlice(w.BBox)
		if !ok {
			return nil, fmt.Errorf("face %d: bbox has %d values, want 4", i, len(w.BBox))
		}
		pts := make([]geom.Point, len(w.Keypoints))
		for j, kp := range w.Keypoints {
			pts[j] = geom.Point{X: kp[0], Y: kp[1]}
		}
		out = append(out, Face{Box: box, Keypoints: pts, Confidence: w.Confidence})
	}
	return out, nil
}
