package tracking

import (
	"testing"

	"github.com/banshee-data/watchtower/internal/geom"
)

func det(x1, y1, x2, y2 float64) Detection {
	return Detection{Box: geom.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: 0.9}
}

func TestNewTracker_DefaultsZeroFields(t *testing.T) {
	tr := NewTracker(Config{})
	if got := tr.Config(); got != DefaultConfig() {
		t.Errorf("Config() = %+v, want %+v", got, DefaultConfig())
	}
}

func TestUpdate_NewTracksGetUniqueMonotonicIDs(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	boxes, created := tr.Update([]Detection{
		det(0, 0, 10, 10),
		det(100, 100, 110, 110),
		det(200, 200, 210, 210),
	}, 0)

	if len(created) != 3 {
		t.Fatalf("created %d tracks, want 3", len(created))
	}
	seen := map[int64]bool{}
	for i, b := range boxes {
		if !b.New {
			t.Errorf("box %d: New = false, want true", i)
		}
		if seen[b.TrackID] {
			t.Errorf("duplicate track id %d", b.TrackID)
		}
		seen[b.TrackID] = true
	}
	for i := 1; i < len(created); i++ {
		if created[i] <= created[i-1] {
			t.Errorf("ids not increasing: %v", created)
		}
	}
}

func TestUpdate_MatchesOverlappingDetection(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	first, _ := tr.Update([]Detection{det(0, 0, 10, 10)}, 0)

	boxes, created := tr.Update([]Detection{det(1, 0, 11, 10)}, 1)
	if len(created) != 0 {
		t.Fatalf("created = %v, want none", created)
	}
	if boxes[0].TrackID != first[0].TrackID || boxes[0].New {
		t.Errorf("got %+v, want continuation of track %d", boxes[0], first[0].TrackID)
	}

	active := tr.Active()
	if len(active) != 1 {
		t.Fatalf("Active() len = %d, want 1", len(active))
	}
	if active[0].HitCount != 2 || active[0].LastSeen != 1 || active[0].FirstSeen != 0 {
		t.Errorf("track state = %+v", active[0])
	}
	if active[0].Box != (geom.Box{X1: 1, Y1: 0, X2: 11, Y2: 10}) {
		t.Errorf("track box not updated: %+v", active[0].Box)
	}
}

func TestUpdate_NoMatchBelowThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update([]Detection{det(0, 0, 10, 10)}, 0)

	// IoU of these two boxes is 1/3, below 0.35.
	_, created := tr.Update([]Detection{det(5, 0, 15, 10)}, 1)
	if len(created) != 1 {
		t.Errorf("created = %v, want one new track", created)
	}
}

func TestUpdate_EachTrackMatchedAtMostOnce(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update([]Detection{det(0, 0, 10, 10)}, 0)

	boxes, created := tr.Update([]Detection{det(0, 0, 10, 10), det(0, 0, 10, 10)}, 1)
	if len(created) != 1 {
		t.Fatalf("created = %v, want exactly one", created)
	}
	if boxes[0].TrackID == boxes[1].TrackID {
		t.Errorf("both detections assigned track %d", boxes[0].TrackID)
	}
	if boxes[0].New || !boxes[1].New {
		t.Errorf("tie should favour the lower detection index: %+v", boxes)
	}
}

func TestUpdate_GreedyPrefersHighestIoU(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	prev, _ := tr.Update([]Detection{det(0, 0, 10, 10)}, 0)

	// Second detection overlaps the track better than the first.
	boxes, _ := tr.Update([]Detection{det(2, 0, 12, 10), det(0, 0, 10, 10)}, 1)
	if boxes[1].TrackID != prev[0].TrackID {
		t.Errorf("best overlap detection got track %d, want %d", boxes[1].TrackID, prev[0].TrackID)
	}
	if !boxes[0].New {
		t.Errorf("weaker candidate should spawn a new track")
	}
}

func TestUpdate_StaleTrackEvictedBeforeMatching(t *testing.T) {
	tests := []struct {
		name    string
		gap     int64
		wantNew bool
	}{
		{"within age", 4, false},
		{"exactly max age", 5, true},
		{"beyond max age", 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(DefaultConfig())
			tr.Update([]Detection{det(0, 0, 10, 10)}, 0)
			boxes, _ := tr.Update([]Detection{det(0, 0, 10, 10)}, tt.gap)
			if boxes[0].New != tt.wantNew {
				t.Errorf("New = %v, want %v", boxes[0].New, tt.wantNew)
			}
			if tr.Len() != 1 {
				t.Errorf("Len() = %d, want 1", tr.Len())
			}
		})
	}
}

func TestUpdate_EmptyFrameAgesTracks(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update([]Detection{det(0, 0, 10, 10)}, 0)

	boxes, created := tr.Update(nil, 3)
	if len(boxes) != 0 || len(created) != 0 {
		t.Fatalf("empty update returned %v %v", boxes, created)
	}
	if tr.Len() != 1 {
		t.Errorf("track evicted too early")
	}
	tr.Update(nil, 5)
	if tr.Len() != 0 {
		t.Errorf("stale track survived: %+v", tr.Active())
	}
}

func TestUpdate_ScenarioGapProducesSecondTrack(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	var newAt []int64
	for _, ts := range []int64{0, 1, 2, 7} {
		_, created := tr.Update([]Detection{det(100, 100, 150, 250)}, ts)
		if len(created) > 0 {
			newAt = append(newAt, ts)
		}
	}
	if len(newAt) != 2 || newAt[0] != 0 || newAt[1] != 7 {
		t.Errorf("new tracks at %v, want [0 7]", newAt)
	}
	if got := tr.Active(); len(got) != 1 || got[0].ID != 2 {
		t.Errorf("Active() = %+v, want only track 2", got)
	}
}

func TestUpdate_IDsNotReusedAfterReset(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	_, a := tr.Update([]Detection{det(0, 0, 10, 10)}, 0)
	tr.Reset()
	if tr.Len() != 0 {
		t.Fatalf("Reset left %d tracks", tr.Len())
	}
	_, b := tr.Update([]Detection{det(0, 0, 10, 10)}, 1)
	if b[0] <= a[0] {
		t.Errorf("id after reset = %d, want > %d", b[0], a[0])
	}
}

func TestUpdate_MaxTracksCap(t *testing.T) {
	tr := NewTracker(Config{MatchThreshold: 0.35, MaxTrackAge: 100, MaxTracks: 2})

	tr.Update([]Detection{det(0, 0, 10, 10)}, 0)
	tr.Update([]Detection{det(100, 0, 110, 10)}, 1)
	tr.Update([]Detection{det(200, 0, 210, 10)}, 2)

	active := tr.Active()
	if len(active) != 2 {
		t.Fatalf("Len = %d, want 2", len(active))
	}
	if active[0].ID != 2 || active[1].ID != 3 {
		t.Errorf("expected stalest track 1 evicted, got %+v", active)
	}

	boxes, _ := tr.Update([]Detection{
		{Box: geom.Box{X1: 300, X2: 310, Y2: 10}, Confidence: 0.2},
		{Box: geom.Box{X1: 400, X2: 410, Y2: 10}, Confidence: 0.9},
		{Box: geom.Box{X1: 500, X2: 510, Y2: 10}, Confidence: 0.8},
	}, 3)
	if len(boxes) != 2 {
		t.Fatalf("kept %d detections, want 2", len(boxes))
	}
	if boxes[0].Box.X1 != 400 || boxes[1].Box.X1 != 500 {
		t.Errorf("expected the two most confident detections in input order, got %+v", boxes)
	}
	if tr.DroppedDetections != 1 {
		t.Errorf("DroppedDetections = %d, want 1", tr.DroppedDetections)
	}
	if tr.Len() != 2 {
		t.Errorf("Len = %d, want 2", tr.Len())
	}
}

func TestActive_ReturnsCopies(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update([]Detection{det(0, 0, 10, 10)}, 0)

	a := tr.Active()
	a[0].HitCount = 99
	if tr.Active()[0].HitCount != 1 {
		t.Error("mutating Active() result changed tracker state")
	}
}
