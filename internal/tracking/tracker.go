package tracking

import (
	"sort"
	"sync"

	"github.com/banshee-data/watchtower/internal/geom"
	"github.com/banshee-data/watchtower/internal/monitoring"
)

var logf = monitoring.Component("Tracker")

// Config holds configuration parameters for the tracker.
type Config struct {
	MatchThreshold float64 // Minimum IoU for a detection to continue a track
	MaxTrackAge    int64   // Seconds without a match before a track is evicted
	MaxTracks      int     // Safety cap on concurrent tracks
}

// DefaultConfig returns production-default tracker parameters. The five
// second age bridges brief detection gaps at one sample per second without
// merging distinct subjects.
func DefaultConfig() Config {
	return Config{
		MatchThreshold: 0.35,
		MaxTrackAge:    5,
		MaxTracks:      256,
	}
}

// Detection is a single person box with its detector confidence.
type Detection struct {
	Box        geom.Box
	Confidence float64
}

// Track is a persistent subject identifier based on spatial continuity.
type Track struct {
	ID        int64
	Box       geom.Box
	FirstSeen int64 // stream seconds
	LastSeen  int64 // stream seconds
	HitCount  int
}

// TrackedBox is a detection augmented with the track it was assigned to.
type TrackedBox struct {
	Box        geom.Box
	Confidence float64
	TrackID    int64
	New        bool // true when this detection created the track
}

// Tracker manages track lifecycle across frames.
type Tracker struct {
	cfg    Config
	tracks map[int64]*Track
	nextID int64

	// TracksCreated counts every track ever spawned.
	TracksCreated int64
	// DroppedDetections counts detections discarded by the MaxTracks cap.
	DroppedDetections int64

	mu sync.RWMutex
}

// NewTracker creates a new tracker with the specified configuration. Zero
// fields fall back to DefaultConfig values.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = def.MatchThreshold
	}
	if cfg.MaxTrackAge <= 0 {
		cfg.MaxTrackAge = def.MaxTrackAge
	}
	if cfg.MaxTracks <= 0 {
		cfg.MaxTracks = def.MaxTracks
	}
	return &Tracker{
		cfg:    cfg,
		tracks: make(map[int64]*Track),
		nextID: 1,
	}
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config { return t.cfg }

type candidate struct {
	trackID int64
	det     int
	iou     float64
}

// Update matches dets against the live tracks at stream time now (seconds)
// and returns every detection tagged with its track id, plus the ids of the
// tracks created by this call in creation order.
func (t *Tracker) Update(dets []Detection, now int64) ([]TrackedBox, []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Stale tracks go first so they cannot absorb a detection.
	t.evictStale(now)

	if len(dets) > t.cfg.MaxTracks {
		t.DroppedDetections += int64(len(dets) - t.cfg.MaxTracks)
		dets = strongest(dets, t.cfg.MaxTracks)
		logf("frame at %ds exceeded %d detections; keeping the most confident", now, t.cfg.MaxTracks)
	}

	var pairs []candidate
	for id, tr := range t.tracks {
		for i, d := range dets {
			if iou := geom.IoU(tr.Box, d.Box); iou >= t.cfg.MatchThreshold {
				pairs = append(pairs, candidate{trackID: id, det: i, iou: iou})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].iou != pairs[j].iou {
			return pairs[i].iou > pairs[j].iou
		}
		if pairs[i].trackID != pairs[j].trackID {
			return pairs[i].trackID < pairs[j].trackID
		}
		return pairs[i].det < pairs[j].det
	})

	assigned := make([]int64, len(dets))
	usedTracks := make(map[int64]bool)
	for _, p := range pairs {
		if usedTracks[p.trackID] || assigned[p.det] != 0 {
			continue
		}
		usedTracks[p.trackID] = true
		assigned[p.det] = p.trackID

		tr := t.tracks[p.trackID]
		tr.Box = dets[p.det].Box
		tr.LastSeen = now
		tr.HitCount++
	}

	out := make([]TrackedBox, len(dets))
	var created []int64
	for i, d := range dets {
		out[i] = TrackedBox{Box: d.Box, Confidence: d.Confidence}
		if id := assigned[i]; id != 0 {
			out[i].TrackID = id
			continue
		}
		tr := t.spawn(d.Box, now, usedTracks)
		usedTracks[tr.ID] = true
		out[i].TrackID = tr.ID
		out[i].New = true
		created = append(created, tr.ID)
	}

	return out, created
}

// spawn registers a new track, evicting the stalest track not touched this
// frame when the cap is reached.
func (t *Tracker) spawn(box geom.Box, now int64, current map[int64]bool) *Track {
	if len(t.tracks) >= t.cfg.MaxTracks {
		var victim *Track
		for id, tr := range t.tracks {
			if current[id] {
				continue
			}
			if victim == nil || tr.LastSeen < victim.LastSeen ||
				(tr.LastSeen == victim.LastSeen && tr.ID < victim.ID) {
				victim = tr
			}
		}
		if victim != nil {
			delete(t.tracks, victim.ID)
		}
	}

	tr := &Track{
		ID:        t.nextID,
		Box:       box,
		FirstSeen: now,
		LastSeen:  now,
		HitCount:  1,
	}
	t.nextID++
	t.tracks[tr.ID] = tr
	t.TracksCreated++
	return tr
}

func (t *Tracker) evictStale(now int64) {
	for id, tr := range t.tracks {
		if now-tr.LastSeen >= t.cfg.MaxTrackAge {
			delete(t.tracks, id)
		}
	}
}

// strongest returns the n most confident detections, keeping input order
// among the survivors.
func strongest(dets []Detection, n int) []Detection {
	idx := make([]int, len(dets))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return dets[idx[a]].Confidence > dets[idx[b]].Confidence
	})
	keep := idx[:n]
	sort.Ints(keep)
	out := make([]Detection, 0, n)
	for _, i := range keep {
		out = append(out, dets[i])
	}
	return out
}

// Active returns a copy of the live tracks ordered by id.
func (t *Tracker) Active() []Track {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tracks)
}

// Reset clears all tracks. Ids keep increasing across resets so they are
// never reused.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[int64]*Track)
}
