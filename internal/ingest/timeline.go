package ingest

import (
	"math"
	"time"

	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/timeutil"
)

// timeline maps frames onto whole stream seconds and keeps them monotonic
// across sessions. Frames with a presentation timestamp use it; others use
// wall time since the session opened. Each session is offset so it starts
// after the last sampled second plus the wall time spent reconnecting.
type timeline struct {
	last     int64 // last sampled stream second, -1 before the first
	lastWall time.Time
	base     int64
	opened   time.Time
}

func (t *timeline) startSession(clock timeutil.Clock) {
	now := clock.Now()
	t.opened = now
	if t.last < 0 {
		t.base = 0
		return
	}
	gap := int64(now.Sub(t.lastWall) / time.Second)
	t.base = t.last + max(gap, 1)
}

// sample returns the stream second for f and whether it is the first frame
// seen in that second.
func (t *timeline) sample(f detect.Frame, clock timeutil.Clock) (int64, bool) {
	var rel int64
	if f.HasPTS && !math.IsNaN(f.PTS) && !math.IsInf(f.PTS, 0) {
		rel = int64(math.Floor(f.PTS))
	} else {
		rel = int64(clock.Since(t.opened) / time.Second)
	}
	sec := t.base + max(rel, 0)
	if sec <= t.last {
		return 0, false
	}
	t.last = sec
	t.lastWall = clock.Now()
	return sec, true
}
