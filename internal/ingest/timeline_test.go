package ingest

import (
	"testing"
	"time"

	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/timeutil"
)

func TestTimeline_WallClockSampling(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tl := timeline{last: -1}
	tl.startSession(clock)

	var got []int64
	for i := 0; i < 10; i++ {
		if sec, ok := tl.sample(detect.Frame{}, clock); ok {
			got = append(got, sec)
		}
		clock.Advance(300 * time.Millisecond)
	}
	want := []int64{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("sampled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sampled %v, want %v", got, want)
		}
	}
}

func TestTimeline_SessionsStayMonotonic(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tl := timeline{last: -1}

	tl.startSession(clock)
	tl.sample(detect.Frame{PTS: 4.2, HasPTS: true}, clock)

	// Eight seconds spent reconnecting.
	clock.Advance(8 * time.Second)
	tl.startSession(clock)
	sec, ok := tl.sample(detect.Frame{PTS: 0, HasPTS: true}, clock)
	if !ok || sec != 12 {
		t.Errorf("first second of new session = %d (ok=%v), want 12", sec, ok)
	}

	// PTS going backwards inside a session is ignored.
	if _, ok := tl.sample(detect.Frame{PTS: -3, HasPTS: true}, clock); ok {
		t.Error("backwards pts was sampled")
	}
}
