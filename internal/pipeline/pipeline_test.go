package pipeline

import (
	"bufio"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/watchtower/internal/bus"
	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/eventlog"
	"github.com/banshee-data/watchtower/internal/events"
	"github.com/banshee-data/watchtower/internal/fsutil"
	"github.com/banshee-data/watchtower/internal/geom"
	"github.com/banshee-data/watchtower/internal/monitoring"
	"github.com/banshee-data/watchtower/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeDetector struct {
	mu    sync.Mutex
	dets  []detect.Detection
	err   error
	calls int
}

func (f *fakeDetector) set(dets []detect.Detection, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dets, f.err = dets, err
}

func (f *fakeDetector) Detect(ctx context.Context, _ detect.Frame) ([]detect.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.dets, f.err
}

type fakeLandmarks struct {
	mu    sync.Mutex
	faces []detect.Face
	err   error
}

func (f *fakeLandmarks) set(faces []detect.Face, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faces, f.err = faces, err
}

func (f *fakeLandmarks) DetectFaces(ctx context.Context, _ detect.Frame) ([]detect.Face, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faces, f.err
}

var personBox = geom.Box{X1: 100, Y1: 100, X2: 150, Y2: 250}

func person(conf float64) detect.Detection {
	return detect.Detection{Class: detect.PersonClass, Confidence: conf, Box: personBox}
}

func stableFace() detect.Face {
	return detect.Face{
		Box: geom.Box{X1: 110, Y1: 105, X2: 140, Y2: 140},
		Keypoints: []geom.Point{
			{X: 117, Y: 115}, {X: 133, Y: 115}, {X: 125, Y: 123}, {X: 119, Y: 132}, {X: 131, Y: 132},
		},
	}
}

type harness struct {
	p       *Pipeline
	fs      *fsutil.MemoryFileSystem
	clock   *timeutil.MockClock
	persons *fakeDetector
	weapons *fakeDetector
	faces   *fakeLandmarks
	got     []bus.Envelope
	mu      sync.Mutex
}

func newHarness(t *testing.T, withLandmarks, withWeapons bool) *harness {
	t.Helper()
	h := &harness{
		fs:      fsutil.NewMemoryFileSystem(),
		clock:   timeutil.NewMockClock(epoch),
		persons: &fakeDetector{},
	}
	caps := Capabilities{Persons: h.persons}
	if withLandmarks {
		h.faces = &fakeLandmarks{}
		caps.Landmarks = h.faces
	}
	if withWeapons {
		h.weapons = &fakeDetector{}
		caps.Weapons = h.weapons
	}
	p, err := New(DefaultConfig(), caps, Deps{FS: h.fs, Clock: h.clock})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	h.p = p
	p.Subscribe(func(env bus.Envelope) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.got = append(h.got, env)
		return nil
	})
	return h
}

// feed advances the mock clock to streamSec and processes one frame.
func (h *harness) feed(t *testing.T, streamSec int64) {
	t.Helper()
	h.clock.Set(epoch.Add(time.Duration(streamSec) * time.Second))
	require.NoError(t, h.p.HandleFrame(context.Background(), detect.Frame{}, streamSec))
}

func (h *harness) detectionTimes() []int64 {
	var out []int64
	for _, ev := range h.p.RecentEvents(0) {
		out = append(out, ev.TSStreamSec)
	}
	return out
}

func TestNew_RequiresPersonDetector(t *testing.T) {
	_, err := New(DefaultConfig(), Capabilities{}, Deps{FS: fsutil.NewMemoryFileSystem()})
	assert.ErrorIs(t, err, ErrNoPersonDetector)

	cfg := DefaultConfig()
	cfg.WeaponConfidence = 1.5
	_, err = New(cfg, Capabilities{Persons: &fakeDetector{}}, Deps{FS: fsutil.NewMemoryFileSystem()})
	assert.Error(t, err)
}

func TestScenario_TrackGapWithoutLandmarks(t *testing.T) {
	h := newHarness(t, false, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)

	for _, sec := range []int64{0, 1, 2, 7} {
		h.feed(t, sec)
	}

	assert.Equal(t, []int64{0, 7}, h.detectionTimes())
	evs := h.p.RecentEvents(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TriggerTrack, evs[0].Trigger)
	assert.Equal(t, int64(1), evs[0].Boxes[0].TrackID)
	assert.Equal(t, int64(2), evs[1].Boxes[0].TrackID)
	assert.True(t, evs[1].Boxes[0].New)
	assert.Equal(t, []int64{2}, evs[1].ActiveTrackIDs)
	assert.Equal(t, events.ThreatMedium, evs[1].ThreatLevel)
}

func TestScenario_IdentityBridgesTrackGap(t *testing.T) {
	h := newHarness(t, true, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	h.faces.set([]detect.Face{stableFace()}, nil)

	for _, sec := range []int64{0, 1, 2, 7} {
		h.feed(t, sec)
	}

	require.Equal(t, []int64{0}, h.detectionTimes())
	ev := h.p.RecentEvents(0)[0]
	assert.Equal(t, events.TriggerIdentity, ev.Trigger)
	assert.Equal(t, int64(1), ev.Boxes[0].IdentityID)
	assert.Equal(t, 1, ev.NewSubjects)
	assert.Equal(t, 1, h.p.Status().ActiveIdentities)

	ids := h.p.Identities()
	require.Len(t, ids, 1)
	assert.Equal(t, int64(1), ids[0].ID)
	assert.Equal(t, int64(7), ids[0].LastSeen)
}

func TestEmission_FallbackWhenNoFaceAssociated(t *testing.T) {
	h := newHarness(t, true, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	// Face far away from the person's head.
	h.faces.set([]detect.Face{{Box: geom.Box{X1: 500, Y1: 500, X2: 520, Y2: 520}}}, nil)

	h.feed(t, 0)
	h.feed(t, 1)

	assert.Equal(t, []int64{0}, h.detectionTimes())
	assert.Equal(t, events.TriggerTrack, h.p.RecentEvents(0)[0].Trigger)
}

func TestEmission_LandmarkErrorFallsBackToTracks(t *testing.T) {
	h := newHarness(t, true, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	h.faces.set(nil, errors.New("model offline"))

	h.feed(t, 0)

	assert.Equal(t, []int64{0}, h.detectionTimes())
	assert.Equal(t, int64(1), h.p.Status().LandmarkErrors)
	assert.True(t, h.p.Status().LandmarkEnabled)
}

func TestEmission_KnownIdentitySuppressesNewTrack(t *testing.T) {
	h := newHarness(t, true, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	h.faces.set([]detect.Face{stableFace()}, nil)
	h.feed(t, 0)

	// Person moves far enough for a new track but keeps the same face.
	moved := detect.Detection{Class: detect.PersonClass, Confidence: 0.9, Box: geom.Box{X1: 300, Y1: 100, X2: 350, Y2: 250}}
	face := stableFace()
	face.Box = geom.Box{X1: 310, Y1: 105, X2: 340, Y2: 140}
	for i := range face.Keypoints {
		face.Keypoints[i].X += 200
	}
	h.persons.set([]detect.Detection{moved}, nil)
	h.faces.set([]detect.Face{face}, nil)
	h.feed(t, 1)

	assert.Equal(t, []int64{0}, h.detectionTimes())
}

func TestHandleFrame_PersonErrorSkipsFrame(t *testing.T) {
	h := newHarness(t, false, false)
	h.persons.set(nil, errors.New("timeout"))

	h.feed(t, 0)

	assert.Empty(t, h.p.RecentEvents(0))
	st := h.p.Status()
	assert.Equal(t, int64(1), st.Frames)
	assert.Equal(t, int64(1), st.SkippedFrames)
}

func TestHandleFrame_FiltersLowConfidenceAndOtherClasses(t *testing.T) {
	h := newHarness(t, false, false)
	h.persons.set([]detect.Detection{
		person(0.2),
		{Class: "bicycle", Confidence: 0.99, Box: personBox},
	}, nil)

	h.feed(t, 0)
	assert.Empty(t, h.p.RecentEvents(0))
}

func TestHandleFrame_CancelledContext(t *testing.T) {
	h := newHarness(t, false, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.p.HandleFrame(ctx, detect.Frame{}, 0), context.Canceled)
}

func TestThreatLevelFromPersonCount(t *testing.T) {
	tests := []struct {
		n    int
		want events.ThreatLevel
	}{
		{1, events.ThreatMedium},
		{2, events.ThreatHigh},
		{3, events.ThreatCritical},
	}
	for _, tt := range tests {
		h := newHarness(t, false, false)
		var dets []detect.Detection
		for i := 0; i < tt.n; i++ {
			x := float64(i) * 200
			dets = append(dets, detect.Detection{Class: detect.PersonClass, Confidence: 0.9, Box: geom.Box{X1: x, Y1: 0, X2: x + 50, Y2: 150}})
		}
		h.persons.set(dets, nil)
		h.feed(t, 0)

		evs := h.p.RecentEvents(0)
		require.Len(t, evs, 1)
		assert.Equal(t, tt.want, evs[0].ThreatLevel, "persons=%d", tt.n)
		assert.Equal(t, tt.n, evs[0].NewSubjects)
	}
}

func TestScenario_WeaponCooldown(t *testing.T) {
	tests := []struct {
		name string
		secs []int64
		want int
	}{
		{"inside cooldown", []int64{0, 1}, 1},
		{"outside cooldown", []int64{0, 3}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false, true)
			h.weapons.set([]detect.Detection{
				{Class: "knife", Confidence: 0.85, Box: geom.Box{X1: 10, Y1: 10, X2: 30, Y2: 60}},
				{Class: "knife", Confidence: 0.4, Box: geom.Box{X1: 10, Y1: 10, X2: 30, Y2: 60}},
			}, nil)

			for _, sec := range tt.secs {
				h.feed(t, sec)
			}

			assert.Len(t, h.p.RecentCriticalAlerts(0), tt.want)
			assert.Equal(t, int64(tt.want), h.p.Status().CriticalAlerts)

			h.mu.Lock()
			defer h.mu.Unlock()
			var crit int
			for _, env := range h.got {
				if env.Kind == bus.KindCritical {
					crit++
				}
			}
			assert.Equal(t, tt.want, crit)

			logged, err := eventlog.Tail[events.CriticalAlert](h.fs, "data/"+eventlog.CriticalAlertsFile, 10)
			require.NoError(t, err)
			assert.Len(t, logged, tt.want)
		})
	}
}

func TestWeaponsAttachedToEvent(t *testing.T) {
	h := newHarness(t, false, true)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	h.weapons.set([]detect.Detection{{Class: "pistol", Confidence: 0.9, Box: geom.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}}}, nil)

	h.feed(t, 0)

	ev := h.p.RecentEvents(0)[0]
	require.Len(t, ev.Weapons, 1)
	assert.Equal(t, "pistol", ev.Weapons[0].ClassName)
	assert.Equal(t, events.ThreatCritical, ev.ThreatLevel)
}

func TestWeaponEveryN(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	weapons := &fakeDetector{}
	cfg := DefaultConfig()
	cfg.WeaponEveryN = 3
	p, err := New(cfg, Capabilities{Persons: &fakeDetector{}, Weapons: weapons}, Deps{FS: fs})
	require.NoError(t, err)
	defer p.Close()

	for sec := int64(0); sec < 7; sec++ {
		require.NoError(t, p.HandleFrame(context.Background(), detect.Frame{}, sec))
	}
	// Frames 1, 4 and 7 run the weapon model.
	assert.Equal(t, 3, weapons.calls)
	assert.Equal(t, int64(3), p.Status().WeaponPasses)
}

func TestDetectionsLoggedAndSeeded(t *testing.T) {
	h := newHarness(t, false, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	h.feed(t, 0)
	h.feed(t, 7)
	require.NoError(t, h.p.Close())

	p2, err := New(DefaultConfig(), Capabilities{Persons: &fakeDetector{}}, Deps{FS: h.fs, Clock: h.clock})
	require.NoError(t, err)
	defer p2.Close()
	require.NoError(t, p2.Seed())

	evs := p2.RecentEvents(0)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(7), evs[1].TSStreamSec)
	assert.NotNil(t, p2.Status().LastEventAt)
}

func TestSeed_KeepsRecordsBeforeOversizedLine(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	good := `{"id":"evt-1","ts_stream_sec":1}` + "\n" + `{"id":"evt-2","ts_stream_sec":2}` + "\n"
	huge := `{"id":"` + strings.Repeat("x", 2<<20) + `"}` + "\n"
	fs.WriteFile(filepath.Join("data", eventlog.DetectionsFile), []byte(good+huge))
	fs.WriteFile(filepath.Join("data", eventlog.CriticalAlertsFile), []byte(`{"id":"crit-1"}`+"\n"))

	p, err := New(DefaultConfig(), Capabilities{Persons: &fakeDetector{}}, Deps{FS: fs})
	require.NoError(t, err)
	defer p.Close()

	err = p.Seed()
	require.ErrorIs(t, err, bufio.ErrTooLong)

	evs := p.RecentEvents(0)
	require.Len(t, evs, 2)
	assert.Equal(t, "evt-2", evs[1].ID)
	crit := p.RecentCriticalAlerts(0)
	require.Len(t, crit, 1)
	assert.Equal(t, "crit-1", crit[0].ID)
}

func TestStatus_LogCounters(t *testing.T) {
	h := newHarness(t, false, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	h.feed(t, 0)

	st := h.p.Status()
	assert.Equal(t, int64(1), st.LoggedEvents)
	assert.Zero(t, st.LoggedAlerts)
	assert.Zero(t, st.LogErrors)

	h.fs.SetWriteError(errors.New("disk full"))
	h.feed(t, 7)
	assert.Equal(t, int64(1), h.p.Status().LogErrors)
}

func TestClose_ResetsState(t *testing.T) {
	h := newHarness(t, false, false)
	h.persons.set([]detect.Detection{person(0.9)}, nil)
	h.feed(t, 0)

	require.NoError(t, h.p.Close())
	assert.NoError(t, h.p.Close())
	assert.False(t, h.p.Status().Running)
	assert.Zero(t, h.p.tracker.Len())
}

func TestStatus_SupervisorState(t *testing.T) {
	h := newHarness(t, false, false)
	h.p.SetStateSource(func() string { return "streaming" })
	st := h.p.Status()
	assert.Equal(t, "streaming", st.SupervisorState)
	assert.Equal(t, 1, st.Subscribers)
	assert.False(t, st.WeaponEnabled)
}
