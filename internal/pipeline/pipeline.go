// Package pipeline owns the per-frame detection state: the tracker, the
// identity registry, the critical alert manager, the recent history rings
// and the durable logs. It decides which frames become DetectionEvents.
//
// HandleFrame must be called from a single goroutine (the ingestion
// worker). Every query method is safe for concurrent use and returns
// copies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/watchtower/internal/alerts"
	"github.com/banshee-data/watchtower/internal/bus"
	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/eventlog"
	"github.com/banshee-data/watchtower/internal/events"
	"github.com/banshee-data/watchtower/internal/fsutil"
	"github.com/banshee-data/watchtower/internal/identity"
	"github.com/banshee-data/watchtower/internal/monitoring"
	"github.com/banshee-data/watchtower/internal/timeutil"
	"github.com/banshee-data/watchtower/internal/tracking"
)

var logf = monitoring.Component("Pipeline")

// ErrNoPersonDetector is returned by New when the required capability is
// missing.
var ErrNoPersonDetector = errors.New("pipeline: person detector is required")

// Capabilities are the model clients the pipeline calls. Only Persons is
// required.
type Capabilities struct {
	Persons   detect.ObjectDetector
	Weapons   detect.ObjectDetector
	Landmarks detect.LandmarkDetector
}

// Config holds pipeline parameters.
type Config struct {
	PersonConfidence float64
	WeaponConfidence float64
	WeaponClasses    []string // empty accepts every class of the weapon model
	WeaponEveryN     int      // run the weapon model on every Nth sampled frame
	HeadFraction     float64

	Tracker  tracking.Config
	Identity identity.Config
	Alerts   alerts.Config

	RecentEvents int    // size of the recent detection ring
	LogDir       string // directory holding the JSONL logs
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PersonConfidence: 0.5,
		WeaponConfidence: 0.7,
		WeaponEveryN:     1,
		HeadFraction:     identity.DefaultHeadFraction,
		Tracker:          tracking.DefaultConfig(),
		Identity:         identity.DefaultConfig(),
		Alerts:           alerts.Config{Cooldown: alerts.DefaultCooldown, History: alerts.DefaultHistory},
		RecentEvents:     100,
		LogDir:           "data",
	}
}

// Deps are the pipeline's collaborators. Nil fields get defaults: the OS
// filesystem, the real clock and a fresh bus.
type Deps struct {
	FS    fsutil.FileSystem
	Clock timeutil.Clock
	Bus   *bus.Bus
}

// Pipeline turns sampled frames into events and alerts.
type Pipeline struct {
	cfg   Config
	caps  Capabilities
	fs    fsutil.FileSystem
	clock timeutil.Clock
	bus   *bus.Bus

	tracker  *tracking.Tracker
	registry *identity.Registry
	alerts   *alerts.Manager

	detLog   *eventlog.Writer
	alertLog *eventlog.Writer

	recent *events.Ring[events.DetectionEvent]

	mu               sync.Mutex
	running          bool
	frames           int64
	sampledWeapons   int64
	skippedFrames    int64
	landmarkErrors   int64
	detLogErrors     int64
	lastEventAt      time.Time
	stateFn          func() string
	activeTracks     int
	activeIdentities int
}

// New validates the configuration, opens the logs and wires the alert
// manager to the bus.
func New(cfg Config, caps Capabilities, deps Deps) (*Pipeline, error) {
	if caps.Persons == nil {
		return nil, ErrNoPersonDetector
	}
	def := DefaultConfig()
	if cfg.PersonConfidence < 0 || cfg.PersonConfidence > 1 {
		return nil, fmt.Errorf("pipeline: person confidence %v out of range [0,1]", cfg.PersonConfidence)
	}
	if cfg.WeaponConfidence < 0 || cfg.WeaponConfidence > 1 {
		return nil, fmt.Errorf("pipeline: weapon confidence %v out of range [0,1]", cfg.WeaponConfidence)
	}
	if cfg.WeaponEveryN <= 0 {
		cfg.WeaponEveryN = def.WeaponEveryN
	}
	if cfg.HeadFraction <= 0 || cfg.HeadFraction > 1 {
		cfg.HeadFraction = def.HeadFraction
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = def.RecentEvents
	}
	if cfg.Alerts.History <= 0 {
		cfg.Alerts.History = alerts.DefaultHistory
	}
	if deps.FS == nil {
		deps.FS = fsutil.OSFileSystem{}
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}

	detLog, err := eventlog.Open(deps.FS, filepath.Join(cfg.LogDir, eventlog.DetectionsFile))
	if err != nil {
		return nil, err
	}
	alertLog, err := eventlog.Open(deps.FS, filepath.Join(cfg.LogDir, eventlog.CriticalAlertsFile))
	if err != nil {
		detLog.Close()
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		caps:     caps,
		fs:       deps.FS,
		clock:    deps.Clock,
		bus:      deps.Bus,
		tracker:  tracking.NewTracker(cfg.Tracker),
		registry: identity.NewRegistry(cfg.Identity),
		alerts:   alerts.NewManager(cfg.Alerts, deps.Clock, alertLog),
		detLog:   detLog,
		alertLog: alertLog,
		recent:   events.NewRing[events.DetectionEvent](cfg.RecentEvents),
		running:  true,
	}
	p.alerts.AddCallback(p.bus.PublishCritical)

	logf("ready: landmarks=%v weapons=%v logs=%s", caps.Landmarks != nil, caps.Weapons != nil, cfg.LogDir)
	return p, nil
}

// Bus returns the bus the pipeline publishes to.
func (p *Pipeline) Bus() *bus.Bus { return p.bus }

// Alerts returns the critical alert manager.
func (p *Pipeline) Alerts() *alerts.Manager { return p.alerts }

// SetStateSource supplies the ingestion state reported by Status.
func (p *Pipeline) SetStateSource(fn func() string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFn = fn
}

// HandleFrame processes one sampled frame at stream second streamSec.
// Capability failures are logged and degrade the frame; only context
// cancellation is returned as an error.
func (p *Pipeline) HandleFrame(ctx context.Context, f detect.Frame, streamSec int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.frames++
	frameNo := p.frames
	p.mu.Unlock()

	weapons := p.runWeapons(ctx, f, frameNo)

	raw, err := p.caps.Persons.Detect(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.mu.Lock()
		p.skippedFrames++
		p.mu.Unlock()
		logf("person detection failed at %ds, skipping frame: %v", streamSec, err)
		return nil
	}
	persons := detect.FilterClass(raw, detect.PersonClass, p.cfg.PersonConfidence)

	dets := make([]tracking.Detection, len(persons))
	for i, d := range persons {
		dets[i] = tracking.Detection{Box: d.Box, Confidence: d.Confidence}
	}
	tracked, newTracks := p.tracker.Update(dets, streamSec)

	var (
		identityByTrack map[int64]int64
		newIdentities   map[int64]bool
	)
	if len(tracked) > 0 {
		identityByTrack, newIdentities = p.resolveIdentities(ctx, f, tracked, streamSec)
	}

	p.mu.Lock()
	p.activeTracks = p.tracker.Len()
	p.activeIdentities = p.registry.Len()
	p.mu.Unlock()

	if len(tracked) == 0 {
		return nil
	}

	trigger, triggered := decideEmission(tracked, newTracks, identityByTrack, newIdentities)
	if trigger == "" {
		return nil
	}

	ev := p.buildEvent(streamSec, tracked, identityByTrack, triggered, trigger, weapons)
	p.emit(ev)
	return nil
}

// decideEmission applies the two-tier policy: new identities win; new tracks
// only count when no identity association happened this frame.
func decideEmission(tracked []tracking.TrackedBox, newTracks []int64, identityByTrack map[int64]int64, newIdentities map[int64]bool) (events.Trigger, map[int64]bool) {
	if len(newIdentities) > 0 {
		return events.TriggerIdentity, newIdentities
	}
	if len(identityByTrack) == 0 && len(newTracks) > 0 {
		set := make(map[int64]bool, len(newTracks))
		for _, id := range newTracks {
			set[id] = true
		}
		return events.TriggerTrack, set
	}
	return "", nil
}

func (p *Pipeline) resolveIdentities(ctx context.Context, f detect.Frame, tracked []tracking.TrackedBox, streamSec int64) (map[int64]int64, map[int64]bool) {
	if p.caps.Landmarks == nil {
		return nil, nil
	}
	faces, err := p.caps.Landmarks.DetectFaces(ctx, f)
	if err != nil {
		p.mu.Lock()
		p.landmarkErrors++
		p.mu.Unlock()
		logf("landmark detection failed at %ds, identity disabled for this frame: %v", streamSec, err)
		return nil, nil
	}

	assoc := identity.Associate(tracked, faces, p.cfg.HeadFraction)
	if len(assoc) == 0 {
		return nil, nil
	}

	// Resolve in track id order so identity ids are assigned deterministically.
	trackIDs := make([]int64, 0, len(assoc))
	for id := range assoc {
		trackIDs = append(trackIDs, id)
	}
	sort.Slice(trackIDs, func(i, j int) bool { return trackIDs[i] < trackIDs[j] })

	byTrack := make(map[int64]int64)
	fresh := make(map[int64]bool)
	for _, trackID := range trackIDs {
		desc := identity.DescriptorFromLandmarks(faces[assoc[trackID]].Keypoints)
		if desc == nil {
			continue
		}
		id, isNew := p.registry.Resolve(desc, streamSec)
		if id == 0 {
			continue
		}
		byTrack[trackID] = id
		if isNew {
			fresh[trackID] = true
		}
	}
	return byTrack, fresh
}

func (p *Pipeline) runWeapons(ctx context.Context, f detect.Frame, frameNo int64) []events.WeaponDetection {
	if p.caps.Weapons == nil || (frameNo-1)%int64(p.cfg.WeaponEveryN) != 0 {
		return nil
	}
	p.mu.Lock()
	p.sampledWeapons++
	p.mu.Unlock()

	raw, err := p.caps.Weapons.Detect(ctx, f)
	if err != nil {
		logf("weapon detection failed: %v", err)
		return nil
	}
	found := detect.FilterWeapons(raw, p.cfg.WeaponClasses, p.cfg.WeaponConfidence)
	if len(found) == 0 {
		return nil
	}

	now := p.clock.Now().UTC()
	out := make([]events.WeaponDetection, len(found))
	for i, d := range found {
		out[i] = events.WeaponDetection{
			ClassName:  d.Class,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			BBox:       [4]float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
			Timestamp:  now,
		}
	}
	p.alerts.Consider(out)
	return out
}

func (p *Pipeline) buildEvent(streamSec int64, tracked []tracking.TrackedBox, identityByTrack map[int64]int64, triggered map[int64]bool, trigger events.Trigger, weapons []events.WeaponDetection) events.DetectionEvent {
	boxes := make([]events.Box, len(tracked))
	for i, tb := range tracked {
		b := events.FromGeom(tb.Box, tb.Confidence, tb.TrackID)
		b.IdentityID = identityByTrack[tb.TrackID]
		b.New = triggered[tb.TrackID]
		boxes[i] = b
	}

	active := p.tracker.Active()
	activeIDs := make([]int64, len(active))
	for i, tr := range active {
		activeIDs[i] = tr.ID
	}

	return events.DetectionEvent{
		ID:             uuid.NewString(),
		TSStreamSec:    streamSec,
		Wallclock:      p.clock.Now().UTC(),
		PersonCount:    len(tracked),
		NewSubjects:    len(triggered),
		ActiveSubjects: len(active),
		Boxes:          boxes,
		ActiveTrackIDs: activeIDs,
		Weapons:        weapons,
		ThreatLevel:    events.ClassifyThreat(len(tracked), len(weapons) > 0),
		Trigger:        trigger,
	}
}

func (p *Pipeline) emit(ev events.DetectionEvent) {
	if err := p.detLog.Append(ev); err != nil {
		logf("failed to log detection %s: %v", ev.ID, err)
		p.mu.Lock()
		p.detLogErrors++
		p.mu.Unlock()
	}
	p.recent.Push(ev)
	p.mu.Lock()
	p.lastEventAt = ev.Wallclock
	p.mu.Unlock()

	logf("%d new subject(s) at %ds via %s, threat %s", ev.NewSubjects, ev.TSStreamSec, ev.Trigger, ev.ThreatLevel)
	p.bus.PublishDetection(ev)
}

// Seed restores the recent rings from the tail of the durable logs. A read
// error still restores whatever records were decoded before it; the errors
// are joined and returned after both logs have been tried.
func (p *Pipeline) Seed() error {
	dets, detErr := eventlog.Tail[events.DetectionEvent](p.fs, p.detLog.Path(), p.cfg.RecentEvents)
	if detErr != nil {
		logf("seeding detections: %v; restoring %d records read so far", detErr, len(dets))
		detErr = fmt.Errorf("seed detections: %w", detErr)
	}
	p.recent.Fill(dets)

	crit, critErr := eventlog.Tail[events.CriticalAlert](p.fs, p.alertLog.Path(), p.cfg.Alerts.History)
	if critErr != nil {
		logf("seeding critical alerts: %v; restoring %d records read so far", critErr, len(crit))
		critErr = fmt.Errorf("seed critical alerts: %w", critErr)
	}
	p.alerts.Seed(crit)

	if len(dets) > 0 {
		p.mu.Lock()
		p.lastEventAt = dets[len(dets)-1].Wallclock
		p.mu.Unlock()
	}
	logf("restored %d detections and %d critical alerts", len(dets), len(crit))
	return errors.Join(detErr, critErr)
}

// Close flushes and closes the logs and clears tracking state.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	err := errors.Join(p.detLog.Close(), p.alertLog.Close())
	p.tracker.Reset()
	p.registry.Reset()
	p.alerts.ResetHistory()
	return err
}
