package pipeline

import (
	"time"

	"github.com/banshee-data/watchtower/internal/alerts"
	"github.com/banshee-data/watchtower/internal/bus"
	"github.com/banshee-data/watchtower/internal/events"
	"github.com/banshee-data/watchtower/internal/identity"
)

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running          bool         `json:"running"`
	SupervisorState  string       `json:"supervisor_state,omitempty"`
	LandmarkEnabled  bool         `json:"landmark_enabled"`
	WeaponEnabled    bool         `json:"weapon_enabled"`
	ActiveTracks     int          `json:"active_tracks"`
	ActiveIdentities int          `json:"active_identities"`
	Frames           int64        `json:"frames"`
	SkippedFrames    int64        `json:"skipped_frames"`
	WeaponPasses     int64        `json:"weapon_passes"`
	LandmarkErrors   int64        `json:"landmark_errors"`
	Events           int64        `json:"events"`
	CriticalAlerts   int64        `json:"critical_alerts"`
	LoggedEvents     int64        `json:"logged_events"`
	LoggedAlerts     int64        `json:"logged_alerts"`
	LogErrors        int64        `json:"log_errors"`
	LastEventAt      *time.Time   `json:"last_event_at,omitempty"`
	Weapons          alerts.Stats `json:"weapons"`
	Subscribers      int          `json:"subscribers"`
}

// RecentEvents returns up to limit of the newest detection events, oldest
// first.
func (p *Pipeline) RecentEvents(limit int) []events.DetectionEvent {
	return p.recent.Snapshot(limit)
}

// RecentCriticalAlerts returns up to limit of the newest critical alerts,
// oldest first.
func (p *Pipeline) RecentCriticalAlerts(limit int) []events.CriticalAlert {
	return p.alerts.Recent(limit)
}

// Subscribe registers a bus handler.
func (p *Pipeline) Subscribe(h bus.Handler) string { return p.bus.Subscribe(h) }

// Unsubscribe removes a bus handler.
func (p *Pipeline) Unsubscribe(id string) { p.bus.Unsubscribe(id) }

// Status reports counters and feature availability.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	s := Status{
		Running:          p.running,
		LandmarkEnabled:  p.caps.Landmarks != nil,
		WeaponEnabled:    p.caps.Weapons != nil,
		ActiveTracks:     p.activeTracks,
		ActiveIdentities: p.activeIdentities,
		Frames:           p.frames,
		SkippedFrames:    p.skippedFrames,
		WeaponPasses:     p.sampledWeapons,
		LandmarkErrors:   p.landmarkErrors,
		LogErrors:        p.detLogErrors,
	}
	if !p.lastEventAt.IsZero() {
		t := p.lastEventAt
		s.LastEventAt = &t
	}
	stateFn := p.stateFn
	p.mu.Unlock()

	if stateFn != nil {
		s.SupervisorState = stateFn()
	}
	s.Events = p.recent.Total()
	s.CriticalAlerts = p.alerts.AlertCount()
	s.LoggedEvents = p.detLog.Records()
	s.LoggedAlerts = p.alertLog.Records()
	s.LogErrors += p.alerts.LogErrors()
	s.Weapons = p.alerts.Stats()
	s.Subscribers = p.bus.Subscribers()
	return s
}

// Identities returns the live identity gallery ordered by id.
func (p *Pipeline) Identities() []identity.Identity {
	return p.registry.Identities()
}

// TrendPoint is one hourly bucket of the analytics summary.
type TrendPoint struct {
	Time   int64 `json:"time"` // bucket start, unix milliseconds
	Alerts int   `json:"alerts"`
}

// Summary aggregates the recent events by threat level.
type Summary struct {
	Total          int          `json:"total"`
	Critical       int          `json:"critical"`
	High           int          `json:"high"`
	Medium         int          `json:"medium"`
	CriticalAlerts int          `json:"critical_alerts"`
	Trend          []TrendPoint `json:"trend"`
}

// Summary counts the recent events by threat level and buckets the last
// 24 hours before now into hourly counts, oldest first.
func (p *Pipeline) Summary(now time.Time) Summary {
	return summarize(p.recent.Snapshot(0), len(p.alerts.Recent(0)), now)
}

func summarize(evs []events.DetectionEvent, critical int, now time.Time) Summary {
	s := Summary{Total: len(evs), CriticalAlerts: critical}

	end := now.UTC().Truncate(time.Hour).Add(time.Hour)
	start := end.Add(-24 * time.Hour)
	s.Trend = make([]TrendPoint, 24)
	for i := range s.Trend {
		s.Trend[i].Time = start.Add(time.Duration(i) * time.Hour).UnixMilli()
	}

	for _, ev := range evs {
		switch ev.ThreatLevel {
		case events.ThreatCritical:
			s.Critical++
		case events.ThreatHigh:
			s.High++
		default:
			s.Medium++
		}
		ts := ev.Wallclock.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		s.Trend[int(ts.Sub(start)/time.Hour)].Alerts++
	}
	return s
}
