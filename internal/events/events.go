// Package events holds the immutable records produced by the pipeline and a
// bounded ring used for the recent-history queries.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/watchtower/internal/geom"
)

// ThreatLevel ranks a detection event.
type ThreatLevel string

const (
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank orders threat levels for aggregation; unknown levels rank lowest.
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatCritical:
		return 3
	case ThreatHigh:
		return 2
	case ThreatMedium:
		return 1
	}
	return 0
}

// ClassifyThreat derives the level of a frame from its person count and
// whether a weapon was seen in the same frame.
func ClassifyThreat(personCount int, weaponSeen bool) ThreatLevel {
	switch {
	case weaponSeen || personCount > 2:
		return ThreatCritical
	case personCount == 2:
		return ThreatHigh
	default:
		return ThreatMedium
	}
}

// Trigger names the signal that caused an event to be emitted.
type Trigger string

const (
	TriggerIdentity Trigger = "identity"
	TriggerTrack    Trigger = "track"
)

// Box is a person box as reported in a DetectionEvent.
type Box struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	TrackID    int64   `json:"track_id"`
	IdentityID int64   `json:"identity_id,omitempty"`
	New        bool    `json:"new"`
}

// FromGeom converts a geometry box into an event box.
func FromGeom(b geom.Box, confidence float64, trackID int64) Box {
	return Box{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2, Confidence: confidence, TrackID: trackID}
}

// WeaponDetection is one weapon-class box above the confidence threshold.
type WeaponDetection struct {
	ClassName  string     `json:"class_name"`
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	Timestamp  time.Time  `json:"timestamp"`
}

// DetectionEvent is emitted for a frame in which a genuinely new subject
// appeared.
type DetectionEvent struct {
	ID             string            `json:"id"`
	TSStreamSec    int64             `json:"ts_stream_sec"`
	Wallclock      time.Time         `json:"wallclock"`
	PersonCount    int               `json:"person_count"`
	NewSubjects    int               `json:"new_subjects"`
	ActiveSubjects int               `json:"active_subjects"`
	Boxes          []Box             `json:"boxes"`
	ActiveTrackIDs []int64           `json:"active_track_ids"`
	Weapons        []WeaponDetection `json:"weapons,omitempty"`
	ThreatLevel    ThreatLevel       `json:"threat_level"`
	Trigger        Trigger           `json:"trigger"`
}

// AlertTypeCriticalWeapon is the alert_type of every CriticalAlert.
const AlertTypeCriticalWeapon = "CRITICAL_WEAPON_DETECTED"

// CriticalAlert is raised for a weapon detection outside the cooldown.
type CriticalAlert struct {
	ID                         string          `json:"id"`
	AlertType                  string          `json:"alert_type"`
	Detection                  WeaponDetection `json:"detection"`
	Timestamp                  time.Time       `json:"timestamp"`
	ThreatLevel                string          `json:"threat_level"`
	RequiresImmediateAttention bool            `json:"requires_immediate_attention"`
}

// NewCriticalAlert builds the alert for det raised at now.
func NewCriticalAlert(det WeaponDetection, now time.Time) CriticalAlert {
	return CriticalAlert{
		ID:                         uuid.NewString(),
		AlertType:                  AlertTypeCriticalWeapon,
		Detection:                  det,
		Timestamp:                  now.UTC(),
		ThreatLevel:                "HIGH",
		RequiresImmediateAttention: true,
	}
}
