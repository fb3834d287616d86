// Package alerts escalates weapon detections into critical alerts under a
// global cooldown. Every alert is logged durably before callbacks run.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/watchtower/internal/events"
	"github.com/banshee-data/watchtower/internal/monitoring"
	"github.com/banshee-data/watchtower/internal/timeutil"
)

var logf = monitoring.Component("CriticalAlert")

const (
	// DefaultCooldown is the minimum time between two critical alerts.
	DefaultCooldown = 2 * time.Second
	// DefaultHistory bounds the detection history and the recent alert ring.
	DefaultHistory = 100
)

// Callback receives each critical alert. Returned errors and panics are
// logged and do not affect other callbacks.
type Callback func(events.CriticalAlert) error

// Logger durably records an alert. eventlog.Writer satisfies it.
type Logger interface {
	Append(v interface{}) error
}

// Config configures a Manager.
type Config struct {
	Cooldown time.Duration
	History  int
}

// Stats summarises the weapon detections seen so far.
type Stats struct {
	TotalDetections int            `json:"total_detections"`
	UniqueWeapons   int            `json:"unique_weapons"`
	WeaponTypes     map[string]int `json:"weapon_types"`
	LastDetection   *time.Time     `json:"last_detection"`
	ThreatLevel     string         `json:"threat_level"`
}

// Manager turns weapon detections into CriticalAlerts.
type Manager struct {
	cfg   Config
	clock timeutil.Clock
	log   Logger

	mu        sync.Mutex
	lastAlert time.Time
	history   *events.Ring[events.WeaponDetection]
	recent    *events.Ring[events.CriticalAlert]
	callbacks map[string]Callback
	cbOrder   []string
	logErrors int64
}

// NewManager creates a manager. log may be nil, in which case alerts are
// only kept in memory.
func NewManager(cfg Config, clock timeutil.Clock, log Logger) *Manager {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:       cfg,
		clock:     clock,
		log:       log,
		history:   events.NewRing[events.WeaponDetection](cfg.History),
		recent:    events.NewRing[events.CriticalAlert](cfg.History),
		callbacks: make(map[string]Callback),
	}
}

// AddCallback registers cb and returns an id for RemoveCallback.
func (m *Manager) AddCallback(cb Callback) string {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[id] = cb
	m.cbOrder = append(m.cbOrder, id)
	return id
}

// RemoveCallback unregisters a callback. Unknown ids are ignored.
func (m *Manager) RemoveCallback(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.callbacks[id]; !ok {
		return
	}
	delete(m.callbacks, id)
	for i, v := range m.cbOrder {
		if v == id {
			m.cbOrder = append(m.cbOrder[:i], m.cbOrder[i+1:]...)
			break
		}
	}
}

// Consider records dets and raises an alert for each detection that falls
// outside the cooldown. It returns the alerts raised.
func (m *Manager) Consider(dets []events.WeaponDetection) []events.CriticalAlert {
	var raised []events.CriticalAlert
	for _, det := range dets {
		m.history.Push(det)
		if a, ok := m.consider(det); ok {
			raised = append(raised, a)
		}
	}
	return raised
}

func (m *Manager) consider(det events.WeaponDetection) (events.CriticalAlert, bool) {
	m.mu.Lock()
	now := m.clock.Now()
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) <= m.cfg.Cooldown {
		m.mu.Unlock()
		return events.CriticalAlert{}, false
	}
	m.lastAlert = now
	cbs := make([]Callback, 0, len(m.cbOrder))
	for _, id := range m.cbOrder {
		cbs = append(cbs, m.callbacks[id])
	}
	m.mu.Unlock()

	alert := events.NewCriticalAlert(det, now)
	logf("%s detected with %.0f%% confidence", det.ClassName, det.Confidence*100)

	if m.log != nil {
		if err := m.log.Append(alert); err != nil {
			m.mu.Lock()
			m.logErrors++
			m.mu.Unlock()
			logf("failed to log alert %s: %v", alert.ID, err)
		}
	}
	m.recent.Push(alert)

	for i, cb := range cbs {
		if err := invoke(cb, alert); err != nil {
			logf("callback %d failed for alert %s: %v", i, alert.ID, err)
		}
	}
	return alert, true
}

func invoke(cb Callback, alert events.CriticalAlert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(alert)
}

// Recent returns up to limit of the newest alerts, oldest first.
func (m *Manager) Recent(limit int) []events.CriticalAlert {
	return m.recent.Snapshot(limit)
}

// Seed restores previously logged alerts into the recent ring.
func (m *Manager) Seed(alerts []events.CriticalAlert) {
	m.recent.Fill(alerts)
}

// AlertCount returns the number of alerts raised by this manager.
func (m *Manager) AlertCount() int64 {
	return m.recent.Total()
}

// LogErrors returns how many alerts failed to reach the durable log.
func (m *Manager) LogErrors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logErrors
}

// Stats summarises the detection history.
func (m *Manager) Stats() Stats {
	hist := m.history.Snapshot(0)
	s := Stats{
		TotalDetections: len(hist),
		WeaponTypes:     make(map[string]int),
		ThreatLevel:     "NONE",
	}
	if len(hist) == 0 {
		return s
	}
	for _, d := range hist {
		s.WeaponTypes[d.ClassName]++
	}
	s.UniqueWeapons = len(s.WeaponTypes)
	last := hist[len(hist)-1].Timestamp
	s.LastDetection = &last
	s.ThreatLevel = "HIGH"
	return s
}

// ResetHistory clears the detection history and the cooldown.
func (m *Manager) ResetHistory() {
	m.history.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAlert = time.Time{}
}
