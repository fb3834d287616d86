package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/watchtower/internal/events"
)

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)
	evs := []events.DetectionEvent{
		{ThreatLevel: events.ThreatCritical, Wallclock: now.Add(-10 * time.Minute)},
		{ThreatLevel: events.ThreatHigh, Wallclock: now.Add(-10 * time.Minute)},
		{ThreatLevel: events.ThreatMedium, Wallclock: now.Add(-2 * time.Hour)},
		{ThreatLevel: events.ThreatMedium, Wallclock: now.Add(-48 * time.Hour)},
	}

	s := summarize(evs, 3, now)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Critical)
	assert.Equal(t, 1, s.High)
	assert.Equal(t, 2, s.Medium)
	assert.Equal(t, 3, s.CriticalAlerts)

	require.Len(t, s.Trend, 24)
	last := s.Trend[23]
	assert.Equal(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), last.Time)
	assert.Equal(t, 2, last.Alerts)
	assert.Equal(t, 1, s.Trend[21].Alerts)

	var inWindow int
	for _, p := range s.Trend {
		inWindow += p.Alerts
	}
	assert.Equal(t, 3, inWindow)
}
