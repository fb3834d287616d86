package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/watchtower/internal/alerts"
	"github.com/banshee-data/watchtower/internal/identity"
	"github.com/banshee-data/watchtower/internal/ingest"
	"github.com/banshee-data/watchtower/internal/pipeline"
	"github.com/banshee-data/watchtower/internal/tracking"
	"github.com/banshee-data/watchtower/internal/transcode"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/watchtower.defaults.json"

// TuningConfig holds the operator-tunable parameters of the pipeline and its
// supervisors. Every field is optional; the Get* accessors supply defaults.
type TuningConfig struct {
	// Detection filters
	PersonConfidence *float64 `json:"person_confidence,omitempty"`
	WeaponConfidence *float64 `json:"weapon_confidence,omitempty"`
	WeaponClasses    []string `json:"weapon_classes,omitempty"`
	WeaponEveryN     *int     `json:"weapon_every_n,omitempty"`
	SampleFPS        *float64 `json:"sample_fps,omitempty"`

	// Tracker params
	TrackMatchIoU      *float64 `json:"track_match_iou,omitempty"`
	MaxTrackAgeSeconds *int64   `json:"max_track_age_seconds,omitempty"`
	MaxTracks          *int     `json:"max_tracks,omitempty"`

	// Identity params
	HeadFraction          *float64 `json:"head_fraction,omitempty"`
	IdentityMatchDistance *float64 `json:"identity_match_distance,omitempty"`
	IdentityTTLSeconds    *int64   `json:"identity_ttl_seconds,omitempty"`
	IdentityMomentum      *float64 `json:"identity_momentum,omitempty"`
	MaxIdentities         *int     `json:"max_identities,omitempty"`

	// Alerting
	AlertCooldown *string `json:"alert_cooldown,omitempty"` // duration string like "2s"
	AlertHistory  *int    `json:"alert_history,omitempty"`
	RecentEvents  *int    `json:"recent_events,omitempty"`

	// Supervision
	InitialBackoff     *string `json:"initial_backoff,omitempty"`
	MaxBackoff         *string `json:"max_backoff,omitempty"`
	MaxConnectAttempts *int    `json:"max_connect_attempts,omitempty"`
	RestartDelay       *string `json:"restart_delay,omitempty"`

	// Transcoding
	HLSSegmentSeconds *int    `json:"hls_segment_seconds,omitempty"`
	HLSListSize       *int    `json:"hls_list_size,omitempty"`
	StopTimeout       *string `json:"stop_timeout,omitempty"`

	// Delivery
	QueueSize         *int    `json:"queue_size,omitempty"`
	KeepaliveInterval *string `json:"keepalive_interval,omitempty"`
	JournalRetention  *string `json:"journal_retention,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file fall back to defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so package tests can find it. Panics if the file cannot be
// loaded; intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*float64{
		"person_confidence": c.PersonConfidence,
		"weapon_confidence": c.WeaponConfidence,
		"track_match_iou":   c.TrackMatchIoU,
		"head_fraction":     c.HeadFraction,
		"identity_momentum": c.IdentityMomentum,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}
	if c.IdentityMatchDistance != nil && (*c.IdentityMatchDistance < 0 || *c.IdentityMatchDistance > 2) {
		return fmt.Errorf("identity_match_distance must be between 0 and 2, got %f", *c.IdentityMatchDistance)
	}

	for name, v := range map[string]*int{
		"weapon_every_n":       c.WeaponEveryN,
		"max_tracks":           c.MaxTracks,
		"max_identities":       c.MaxIdentities,
		"alert_history":        c.AlertHistory,
		"recent_events":        c.RecentEvents,
		"max_connect_attempts": c.MaxConnectAttempts,
		"hls_segment_seconds":  c.HLSSegmentSeconds,
		"hls_list_size":        c.HLSListSize,
		"queue_size":           c.QueueSize,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.MaxTrackAgeSeconds != nil && *c.MaxTrackAgeSeconds < 1 {
		return fmt.Errorf("max_track_age_seconds must be at least 1, got %d", *c.MaxTrackAgeSeconds)
	}
	if c.IdentityTTLSeconds != nil && *c.IdentityTTLSeconds < 1 {
		return fmt.Errorf("identity_ttl_seconds must be at least 1, got %d", *c.IdentityTTLSeconds)
	}
	if c.SampleFPS != nil && *c.SampleFPS < 0 {
		return fmt.Errorf("sample_fps must be non-negative, got %f", *c.SampleFPS)
	}

	for name, v := range map[string]*string{
		"alert_cooldown":     c.AlertCooldown,
		"initial_backoff":    c.InitialBackoff,
		"max_backoff":        c.MaxBackoff,
		"restart_delay":      c.RestartDelay,
		"stop_timeout":       c.StopTimeout,
		"keepalive_interval": c.KeepaliveInterval,
		"journal_retention":  c.JournalRetention,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.GetMaxBackoff() < c.GetInitialBackoff() {
		return fmt.Errorf("max_backoff (%s) must not be below initial_backoff (%s)", c.GetMaxBackoff(), c.GetInitialBackoff())
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetPersonConfidence returns the person_confidence value or the default.
func (c *TuningConfig) GetPersonConfidence() float64 {
	if c.PersonConfidence == nil {
		return 0.5
	}
	return *c.PersonConfidence
}

// GetWeaponConfidence returns the weapon_confidence value or the default.
func (c *TuningConfig) GetWeaponConfidence() float64 {
	if c.WeaponConfidence == nil {
		return 0.7
	}
	return *c.WeaponConfidence
}

// GetWeaponEveryN returns the weapon_every_n value or the default.
func (c *TuningConfig) GetWeaponEveryN() int {
	if c.WeaponEveryN == nil {
		return 1
	}
	return *c.WeaponEveryN
}

// GetSampleFPS returns the decode rate requested from ffmpeg.
func (c *TuningConfig) GetSampleFPS() float64 {
	if c.SampleFPS == nil {
		return 5
	}
	return *c.SampleFPS
}

func (c *TuningConfig) GetTrackMatchIoU() float64 {
	if c.TrackMatchIoU == nil {
		return tracking.DefaultConfig().MatchThreshold
	}
	return *c.TrackMatchIoU
}

func (c *TuningConfig) GetMaxTrackAgeSeconds() int64 {
	if c.MaxTrackAgeSeconds == nil {
		return tracking.DefaultConfig().MaxTrackAge
	}
	return *c.MaxTrackAgeSeconds
}

func (c *TuningConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return tracking.DefaultConfig().MaxTracks
	}
	return *c.MaxTracks
}

func (c *TuningConfig) GetHeadFraction() float64 {
	if c.HeadFraction == nil {
		return identity.DefaultHeadFraction
	}
	return *c.HeadFraction
}

func (c *TuningConfig) GetIdentityMatchDistance() float64 {
	if c.IdentityMatchDistance == nil {
		return identity.DefaultConfig().MatchThreshold
	}
	return *c.IdentityMatchDistance
}

func (c *TuningConfig) GetIdentityTTLSeconds() int64 {
	if c.IdentityTTLSeconds == nil {
		return identity.DefaultConfig().TTL
	}
	return *c.IdentityTTLSeconds
}

func (c *TuningConfig) GetIdentityMomentum() float64 {
	if c.IdentityMomentum == nil {
		return identity.DefaultConfig().Momentum
	}
	return *c.IdentityMomentum
}

func (c *TuningConfig) GetMaxIdentities() int {
	if c.MaxIdentities == nil {
		return identity.DefaultConfig().MaxIdentities
	}
	return *c.MaxIdentities
}

// GetAlertCooldown parses and returns the alert_cooldown duration.
func (c *TuningConfig) GetAlertCooldown() time.Duration {
	return durationOr(c.AlertCooldown, alerts.DefaultCooldown)
}

func (c *TuningConfig) GetAlertHistory() int {
	if c.AlertHistory == nil {
		return alerts.DefaultHistory
	}
	return *c.AlertHistory
}

func (c *TuningConfig) GetRecentEvents() int {
	if c.RecentEvents == nil {
		return 100
	}
	return *c.RecentEvents
}

func (c *TuningConfig) GetInitialBackoff() time.Duration {
	return durationOr(c.InitialBackoff, ingest.DefaultConfig().InitialBackoff)
}

func (c *TuningConfig) GetMaxBackoff() time.Duration {
	return durationOr(c.MaxBackoff, ingest.DefaultConfig().MaxBackoff)
}

func (c *TuningConfig) GetMaxConnectAttempts() int {
	if c.MaxConnectAttempts == nil {
		return ingest.DefaultConfig().MaxConnectAttempts
	}
	return *c.MaxConnectAttempts
}

// GetRestartDelay is shared by the ingest supervisor and the transcoder.
func (c *TuningConfig) GetRestartDelay() time.Duration {
	return durationOr(c.RestartDelay, ingest.DefaultConfig().RestartDelay)
}

func (c *TuningConfig) GetHLSSegmentSeconds() int {
	if c.HLSSegmentSeconds == nil {
		return transcode.DefaultConfig().SegmentSeconds
	}
	return *c.HLSSegmentSeconds
}

func (c *TuningConfig) GetHLSListSize() int {
	if c.HLSListSize == nil {
		return transcode.DefaultConfig().ListSize
	}
	return *c.HLSListSize
}

func (c *TuningConfig) GetStopTimeout() time.Duration {
	return durationOr(c.StopTimeout, transcode.DefaultConfig().StopTimeout)
}

func (c *TuningConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 64
	}
	return *c.QueueSize
}

func (c *TuningConfig) GetKeepaliveInterval() time.Duration {
	return durationOr(c.KeepaliveInterval, 30*time.Second)
}

func (c *TuningConfig) GetJournalRetention() time.Duration {
	return durationOr(c.JournalRetention, 7*24*time.Hour)
}

// PipelineConfig builds the pipeline configuration, logging under logDir.
func (c *TuningConfig) PipelineConfig(logDir string) pipeline.Config {
	return pipeline.Config{
		PersonConfidence: c.GetPersonConfidence(),
		WeaponConfidence: c.GetWeaponConfidence(),
		WeaponClasses:    append([]string(nil), c.WeaponClasses...),
		WeaponEveryN:     c.GetWeaponEveryN(),
		HeadFraction:     c.GetHeadFraction(),
		Tracker: tracking.Config{
			MatchThreshold: c.GetTrackMatchIoU(),
			MaxTrackAge:    c.GetMaxTrackAgeSeconds(),
			MaxTracks:      c.GetMaxTracks(),
		},
		Identity: identity.Config{
			MatchThreshold: c.GetIdentityMatchDistance(),
			TTL:            c.GetIdentityTTLSeconds(),
			Momentum:       c.GetIdentityMomentum(),
			MaxIdentities:  c.GetMaxIdentities(),
		},
		Alerts: alerts.Config{
			Cooldown: c.GetAlertCooldown(),
			History:  c.GetAlertHistory(),
		},
		RecentEvents: c.GetRecentEvents(),
		LogDir:       logDir,
	}
}

// SupervisorConfig builds the ingest supervisor configuration.
func (c *TuningConfig) SupervisorConfig() ingest.Config {
	return ingest.Config{
		InitialBackoff:     c.GetInitialBackoff(),
		MaxBackoff:         c.GetMaxBackoff(),
		MaxConnectAttempts: c.GetMaxConnectAttempts(),
		RestartDelay:       c.GetRestartDelay(),
	}
}

// TranscodeConfig builds the transcoder configuration for the given binary,
// input and output directory.
func (c *TuningConfig) TranscodeConfig(binary, input, outputDir string) transcode.Config {
	cfg := transcode.DefaultConfig()
	if binary != "" {
		cfg.Binary = binary
	}
	cfg.InputURL = input
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	cfg.SegmentSeconds = c.GetHLSSegmentSeconds()
	cfg.ListSize = c.GetHLSListSize()
	cfg.RestartDelay = c.GetRestartDelay()
	cfg.StopTimeout = c.GetStopTimeout()
	return cfg
}
