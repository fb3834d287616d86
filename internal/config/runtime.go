package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	// ErrMissingSource is returned when no video source URL is configured.
	ErrMissingSource = errors.New("no video source configured (set -source or WATCHTOWER_SOURCE)")
	// ErrMissingDetector is returned when no person detector endpoint is configured.
	ErrMissingDetector = errors.New("no person detector configured (set -detector-url or WATCHTOWER_DETECTOR_URL)")
	// ErrMissingBinary is returned when the ffmpeg binary cannot be found.
	ErrMissingBinary = errors.New("ffmpeg binary not found")
)

// RuntimeConfig is the process wiring: where frames come from, which model
// endpoints to call and where results go.
type RuntimeConfig struct {
	SourceURL    string
	FFmpegBinary string

	DetectorURL  string
	WeaponURL    string // optional
	LandmarkURL  string // optional
	ModelTimeout time.Duration

	ListenAddr string
	DataDir    string
	HLSDir     string
	DBPath     string
	TuningPath string

	DisableTranscode bool

	NATSURL      string
	NATSPrefix   string
	RedisAddr    string
	RedisDB      int
	RedisPrefix  string
	KafkaBrokers string
	KafkaTopic   string
}

// DefaultRuntimeConfig reads the WATCHTOWER_* environment, falling back to
// built-in defaults. It does not validate.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		SourceURL:        EnvString("WATCHTOWER_SOURCE", ""),
		FFmpegBinary:     EnvString("WATCHTOWER_FFMPEG", "ffmpeg"),
		DetectorURL:      EnvString("WATCHTOWER_DETECTOR_URL", ""),
		WeaponURL:        EnvString("WATCHTOWER_WEAPON_URL", ""),
		LandmarkURL:      EnvString("WATCHTOWER_LANDMARK_URL", ""),
		ModelTimeout:     EnvDuration("WATCHTOWER_MODEL_TIMEOUT", 5*time.Second),
		ListenAddr:       EnvString("WATCHTOWER_LISTEN", ":8000"),
		DataDir:          EnvString("WATCHTOWER_DATA_DIR", "data"),
		HLSDir:           EnvString("WATCHTOWER_HLS_DIR", "hls"),
		DBPath:           EnvString("WATCHTOWER_DB", "data/watchtower.db"),
		TuningPath:       EnvString("WATCHTOWER_TUNING", ""),
		DisableTranscode: EnvBool("WATCHTOWER_DISABLE_TRANSCODE", false),
		NATSURL:          EnvString("WATCHTOWER_NATS_URL", ""),
		NATSPrefix:       EnvString("WATCHTOWER_NATS_PREFIX", "watchtower"),
		RedisAddr:        EnvString("WATCHTOWER_REDIS_ADDR", ""),
		RedisDB:          EnvInt("WATCHTOWER_REDIS_DB", 0),
		RedisPrefix:      EnvString("WATCHTOWER_REDIS_PREFIX", "watchtower"),
		KafkaBrokers:     EnvString("WATCHTOWER_KAFKA_BROKERS", ""),
		KafkaTopic:       EnvString("WATCHTOWER_KAFKA_TOPIC", "watchtower.events"),
	}
}

// LoadEnv loads the given .env files (".env" when none are named) into the
// process environment without overriding variables that are already set.
// Missing files are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// EnvString returns the environment value for key, or def when unset or empty.
func EnvString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer environment value for key, or def.
func EnvInt(key string, def int) int {
	if n, err := strconv.Atoi(EnvString(key, "")); err == nil {
		return n
	}
	return def
}

// EnvBool returns the boolean environment value for key, or def.
func EnvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(EnvString(key, "")); err == nil {
		return b
	}
	return def
}

// EnvDuration returns the duration environment value for key, or def.
func EnvDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(EnvString(key, "")); err == nil {
		return d
	}
	return def
}

// Validate checks everything that must hold before any worker starts.
func (c RuntimeConfig) Validate() error {
	if c.SourceURL == "" {
		return ErrMissingSource
	}
	if c.DetectorURL == "" {
		return ErrMissingDetector
	}
	for name, raw := range map[string]string{
		"detector": c.DetectorURL,
		"weapon":   c.WeaponURL,
		"landmark": c.LandmarkURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid %s url %q: %w", name, raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid %s url %q: scheme must be http or https", name, raw)
		}
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("model timeout must be positive, got %s", c.ModelTimeout)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.DataDir == "" {
		return errors.New("data directory must not be empty")
	}
	if _, err := exec.LookPath(c.FFmpegBinary); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMissingBinary, c.FFmpegBinary, err)
	}
	return nil
}

// Tuning loads TuningPath, or returns an empty config (all defaults) when
// no path is configured.
func (c RuntimeConfig) Tuning() (*TuningConfig, error) {
	if c.TuningPath == "" {
		return EmptyTuningConfig(), nil
	}
	return LoadTuningConfig(c.TuningPath)
}
