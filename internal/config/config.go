// Package config centralizes runtime configuration for the ccexecd daemon.
//
// The bulk of the surface is environment-variable driven (each constant
// reads os.Getenv with a default, the way cc_executor's core/config.py
// does it) because these values are operational knobs set by whoever
// deploys the daemon, not project-level preferences. A small JSON file
// under ~/.ccexecd/config.json layers user overrides on top, following
// the teacher's config.Load/config.Save pattern.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved runtime configuration: environment
// defaults overridden by the JSON file, in that order.
type Config struct {
	// Session Manager
	MaxSessions int           `json:"maxSessions"`
	IdleTimeout time.Duration `json:"idleTimeout"`

	// Stream Multiplexer
	StreamBufferSize     int           `json:"streamBufferSize"`  // oversized-line soft limit, default 8 MiB
	StreamHardCeiling    int           `json:"streamHardCeiling"` // absolute abort ceiling, default 16 MiB
	ClientChunkSize      int           `json:"clientChunkSize"`   // default 64 KiB
	StreamTimeout        time.Duration `json:"streamTimeout"`
	StreamTimeoutEnabled bool          `json:"streamTimeoutEnabled"`

	// Security
	AllowedCommandPrefixes []string `json:"allowedCommandPrefixes,omitempty"`

	// Timeout Estimator
	DefaultExecTimeout time.Duration `json:"defaultExecTimeout"`
	MinTimeoutFloor    time.Duration `json:"minTimeoutFloor"`
	HardTimeoutFloor   time.Duration `json:"hardTimeoutFloor"`

	// Transport keepalive
	PingInterval time.Duration `json:"pingInterval"`
	PingTimeout  time.Duration `json:"pingTimeout"`

	// Hook Runner
	HooksFile string `json:"hooksFile,omitempty"`

	// Timing Store
	TimingStorePath string        `json:"timingStorePath,omitempty"`
	TimingStoreTTL  time.Duration `json:"timingStoreTTL"`

	// Listen address for the daemon's HTTP front door
	ListenAddr string `json:"listenAddr"`
}

// Default returns the built-in defaults before environment or file
// overrides are applied.
func Default() *Config {
	return &Config{
		MaxSessions:          100,
		IdleTimeout:          3600 * time.Second,
		StreamBufferSize:     8 * 1024 * 1024,
		StreamHardCeiling:    16 * 1024 * 1024,
		ClientChunkSize:      64 * 1024,
		StreamTimeout:        600 * time.Second,
		StreamTimeoutEnabled: true,
		DefaultExecTimeout:   300 * time.Second,
		MinTimeoutFloor:      60 * time.Second,
		HardTimeoutFloor:     300 * time.Second,
		PingInterval:         30 * time.Second,
		PingTimeout:          10 * time.Second,
		TimingStoreTTL:       7 * 24 * time.Hour,
		ListenAddr:           ":8003",
	}
}

// FromEnv applies the environment-variable surface on top of a base
// config (normally config.Default()). Unset variables leave the base
// value untouched.
func FromEnv(base *Config) *Config {
	c := *base

	if v, ok := lookupInt("CCEXECD_MAX_SESSIONS"); ok {
		c.MaxSessions = v
	}
	if v, ok := lookupDuration("CCEXECD_IDLE_TIMEOUT"); ok {
		c.IdleTimeout = v
	}
	if v, ok := lookupInt("CCEXECD_STREAM_BUFFER_SIZE"); ok {
		c.StreamBufferSize = v
	}
	if v, ok := lookupInt("CCEXECD_STREAM_HARD_CEILING"); ok {
		c.StreamHardCeiling = v
	}
	if v, ok := lookupInt("CCEXECD_CLIENT_CHUNK_SIZE"); ok {
		c.ClientChunkSize = v
	}
	if v, ok := lookupDuration("CCEXECD_STREAM_TIMEOUT"); ok {
		c.StreamTimeout = v
	}
	if v, ok := lookupBool("CCEXECD_STREAM_TIMEOUT_ENABLED"); ok {
		c.StreamTimeoutEnabled = v
	}
	if v := os.Getenv("CCEXECD_ALLOWED_COMMANDS"); v != "" {
		parts := strings.Split(v, ",")
		prefixes := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				prefixes = append(prefixes, p)
			}
		}
		c.AllowedCommandPrefixes = prefixes
	}
	if v, ok := lookupDuration("CCEXECD_DEFAULT_EXEC_TIMEOUT"); ok {
		c.DefaultExecTimeout = v
	}
	if v, ok := lookupDuration("CCEXECD_MIN_TIMEOUT_FLOOR"); ok {
		c.MinTimeoutFloor = v
	}
	if v, ok := lookupDuration("CCEXECD_HARD_TIMEOUT_FLOOR"); ok {
		c.HardTimeoutFloor = v
	}
	if v, ok := lookupDuration("CCEXECD_PING_INTERVAL"); ok {
		c.PingInterval = v
	}
	if v, ok := lookupDuration("CCEXECD_PING_TIMEOUT"); ok {
		c.PingTimeout = v
	}
	if v := os.Getenv("CCEXECD_HOOKS_FILE"); v != "" {
		c.HooksFile = v
	}
	if v := os.Getenv("CCEXECD_TIMING_STORE_PATH"); v != "" {
		c.TimingStorePath = v
	}
	if v, ok := lookupDuration("CCEXECD_TIMING_STORE_TTL"); ok {
		c.TimingStoreTTL = v
	}
	if v := os.Getenv("CCEXECD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}

	return &c
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	return strings.EqualFold(v, "true"), true
}

func lookupDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// GetConfigPath returns the path to the user-override JSON config file.
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".ccexecd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(configDir, "config.json"), nil
}

// Load resolves the full configuration: built-in defaults, then
// environment overrides, then the JSON override file if present.
func Load() (*Config, error) {
	cfg := FromEnv(Default())

	path, err := GetConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save persists the configuration as the user override file.
func (c *Config) Save() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
