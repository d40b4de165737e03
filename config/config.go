package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerlink"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// TransportTCP carries framed channels over raw TCP.
	TransportTCP = "tcp"
	// TransportWebSocket carries framed channels over WebSocket binary messages.
	TransportWebSocket = "websocket"

	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERLINK_DATA_DIR"
	// LogLevelEnv overrides the configured log level.
	LogLevelEnv = "PEERLINK_LOG_LEVEL"

	configFileName = "config.json"
)

// Duration is a time.Duration that persists as a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var nanos int64
		if numErr := json.Unmarshal(raw, &nanos); numErr != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*d = Duration(nanos)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// ReconnectConfig controls session establishment and auto-reconnect.
type ReconnectConfig struct {
	BaseDelay        Duration `json:"base_delay"`
	MaxDelay         Duration `json:"max_delay"`
	MaxAttempts      int      `json:"max_attempts"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
}

// FlowConfig controls transport backpressure and fragmentation.
type FlowConfig struct {
	HighWaterMark     uint64   `json:"high_water_mark"`
	LowWaterMark      uint64   `json:"low_water_mark"`
	MaxQueueSize      int      `json:"max_queue_size"`
	MaxFragmentSize   int      `json:"max_fragment_size"`
	ReassemblyTimeout Duration `json:"reassembly_timeout"`
}

// OfflineConfig controls the durable offline delivery queue.
type OfflineConfig struct {
	MaxRetries    int      `json:"max_retries"`
	RetryDelay    Duration `json:"retry_delay"`
	MaxRetryDelay Duration `json:"max_retry_delay"`
	PollInterval  Duration `json:"poll_interval"`
	Retention     Duration `json:"retention"`
	ItemTTL       Duration `json:"item_ttl"`
	DrainRate     float64  `json:"drain_rate"`
}

// DedupConfig controls inbound message deduplication.
type DedupConfig struct {
	Retention Duration `json:"retention"`
	Capacity  int      `json:"capacity"`
}

// BatchConfig controls inbound delivery batching.
type BatchConfig struct {
	Size          int      `json:"size"`
	FlushInterval Duration `json:"flush_interval"`
}

// HealthConfig controls the session health verdict.
type HealthConfig struct {
	LatencyThreshold Duration `json:"latency_threshold"`
	PingTimeout      Duration `json:"ping_timeout"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	Transport     string `json:"transport"`
	KeysDir       string `json:"keys_dir"`
	LogLevel      string `json:"log_level"`

	Reconnect ReconnectConfig `json:"reconnect"`
	Flow      FlowConfig      `json:"flow"`
	Offline   OfflineConfig   `json:"offline"`
	Dedup     DedupConfig     `json:"dedup"`
	Batch     BatchConfig     `json:"batch"`
	Health    HealthConfig    `json:"health"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "backups"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ParseLogLevel resolves the effective log level, preferring PEERLINK_LOG_LEVEL.
func (c *DeviceConfig) ParseLogLevel() logrus.Level {
	raw := c.LogLevel
	if override := os.Getenv(LogLevelEnv); override != "" {
		raw = override
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerlink device"
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    defaultDeviceName(),
		PortMode:      PortModeAutomatic,
		ListeningPort: 0,
		Transport:     TransportTCP,
		KeysDir:       filepath.Join(dataDir, "keys"),
		LogLevel:      logrus.InfoLevel.String(),
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setUint := func(field *uint64, value uint64) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if *field <= 0 {
			*field = Duration(value)
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.KeysDir, filepath.Join(dataDir, "keys"))
	setString(&cfg.LogLevel, logrus.InfoLevel.String())

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Transport != TransportTCP && cfg.Transport != TransportWebSocket {
		cfg.Transport = TransportTCP
		updated = true
	}

	setDuration(&cfg.Reconnect.BaseDelay, time.Second)
	setDuration(&cfg.Reconnect.MaxDelay, 60*time.Second)
	setInt(&cfg.Reconnect.MaxAttempts, 10)
	setDuration(&cfg.Reconnect.HandshakeTimeout, 15*time.Second)

	setUint(&cfg.Flow.HighWaterMark, 1<<20)
	setUint(&cfg.Flow.LowWaterMark, 256<<10)
	if cfg.Flow.LowWaterMark >= cfg.Flow.HighWaterMark {
		cfg.Flow.LowWaterMark = cfg.Flow.HighWaterMark / 4
		updated = true
	}
	setInt(&cfg.Flow.MaxQueueSize, 256)
	setInt(&cfg.Flow.MaxFragmentSize, 16<<10)
	setDuration(&cfg.Flow.ReassemblyTimeout, 30*time.Second)

	setInt(&cfg.Offline.MaxRetries, 5)
	setDuration(&cfg.Offline.RetryDelay, 5*time.Second)
	setDuration(&cfg.Offline.MaxRetryDelay, 5*time.Minute)
	setDuration(&cfg.Offline.PollInterval, 10*time.Second)
	setDuration(&cfg.Offline.Retention, 7*24*time.Hour)
	setDuration(&cfg.Offline.ItemTTL, 7*24*time.Hour)
	if cfg.Offline.DrainRate <= 0 {
		cfg.Offline.DrainRate = 50
		updated = true
	}

	setDuration(&cfg.Dedup.Retention, 10*time.Minute)
	setInt(&cfg.Dedup.Capacity, 10000)

	setInt(&cfg.Batch.Size, 32)
	setDuration(&cfg.Batch.FlushInterval, 200*time.Millisecond)

	setDuration(&cfg.Health.LatencyThreshold, 500*time.Millisecond)
	setDuration(&cfg.Health.PingTimeout, 5*time.Second)

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
