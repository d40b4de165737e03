package config

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.Reconnect.BaseDelay.Std() != time.Second {
		t.Fatalf("expected 1s reconnect base delay, got %s", firstCfg.Reconnect.BaseDelay.Std())
	}
	if firstCfg.Dedup.Retention.Std() != 10*time.Minute {
		t.Fatalf("expected 10m dedup retention, got %s", firstCfg.Dedup.Retention.Std())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.Offline != firstCfg.Offline {
		t.Fatalf("expected offline section to round-trip, got %+v then %+v", firstCfg.Offline, secondCfg.Offline)
	}
}

func TestLoadOrCreateBackfillsMissingSections(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	legacy := &DeviceConfig{
		DeviceID:      "legacy-device",
		DeviceName:    "Legacy",
		ListeningPort: 9999,
		Flow:          FlowConfig{HighWaterMark: 4096, LowWaterMark: 8192},
	}
	if err := Save(ConfigPath(tempDir), legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.Flow.HighWaterMark != 4096 {
		t.Fatalf("expected explicit high water mark to be kept, got %d", cfg.Flow.HighWaterMark)
	}
	if cfg.Flow.LowWaterMark >= cfg.Flow.HighWaterMark {
		t.Fatalf("expected low water mark below high water mark, got %d >= %d", cfg.Flow.LowWaterMark, cfg.Flow.HighWaterMark)
	}
	if cfg.Offline.MaxRetries != 5 {
		t.Fatalf("expected default max retries 5, got %d", cfg.Offline.MaxRetries)
	}
	if cfg.Transport != TransportTCP {
		t.Fatalf("expected tcp transport, got %q", cfg.Transport)
	}
}

func TestDurationJSONAcceptsStringsAndNanoseconds(t *testing.T) {
	var section HealthConfig
	if err := json.Unmarshal([]byte(`{"latency_threshold":"250ms","ping_timeout":2000000000}`), &section); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if section.LatencyThreshold.Std() != 250*time.Millisecond {
		t.Fatalf("unexpected latency threshold %s", section.LatencyThreshold.Std())
	}
	if section.PingTimeout.Std() != 2*time.Second {
		t.Fatalf("unexpected ping timeout %s", section.PingTimeout.Std())
	}

	raw, err := json.Marshal(section)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(raw) != `{"latency_threshold":"250ms","ping_timeout":"2s"}` {
		t.Fatalf("unexpected encoding %s", raw)
	}
}

func TestParseLogLevelPrefersEnvironment(t *testing.T) {
	cfg := &DeviceConfig{LogLevel: "warn"}
	if got := cfg.ParseLogLevel(); got != logrus.WarnLevel {
		t.Fatalf("expected warn level, got %s", got)
	}

	t.Setenv(LogLevelEnv, "debug")
	if got := cfg.ParseLogLevel(); got != logrus.DebugLevel {
		t.Fatalf("expected env debug level, got %s", got)
	}

	cfg.LogLevel = "nonsense"
	t.Setenv(LogLevelEnv, "")
	if got := cfg.ParseLogLevel(); got != logrus.InfoLevel {
		t.Fatalf("expected fallback info level, got %s", got)
	}
}
