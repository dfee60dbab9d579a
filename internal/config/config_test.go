package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/filetable/internal/rcu"
	fterrors "github.com/objectfs/filetable/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "debug"
	TestMaxFiles   = 4096
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Table.MaxFiles != 0 {
		t.Errorf("Expected MaxFiles to be 0 (auto), got %d", cfg.Table.MaxFiles)
	}
	if cfg.Reclaim.Interval != rcu.DefaultInterval {
		t.Errorf("Expected Reclaim.Interval to be %v, got %v", rcu.DefaultInterval, cfg.Reclaim.Interval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected Logging.Level to be info, got %s", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics to be enabled by default")
	}
	if cfg.Metrics.Address != ":9090" {
		t.Errorf("Expected Metrics.Address to be :9090, got %s", cfg.Metrics.Address)
	}
	if cfg.Mount.Enabled {
		t.Error("Expected mount to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: func() *Configuration {
				return NewDefault()
			},
			wantErr: false,
		},
		{
			name: "negative max files",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Table.MaxFiles = -1
				return cfg
			},
			wantErr: true,
			errMsg:  "table.max_files must not be negative",
		},
		{
			name: "zero reclaim interval",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Reclaim.Interval = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "reclaim.interval must be greater than 0",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Logging.Level = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid logging.level",
		},
		{
			name: "mount without mount point",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Mount.Enabled = true
				return cfg
			},
			wantErr: true,
			errMsg:  "mount.mount_point is required",
		},
		{
			name: "unavailable threshold below error threshold",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Health.ErrorThreshold = 5
				cfg.Health.UnavailableThreshold = 2
				return cfg
			},
			wantErr: true,
			errMsg:  "health.unavailable_threshold must be at least",
		},
		{
			name: "metrics disabled skips metrics checks",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Metrics.Enabled = false
				cfg.Metrics.Address = ""
				return cfg
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := NewDefault()
	cfg.Table.MaxFiles = -1
	cfg.Pool.Limit = -1
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	var ferr *fterrors.Error
	if !errors.As(err, &ferr) || ferr.Code != fterrors.ErrCodeInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG error, got %v", err)
	}
	if n := len(multierr.Errors(ferr.Cause)); n != 3 {
		t.Errorf("expected 3 problems, got %d: %v", n, ferr.Cause)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
table:
  max_files: 4096
  counter_shards: 8

reclaim:
  interval: 50ms

logging:
  level: debug
  format: console

mount:
  enabled: true
  mount_point: /mnt/filetable
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Table.MaxFiles != TestMaxFiles {
		t.Errorf("Expected MaxFiles to be %d, got %d", TestMaxFiles, cfg.Table.MaxFiles)
	}
	if cfg.Table.CounterShards != 8 {
		t.Errorf("Expected CounterShards to be 8, got %d", cfg.Table.CounterShards)
	}
	if cfg.Reclaim.Interval != 50*time.Millisecond {
		t.Errorf("Expected Reclaim.Interval to be 50ms, got %v", cfg.Reclaim.Interval)
	}
	if cfg.Logging.Level != TestDebugLevel {
		t.Errorf("Expected Logging.Level to be debug, got %s", cfg.Logging.Level)
	}
	if !cfg.Mount.Enabled || cfg.Mount.MountPoint != "/mnt/filetable" {
		t.Errorf("Expected mount at /mnt/filetable, got %+v", cfg.Mount)
	}
	// Untouched sections keep their defaults.
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected Metrics.Path to stay /metrics, got %s", cfg.Metrics.Path)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Expected error when loading non-existent config file")
	}
	if !errors.Is(err, fterrors.NewError(fterrors.ErrCodeConfigLoad, "")) {
		t.Errorf("Expected CONFIG_LOAD error, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("table: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := cfg.LoadFromFile(bad); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"FILETABLE_MAX_FILES":        "4096",
		"FILETABLE_COUNTER_SHARDS":   "16",
		"FILETABLE_POOL_LIMIT":       "1000",
		"FILETABLE_RECLAIM_INTERVAL": "25ms",
		"FILETABLE_LOG_LEVEL":        "debug",
		"FILETABLE_METRICS_ENABLED":  "false",
		"FILETABLE_MOUNT_POINT":      "/mnt/ft",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Table.MaxFiles != TestMaxFiles {
		t.Errorf("Expected MaxFiles to be %d, got %d", TestMaxFiles, cfg.Table.MaxFiles)
	}
	if cfg.Table.CounterShards != 16 {
		t.Errorf("Expected CounterShards to be 16, got %d", cfg.Table.CounterShards)
	}
	if cfg.Pool.Limit != 1000 {
		t.Errorf("Expected Pool.Limit to be 1000, got %d", cfg.Pool.Limit)
	}
	if cfg.Reclaim.Interval != 25*time.Millisecond {
		t.Errorf("Expected Reclaim.Interval to be 25ms, got %v", cfg.Reclaim.Interval)
	}
	if cfg.Logging.Level != TestDebugLevel {
		t.Errorf("Expected Logging.Level to be debug, got %s", cfg.Logging.Level)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics to be disabled")
	}
	if !cfg.Mount.Enabled || cfg.Mount.MountPoint != "/mnt/ft" {
		t.Errorf("Expected mount at /mnt/ft, got %+v", cfg.Mount)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("FILETABLE_MAX_FILES", "lots")
	t.Setenv("FILETABLE_RECLAIM_INTERVAL", "soon")
	t.Setenv("FILETABLE_LOG_LEVEL", "warn")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error for malformed environment")
	}
	for _, name := range []string{"FILETABLE_MAX_FILES", "FILETABLE_RECLAIM_INTERVAL"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %s", err, name)
		}
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("well-formed values should still apply, got level %s", cfg.Logging.Level)
	}
	if cfg.Table.MaxFiles != 0 {
		t.Errorf("malformed values must not apply, got %d", cfg.Table.MaxFiles)
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "subdir", "saved_config.yaml")

	cfg := NewDefault()
	cfg.Table.MaxFiles = TestMaxFiles
	cfg.Logging.Level = TestDebugLevel

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if newCfg.Table.MaxFiles != TestMaxFiles {
		t.Errorf("Expected MaxFiles to be %d, got %d", TestMaxFiles, newCfg.Table.MaxFiles)
	}
	if newCfg.Logging.Level != TestDebugLevel {
		t.Errorf("Expected Logging.Level to be debug, got %s", newCfg.Logging.Level)
	}
}

func TestFileTable(t *testing.T) {
	cfg := NewDefault()
	cfg.Table.MaxFiles = TestMaxFiles
	cfg.Pool.Limit = 128
	cfg.Reclaim.Interval = time.Second

	ft := cfg.FileTable()
	if ft.MaxFiles != TestMaxFiles || ft.PoolLimit != 128 || ft.Reclaim.Interval != time.Second {
		t.Errorf("unexpected file table config %+v", ft)
	}
}

func TestCollector(t *testing.T) {
	cfg := NewDefault()
	cfg.Metrics.Address = "127.0.0.1:0"

	mc := cfg.Collector()
	if !mc.Enabled || mc.Address != "127.0.0.1:0" || mc.Path != "/metrics" || mc.Namespace != "filetable" {
		t.Errorf("unexpected collector config %+v", mc)
	}

	mc.Labels["extra"] = "x"
	if _, ok := cfg.Metrics.Labels["extra"]; ok {
		t.Error("collector labels must not alias the configuration")
	}
}

func TestTracker(t *testing.T) {
	cfg := NewDefault()
	cfg.Health.Interval = time.Minute
	cfg.Health.AutoRecover = false

	tc := cfg.Tracker()
	if tc.HealthCheckInterval != time.Minute || tc.EnableAutoRecovery {
		t.Errorf("unexpected tracker config %+v", tc)
	}
	if tc.ErrorThreshold != 3 || tc.UnavailableThreshold != 10 {
		t.Errorf("unexpected thresholds %d/%d", tc.ErrorThreshold, tc.UnavailableThreshold)
	}
}
