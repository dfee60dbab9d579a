package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/filetable/internal/filetable"
	"github.com/objectfs/filetable/internal/metrics"
	"github.com/objectfs/filetable/internal/rcu"
	"github.com/objectfs/filetable/pkg/errors"
	"github.com/objectfs/filetable/pkg/health"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "FILETABLE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Table   TableConfig   `yaml:"table"`
	Reclaim ReclaimConfig `yaml:"reclaim"`
	Pool    PoolConfig    `yaml:"pool"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Mount   MountConfig   `yaml:"mount"`
	Health  HealthConfig  `yaml:"health"`
}

// TableConfig represents admission settings
type TableConfig struct {
	// MaxFiles is the open-file ceiling. 0 derives it from system memory.
	MaxFiles      int64 `yaml:"max_files"`
	CounterShards int   `yaml:"counter_shards"`
	CounterBatch  int64 `yaml:"counter_batch"`
}

// ReclaimConfig represents deferred reclamation settings
type ReclaimConfig struct {
	Interval time.Duration `yaml:"interval"`
	Readers  int           `yaml:"readers"`
}

// PoolConfig represents record pool settings
type PoolConfig struct {
	// Limit bounds the records in use; 0 is unlimited.
	Limit int64 `yaml:"limit"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Address        string            `yaml:"address"`
	Path           string            `yaml:"path"`
	Namespace      string            `yaml:"namespace"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
	Labels         map[string]string `yaml:"labels"`
}

// MountConfig represents the optional FUSE mount
type MountConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MountPoint string `yaml:"mount_point"`
	FSName     string `yaml:"fs_name"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
	// Files is the number of demo files created in the mounted tree.
	Files int `yaml:"files"`
}

// HealthConfig controls the periodic health checks of serve.
type HealthConfig struct {
	Interval             time.Duration `yaml:"interval"`
	ErrorThreshold       int           `yaml:"error_threshold"`
	UnavailableThreshold int           `yaml:"unavailable_threshold"`
	// AutoRecover lets a read-only mount become writable again once
	// release callbacks stop failing.
	AutoRecover bool `yaml:"auto_recover"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Table: TableConfig{
			MaxFiles: 0,
		},
		Reclaim: ReclaimConfig{
			Interval: rcu.DefaultInterval,
		},
		Pool: PoolConfig{
			Limit: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Address:        ":9090",
			Path:           "/metrics",
			Namespace:      "filetable",
			UpdateInterval: 15 * time.Second,
			Labels: map[string]string{
				"service": "filetable",
			},
		},
		Mount: MountConfig{
			Enabled: false,
			FSName:  "filetable",
			Files:   4,
		},
		Health: HealthConfig{
			Interval:             10 * time.Second,
			ErrorThreshold:       3,
			UnavailableThreshold: 10,
			AutoRecover:          true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithDetail("file", filename).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithDetail("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from FILETABLE_* environment variables.
// Every malformed value is reported; well-formed ones are applied.
func (c *Configuration) LoadFromEnv() error {
	var errs error

	// Table settings
	errs = multierr.Append(errs, envInt64("MAX_FILES", &c.Table.MaxFiles))
	errs = multierr.Append(errs, envInt("COUNTER_SHARDS", &c.Table.CounterShards))
	errs = multierr.Append(errs, envInt64("COUNTER_BATCH", &c.Table.CounterBatch))
	errs = multierr.Append(errs, envInt64("POOL_LIMIT", &c.Pool.Limit))
	errs = multierr.Append(errs, envDuration("RECLAIM_INTERVAL", &c.Reclaim.Interval))
	errs = multierr.Append(errs, envDuration("HEALTH_INTERVAL", &c.Health.Interval))

	// Logging
	if val := os.Getenv(EnvPrefix + "LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv(EnvPrefix + "LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}

	// Metrics
	if val := os.Getenv(EnvPrefix + "METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv(EnvPrefix + "METRICS_ADDRESS"); val != "" {
		c.Metrics.Address = val
	}

	// Mount
	if val := os.Getenv(EnvPrefix + "MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
		c.Mount.Enabled = true
	}

	if errs != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment").
			WithComponent("config").
			WithCause(errs)
	}
	return nil
}

func envInt64(name string, dst *int64) error {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

func envInt(name string, dst *int) error {
	n := int64(*dst)
	if err := envInt64(name, &n); err != nil {
		return err
	}
	*dst = int(n)
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = d
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to marshal config").
			WithComponent("config").
			WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create config directory").
			WithComponent("config").
			WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write config file").
			WithComponent("config").
			WithDetail("file", filename).
			WithCause(err)
	}

	return nil
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "console"}
)

// Validate reports every problem in the configuration at once.
func (c *Configuration) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Table.MaxFiles >= 0, "table.max_files must not be negative")
	check(c.Table.CounterShards >= 0, "table.counter_shards must not be negative")
	check(c.Table.CounterBatch >= 0, "table.counter_batch must not be negative")
	check(c.Pool.Limit >= 0, "pool.limit must not be negative")
	check(c.Reclaim.Interval > 0, "reclaim.interval must be greater than 0")
	check(c.Reclaim.Readers >= 0, "reclaim.readers must not be negative")

	check(contains(validLogLevels, c.Logging.Level), "invalid logging.level: %s (must be one of: %s)",
		c.Logging.Level, strings.Join(validLogLevels, ", "))
	check(contains(validLogFormats, c.Logging.Format), "invalid logging.format: %s (must be one of: %s)",
		c.Logging.Format, strings.Join(validLogFormats, ", "))

	check(c.Health.Interval > 0, "health.interval must be greater than 0")
	check(c.Health.ErrorThreshold > 0, "health.error_threshold must be greater than 0")
	check(c.Health.UnavailableThreshold >= c.Health.ErrorThreshold,
		"health.unavailable_threshold must be at least health.error_threshold")

	if c.Metrics.Enabled {
		check(c.Metrics.Address != "", "metrics.address is required when metrics are enabled")
		check(strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path must start with /")
		check(c.Metrics.UpdateInterval > 0, "metrics.update_interval must be greater than 0")
	}
	if c.Mount.Enabled {
		check(c.Mount.MountPoint != "", "mount.mount_point is required when the mount is enabled")
		check(c.Mount.Files >= 0, "mount.files must not be negative")
	}

	if errs != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "configuration is invalid").
			WithComponent("config").
			WithDetail("problems", len(multierr.Errors(errs))).
			WithCause(errs)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FileTable returns the file table settings. Hooks, observer and logger are
// left for the caller to fill in.
func (c *Configuration) FileTable() filetable.Config {
	return filetable.Config{
		MaxFiles:      c.Table.MaxFiles,
		CounterShards: c.Table.CounterShards,
		CounterBatch:  c.Table.CounterBatch,
		PoolLimit:     c.Pool.Limit,
		Reclaim: rcu.Config{
			Readers:  c.Reclaim.Readers,
			Interval: c.Reclaim.Interval,
		},
	}
}

// Collector returns the metrics collector settings.
func (c *Configuration) Collector() *metrics.Config {
	labels := make(map[string]string, len(c.Metrics.Labels))
	for k, v := range c.Metrics.Labels {
		labels[k] = v
	}
	return &metrics.Config{
		Enabled:        c.Metrics.Enabled,
		Address:        c.Metrics.Address,
		Path:           c.Metrics.Path,
		Labels:         labels,
		Namespace:      c.Metrics.Namespace,
		UpdateInterval: c.Metrics.UpdateInterval,
	}
}

// Tracker returns the health tracker settings.
func (c *Configuration) Tracker() health.TrackerConfig {
	return health.TrackerConfig{
		ErrorThreshold:       c.Health.ErrorThreshold,
		UnavailableThreshold: c.Health.UnavailableThreshold,
		HealthCheckInterval:  c.Health.Interval,
		EnableAutoRecovery:   c.Health.AutoRecover,
	}
}
