// Package config loads canbridged's configuration from file, environment,
// and defaults, mirroring the teacher's pkg/config layering: environment
// variables take precedence over the config file, which takes precedence
// over built-in defaults. No CLI flag sets individual config values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix every environment variable override carries, e.g.
// CANBRIDGE_LOGGING_LEVEL.
const envPrefix = "CANBRIDGE"

// Config is canbridged's complete static configuration, per spec.md §6's
// configuration surface plus the ambient logging/telemetry/metrics knobs
// SPEC_FULL.md §A adds.
type Config struct {
	Bus     BusConfig     `mapstructure:"bus" yaml:"bus"`
	Listen  ListenConfig  `mapstructure:"listen" yaml:"listen"`
	Ingest  IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// InterfaceConfig describes one configured CAN interface (spec.md §6
// "interfaces").
type InterfaceConfig struct {
	Name       string `mapstructure:"name" validate:"required" yaml:"name"`
	ListenOnly bool   `mapstructure:"listen_only" yaml:"listen_only"`
	BitRateBPS uint32 `mapstructure:"bit_rate_bps" yaml:"bit_rate_bps"`
}

// BusConfig groups the CAN-side configuration surface.
type BusConfig struct {
	Interfaces []InterfaceConfig `mapstructure:"interfaces" validate:"required,min=1,dive" yaml:"interfaces"`
	BusOffset  int               `mapstructure:"bus_offset" validate:"gte=0" yaml:"bus_offset"`
	FDMode     bool              `mapstructure:"fd_mode" yaml:"fd_mode"`
	// DefaultDirection tags enqueued received frames; spec.md §6 expects
	// "rx" or "tx", though in practice received frames are always "rx".
	DefaultDirection string `mapstructure:"default_direction" validate:"oneof=rx tx" yaml:"default_direction"`
}

// ListenConfig groups the TCP endpoint configuration surface.
type ListenConfig struct {
	Host string `mapstructure:"host" validate:"required" yaml:"host"`
	Port int    `mapstructure:"port" validate:"gt=0,lte=65535" yaml:"port"`
}

// Addr renders the listen configuration as a "host:port" string.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// IngestConfig groups the Ingest Pipeline's configuration surface.
type IngestConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN          string `mapstructure:"dsn" validate:"required_if=Enabled true" yaml:"dsn"`
	FunctionName string `mapstructure:"function_name" validate:"required_if=Enabled true" yaml:"function_name"`

	BatchSize                  int     `mapstructure:"batch_size" validate:"gt=0" yaml:"batch_size"`
	FlushIntervalSeconds       float64 `mapstructure:"flush_interval_seconds" validate:"gt=0" yaml:"flush_interval_seconds"`
	QueueCapacity              int     `mapstructure:"queue_capacity" validate:"gt=0" yaml:"queue_capacity"`
	QueueFlushThresholdPercent int     `mapstructure:"queue_flush_threshold_percent" validate:"gte=1,lte=100" yaml:"queue_flush_threshold_percent"`

	SpillPath         string `mapstructure:"spill_path" validate:"required" yaml:"spill_path"`
	SpillMaxMegabytes int64  `mapstructure:"spill_max_megabytes" validate:"gt=0" yaml:"spill_max_megabytes"`

	StatsIntervalSeconds int `mapstructure:"stats_interval_seconds" validate:"gte=0" yaml:"stats_interval_seconds"`

	// IncludeBuses restricts which bus numbers are durably logged; empty
	// means every bus is logged (SPEC_FULL.md §C.5).
	IncludeBuses []int `mapstructure:"include_buses" yaml:"include_buses"`
}

// FlushInterval renders FlushIntervalSeconds as a time.Duration.
func (c IngestConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds * float64(time.Second))
}

// SpillMaxBytes renders SpillMaxMegabytes in bytes.
func (c IngestConfig) SpillMaxBytes() int64 {
	return c.SpillMaxMegabytes * 1024 * 1024
}

// StatsInterval renders StatsIntervalSeconds as a time.Duration.
func (c IngestConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

// LoggingConfig controls internal/logger's behavior. Level is one of the
// knobs the fsnotify-backed watch is permitted to hot-reload.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls internal/telemetry's OTLP tracing exporter and
// Pyroscope continuous profiling.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`

	// Profiling controls Pyroscope continuous profiling, independent of
	// trace export: a deployment can profile without tracing or vice versa.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls internal/telemetry.InitProfiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig controls the debug HTTP surface exposing /metrics,
// /healthz, and /readyz.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// hotReloadableKeys is the narrow allow-list of settings the fsnotify watch
// may apply without a restart (SPEC_FULL.md §A). Every other key requires
// the process to be restarted to take effect.
var hotReloadableKeys = map[string]bool{
	"ingest.queue_flush_threshold_percent": true,
	"ingest.stats_interval_seconds":        true,
	"logging.level":                        true,
}

// Load reads configPath (or viper's default search path if empty), applies
// environment overrides, fills defaults, and validates the result.
// Environment variables override only keys that appear in the loaded config
// file; when no config file is found they are not consulted at all.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		))); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// setupViper wires environment variable overrides and config file search,
// grounded on the teacher's pkg/config.setupViper.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/canbridge")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the config file if present. A missing file is not an
// error: the caller falls back to defaults.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

// Validate runs struct-tag validation over cfg via go-playground/validator.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	for _, bus := range cfg.Ingest.IncludeBuses {
		if bus < 0 {
			return fmt.Errorf("ingest.include_buses: negative bus number %d", bus)
		}
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// defaultConfig returns a Config populated with every field's default
// value, per spec.md §6's stated defaults (queue_capacity 50000, batch_size
// 500, flush_interval_seconds via 500ms, spill_max_megabytes 1024,
// queue_flush_threshold_percent 50).
func defaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			BusOffset:        0,
			FDMode:           false,
			DefaultDirection: "rx",
		},
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 29536,
		},
		Ingest: IngestConfig{
			Enabled:                    false,
			BatchSize:                  500,
			FlushIntervalSeconds:       0.5,
			QueueCapacity:              50000,
			QueueFlushThresholdPercent: 50,
			SpillPath:                  "/var/lib/canbridge/spill",
			SpillMaxMegabytes:          1024,
			StatsIntervalSeconds:       60,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
			Profiling: ProfilingConfig{
				Enabled:      false,
				Endpoint:     "http://localhost:4040",
				ProfileTypes: []string{"cpu", "alloc_objects", "inuse_objects", "goroutines"},
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9100",
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

// ApplyHotReload copies every key in hotReloadableKeys from next into cfg,
// leaving every other field untouched, and returns which keys actually
// changed. cmd/canbridged calls this from its fsnotify config-file watcher.
func ApplyHotReload(cfg *Config, next *Config) []string {
	var changed []string
	if cfg.Ingest.QueueFlushThresholdPercent != next.Ingest.QueueFlushThresholdPercent {
		cfg.Ingest.QueueFlushThresholdPercent = next.Ingest.QueueFlushThresholdPercent
		changed = append(changed, "ingest.queue_flush_threshold_percent")
	}
	if cfg.Ingest.StatsIntervalSeconds != next.Ingest.StatsIntervalSeconds {
		cfg.Ingest.StatsIntervalSeconds = next.Ingest.StatsIntervalSeconds
		changed = append(changed, "ingest.stats_interval_seconds")
	}
	if cfg.Logging.Level != next.Logging.Level {
		cfg.Logging.Level = next.Logging.Level
		changed = append(changed, "logging.level")
	}
	return changed
}

// IsHotReloadable reports whether key is in the narrow runtime-reload
// allow-list (SPEC_FULL.md §A).
func IsHotReloadable(key string) bool {
	return hotReloadableKeys[strings.ToLower(key)]
}
