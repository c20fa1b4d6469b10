// Package config loads gasnet-sim settings from an optional YAML file and
// GASNET_* environment overrides, then validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/gasnet-twin/core"
	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/core/sensor"
	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/observability"
	"github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
	"github.com/signalsfoundry/gasnet-twin/internal/validation"
	"github.com/signalsfoundry/gasnet-twin/timectrl"
)

// ErrInvalidConfig wraps every load or validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// LogConfig selects the logger level and format.
type LogConfig struct {
	Level     string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format    string `yaml:"format" validate:"omitempty,oneof=json text"`
	AddSource bool   `yaml:"add_source"`
}

// SimulationConfig holds run defaults used by the CLI.
type SimulationConfig struct {
	Network       string        `yaml:"network"`
	Duration      time.Duration `yaml:"duration" validate:"gt=0"`
	TimeStep      time.Duration `yaml:"time_step" validate:"gt=0"`
	StopTimeout   time.Duration `yaml:"stop_timeout" validate:"gt=0"`
	Seed          uint64        `yaml:"seed"`
	Mode          string        `yaml:"mode" validate:"omitempty,oneof=realtime real_time accelerated fast"`
	ProgressEvery int           `yaml:"progress_every" validate:"gte=0"`
}

// SinkConfig selects the persistence and alarm backends. Empty DSNs disable
// the matching backend.
type SinkConfig struct {
	PostgresDSN  string `yaml:"postgres_dsn"`
	RedisURL     string `yaml:"redis_url"`
	RecordStream string `yaml:"record_stream" validate:"required"`
	AlarmStream  string `yaml:"alarm_stream" validate:"required"`
	StreamMaxLen int64  `yaml:"stream_max_len" validate:"gte=0"`
	Buffer       int    `yaml:"buffer" validate:"gt=0"`
	LogAlarms    bool   `yaml:"log_alarms"`
}

// Config is the full gasnet-sim configuration.
type Config struct {
	Log         LogConfig                   `yaml:"log"`
	MetricsAddr string                      `yaml:"metrics_addr"`
	GRPCAddr    string                      `yaml:"grpc_addr"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
	Simulation  SimulationConfig            `yaml:"simulation"`
	Sinks       SinkConfig                  `yaml:"sinks"`
	Noise       sensor.Noise                `yaml:"noise"`
	Controllers control.Params              `yaml:"controllers"`
	Physics     core.PhysicsParams          `yaml:"physics"`
}

// Default returns the stock configuration.
func Default() Config {
	run := runner.DefaultConfig()
	return Config{
		Log:         LogConfig{Level: "info", Format: "text"},
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",
		Tracing: observability.TracingConfig{
			ServiceName: "gasnet-sim",
			Exporter:    "stdout",
			SampleRatio: 1.0,
		},
		Simulation: SimulationConfig{
			Duration:      time.Hour,
			TimeStep:      time.Second,
			StopTimeout:   run.StopTimeout,
			Seed:          run.Seed,
			Mode:          "realtime",
			ProgressEvery: run.ProgressEvery,
		},
		Sinks: SinkConfig{
			RecordStream: "gasnet:records",
			AlarmStream:  "gasnet:alarms",
			StreamMaxLen: 100000,
			Buffer:       256,
			LogAlarms:    true,
		},
		Noise:       run.Noise,
		Controllers: run.Params,
		Physics:     run.PhysicsParams,
	}
}

// Load reads path (when non-empty) over the defaults, applies GASNET_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
		}
		if err := decode(bytes.NewReader(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates it. Environment
// overrides are not applied.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := validation.Struct(&c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Simulation.TimeStep > c.Simulation.Duration {
		return fmt.Errorf("%w: simulation.time_step %s exceeds duration %s",
			ErrInvalidConfig, c.Simulation.TimeStep, c.Simulation.Duration)
	}
	if c.Tracing.Enabled && isOTLP(c.Tracing.Exporter) && c.Tracing.Endpoint == "" {
		return fmt.Errorf("%w: tracing.endpoint is required for the otlp exporter", ErrInvalidConfig)
	}
	return nil
}

func isOTLP(exporter string) bool {
	e := strings.ToLower(exporter)
	return e == "otlp" || e == "otlpgrpc"
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, AddSource: c.Log.AddSource}
}

// Runner maps the configuration onto run defaults.
func (c Config) Runner() runner.Config {
	mode, _ := timectrl.ParseMode(c.Simulation.Mode)
	run := runner.DefaultConfig()
	run.Seed = c.Simulation.Seed
	run.Mode = mode
	run.StopTimeout = c.Simulation.StopTimeout
	run.ProgressEvery = c.Simulation.ProgressEvery
	run.Noise = c.Noise
	run.Params = c.Controllers
	run.PhysicsParams = c.Physics
	return run
}

// applyEnv overlays GASNET_* variables. Malformed numeric values are errors
// rather than silently ignored.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("GASNET_LOG_LEVEL", &c.Log.Level)
	str("GASNET_LOG_FORMAT", &c.Log.Format)
	str("GASNET_METRICS_ADDR", &c.MetricsAddr)
	str("GASNET_GRPC_ADDR", &c.GRPCAddr)
	str("GASNET_NETWORK", &c.Simulation.Network)
	str("GASNET_MODE", &c.Simulation.Mode)
	dur("GASNET_DURATION", &c.Simulation.Duration)
	dur("GASNET_TIME_STEP", &c.Simulation.TimeStep)
	dur("GASNET_STOP_TIMEOUT", &c.Simulation.StopTimeout)
	if v, ok := lookup("GASNET_SEED"); ok && v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GASNET_SEED: %w", err))
		} else {
			c.Simulation.Seed = seed
		}
	}
	str("GASNET_POSTGRES_DSN", &c.Sinks.PostgresDSN)
	str("GASNET_REDIS_URL", &c.Sinks.RedisURL)

	if v, ok := lookup("GASNET_TRACING_ENABLED"); ok && v != "" {
		c.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	str("GASNET_TRACING_EXPORTER", &c.Tracing.Exporter)
	str("GASNET_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	str("GASNET_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	if v, ok := lookup("GASNET_TRACING_SAMPLE_RATIO"); ok && v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GASNET_TRACING_SAMPLE_RATIO: %w", err))
		} else {
			c.Tracing.SampleRatio = ratio
		}
	}
	return errors.Join(errs...)
}
