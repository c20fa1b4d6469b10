package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gasnet-twin/timectrl"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
simulation:
  time_step: 500ms
  duration: 2m
  mode: accelerated
controllers:
  compressor:
    start_pressure: 40
    stop_pressure: 60
    nominal_speed: 1800
`))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Simulation.TimeStep)
	assert.Equal(t, 2*time.Minute, cfg.Simulation.Duration)
	assert.Equal(t, 40.0, cfg.Controllers.Compressor.StartPressure)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1.0, cfg.Controllers.Pressure.Kp)
	assert.Equal(t, 0.1, cfg.Noise.Pressure)

	run := cfg.Runner()
	assert.Equal(t, timectrl.Accelerated, run.Mode)
	assert.Equal(t, 1800.0, run.Params.Compressor.NominalSpeed)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("simulation:\n  tick: 1s\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero time step":     "simulation:\n  time_step: 0s\n",
		"bad mode":           "simulation:\n  mode: warp\n",
		"inverted deadband":  "controllers:\n  compressor:\n    start_pressure: 60\n    stop_pressure: 50\n    nominal_speed: 1500\n",
		"leak probability":   "controllers:\n  leak:\n    probability: 2\n",
		"negative noise":     "noise:\n  flow: -1\n",
		"step over duration": "simulation:\n  duration: 1s\n  time_step: 2s\n",
		"otlp no endpoint":   "tracing:\n  enabled: true\n  exporter: otlp\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "error %v", err)
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gasnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grpc_addr: \":6000\"\nsimulation:\n  seed: 3\n"), 0o600))

	cfg, err := load(path, envMap(map[string]string{
		"GASNET_SEED":         "42",
		"GASNET_TIME_STEP":    "250ms",
		"GASNET_POSTGRES_DSN": "postgres://sim@localhost/gasnet",
		"GASNET_LOG_FORMAT":   "json",
		"GASNET_LOG_LEVEL":    "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.GRPCAddr)
	assert.Equal(t, uint64(42), cfg.Simulation.Seed)
	assert.Equal(t, 250*time.Millisecond, cfg.Simulation.TimeStep)
	assert.Equal(t, "postgres://sim@localhost/gasnet", cfg.Sinks.PostgresDSN)
	assert.Equal(t, "json", cfg.Logging().Format)
	assert.Equal(t, "debug", cfg.Logging().Level)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	_, err := load("", envMap(map[string]string{"GASNET_SEED": "many"}))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = load("", envMap(map[string]string{"GASNET_DURATION": "forever"}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), envMap(nil))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := load(filepath.Join("..", "..", "configs", "gasnet.yaml"), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Simulation.Network)
}
