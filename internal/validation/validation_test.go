package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limits struct {
	Min float64 `yaml:"min" validate:"gte=0"`
	Max float64 `yaml:"max" validate:"gtefield=Min"`
}

type doc struct {
	Name   string `yaml:"name" validate:"required"`
	Mode   string `yaml:"mode" validate:"omitempty,oneof=realtime accelerated"`
	Limits limits `yaml:"limits"`
}

func TestStructAcceptsValid(t *testing.T) {
	require.NoError(t, Struct(&doc{Name: "net", Mode: "realtime", Limits: limits{Min: 1, Max: 2}}))
}

func TestStructReportsEveryFieldByYAMLName(t *testing.T) {
	err := Struct(&doc{Mode: "turbo", Limits: limits{Min: -1, Max: -2}})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "name: field is required")
	assert.Contains(t, msg, "mode: must be one of [realtime accelerated]")
	assert.Contains(t, msg, "limits.min: must be at least 0")
	assert.Contains(t, msg, "limits.max: must not be below Min")
	assert.Equal(t, 4, strings.Count(msg, "\n")+1)
}

func TestStructRejectsNil(t *testing.T) {
	assert.Error(t, Struct(nil))
}
