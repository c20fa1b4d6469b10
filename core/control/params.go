package control

// PressureParams tune the PRESSURE_CONTROL PID loop.
type PressureParams struct {
	Kp                float64 `yaml:"kp"`
	Ki                float64 `yaml:"ki"`
	Kd                float64 `yaml:"kd"`
	Dt                float64 `yaml:"dt" validate:"gt=0"`
	Bias              float64 `yaml:"bias" validate:"gte=0,lte=100"`
	Tolerance         float64 `yaml:"tolerance" validate:"gte=0"`
	HighAlarmFraction float64 `yaml:"high_alarm_fraction" validate:"gt=0,lte=1"`
}

// FlowParams tune FLOW_REGULATION.
type FlowParams struct {
	Gain      float64 `yaml:"gain"`
	Bias      float64 `yaml:"bias" validate:"gte=0,lte=100"`
	Tolerance float64 `yaml:"tolerance" validate:"gte=0"`
}

// CompressorParams configure the AUTO deadband of COMPRESSOR_MANAGEMENT.
type CompressorParams struct {
	StartPressure float64 `yaml:"start_pressure" validate:"gte=0"`
	StopPressure  float64 `yaml:"stop_pressure" validate:"gtefield=StartPressure"`
	NominalSpeed  float64 `yaml:"nominal_speed" validate:"gt=0"`
}

// ValveParams bound the VALVE_CONTROL drift.
type ValveParams struct {
	Step float64 `yaml:"step" validate:"gte=0"`
}

// SafetyParams are the SAFETY_MONITORING warning limits.
type SafetyParams struct {
	PressureLimit    float64 `yaml:"pressure_limit"`
	TemperatureLimit float64 `yaml:"temperature_limit"`
}

// LeakParams configure the LEAK_DETECTION stub.
type LeakParams struct {
	Probability float64 `yaml:"probability" validate:"gte=0,lte=1"`
}

// TemperatureParams configure TEMPERATURE_CONTROL.
type TemperatureParams struct {
	Target    float64 `yaml:"target"`
	Tolerance float64 `yaml:"tolerance" validate:"gte=0"`
}

// EmergencyParams are the EMERGENCY_SHUTDOWN trip limits.
type EmergencyParams struct {
	PressureLimit    float64 `yaml:"pressure_limit"`
	TemperatureLimit float64 `yaml:"temperature_limit"`
}

// Params groups the tuning of every controller type.
type Params struct {
	Pressure    PressureParams    `yaml:"pressure"`
	Flow        FlowParams        `yaml:"flow"`
	Compressor  CompressorParams  `yaml:"compressor"`
	Valve       ValveParams       `yaml:"valve"`
	Safety      SafetyParams      `yaml:"safety"`
	Leak        LeakParams        `yaml:"leak"`
	Temperature TemperatureParams `yaml:"temperature"`
	Emergency   EmergencyParams   `yaml:"emergency"`
}

// DefaultParams returns the stock controller tuning.
func DefaultParams() Params {
	return Params{
		Pressure: PressureParams{
			Kp: 1.0, Ki: 0.1, Kd: 0.01, Dt: 0.1,
			Bias: 50, Tolerance: 2, HighAlarmFraction: 0.9,
		},
		Flow:        FlowParams{Gain: 0.5, Bias: 50, Tolerance: 10},
		Compressor:  CompressorParams{StartPressure: 45, StopPressure: 55, NominalSpeed: 1500},
		Valve:       ValveParams{Step: 1},
		Safety:      SafetyParams{PressureLimit: 75, TemperatureLimit: 60},
		Leak:        LeakParams{Probability: 0.0001},
		Temperature: TemperatureParams{Target: 25, Tolerance: 2},
		Emergency:   EmergencyParams{PressureLimit: 80, TemperatureLimit: 70},
	}
}
