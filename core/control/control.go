// Package control implements the eight PLC controller types that run once
// per simulation step against sensor readings.
//
// Each controller is a pure function of its input and private state; it
// never touches actuators. Arbitration consumes the named outputs later.
package control

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/signalsfoundry/gasnet-twin/core/sensor"
	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/model"
)

// Type identifies a controller behaviour.
type Type string

const (
	PressureControl      Type = "PRESSURE_CONTROL"
	FlowRegulation       Type = "FLOW_REGULATION"
	CompressorManagement Type = "COMPRESSOR_MANAGEMENT"
	ValveControl         Type = "VALVE_CONTROL"
	SafetyMonitoring     Type = "SAFETY_MONITORING"
	LeakDetection        Type = "LEAK_DETECTION"
	TemperatureControl   Type = "TEMPERATURE_CONTROL"
	EmergencyShutdown    Type = "EMERGENCY_SHUTDOWN"
)

// Types lists every controller type in placement order.
var Types = []Type{
	PressureControl,
	FlowRegulation,
	CompressorManagement,
	ValveControl,
	SafetyMonitoring,
	LeakDetection,
	TemperatureControl,
	EmergencyShutdown,
}

// Valid reports whether t is a known controller type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Output keys.
const (
	KeyControlValvePosition = "CONTROL_VALVE_POSITION"
	KeyPressureInTolerance  = "PRESSURE_IN_TOLERANCE"
	KeyPIDOutput            = "PID_OUTPUT"

	KeyFlowControlValve = "FLOW_CONTROL_VALVE"
	KeyFlowInRange      = "FLOW_IN_RANGE"
	KeyFlowError        = "FLOW_ERROR"

	KeyCompressorCommand     = "COMPRESSOR_COMMAND"
	KeyCompressorTargetSpeed = "COMPRESSOR_TARGET_SPEED"
	KeyCompressorRunning     = "COMPRESSOR_RUNNING"
	KeySuctionValve          = "SUCTION_VALVE"
	KeyDischargeValve        = "DISCHARGE_VALVE"

	KeyValvesControlled = "VALVES_CONTROLLED"

	KeyPressureAlarm    = "PRESSURE_ALARM"
	KeyTemperatureAlarm = "TEMPERATURE_ALARM"
	KeySafetyOK         = "SAFETY_OK"

	KeyLeakDetected       = "LEAK_DETECTED"
	KeyLeakIsolationValve = "LEAK_ISOLATION_VALVE"

	KeyHeatingActive      = "HEATING_ACTIVE"
	KeyCoolingActive      = "COOLING_ACTIVE"
	KeyTemperatureInRange = "TEMPERATURE_IN_RANGE"
	KeyTemperatureError   = "TEMPERATURE_ERROR"

	KeyEmergencyStop   = "EMERGENCY_STOP"
	KeyMasterIsolation = "MASTER_ISOLATION"
	KeyEmergencyVent   = "EMERGENCY_VENT"
)

// Controller is one controller instance assigned to a node.
type Controller struct {
	ID     string
	Type   Type
	NodeID string
}

// ID builds the conventional controller ID for a type placed on a node.
func ID(t Type, nodeID string) string {
	return fmt.Sprintf("PLC_%s_%s", t, nodeID)
}

// State is the private memory a controller keeps between steps.
type State struct {
	Integral     float64
	LastError    float64
	CompressorOn bool
}

// Input is everything a controller may read during one scan.
type Input struct {
	Readings sensor.Readings
	// Node is the node the controller is placed on; setpoints and limits
	// are read from it.
	Node model.Node
	// Compressor is the compressor bound to this controller, if any.
	Compressor *model.Compressor
	// Valves are the valves bound to this controller.
	Valves []model.Valve
	// Rand drives stochastic behaviour. A nil source disables it.
	Rand *rand.Rand
}

// Alarm is an alarm produced by a scan, before it is stamped with run and
// step information.
type Alarm struct {
	Code     string
	Severity alarm.Severity
	Message  string
}

// Outputs are the named signals produced by one scan. Values are float64,
// bool or string.
type Outputs map[string]any

// Float returns a numeric output.
func (o Outputs) Float(key string) (float64, bool) {
	v, ok := o[key].(float64)
	return v, ok
}

// Bool returns a boolean output.
func (o Outputs) Bool(key string) (bool, bool) {
	v, ok := o[key].(bool)
	return v, ok
}

// String returns a string output.
func (o Outputs) String(key string) (string, bool) {
	v, ok := o[key].(string)
	return v, ok
}

// Evaluate runs one scan of c. Given the same input and state it always
// returns the same result, except where in.Rand is consumed.
func Evaluate(c Controller, p Params, in Input, st State) (Outputs, State, []Alarm) {
	switch c.Type {
	case PressureControl:
		return pressureControl(c, p.Pressure, in, st)
	case FlowRegulation:
		out := flowRegulation(c, p.Flow, in)
		return out, st, nil
	case CompressorManagement:
		return compressorManagement(c, p.Compressor, in, st)
	case ValveControl:
		return valveControl(p.Valve, in), st, nil
	case SafetyMonitoring:
		out, alarms := safetyMonitoring(c, p.Safety, in)
		return out, st, alarms
	case LeakDetection:
		out, alarms := leakDetection(p.Leak, in)
		return out, st, alarms
	case TemperatureControl:
		return temperatureControl(c, p.Temperature, in), st, nil
	case EmergencyShutdown:
		out, alarms := emergencyShutdown(p.Emergency, in)
		return out, st, alarms
	}
	return Outputs{}, st, nil
}

func pressureControl(c Controller, p PressureParams, in Input, st State) (Outputs, State, []Alarm) {
	observed, ok := in.Readings.Pressure(c.NodeID)
	if !ok {
		observed = in.Node.CurrentPressure
	}

	e := in.Node.SetPressure - observed
	st.Integral += e * p.Dt
	derivative := (e - st.LastError) / p.Dt
	pid := p.Kp*e + p.Ki*st.Integral + p.Kd*derivative
	st.LastError = e

	out := Outputs{
		KeyControlValvePosition: clamp(p.Bias+pid, 0, 100),
		KeyPressureInTolerance:  math.Abs(e) <= p.Tolerance,
		KeyPIDOutput:            pid,
	}

	var alarms []Alarm
	if limit := p.HighAlarmFraction * in.Node.PressureMax; in.Node.PressureMax > 0 && observed > limit {
		alarms = append(alarms, Alarm{
			Code:     "HIGH_PRESSURE",
			Severity: alarm.SeverityHigh,
			Message:  fmt.Sprintf("Pressure %.1f bar exceeds %.1f bar", observed, limit),
		})
	}
	return out, st, alarms
}

func flowRegulation(c Controller, p FlowParams, in Input) Outputs {
	observed, ok := in.Readings.Flow(c.NodeID)
	if !ok {
		observed = in.Node.CurrentFlow
	}
	e := in.Node.SetFlow - observed
	return Outputs{
		KeyFlowControlValve: clamp(p.Bias+p.Gain*e, 0, 100),
		KeyFlowInRange:      math.Abs(e) <= p.Tolerance,
		KeyFlowError:        e,
	}
}

func compressorManagement(c Controller, p CompressorParams, in Input, st State) (Outputs, State, []Alarm) {
	cmd := model.CommandAuto
	setSpeed := model.NoOverride
	nominal := p.NominalSpeed
	if comp := in.Compressor; comp != nil {
		cmd = comp.SetCommand
		setSpeed = comp.SetSpeed
		if comp.MaxSpeed > 0 {
			nominal = min(nominal, comp.MaxSpeed)
		}
	}

	on := st.CompressorOn
	speed := 0.0
	switch cmd {
	case model.CommandOn:
		on = true
		speed = nominal
		if setSpeed >= 0 {
			speed = setSpeed
		}
	case model.CommandOff:
		on = false
	default:
		if pressure, ok := in.Readings.Pressure(c.NodeID); ok {
			switch {
			case pressure < p.StartPressure:
				on = true
			case pressure > p.StopPressure:
				on = false
			}
		}
		if on {
			speed = nominal
			if setSpeed >= 0 {
				speed = setSpeed
			}
		}
	}

	var alarms []Alarm
	if on && !st.CompressorOn {
		alarms = append(alarms, Alarm{
			Code:     "COMPRESSOR_START",
			Severity: alarm.SeverityLow,
			Message:  fmt.Sprintf("Compressor start requested (%s)", cmd),
		})
	}
	st.CompressorOn = on

	command := string(model.CommandOff)
	if on {
		command = string(model.CommandOn)
	}
	return Outputs{
		KeyCompressorCommand:     command,
		KeyCompressorTargetSpeed: speed,
		KeyCompressorRunning:     on,
		KeySuctionValve:          on,
		KeyDischargeValve:        on,
	}, st, alarms
}

func valveControl(p ValveParams, in Input) Outputs {
	out := Outputs{KeyValvesControlled: float64(len(in.Valves))}
	for _, v := range in.Valves {
		if v.HasOverride() {
			// Never fight the operator.
			out[v.ID] = v.SetPosition
			continue
		}
		delta := 0.0
		if in.Rand != nil {
			delta = (in.Rand.Float64()*2 - 1) * p.Step
		}
		out[v.ID] = clamp(v.Position+delta, 0, 100)
	}
	return out
}

func safetyMonitoring(c Controller, p SafetyParams, in Input) (Outputs, []Alarm) {
	pressure, ok := in.Readings.Pressure(c.NodeID)
	if !ok {
		pressure = in.Node.CurrentPressure
	}
	temperature, ok := in.Readings.Temperature(c.NodeID)
	if !ok {
		temperature = in.Node.GasTemperature
	}

	var alarms []Alarm
	pressureAlarm := pressure > p.PressureLimit
	if pressureAlarm {
		alarms = append(alarms, Alarm{
			Code:     "PRESSURE_WARNING",
			Severity: alarm.SeverityMedium,
			Message:  fmt.Sprintf("High pressure warning: %.1f bar", pressure),
		})
	}
	temperatureAlarm := temperature > p.TemperatureLimit
	if temperatureAlarm {
		alarms = append(alarms, Alarm{
			Code:     "TEMPERATURE_WARNING",
			Severity: alarm.SeverityMedium,
			Message:  fmt.Sprintf("High temperature warning: %.1f°C", temperature),
		})
	}
	return Outputs{
		KeyPressureAlarm:    pressureAlarm,
		KeyTemperatureAlarm: temperatureAlarm,
		KeySafetyOK:         !pressureAlarm && !temperatureAlarm,
	}, alarms
}

func leakDetection(p LeakParams, in Input) (Outputs, []Alarm) {
	detected := in.Rand != nil && in.Rand.Float64() < p.Probability

	var alarms []Alarm
	if detected {
		alarms = append(alarms, Alarm{
			Code:     "GAS_LEAK",
			Severity: alarm.SeverityCritical,
			Message:  "Gas leak detected",
		})
	}
	return Outputs{
		KeyLeakDetected:       detected,
		KeyLeakIsolationValve: detected,
	}, alarms
}

func temperatureControl(c Controller, p TemperatureParams, in Input) Outputs {
	temperature, ok := in.Readings.Temperature(c.NodeID)
	if !ok {
		temperature = in.Node.GasTemperature
	}
	e := p.Target - temperature
	return Outputs{
		KeyHeatingActive:      e > p.Tolerance,
		KeyCoolingActive:      e < -p.Tolerance,
		KeyTemperatureInRange: math.Abs(e) <= p.Tolerance,
		KeyTemperatureError:   e,
	}
}

func emergencyShutdown(p EmergencyParams, in Input) (Outputs, []Alarm) {
	var tripped []string
	for id, v := range in.Readings.OfKind(sensor.KindPressure) {
		if v > p.PressureLimit {
			tripped = append(tripped, id)
		}
	}
	for id, v := range in.Readings.OfKind(sensor.KindTemperature) {
		if v > p.TemperatureLimit {
			tripped = append(tripped, id)
		}
	}
	sort.Strings(tripped)

	stop := len(tripped) > 0
	var alarms []Alarm
	if stop {
		alarms = append(alarms, Alarm{
			Code:     "EMERGENCY_STOP",
			Severity: alarm.SeverityCritical,
			Message:  fmt.Sprintf("Emergency shutdown triggered by %s", tripped[0]),
		})
	}
	return Outputs{
		KeyEmergencyStop:   stop,
		KeyMasterIsolation: stop,
		KeyEmergencyVent:   stop,
	}, alarms
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
