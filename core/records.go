package core

import (
	"github.com/signalsfoundry/gasnet-twin/internal/sink"
	"github.com/signalsfoundry/gasnet-twin/kb"
)

// buildRecords flattens one step into time-series records. Compressor
// records are emitted only when the change passed the write-back
// hysteresis.
func (se *SimulationEngine) buildRecords(snap *kb.Snapshot, res StepResult) []sink.Record {
	ts := se.now()
	base := sink.Record{RunID: se.cfg.RunID, Step: res.Step, SimTime: res.SimTime, Timestamp: ts}
	rec := func(kind sink.Kind, objectID string, fields map[string]any) sink.Record {
		r := base
		r.Kind = kind
		r.ObjectID = objectID
		r.Fields = fields
		return r
	}

	out := make([]sink.Record, 0, len(res.Readings)+len(res.Outputs)+len(snap.Nodes)+len(snap.Pipes)+len(snap.Valves))

	for _, s := range se.sensors.Sensors() {
		v, ok := res.Readings[s.ID]
		if !ok {
			continue
		}
		out = append(out, rec(sink.KindSensorReading, s.ID, map[string]any{
			"value": v,
			"kind":  string(s.Kind),
			"unit":  s.Unit,
		}))
	}

	for _, c := range se.bank.Controllers() {
		outputs, ok := res.Outputs[c.ID]
		if !ok {
			continue
		}
		fields := make(map[string]any, len(outputs)+2)
		for k, v := range outputs {
			fields[k] = v
		}
		fields["controller_type"] = string(c.Type)
		fields["node_id"] = c.NodeID
		out = append(out, rec(sink.KindPLCOutput, c.ID, fields))
	}

	for _, n := range snap.Nodes {
		out = append(out, rec(sink.KindNodeState, n.ID, map[string]any{
			"type":         string(n.Type),
			"pressure":     n.CurrentPressure,
			"flow":         n.CurrentFlow,
			"temperature":  n.GasTemperature,
			"set_pressure": n.SetPressure,
			"set_flow":     n.SetFlow,
		}))
	}

	for _, p := range snap.Pipes {
		out = append(out, rec(sink.KindPipeState, p.ID, map[string]any{
			"from_node": p.FromNode,
			"to_node":   p.ToNode,
			"flow":      p.CurrentFlow,
			"openness":  Openness(snap, p.ID),
		}))
	}

	decisions := make(map[string]ValveDecision, len(res.Valves))
	for _, d := range res.Valves {
		decisions[d.ValveID] = d
	}
	for _, v := range snap.Valves {
		d := decisions[v.ID]
		out = append(out, rec(sink.KindValveState, v.ID, map[string]any{
			"pipe_id":  v.PipeID,
			"position": v.Position,
			"target":   d.Target,
			"source":   string(d.Source),
			"applied":  d.Applied,
		}))
	}

	for _, d := range res.Compressors {
		if !d.Applied {
			continue
		}
		out = append(out, rec(sink.KindCompressorState, d.CompressorID, map[string]any{
			"status":       string(d.State.Status),
			"speed":        d.State.Speed,
			"command":      string(d.Target.Command),
			"target_speed": d.Target.Speed,
			"source":       string(d.Target.Source),
		}))
	}
	return out
}
