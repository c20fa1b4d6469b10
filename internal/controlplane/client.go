package controlplane

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the SimulationControl service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Start launches a run on network.
func (c *Client) Start(ctx context.Context, network string, duration, timeStep time.Duration) (map[string]any, error) {
	req := map[string]any{"network": network}
	if duration != 0 {
		req["duration"] = duration.String()
	}
	if timeStep != 0 {
		req["time_step"] = timeStep.String()
	}
	return c.call(ctx, "Start", req)
}

// Stop ends the active run.
func (c *Client) Stop(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "Stop", nil)
}

// Status reports a run; an empty id selects the active run.
func (c *Client) Status(ctx context.Context, runID string) (map[string]any, error) {
	if runID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, runIDMetadataKey, runID)
	}
	return c.call(ctx, "Status", map[string]any{"run_id": runID})
}

// ListRuns lists every run.
func (c *Client) ListRuns(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "ListRuns", nil)
}

// SetValue writes a numeric setpoint.
func (c *Client) SetValue(ctx context.Context, network, target, object string, value float64) (map[string]any, error) {
	return c.call(ctx, "SetSetpoint", map[string]any{
		"network": network, "target": target, "object": object, "value": value,
	})
}

// SetCompressorCommand forces a compressor ON, OFF or back to AUTO.
func (c *Client) SetCompressorCommand(ctx context.Context, network, compressorID, cmd string) (map[string]any, error) {
	return c.call(ctx, "SetSetpoint", map[string]any{
		"network": network, "target": "compressor_command", "object": compressorID, "command": cmd,
	})
}

// GetState returns the current state of a network.
func (c *Client) GetState(ctx context.Context, network string) (map[string]any, error) {
	return c.call(ctx, "GetState", map[string]any{"network": network})
}

// ListNetworks lists loaded networks.
func (c *Client) ListNetworks(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "ListNetworks", nil)
}
