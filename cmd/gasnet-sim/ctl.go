package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/gasnet-twin/internal/controlplane"
)

type ctlOptions struct {
	addr    string
	timeout time.Duration
}

func newCtlCmd() *cobra.Command {
	opts := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running control plane",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:50051", "Control plane address (host:port)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "Per-call timeout")

	var duration, timeStep time.Duration
	start := &cobra.Command{
		Use:   "start NETWORK",
		Short: "Start a run",
		Args:  cobra.ExactArgs(1),
		RunE: opts.call(func(ctx context.Context, c *controlplane.Client, args []string) (map[string]any, error) {
			return c.Start(ctx, args[0], duration, timeStep)
		}),
	}
	start.Flags().DurationVar(&duration, "duration", 0, "Simulated duration")
	start.Flags().DurationVar(&timeStep, "time-step", 0, "Simulated step length")

	cmd.AddCommand(
		start,
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the active run",
			Args:  cobra.NoArgs,
			RunE: opts.call(func(ctx context.Context, c *controlplane.Client, _ []string) (map[string]any, error) {
				return c.Stop(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status [RUN_ID]",
			Short: "Show a run, or the active run",
			Args:  cobra.MaximumNArgs(1),
			RunE: opts.call(func(ctx context.Context, c *controlplane.Client, args []string) (map[string]any, error) {
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				return c.Status(ctx, id)
			}),
		},
		&cobra.Command{
			Use:   "runs",
			Short: "List runs",
			Args:  cobra.NoArgs,
			RunE: opts.call(func(ctx context.Context, c *controlplane.Client, _ []string) (map[string]any, error) {
				return c.ListRuns(ctx)
			}),
		},
		&cobra.Command{
			Use:   "networks",
			Short: "List loaded networks",
			Args:  cobra.NoArgs,
			RunE: opts.call(func(ctx context.Context, c *controlplane.Client, _ []string) (map[string]any, error) {
				return c.ListNetworks(ctx)
			}),
		},
		&cobra.Command{
			Use:   "state NETWORK",
			Short: "Show the current state of a network",
			Args:  cobra.ExactArgs(1),
			RunE: opts.call(func(ctx context.Context, c *controlplane.Client, args []string) (map[string]any, error) {
				return c.GetState(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "set NETWORK TARGET OBJECT VALUE",
			Short: "Write a setpoint",
			Long: `Writes one operator setpoint. TARGET is node_pressure, node_flow,
valve_position, compressor_speed or compressor_command. VALUE is a number,
or ON, OFF or AUTO for compressor_command. A valve position or compressor
speed of -1 releases the override.`,
			Args: cobra.ExactArgs(4),
			RunE: opts.call(func(ctx context.Context, c *controlplane.Client, args []string) (map[string]any, error) {
				network, target, object, raw := args[0], args[1], args[2], args[3]
				if target == "compressor_command" {
					return c.SetCompressorCommand(ctx, network, object, raw)
				}
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, fmt.Errorf("value %q: %w", raw, err)
				}
				return c.SetValue(ctx, network, target, object, v)
			}),
		},
	)
	return cmd
}

func (o *ctlOptions) call(fn func(context.Context, *controlplane.Client, []string) (map[string]any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
		defer cancel()

		conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial %s: %w", o.addr, err)
		}
		defer func() { _ = conn.Close() }()

		out, err := fn(ctx, controlplane.NewClient(conn), args)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}
