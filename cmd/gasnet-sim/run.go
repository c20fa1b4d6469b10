package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/observability"
	"github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
	"github.com/signalsfoundry/gasnet-twin/timectrl"
)

type runFlags struct {
	network  string
	duration time.Duration
	timeStep time.Duration
	mode     string
	seed     uint64
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation to completion",
		Long: `Loads the networks, starts a single run and blocks until it completes,
fails or is interrupted. Ctrl-C stops the run at the next step boundary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := flags.apply(cmd, a); err != nil {
				return err
			}
			shutdownTracing, err := observability.InitTracing(ctx, a.cfg.Tracing, a.log)
			if err != nil {
				return err
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, a.log)

			run, err := runOnce(ctx, a)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s %s: %d/%d steps, %d overruns, sim time %s\n",
				run.ID, run.Status, run.TotalSteps, run.MaxSteps, run.Overruns, run.SimTime())
			if run.Status == runner.StatusFailed {
				return fmt.Errorf("run %s failed: %s", run.ID, run.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.network, "network", "", "Network to simulate (defaults to simulation.network)")
	cmd.Flags().DurationVar(&flags.duration, "duration", 0, "Simulated duration (defaults to simulation.duration)")
	cmd.Flags().DurationVar(&flags.timeStep, "time-step", 0, "Simulated step length (defaults to simulation.time_step)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Pacing mode: realtime or accelerated")
	cmd.Flags().Uint64Var(&flags.seed, "seed", 0, "Random seed (defaults to simulation.seed)")
	return cmd
}

// apply overlays explicitly set flags on the loaded configuration.
func (f *runFlags) apply(cmd *cobra.Command, a *app) error {
	sim := &a.cfg.Simulation
	if f.network != "" {
		sim.Network = f.network
	}
	if f.duration != 0 {
		sim.Duration = f.duration
	}
	if f.timeStep != 0 {
		sim.TimeStep = f.timeStep
	}
	if cmd.Flags().Changed("seed") {
		sim.Seed = f.seed
	}
	if f.mode != "" {
		if _, ok := timectrl.ParseMode(f.mode); !ok {
			return fmt.Errorf("unknown mode %q", f.mode)
		}
		sim.Mode = f.mode
	}
	if sim.Network == "" {
		names := a.lib.Catalog.Names()
		if len(names) != 1 {
			return fmt.Errorf("--network is required when %d networks are loaded", len(names))
		}
		sim.Network = names[0]
	}
	return nil
}

// runOnce starts the configured run and waits for it, stopping it when ctx
// ends.
func runOnce(ctx context.Context, a *app) (runner.Run, error) {
	m := a.manager()
	sim := a.cfg.Simulation
	run, err := m.Start(ctx, sim.Network, sim.Duration, sim.TimeStep)
	if err != nil {
		return runner.Run{}, err
	}

	final, err := m.Wait(ctx, run.ID)
	if err == nil {
		return final, nil
	}

	a.log.Info(context.Background(), "interrupt received; stopping run", logging.String("run_id", run.ID))
	stopped, stopErr := m.Stop(context.Background())
	if errors.Is(stopErr, runner.ErrNoActiveRun) {
		// Finished on its own while the interrupt was handled.
		return m.Status(run.ID)
	}
	return stopped, stopErr
}
