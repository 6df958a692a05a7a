package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"path-mpc-core/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		_, _ = os.Stderr.WriteString("ERROR: " + err.Error() + "\n")
		stop()
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	scenarioFlag := &cli.StringFlag{
		Category: "Inputs and Outputs",
		Name:     "scenario",
		Aliases:  []string{"s"},
		Usage:    "Scenario JSON file",
		Value:    "config/scenarios/s_curve.json",
	}
	mapFlag := &cli.StringFlag{
		Category: "CAN",
		Name:     "map",
		Usage:    "Path to can_map.csv",
		Value:    "config/can/can_map.csv",
	}
	return &cli.Command{
		Name:  "closed_loop",
		Usage: "Path-tracking MPC closed-loop runner",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Drive a scenario with the MPC, offline or against a SocketCAN interface",
				Flags: []cli.Flag{
					scenarioFlag,
					mapFlag,
					&cli.StringFlag{
						Category: "CAN",
						Name:     "iface",
						Usage:    "SocketCAN interface name; empty runs offline",
					},
					&cli.StringFlag{
						Category: "Inputs and Outputs",
						Name:     "plot",
						Usage:    "Write a trajectory plot to this file at the end of the run",
					},
					&cli.StringFlag{
						Category: "Logging",
						Name:     "log",
						Usage:    "trace|debug|info|warn|error|critical",
						Value:    "info",
					},
					&cli.StringFlag{
						Category: "Logging",
						Name:     "logfile",
						Usage:    "Log file, mirrored to stdout",
						Value:    "closed_loop.log",
					},
				},
				Action: runAction,
			},
			{
				Name:  "check",
				Usage: "Validate a scenario and, optionally, its CAN frames without running",
				Flags: []cli.Flag{scenarioFlag, mapFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return check(cmd.String("scenario"), cmd.String("map"))
				},
			},
		},
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	level, err := utils.ParseLogLevel(cmd.String("log"))
	if err != nil {
		return err
	}
	log, err := utils.NewFileLogger(cmd.String("logfile"), level, true)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", cmd.String("logfile"), err)
	}
	defer log.Close()

	cfg := RunnerConfig{
		Interface:    cmd.String("iface"),
		MapPath:      cmd.String("map"),
		ScenarioPath: cmd.String("scenario"),
		PlotPath:     cmd.String("plot"),
	}

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		return err
	}
	defer runner.Close()

	runErr := runner.Run(ctx)
	if cfg.PlotPath != "" {
		title := fmt.Sprintf("%s (%s)", runner.scen.Meta.Name, runner.runID)
		if err := SaveTrajectoryPlot(cfg.PlotPath, title, runner.Trace()); err != nil {
			log.Error("Plot failed: %v", err)
		} else {
			log.Info("Wrote %s", cfg.PlotPath)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Critical("Run failed: %v", runErr)
		return runErr
	}
	return nil
}

func check(scenarioPath, mapPath string) error {
	scen, err := LoadScenario(scenarioPath)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	fmt.Printf("scenario %q: %d waypoints, %.1fs at dt=%.3fs, horizon %d\n",
		scen.Meta.Name, len(scen.Track.Waypoints), scen.Timing.DurationS, scen.Timing.DtS, scen.MPC.HorizonSteps)
	if scen.CAN == nil {
		return nil
	}
	cmap, err := utils.LoadCANMap(mapPath)
	if err != nil {
		return fmt.Errorf("load can map: %w", err)
	}
	bus, err := newCANBridge(cmap, *scen.CAN, scen.MPC.Lf, nil, nil)
	if err != nil {
		return err
	}
	fmt.Printf("tx %s id=0x%X dlc=%d cycle_ms=%d\n", bus.tx.Name, bus.tx.ID, bus.tx.DLC, bus.tx.CycleMS)
	if bus.rx != nil {
		fmt.Printf("rx %s id=0x%X dlc=%d cycle_ms=%d\n", bus.rx.Name, bus.rx.ID, bus.rx.DLC, bus.rx.CycleMS)
	}
	return nil
}
