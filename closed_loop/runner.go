package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	control "path-mpc-core/closed_loop/path_control"
	"path-mpc-core/closed_loop/reference"
	"path-mpc-core/utils"
)

// feedbackMaxAge bounds how old a CAN speed sample may be before the
// simulated speed is used instead
const feedbackMaxAge = 500 * time.Millisecond

var errTrackFinished = errors.New("track finished")

type RunnerConfig struct {
	Interface    string // empty runs offline
	MapPath      string
	ScenarioPath string
	PlotPath     string
}

// RunSummary collects per-run statistics
type RunSummary struct {
	RunID          string
	Cycles         int
	Failures       int
	HoldCycles     int
	StopCycles     int
	MaxAbsCTE      float64
	MeanAbsCTE     float64
	MeanSolveTime  time.Duration
	FinishedTrack  bool
	FinalSpeedMPS  float64
	FramesSent     uint64
	sumAbsCTE      float64
	cteSamples     int
	sumSolveTime   time.Duration
	successfulRuns int
}

// Trace is the recorded trajectory of a run in map coordinates
type Trace struct {
	Reference []reference.Point
	Driven    []reference.Point
	Predicted []reference.Point // last successful horizon
}

type Runner struct {
	cfg      RunnerConfig
	log      *utils.Logger
	scen     Scenario
	runID    string
	track    *reference.Track
	ctrl     *control.Controller
	plant    *Plant
	fallback *Fallback
	bus      *canBridge

	last     Actuation
	feedback chan SpeedFeedback
	lastRx   SpeedFeedback
	summary  RunSummary
	trace    Trace
}

// NewRunner loads the scenario and, when an interface is configured, the
// CAN map and SocketCAN endpoints
func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	scen, err := LoadScenario(cfg.ScenarioPath)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	r, err := newRunner(scen, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Interface == "" {
		return r, nil
	}
	if scen.CAN == nil {
		return nil, fmt.Errorf("interface %s given but scenario has no can section", cfg.Interface)
	}

	cmap, err := utils.LoadCANMap(cfg.MapPath)
	if err != nil {
		return nil, fmt.Errorf("load can map: %w", err)
	}
	writer, err := utils.NewSocketCANWriter(ctx, cfg.Interface)
	if err != nil {
		return nil, err
	}
	var reader utils.CANReader
	if scen.CAN.StateFrame != "" {
		rd, err := utils.NewSocketCANReader(ctx, cfg.Interface)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		reader = rd
	}
	if err := r.attachBus(cmap, writer, reader); err != nil {
		_ = writer.Close()
		if reader != nil {
			_ = reader.Close()
		}
		return nil, err
	}
	return r, nil
}

func newRunner(scen Scenario, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	track, err := reference.NewTrack(scen.Track.Waypoints, scen.Track.Loop)
	if err != nil {
		return nil, fmt.Errorf("track: %w", err)
	}
	ctrl, err := control.NewController(scen.MPC,
		control.WithLogger(log),
		control.WithPhaseHook(func(p control.Phase) { log.Trace("mpc phase=%s", p) }))
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	runID := uuid.NewString()
	return &Runner{
		cfg:      cfg,
		log:      log,
		scen:     scen,
		runID:    runID,
		track:    track,
		ctrl:     ctrl,
		plant:    NewPlant(ctrl, scen.Initial),
		fallback: NewFallback(scen.Fallback),
		last:     Actuation{Mode: ModeMPC},
		summary:  RunSummary{RunID: runID},
		trace:    Trace{Reference: track.Points()},
	}, nil
}

func (r *Runner) attachBus(cmap *utils.CANMap, w utils.CANWriter, rd utils.CANReader) error {
	bus, err := newCANBridge(cmap, *r.scen.CAN, r.scen.MPC.Lf, w, rd)
	if err != nil {
		return err
	}
	r.bus = bus
	if rd != nil {
		r.feedback = make(chan SpeedFeedback, 100)
	}
	return nil
}

func (r *Runner) Close() {
	if r.bus != nil {
		r.bus.close()
	}
}

// Summary returns the statistics gathered so far
func (r *Runner) Summary() RunSummary { return r.summary }

// Trace returns the recorded trajectory
func (r *Runner) Trace() Trace { return r.trace }

// Run steps the loop until the scenario duration elapses, an open track
// ends or ctx is cancelled. Without real-time mode cycles run back to back.
func (r *Runner) Run(ctx context.Context) error {
	dt := r.scen.Timing.DtS
	realTime := r.scen.Timing.RealTimeMode
	if r.bus != nil && !realTime {
		r.log.Warn("CAN bridge active; forcing real_time_mode")
		realTime = true
	}

	mode := "offline"
	if r.bus != nil {
		mode = fmt.Sprintf("iface=%s frame=%s id=0x%X", r.cfg.Interface, r.bus.tx.Name, r.bus.tx.ID)
	}
	r.log.Info("Starting run %s: scenario=%s duration=%.2fs dt=%.3fs horizon=%d latency=%.3fs %s",
		r.runID, r.scen.Meta.Name, r.scen.Timing.DurationS, dt, r.scen.MPC.HorizonSteps, r.scen.LatencyS, mode)

	if r.bus != nil && r.feedback != nil {
		go r.bus.receiveLoop(ctx, r.log, r.feedback)
	}

	var tick <-chan time.Time
	if realTime {
		ticker := time.NewTicker(time.Duration(dt * float64(time.Second)))
		defer ticker.Stop()
		tick = ticker.C
	}

	logEvery := 0
	if r.scen.Timing.LogHz > 0 {
		logEvery = int(math.Max(1, math.Round(1/(r.scen.Timing.LogHz*dt))))
	}

	steps := int(math.Ceil(r.scen.Timing.DurationS/dt - 1e-9))
	defer r.finish()
	for k := 0; k < steps; k++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				r.log.Warn("Context canceled; stopping run")
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			r.log.Warn("Context canceled; stopping run")
			return err
		}

		t := float64(k) * dt
		err := r.step(ctx, t, dt)
		if errors.Is(err, errTrackFinished) {
			r.summary.FinishedTrack = true
			r.log.Info("Reached end of track at t=%.2fs", t)
			return nil
		}
		if err != nil {
			return err
		}
		if logEvery > 0 && k%logEvery == 0 {
			pose := r.plant.Pose()
			r.log.Info("t=%.2f x=%.2f y=%.2f psi=%.3f v=%.2f mode=%s steer=%.4f accel=%.3f",
				t, pose.X, pose.Y, pose.Psi, r.plant.Speed(), r.last.Mode, r.last.Steer, r.last.Accel)
		}
	}
	return nil
}

// step runs one fit → solve → actuate cycle
func (r *Runner) step(ctx context.Context, t, dt float64) error {
	r.drainFeedback()

	pose := r.plant.Pose()
	idx, window := r.track.Ahead(pose, r.scen.Track.FitPoints)
	if r.track.Finished(idx) {
		return errTrackFinished
	}
	r.trace.Driven = append(r.trace.Driven, reference.Point{X: pose.X, Y: pose.Y})

	speed := r.speed()
	cmd, coeffs, fitted, err := r.solve(pose, window, speed)
	act := r.fallback.Next(cmd, err, speed, dt)
	r.record(cmd, coeffs, fitted, err, act, pose)

	r.plant.Step(act, dt)
	r.last = act

	if r.bus != nil {
		frame, err := r.bus.send(ctx, act)
		if err != nil {
			r.log.Critical("Transmit failed at t=%.3f: %v", t, err)
			return err
		}
		r.summary.FramesSent = r.bus.sent
		r.log.Trace("TX t=%.3f id=0x%X len=%d data=% X mode=%s steer=%.4f accel=%.3f",
			t, frame.ID, frame.Length, frame.Data[:frame.Length], act.Mode, act.Steer, act.Accel)
	}
	return nil
}

// solve fits the window ahead in the vehicle frame, compensates the
// actuator latency and runs the controller. fitted is false when no
// reference could be fitted.
func (r *Runner) solve(pose reference.Pose, window []reference.Point, speed float64) (cmd control.Command, coeffs control.ReferenceCoefficients, fitted bool, err error) {
	coeffs, err = reference.FitCubic(reference.ToVehicleFrame(pose, window))
	if err != nil {
		return control.Command{}, coeffs, false, fmt.Errorf("fit reference: %w", err)
	}
	state := reference.VehicleState(coeffs, speed)
	if r.scen.LatencyS > 0 {
		state = r.ctrl.Model(coeffs).Propagate(state, r.last.Steer, r.last.Accel, r.scen.LatencyS)
	}

	start := time.Now()
	cmd, err = r.ctrl.Solve(state, coeffs)
	if err == nil {
		r.summary.sumSolveTime += time.Since(start)
		r.summary.successfulRuns++
	}
	return cmd, coeffs, true, err
}

func (r *Runner) record(cmd control.Command, coeffs control.ReferenceCoefficients, fitted bool, err error, act Actuation, pose reference.Pose) {
	s := &r.summary
	s.Cycles++
	if fitted {
		cte := math.Abs(coeffs.Eval(0))
		s.MaxAbsCTE = math.Max(s.MaxAbsCTE, cte)
		s.sumAbsCTE += cte
		s.cteSamples++
	}

	switch act.Mode {
	case ModeHold:
		s.HoldCycles++
	case ModeStop:
		s.StopCycles++
	}
	if err != nil {
		s.Failures++
		r.log.Warn("cycle %d failed (%d consecutive), mode=%s: %v", s.Cycles, r.fallback.Failures(), act.Mode, err)
		if act.Mode == ModeStop {
			diag := r.fallback.PID().GetDiagnostics()
			r.log.Debug("stop PID: err=%.3f P=%.3f I=%.3f", diag.Error, diag.P, diag.I)
		}
		return
	}

	pts := make([]reference.Point, 0, len(cmd.Path)/2)
	for i := 0; i+1 < len(cmd.Path); i += 2 {
		pts = append(pts, reference.Point{X: cmd.Path[i], Y: cmd.Path[i+1]})
	}
	r.trace.Predicted = reference.ToMapFrame(pose, pts)
}

func (r *Runner) finish() {
	s := &r.summary
	if s.cteSamples > 0 {
		s.MeanAbsCTE = s.sumAbsCTE / float64(s.cteSamples)
	}
	if s.successfulRuns > 0 {
		s.MeanSolveTime = s.sumSolveTime / time.Duration(s.successfulRuns)
	}
	s.FinalSpeedMPS = r.plant.Speed()
	r.log.Info("Completed run %s: cycles=%d failures=%d hold=%d stop=%d max|cte|=%.3f mean|cte|=%.3f mean_solve=%s frames_sent=%d",
		r.runID, s.Cycles, s.Failures, s.HoldCycles, s.StopCycles, s.MaxAbsCTE, s.MeanAbsCTE, s.MeanSolveTime, s.FramesSent)
}

func (r *Runner) drainFeedback() {
	if r.feedback == nil {
		return
	}
	for {
		select {
		case fb := <-r.feedback:
			r.lastRx = fb
			r.log.Trace("RX speed=%.3f m/s", fb.SpeedMPS)
		default:
			return
		}
	}
}

// speed prefers fresh CAN feedback when the scenario asks for it
func (r *Runner) speed() float64 {
	if r.scen.CAN == nil || !r.scen.CAN.SpeedFeedback || r.lastRx.Timestamp.IsZero() {
		return r.plant.Speed()
	}
	if age := time.Since(r.lastRx.Timestamp); age > feedbackMaxAge {
		r.log.Warn("No speed feedback for %.1f ms; using simulated speed", age.Seconds()*1000)
		return r.plant.Speed()
	}
	return math.Max(r.lastRx.SpeedMPS, 0)
}
