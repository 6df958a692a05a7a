package main

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	control "path-mpc-core/closed_loop/path_control"
	"path-mpc-core/closed_loop/reference"
	"path-mpc-core/utils"
)

func straightScenario(length float64) Scenario {
	scen := DefaultScenario()
	scen.Meta.Name = "straight"
	scen.Timing.DurationS = 1
	scen.Timing.LogHz = 0
	scen.Initial = InitialState{Pose: reference.Pose{Y: -0.5}, V: 10}
	for x := 0.0; x <= length; x += 10 {
		scen.Track.Waypoints = append(scen.Track.Waypoints, reference.Point{X: x})
	}
	scen.MPC.TargetSpeed = 10
	return scen
}

func quietLogger() *utils.Logger {
	return utils.NewLogger(io.Discard, utils.ERROR)
}

func TestRunnerOfflineConvergesToTrack(t *testing.T) {
	scen := straightScenario(200)
	require.NoError(t, scen.Validate())
	r, err := newRunner(scen, RunnerConfig{}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	s := r.Summary()

	_, err = uuid.Parse(s.RunID)
	assert.NoError(t, err)
	assert.Equal(t, 10, s.Cycles)
	assert.Zero(t, s.Failures)
	assert.Zero(t, s.HoldCycles+s.StopCycles)
	assert.False(t, s.FinishedTrack)
	// cte is measured normal to the vehicle heading, so it can exceed the lateral offset slightly.
	assert.InDelta(t, 0.5, s.MaxAbsCTE, 0.05, "largest error is the initial offset")
	assert.Less(t, s.MeanAbsCTE, 0.5)
	assert.Positive(t, s.MeanSolveTime)

	tr := r.Trace()
	require.Len(t, tr.Driven, 10)
	assert.Equal(t, reference.Point{X: 0, Y: -0.5}, tr.Driven[0])
	last := tr.Driven[len(tr.Driven)-1]
	assert.Greater(t, last.X, 5.0)
	assert.Less(t, math.Abs(last.Y), 0.5, "moved toward the reference")
	assert.Len(t, tr.Predicted, scen.MPC.HorizonSteps-1)
	assert.Len(t, tr.Reference, 21)
}

func TestRunnerStopsAtEndOfOpenTrack(t *testing.T) {
	scen := straightScenario(60)
	scen.Initial = InitialState{V: 20}
	scen.MPC.TargetSpeed = 20
	scen.Timing.DurationS = 10
	r, err := newRunner(scen, RunnerConfig{}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	s := r.Summary()
	assert.True(t, s.FinishedTrack)
	assert.Less(t, s.Cycles, 100)
}

func TestRunnerLatencyCompensation(t *testing.T) {
	scen := straightScenario(200)
	scen.LatencyS = 0.1
	r, err := newRunner(scen, RunnerConfig{}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, r.Summary().Failures)
}

func TestRunnerTracksSCurve(t *testing.T) {
	if testing.Short() {
		t.Skip("full closed-loop run")
	}
	scen, err := LoadScenario(filepath.Join("..", "config", "scenarios", "s_curve.json"))
	require.NoError(t, err)
	r, err := newRunner(scen, RunnerConfig{}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	s := r.Summary()
	assert.Positive(t, s.Cycles)
	assert.LessOrEqual(t, s.Failures, s.Cycles/20)
	assert.Less(t, s.MaxAbsCTE, 1.5)
	assert.Less(t, s.MeanAbsCTE, 0.5)
}

func TestRunnerSummarySkipsUnfittedCycles(t *testing.T) {
	r, err := newRunner(straightScenario(200), RunnerConfig{}, quietLogger())
	require.NoError(t, err)

	var pose reference.Pose
	r.record(control.Command{}, control.ReferenceCoefficients{0.4}, true, nil, Actuation{Mode: ModeMPC}, pose)
	r.record(control.Command{}, control.ReferenceCoefficients{}, false, errors.New("fit reference: too few points"), Actuation{Mode: ModeHold}, pose)
	r.finish()

	s := r.Summary()
	assert.Equal(t, 2, s.Cycles)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 1, s.HoldCycles)
	assert.InDelta(t, 0.4, s.MaxAbsCTE, 1e-12)
	assert.InDelta(t, 0.4, s.MeanAbsCTE, 1e-12)
}

func TestRunnerHonoursCancellation(t *testing.T) {
	r, err := newRunner(straightScenario(200), RunnerConfig{}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.Zero(t, r.Summary().Cycles)
}

func TestRunnerFallsBackWhenSolverFails(t *testing.T) {
	scen := straightScenario(200)
	scen.Fallback.HoldCycles = 2
	r, err := newRunner(scen, RunnerConfig{}, quietLogger())
	require.NoError(t, err)
	r.ctrl, err = control.NewController(scen.MPC, control.WithSolver(failingSolver{}))
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	s := r.Summary()
	assert.Equal(t, 10, s.Failures)
	assert.Equal(t, 2, s.HoldCycles)
	assert.Equal(t, 8, s.StopCycles)
	assert.Less(t, s.FinalSpeedMPS, 10.0, "stop PID brakes")
	assert.Empty(t, r.Trace().Predicted)
}

type failingSolver struct{}

func (failingSolver) Solve(control.Problem) control.Solution {
	return control.Solution{Status: control.StatusNumericalFailure}
}

func TestRunnerTransmitsOnBus(t *testing.T) {
	scen := straightScenario(200)
	scen.Timing.DurationS = 0.3
	cfg := testCANConfig()
	cfg.StateFrame = ""
	scen.CAN = &cfg
	r, err := newRunner(scen, RunnerConfig{Interface: "vcan0"}, quietLogger())
	require.NoError(t, err)

	w := &fakeWriter{}
	require.NoError(t, r.attachBus(loadShippedMap(t), w, nil))
	require.NoError(t, r.Run(context.Background()))

	frames := w.sent()
	require.Len(t, frames, 3)
	assert.Equal(t, uint64(3), r.Summary().FramesSent)
	for _, f := range frames {
		assert.Equal(t, uint32(0x100), f.ID)
	}
}

func TestRunnerUsesSpeedFeedback(t *testing.T) {
	scen := straightScenario(200)
	cfg := testCANConfig()
	cfg.SpeedFeedback = true
	scen.CAN = &cfg
	r, err := newRunner(scen, RunnerConfig{Interface: "vcan0"}, quietLogger())
	require.NoError(t, err)
	cmap := loadShippedMap(t)
	require.NoError(t, r.attachBus(cmap, &fakeWriter{}, &fakeReader{frames: make(chan can.Frame)}))

	assert.Equal(t, 10.0, r.speed(), "no feedback yet")

	r.feedback <- SpeedFeedback{SpeedMPS: 7.5, Timestamp: time.Now()}
	r.drainFeedback()
	assert.Equal(t, 7.5, r.speed())

	r.lastRx.Timestamp = r.lastRx.Timestamp.Add(-2 * feedbackMaxAge)
	assert.Equal(t, 10.0, r.speed(), "stale feedback is ignored")
}

func TestSaveTrajectoryPlot(t *testing.T) {
	r, err := newRunner(straightScenario(200), RunnerConfig{}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	path := filepath.Join(t.TempDir(), "plots", "run.png")
	require.NoError(t, SaveTrajectoryPlot(path, "straight", r.Trace()))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
