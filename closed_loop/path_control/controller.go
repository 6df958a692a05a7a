package control

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrSolverFailed matches every SolveError
	ErrSolverFailed     = errors.New("mpc solve failed")
	ErrInfeasible       = errors.New("mpc program infeasible")
	ErrTimeExceeded     = errors.New("mpc solver time budget exceeded")
	ErrNumericalFailure = errors.New("mpc solver numerical failure")

	// ErrInvalidState rejects measurements with NaN or infinite components
	ErrInvalidState = errors.New("invalid vehicle state")

	// ErrConcurrentSolve is returned when Solve is entered while another
	// Solve on the same Controller is still running
	ErrConcurrentSolve = errors.New("mpc controller already solving")
)

// SolveError reports a failed cycle. No command accompanies it; choosing a
// fallback is up to the caller.
type SolveError struct {
	Status       Status
	MaxViolation float64
	Iterations   int
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("mpc solve failed: status=%s max_violation=%.3g iterations=%d",
		e.Status, e.MaxViolation, e.Iterations)
}

// Is lets errors.Is match the generic and the status-specific sentinels
func (e *SolveError) Is(target error) bool {
	switch target {
	case ErrSolverFailed:
		return true
	case ErrInfeasible:
		return e.Status == StatusInfeasible
	case ErrTimeExceeded:
		return e.Status == StatusTimeExceeded
	case ErrNumericalFailure:
		return e.Status == StatusNumericalFailure
	}
	return false
}

// Phase is the controller's position in a cycle
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuilding
	PhaseSolving
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuilding:
		return "building"
	case PhaseSolving:
		return "solving"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Logger is the subset of utils.Logger the controller writes to
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// Option customises a Controller
type Option func(*Controller)

// WithSolver replaces the default augmented Lagrangian solver
func WithSolver(s Solver) Option {
	return func(c *Controller) { c.solver = s }
}

// WithLogger sets the diagnostic logger
func WithLogger(l Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithPhaseHook registers a callback invoked on every phase transition
func WithPhaseHook(h func(Phase)) Option {
	return func(c *Controller) { c.hook = h }
}

// Controller runs one receding-horizon cycle per Solve call. Apart from its
// fixed configuration it keeps nothing between cycles. Instances must not be
// shared between vehicles.
type Controller struct {
	cfg    MPCConfig
	layout Layout
	solver Solver
	log    Logger
	hook   func(Phase)

	busy atomic.Bool
}

// NewController validates cfg and builds a controller for it
func NewController(cfg MPCConfig, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := NewLayout(cfg.HorizonSteps)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		layout: layout,
		solver: NewAugLagSolver(cfg.Solver),
		log:    nopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the controller's configuration
func (c *Controller) Config() MPCConfig { return c.cfg }

// Layout returns the decision vector layout
func (c *Controller) Layout() Layout { return c.layout }

// Model builds the evaluator for a reference, e.g. for plant simulation
func (c *Controller) Model(coeffs ReferenceCoefficients) Model {
	return NewModel(c.cfg, c.layout, coeffs)
}

// Solve computes the first actuator pair and the predicted path for the
// measured state and reference. Failures are never retried here.
func (c *Controller) Solve(state VehicleState, coeffs ReferenceCoefficients) (Command, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Command{}, ErrConcurrentSolve
	}
	defer c.busy.Store(false)
	defer c.enter(PhaseIdle)

	c.enter(PhaseBuilding)
	if !state.IsFinite() {
		c.enter(PhaseFailed)
		return Command{}, errors.Wrapf(ErrInvalidState, "%+v", state)
	}
	model := NewModel(c.cfg, c.layout, coeffs)
	problem := Problem{
		Eval:       model,
		X0:         make([]float64, c.layout.NumVars()),
		Bounds:     BuildBounds(c.cfg, c.layout, state),
		TimeBudget: c.cfg.TimeBudget(),
		Sparsity:   model.Sparsity(),
	}

	c.enter(PhaseSolving)
	sol := c.solver.Solve(problem)
	if sol.Status != StatusSuccess {
		c.enter(PhaseFailed)
		c.log.Warn("mpc: solve failed status=%s viol=%.3g outer=%d inner=%d elapsed=%s",
			sol.Status, sol.MaxViolation, sol.Iterations, sol.InnerIterations, sol.Elapsed)
		return Command{}, &SolveError{
			Status:       sol.Status,
			MaxViolation: sol.MaxViolation,
			Iterations:   sol.Iterations,
		}
	}

	cmd := c.extract(sol)
	c.enter(PhaseSucceeded)
	c.log.Debug("mpc: steer=%.4f accel=%.4f cost=%.4g viol=%.3g outer=%d inner=%d elapsed=%s",
		cmd.Steer, cmd.Accel, sol.Objective, sol.MaxViolation, sol.Iterations, sol.InnerIterations, sol.Elapsed)
	return cmd, nil
}

func (c *Controller) extract(sol Solution) Command {
	l := c.layout
	x := sol.X
	cmd := Command{
		Steer:        x[l.ActuatorIndex(ActuatorSteer, 0)],
		Accel:        x[l.ActuatorIndex(ActuatorAccel, 0)],
		Path:         make([]float64, 0, 2*(l.Horizon()-1)),
		Objective:    sol.Objective,
		MaxViolation: sol.MaxViolation,
		Iterations:   sol.Iterations,
	}
	for t := 0; t < l.Horizon()-1; t++ {
		cmd.Path = append(cmd.Path, x[l.StateIndex(FieldX, t)], x[l.StateIndex(FieldY, t)])
	}
	return cmd
}

func (c *Controller) enter(p Phase) {
	if c.hook != nil {
		c.hook(p)
	}
}
