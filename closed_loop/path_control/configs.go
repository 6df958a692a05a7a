package control

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every configuration validation failure
var ErrInvalidConfig = errors.New("invalid mpc config")

// SteeringConvention names the sign the actuator collaborator uses for steering
type SteeringConvention string

const (
	// SteerPositiveRight: positive steering turns right, i.e. decreases heading.
	// This matches the simulator the default Lf was calibrated against.
	SteerPositiveRight SteeringConvention = "positive_right"
	// SteerPositiveLeft: positive steering increases heading (textbook bicycle model).
	SteerPositiveLeft SteeringConvention = "positive_left"
)

// headingSign returns the factor applied to v·δ/Lf·Δt in the heading updates
func (c SteeringConvention) headingSign() float64 {
	if c == SteerPositiveLeft {
		return 1.0
	}
	return -1.0
}

// CostWeights holds the per-term objective weights
type CostWeights struct {
	CTE       float64 `json:"cte"`
	EPsi      float64 `json:"epsi"`
	Speed     float64 `json:"speed"`
	Steer     float64 `json:"steer"`
	Accel     float64 `json:"accel"`
	SteerRate float64 `json:"steer_rate"`
	AccelRate float64 `json:"accel_rate"`
}

// SolverConfig tunes the augmented Lagrangian solver
type SolverConfig struct {
	FeasibilityTol     float64 `json:"feasibility_tol"`
	OptimalityTol      float64 `json:"optimality_tol"` // projected gradient, relative to 1+‖∇f‖∞
	MaxOuterIterations int     `json:"max_outer_iterations"`
	MaxInnerIterations int     `json:"max_inner_iterations"` // Newton steps per outer iteration
	InitialPenalty     float64 `json:"initial_penalty"`
	PenaltyGrowth      float64 `json:"penalty_growth"`
	MaxPenalty         float64 `json:"max_penalty"`
}

// MPCConfig holds path-tracking MPC parameters.
// It is fixed for the lifetime of a Controller.
type MPCConfig struct {
	HorizonSteps int     `json:"horizon_steps"`
	TimeStep     float64 `json:"time_step_s"`

	// Lf is the distance from the center of gravity to the front axle.
	// Tuned until the model's turning radius matched the vehicle's at a
	// constant steering angle and speed.
	Lf          float64 `json:"lf_m"`
	TargetSpeed float64 `json:"target_speed"`

	Weights CostWeights `json:"weights"`

	MaxSteerRad float64 `json:"max_steer_rad"` // scaled by Lf in the bounds
	MaxAccel    float64 `json:"max_accel"`

	SolverTimeBudgetS  float64            `json:"solver_time_budget_s"`
	SteeringConvention SteeringConvention `json:"steering_convention"`

	Solver SolverConfig `json:"solver"`
}

// DefaultCostWeights returns the tuned default weights
func DefaultCostWeights() CostWeights {
	return CostWeights{
		CTE:       3000,
		EPsi:      2000,
		Speed:     1,
		Steer:     5,
		Accel:     5,
		SteerRate: 200,
		AccelRate: 10,
	}
}

// DefaultSolverConfig returns solver settings suitable for N around 10
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		FeasibilityTol:     1e-6,
		OptimalityTol:      1e-6,
		MaxOuterIterations: 60,
		MaxInnerIterations: 50,
		InitialPenalty:     100,
		PenaltyGrowth:      10,
		MaxPenalty:         1e10,
	}
}

// DefaultMPCConfig returns the reference configuration: 10 steps of 100 ms,
// ±25° steering, normalized throttle and a 0.5 s solve budget.
func DefaultMPCConfig() MPCConfig {
	return MPCConfig{
		HorizonSteps:       10,
		TimeStep:           0.1,
		Lf:                 2.67,
		TargetSpeed:        100,
		Weights:            DefaultCostWeights(),
		MaxSteerRad:        0.436332,
		MaxAccel:           1.0,
		SolverTimeBudgetS:  0.5,
		SteeringConvention: SteerPositiveRight,
		Solver:             DefaultSolverConfig(),
	}
}

// TimeBudget returns the solver time ceiling as a duration
func (c MPCConfig) TimeBudget() time.Duration {
	return time.Duration(c.SolverTimeBudgetS * float64(time.Second))
}

// SteerLimit returns the steering bound magnitude in model units
func (c MPCConfig) SteerLimit() float64 {
	return c.MaxSteerRad * c.Lf
}

// Validate rejects configurations that would make the program ill-posed
func (c MPCConfig) Validate() error {
	if c.HorizonSteps < 2 {
		return errors.Wrapf(ErrInvalidConfig, "horizon_steps must be >= 2, got %d", c.HorizonSteps)
	}
	if !positive(c.TimeStep) {
		return errors.Wrapf(ErrInvalidConfig, "time_step_s must be > 0, got %v", c.TimeStep)
	}
	if !positive(c.Lf) {
		return errors.Wrapf(ErrInvalidConfig, "lf_m must be > 0, got %v", c.Lf)
	}
	if math.IsNaN(c.TargetSpeed) || math.IsInf(c.TargetSpeed, 0) {
		return errors.Wrapf(ErrInvalidConfig, "target_speed must be finite, got %v", c.TargetSpeed)
	}
	if err := c.Weights.validate(); err != nil {
		return err
	}
	if !positive(c.MaxSteerRad) {
		return errors.Wrapf(ErrInvalidConfig, "max_steer_rad must be > 0, got %v", c.MaxSteerRad)
	}
	if !positive(c.MaxAccel) {
		return errors.Wrapf(ErrInvalidConfig, "max_accel must be > 0, got %v", c.MaxAccel)
	}
	if !positive(c.SolverTimeBudgetS) || c.TimeBudget() <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "solver_time_budget_s must be > 0, got %v", c.SolverTimeBudgetS)
	}
	switch c.SteeringConvention {
	case SteerPositiveRight, SteerPositiveLeft:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown steering_convention %q", c.SteeringConvention)
	}
	return c.Solver.validate()
}

func (w CostWeights) validate() error {
	terms := []struct {
		name string
		v    float64
	}{
		{"cte", w.CTE}, {"epsi", w.EPsi}, {"speed", w.Speed},
		{"steer", w.Steer}, {"accel", w.Accel},
		{"steer_rate", w.SteerRate}, {"accel_rate", w.AccelRate},
	}
	for _, t := range terms {
		if t.v < 0 || math.IsNaN(t.v) || math.IsInf(t.v, 0) {
			return errors.Wrapf(ErrInvalidConfig, "weight %s must be finite and >= 0, got %v", t.name, t.v)
		}
	}
	return nil
}

func (s SolverConfig) validate() error {
	if !positive(s.FeasibilityTol) || !positive(s.OptimalityTol) {
		return errors.Wrap(ErrInvalidConfig, "solver tolerances must be > 0")
	}
	if s.MaxOuterIterations < 1 || s.MaxInnerIterations < 1 {
		return errors.Wrap(ErrInvalidConfig, "solver iteration limits must be >= 1")
	}
	if !positive(s.InitialPenalty) || s.PenaltyGrowth <= 1 || s.MaxPenalty < s.InitialPenalty {
		return errors.Wrapf(ErrInvalidConfig, "bad penalty schedule (initial %v, growth %v, max %v)",
			s.InitialPenalty, s.PenaltyGrowth, s.MaxPenalty)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
