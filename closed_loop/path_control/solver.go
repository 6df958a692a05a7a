package control

import (
	"time"
)

// DefaultTimeBudget applies when a Problem carries no budget of its own
const DefaultTimeBudget = 500 * time.Millisecond

// Evaluator computes the objective and constraint values of a nonlinear
// program at a candidate decision vector
type Evaluator interface {
	NumVars() int
	NumConstraints() int
	// EvaluateInto writes NumConstraints values into cons and returns the objective
	EvaluateInto(cons, vars []float64) float64
}

// Differentiable is an Evaluator that also supplies exact first derivatives.
// Solvers fall back to finite differences for evaluators without it.
type Differentiable interface {
	Evaluator
	Gradient(grad, vars []float64)
	Sparsity() []Nonzero
	Jacobian(vals, vars []float64)
}

// Status is the outcome of a solve
type Status int

const (
	StatusSuccess Status = iota
	StatusInfeasible
	StatusTimeExceeded
	StatusNumericalFailure
	StatusIterationLimit
	StatusInvalidProblem
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInfeasible:
		return "infeasible"
	case StatusTimeExceeded:
		return "time_exceeded"
	case StatusNumericalFailure:
		return "numerical_failure"
	case StatusIterationLimit:
		return "iteration_limit"
	case StatusInvalidProblem:
		return "invalid_problem"
	default:
		return "unknown"
	}
}

// Problem is everything a Solver needs for one solve
type Problem struct {
	Eval   Evaluator
	X0     []float64
	Bounds Bounds

	// TimeBudget is a hard ceiling; a solve that runs out of it fails
	// with StatusTimeExceeded
	TimeBudget time.Duration

	// Sparsity optionally overrides the Jacobian pattern of a
	// Differentiable evaluator
	Sparsity []Nonzero
}

// Solution is a Solver's answer. X is only set on StatusSuccess.
type Solution struct {
	Status       Status
	X            []float64
	Objective    float64
	MaxViolation float64

	Iterations      int // outer iterations
	InnerIterations int
	Elapsed         time.Duration
}

// Solver is the boundary to a nonlinear program solver. Implementations
// must return within the problem's time budget.
type Solver interface {
	Solve(p Problem) Solution
}
