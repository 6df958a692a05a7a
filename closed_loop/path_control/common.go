package control

import (
	"math"

	"github.com/pkg/errors"
)

// Field identifies one of the six per-timestep state components
type Field int

const (
	FieldX Field = iota
	FieldY
	FieldPsi
	FieldV
	FieldCTE
	FieldEPsi

	numFields = 6
)

func (f Field) String() string {
	switch f {
	case FieldX:
		return "x"
	case FieldY:
		return "y"
	case FieldPsi:
		return "psi"
	case FieldV:
		return "v"
	case FieldCTE:
		return "cte"
	case FieldEPsi:
		return "epsi"
	default:
		return "unknown"
	}
}

// Actuator identifies one of the two per-transition inputs
type Actuator int

const (
	ActuatorSteer Actuator = iota
	ActuatorAccel

	numActuators = 2
)

func (a Actuator) String() string {
	switch a {
	case ActuatorSteer:
		return "steer"
	case ActuatorAccel:
		return "accel"
	default:
		return "unknown"
	}
}

// VehicleState is the measured state at the start of a cycle, expressed in
// the same frame as the reference polynomial
type VehicleState struct {
	X    float64
	Y    float64
	Psi  float64
	V    float64
	CTE  float64
	EPsi float64
}

// Get returns the component named by f
func (s VehicleState) Get(f Field) float64 {
	switch f {
	case FieldX:
		return s.X
	case FieldY:
		return s.Y
	case FieldPsi:
		return s.Psi
	case FieldV:
		return s.V
	case FieldCTE:
		return s.CTE
	case FieldEPsi:
		return s.EPsi
	}
	panic("control: unknown state field")
}

// IsFinite reports whether every component is a finite number
func (s VehicleState) IsFinite() bool {
	for f := FieldX; f < numFields; f++ {
		v := s.Get(f)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ReferenceCoefficients are c0..c3 of the cubic f(x) = c0 + c1·x + c2·x² + c3·x³
type ReferenceCoefficients [4]float64

// NewReferenceCoefficients validates a coefficient slice produced by a path fit
func NewReferenceCoefficients(c []float64) (ReferenceCoefficients, error) {
	var rc ReferenceCoefficients
	if len(c) != len(rc) {
		return rc, errors.Wrapf(ErrInvalidConfig, "reference polynomial needs %d coefficients, got %d", len(rc), len(c))
	}
	for i, v := range c {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return rc, errors.Wrapf(ErrInvalidConfig, "reference coefficient c%d is not finite", i)
		}
		rc[i] = v
	}
	return rc, nil
}

// Eval returns f(x)
func (c ReferenceCoefficients) Eval(x float64) float64 {
	return c[0] + x*(c[1]+x*(c[2]+x*c[3]))
}

// Slope returns f'(x)
func (c ReferenceCoefficients) Slope(x float64) float64 {
	return c[1] + x*(2*c[2]+3*c[3]*x)
}

// DesiredHeading returns atan(f'(x))
func (c ReferenceCoefficients) DesiredHeading(x float64) float64 {
	return math.Atan(c.Slope(x))
}

// Command is the output of one successful cycle
type Command struct {
	Steer float64 // model units, bounded by ±MaxSteerRad·Lf
	Accel float64 // normalized throttle/brake in [-MaxAccel, MaxAccel]

	// Path holds the predicted positions for timesteps 0..N-2 as x0,y0,x1,y1,...
	Path []float64

	Objective    float64
	MaxViolation float64
	Iterations   int
}

// Vector returns the flat result [steer, accel, x0, y0, x1, y1, ...]
func (c Command) Vector() []float64 {
	out := make([]float64, 0, 2+len(c.Path))
	out = append(out, c.Steer, c.Accel)
	return append(out, c.Path...)
}

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
