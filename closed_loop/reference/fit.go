package reference

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	control "path-mpc-core/closed_loop/path_control"
)

// ErrDegenerateFit is returned when the waypoints do not determine a polynomial
var ErrDegenerateFit = errors.New("degenerate reference fit")

// ToVehicleFrame expresses map points relative to pose: +x ahead of the
// vehicle, +y to its left
func ToVehicleFrame(pose Pose, pts []Point) []Point {
	sin, cos := math.Sincos(pose.Psi)
	out := make([]Point, len(pts))
	for i, p := range pts {
		dx, dy := p.X-pose.X, p.Y-pose.Y
		out[i] = Point{
			X: dx*cos + dy*sin,
			Y: -dx*sin + dy*cos,
		}
	}
	return out
}

// ToMapFrame is the inverse of ToVehicleFrame
func ToMapFrame(pose Pose, pts []Point) []Point {
	sin, cos := math.Sincos(pose.Psi)
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{
			X: pose.X + p.X*cos - p.Y*sin,
			Y: pose.Y + p.X*sin + p.Y*cos,
		}
	}
	return out
}

// FitPolynomial returns the least-squares coefficients c0..c_order of
// y = Σ cᵢ·xⁱ through pts
func FitPolynomial(pts []Point, order int) ([]float64, error) {
	cols := order + 1
	if order < 1 || len(pts) < cols {
		return nil, errors.Wrapf(ErrTooFewPoints, "order %d fit over %d points", order, len(pts))
	}
	a := mat.NewDense(len(pts), cols, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		v := 1.0
		for j := 0; j < cols; j++ {
			a.Set(i, j, v)
			v *= p.X
		}
		b.SetVec(i, p.Y)
	}

	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return nil, errors.Wrap(ErrDegenerateFit, err.Error())
	}
	out := make([]float64, cols)
	for j := range out {
		out[j] = c.AtVec(j)
		if math.IsNaN(out[j]) || math.IsInf(out[j], 0) {
			return nil, errors.Wrapf(ErrDegenerateFit, "coefficient %d is %v", j, out[j])
		}
	}
	return out, nil
}

// FitCubic fits the cubic reference the controller tracks
func FitCubic(pts []Point) (control.ReferenceCoefficients, error) {
	c, err := FitPolynomial(pts, 3)
	if err != nil {
		return control.ReferenceCoefficients{}, err
	}
	return control.NewReferenceCoefficients(c)
}

// InitialErrors returns the cross-track and heading errors of a vehicle at
// the vehicle-frame origin heading along +x
func InitialErrors(c control.ReferenceCoefficients) (cte, epsi float64) {
	return c.Eval(0), -math.Atan(c[1])
}

// VehicleState builds the controller state in the vehicle frame: the
// vehicle at the origin with zero heading, speed v and the fit's errors
func VehicleState(c control.ReferenceCoefficients, v float64) control.VehicleState {
	cte, epsi := InitialErrors(c)
	return control.VehicleState{V: v, CTE: cte, EPsi: epsi}
}
