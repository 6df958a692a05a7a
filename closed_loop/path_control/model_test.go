package control

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// rollout builds a decision vector whose states follow the model exactly
// from s under the given actuator sequences
func rollout(cfg MPCConfig, m Model, l Layout, s VehicleState, steer, accel []float64) []float64 {
	vars := make([]float64, l.NumVars())
	cur := s
	for ts := 0; ts < l.Horizon(); ts++ {
		for f := FieldX; f < numFields; f++ {
			vars[l.StateIndex(f, ts)] = cur.Get(f)
		}
		if ts == l.Horizon()-1 {
			break
		}
		vars[l.ActuatorIndex(ActuatorSteer, ts)] = steer[ts]
		vars[l.ActuatorIndex(ActuatorAccel, ts)] = accel[ts]
		cur = m.Propagate(cur, steer[ts], accel[ts], cfg.TimeStep)
	}
	return vars
}

func testModel(t *testing.T, n int, coeffs ReferenceCoefficients) (MPCConfig, Layout, Model) {
	t.Helper()
	cfg := DefaultMPCConfig()
	cfg.HorizonSteps = n
	l, err := NewLayout(n)
	require.NoError(t, err)
	return cfg, l, NewModel(cfg, l, coeffs)
}

func TestModelRolloutSatisfiesDynamics(t *testing.T) {
	coeffs := ReferenceCoefficients{0.5, -0.02, 0.003, -0.0001}
	cfg, l, m := testModel(t, 8, coeffs)

	s := VehicleState{X: 1, Y: -0.5, Psi: 0.1, V: 20, CTE: 0.4, EPsi: -0.05}
	steer := []float64{0.1, 0.05, 0, -0.05, -0.1, 0.02, 0.01}
	accel := []float64{0.5, 0.5, 0.2, 0, -0.2, -0.5, 0}
	vars := rollout(cfg, m, l, s, steer, accel)

	_, cons := m.Evaluate(vars)
	require.Len(t, cons, l.NumConstraints())
	for f := FieldX; f < numFields; f++ {
		assert.Equal(t, s.Get(f), cons[l.StateIndex(f, 0)], "t=0 entry for %s carries the state value", f)
		for ts := 1; ts < l.Horizon(); ts++ {
			assert.InDelta(t, 0, cons[l.StateIndex(f, ts)], 1e-12, "%s residual at t=%d", f, ts)
		}
	}
}

func TestModelResidualEquations(t *testing.T) {
	coeffs := ReferenceCoefficients{1, 0.5, 0.1, 0.01}
	cfg, l, m := testModel(t, 2, coeffs)

	vars := make([]float64, l.NumVars())
	set := func(f Field, ts int, v float64) { vars[l.StateIndex(f, ts)] = v }
	set(FieldX, 0, 2)
	set(FieldY, 0, 3)
	set(FieldPsi, 0, 0.3)
	set(FieldV, 0, 10)
	set(FieldCTE, 0, 0.7)
	set(FieldEPsi, 0, 0.2)
	for f := FieldX; f < numFields; f++ {
		set(f, 1, 1)
	}
	vars[l.ActuatorIndex(ActuatorSteer, 0)] = 0.2
	vars[l.ActuatorIndex(ActuatorAccel, 0)] = -0.5

	_, cons := m.Evaluate(vars)

	dt, lf := cfg.TimeStep, cfg.Lf
	f0 := 1 + 0.5*2 + 0.1*4 + 0.01*8
	psides := math.Atan(0.5 + 2*0.1*2 + 3*0.01*4)
	want := map[Field]float64{
		FieldX:    1 - (2 + 10*math.Cos(0.3)*dt),
		FieldY:    1 - (3 + 10*math.Sin(0.3)*dt),
		FieldPsi:  1 - (0.3 - 10*0.2/lf*dt),
		FieldV:    1 - (10 - 0.5*dt),
		FieldCTE:  1 - ((f0 - 3) + 10*math.Sin(0.2)*dt),
		FieldEPsi: 1 - ((0.3 - psides) - 10*0.2/lf*dt),
	}
	for f, w := range want {
		assert.InDelta(t, w, cons[l.StateIndex(f, 1)], 1e-12, "%s residual", f)
	}
}

func TestModelSteeringConvention(t *testing.T) {
	s := VehicleState{V: 10}
	right := DefaultMPCConfig()
	left := DefaultMPCConfig()
	left.SteeringConvention = SteerPositiveLeft

	l, err := NewLayout(right.HorizonSteps)
	require.NoError(t, err)

	pr := NewModel(right, l, ReferenceCoefficients{}).Propagate(s, 0.1, 0, 0.1)
	pl := NewModel(left, l, ReferenceCoefficients{}).Propagate(s, 0.1, 0, 0.1)

	assert.Less(t, pr.Psi, 0.0, "positive steer turns right by default")
	assert.Greater(t, pl.Psi, 0.0, "positive steer turns left when configured")
	assert.InDelta(t, -pr.Psi, pl.Psi, 1e-15)
	assert.InDelta(t, pr.Psi, pr.EPsi, 1e-15, "heading error follows heading on a flat reference")
}

func TestModelObjective(t *testing.T) {
	cfg, l, m := testModel(t, 3, ReferenceCoefficients{})
	w := cfg.Weights

	vars := make([]float64, l.NumVars())
	for ts := 0; ts < 3; ts++ {
		vars[l.StateIndex(FieldCTE, ts)] = 1
		vars[l.StateIndex(FieldEPsi, ts)] = 0.5
		vars[l.StateIndex(FieldV, ts)] = cfg.TargetSpeed - 2
	}
	vars[l.ActuatorIndex(ActuatorSteer, 0)] = 0.1
	vars[l.ActuatorIndex(ActuatorSteer, 1)] = 0.3
	vars[l.ActuatorIndex(ActuatorAccel, 0)] = 1
	vars[l.ActuatorIndex(ActuatorAccel, 1)] = -1

	want := 3*(w.CTE*1+w.EPsi*0.25+w.Speed*4) +
		w.Steer*(0.01+0.09) + w.Accel*(1+1) +
		w.SteerRate*0.04 + w.AccelRate*4
	got, _ := m.Evaluate(vars)
	assert.InDelta(t, want, got, 1e-9)
}

func TestModelGradientMatchesFiniteDifferences(t *testing.T) {
	coeffs := ReferenceCoefficients{0.3, 0.1, -0.02, 0.001}
	cfg, l, m := testModel(t, 6, coeffs)
	vars := perturbedVars(cfg, m, l)

	got := make([]float64, l.NumVars())
	m.Gradient(got, vars)

	cons := make([]float64, l.NumConstraints())
	objective := func(x []float64) float64 { return m.EvaluateInto(cons, x) }
	want := fd.Gradient(make([]float64, l.NumVars()), objective, vars, &fd.Settings{Formula: fd.Central})

	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4*(1+math.Abs(want[i])), "d/dx[%d]", i)
	}
}

func TestModelJacobianMatchesFiniteDifferences(t *testing.T) {
	coeffs := ReferenceCoefficients{0.3, 0.1, -0.02, 0.001}
	cfg, l, m := testModel(t, 5, coeffs)
	vars := perturbedVars(cfg, m, l)

	nz := m.Sparsity()
	require.Len(t, nz, m.numNonzeros())
	vals := make([]float64, len(nz))
	m.Jacobian(vals, vars)

	got := mat.NewDense(l.NumConstraints(), l.NumVars(), nil)
	seen := map[Nonzero]bool{}
	for k, e := range nz {
		require.False(t, seen[e], "duplicate nonzero %+v", e)
		seen[e] = true
		got.Set(e.Row, e.Col, vals[k])
	}

	want := mat.NewDense(l.NumConstraints(), l.NumVars(), nil)
	fd.Jacobian(want, func(y, x []float64) { m.EvaluateInto(y, x) }, vars, &fd.JacobianSettings{Formula: fd.Central})

	r, c := want.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w := want.At(i, j)
			assert.InDelta(t, w, got.At(i, j), 1e-5*(1+math.Abs(w)), "J[%d,%d]", i, j)
		}
	}
}

// perturbedVars returns a generic point: a rollout with non-zero residuals added
func perturbedVars(cfg MPCConfig, m Model, l Layout) []float64 {
	n := l.Horizon()
	steer := make([]float64, n-1)
	accel := make([]float64, n-1)
	for i := range steer {
		steer[i] = 0.05 * float64(i%3-1)
		accel[i] = 0.1 * float64(i%2)
	}
	vars := rollout(cfg, m, l, VehicleState{X: 0.5, Y: 0.2, Psi: 0.05, V: 15, CTE: 0.1, EPsi: 0.02}, steer, accel)
	for i := range vars {
		vars[i] += 0.01 * math.Sin(float64(i))
	}
	return vars
}

func TestReferenceCoefficients(t *testing.T) {
	_, err := NewReferenceCoefficients([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewReferenceCoefficients([]float64{1, 2, 3, math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := NewReferenceCoefficients([]float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 1+2*2+3*4+4*8, c.Eval(2), 1e-12)
	assert.InDelta(t, 2+2*3*2+3*4*4, c.Slope(2), 1e-12)
	assert.InDelta(t, math.Atan(2), c.DesiredHeading(0), 1e-12)
}
