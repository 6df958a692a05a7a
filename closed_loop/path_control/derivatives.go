package control

import "math"

// Nonzero is one structurally nonzero entry of a constraint Jacobian
type Nonzero struct {
	Row, Col int
}

// Gradient writes the objective gradient into grad
func (m Model) Gradient(grad, vars []float64) {
	l := m.layout
	n := l.Horizon()
	w := m.w

	clear(grad)
	for t := 0; t < n; t++ {
		i := l.StateIndex(FieldCTE, t)
		grad[i] += 2 * w.CTE * vars[i]
		i = l.StateIndex(FieldEPsi, t)
		grad[i] += 2 * w.EPsi * vars[i]
		i = l.StateIndex(FieldV, t)
		grad[i] += 2 * w.Speed * (vars[i] - m.refV)
	}
	for t := 0; t < n-1; t++ {
		i := l.ActuatorIndex(ActuatorSteer, t)
		grad[i] += 2 * w.Steer * vars[i]
		i = l.ActuatorIndex(ActuatorAccel, t)
		grad[i] += 2 * w.Accel * vars[i]
	}
	for t := 0; t < n-2; t++ {
		i0, i1 := l.ActuatorIndex(ActuatorSteer, t), l.ActuatorIndex(ActuatorSteer, t+1)
		d := 2 * w.SteerRate * (vars[i1] - vars[i0])
		grad[i1] += d
		grad[i0] -= d
		i0, i1 = l.ActuatorIndex(ActuatorAccel, t), l.ActuatorIndex(ActuatorAccel, t+1)
		d = 2 * w.AccelRate * (vars[i1] - vars[i0])
		grad[i1] += d
		grad[i0] -= d
	}
}

// Sparsity returns the Jacobian nonzero pattern. Jacobian fills values in
// exactly this order. Entries never repeat a (row, col) pair.
func (m Model) Sparsity() []Nonzero {
	out := make([]Nonzero, 0, m.numNonzeros())
	vars := make([]float64, m.layout.NumVars())
	m.jacobian(vars, func(row, col int, _ float64) {
		out = append(out, Nonzero{Row: row, Col: col})
	})
	return out
}

// Jacobian writes the constraint Jacobian values at vars into vals,
// following the order of Sparsity
func (m Model) Jacobian(vals, vars []float64) {
	k := 0
	m.jacobian(vars, func(_, _ int, v float64) {
		vals[k] = v
		k++
	})
}

func (m Model) numNonzeros() int {
	return numFields + 25*(m.layout.Horizon()-1)
}

func (m Model) jacobian(vars []float64, emit func(row, col int, v float64)) {
	l := m.layout
	n := l.Horizon()
	dt := m.dt
	c := m.coeffs

	for f := FieldX; f < numFields; f++ {
		i := l.StateIndex(f, 0)
		emit(i, i, 1)
	}
	for t := 1; t < n; t++ {
		x0 := l.StateIndex(FieldX, t-1)
		y0 := l.StateIndex(FieldY, t-1)
		psi0 := l.StateIndex(FieldPsi, t-1)
		v0 := l.StateIndex(FieldV, t-1)
		epsi0 := l.StateIndex(FieldEPsi, t-1)
		d0 := l.ActuatorIndex(ActuatorSteer, t-1)
		a0 := l.ActuatorIndex(ActuatorAccel, t-1)

		x, psi, v, epsi, delta := vars[x0], vars[psi0], vars[v0], vars[epsi0], vars[d0]
		sinPsi, cosPsi := math.Sincos(psi)
		sinE, cosE := math.Sincos(epsi)
		slope := c.Slope(x)
		curv := 2*c[2] + 6*c[3]*x
		turnV := m.sign * delta / m.lf * dt // d(turn)/dv0
		turnD := m.sign * v / m.lf * dt     // d(turn)/dδ0

		row := l.StateIndex(FieldX, t)
		emit(row, row, 1)
		emit(row, x0, -1)
		emit(row, psi0, v*sinPsi*dt)
		emit(row, v0, -cosPsi*dt)

		row = l.StateIndex(FieldY, t)
		emit(row, row, 1)
		emit(row, y0, -1)
		emit(row, psi0, -v*cosPsi*dt)
		emit(row, v0, -sinPsi*dt)

		row = l.StateIndex(FieldPsi, t)
		emit(row, row, 1)
		emit(row, psi0, -1)
		emit(row, v0, -turnV)
		emit(row, d0, -turnD)

		row = l.StateIndex(FieldV, t)
		emit(row, row, 1)
		emit(row, v0, -1)
		emit(row, a0, -dt)

		row = l.StateIndex(FieldCTE, t)
		emit(row, row, 1)
		emit(row, x0, -slope)
		emit(row, y0, 1)
		emit(row, v0, -sinE*dt)
		emit(row, epsi0, -v*cosE*dt)

		row = l.StateIndex(FieldEPsi, t)
		emit(row, row, 1)
		emit(row, psi0, -1)
		emit(row, x0, curv/(1+slope*slope))
		emit(row, v0, -turnV)
		emit(row, d0, -turnD)
	}
}
