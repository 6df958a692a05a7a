package control

import "math"

// Model evaluates the objective and the dynamics constraints of one cycle's
// program. It is built fresh for every cycle from the current reference
// coefficients and holds no other state, so Evaluate is pure.
//
// Constraint layout mirrors the decision vector's state blocks: entry
// StateIndex(f, 0) is the value of field f at t=0 (pinned through its bounds
// to the measurement), entry StateIndex(f, t) for t >= 1 is the residual of
// the kinematic update from t-1 to t.
type Model struct {
	layout Layout
	coeffs ReferenceCoefficients
	w      CostWeights

	refV float64
	dt   float64
	lf   float64
	sign float64 // heading change per unit of v·δ/Lf·Δt
}

// NewModel binds the configuration, layout and this cycle's reference
func NewModel(cfg MPCConfig, layout Layout, coeffs ReferenceCoefficients) Model {
	return Model{
		layout: layout,
		coeffs: coeffs,
		w:      cfg.Weights,
		refV:   cfg.TargetSpeed,
		dt:     cfg.TimeStep,
		lf:     cfg.Lf,
		sign:   cfg.SteeringConvention.headingSign(),
	}
}

// NumVars implements Evaluator
func (m Model) NumVars() int { return m.layout.NumVars() }

// NumConstraints implements Evaluator
func (m Model) NumConstraints() int { return m.layout.NumConstraints() }

// Evaluate returns the objective and a freshly allocated constraint vector
func (m Model) Evaluate(vars []float64) (float64, []float64) {
	cons := make([]float64, m.layout.NumConstraints())
	return m.EvaluateInto(cons, vars), cons
}

// EvaluateInto writes the constraint values into cons and returns the objective
func (m Model) EvaluateInto(cons, vars []float64) float64 {
	l := m.layout
	n := l.Horizon()
	w := m.w

	var cost float64
	for t := 0; t < n; t++ {
		cte := vars[l.StateIndex(FieldCTE, t)]
		epsi := vars[l.StateIndex(FieldEPsi, t)]
		dv := vars[l.StateIndex(FieldV, t)] - m.refV
		cost += w.CTE*cte*cte + w.EPsi*epsi*epsi + w.Speed*dv*dv
	}
	for t := 0; t < n-1; t++ {
		delta := vars[l.ActuatorIndex(ActuatorSteer, t)]
		a := vars[l.ActuatorIndex(ActuatorAccel, t)]
		cost += w.Steer*delta*delta + w.Accel*a*a
	}
	for t := 0; t < n-2; t++ {
		dd := vars[l.ActuatorIndex(ActuatorSteer, t+1)] - vars[l.ActuatorIndex(ActuatorSteer, t)]
		da := vars[l.ActuatorIndex(ActuatorAccel, t+1)] - vars[l.ActuatorIndex(ActuatorAccel, t)]
		cost += w.SteerRate*dd*dd + w.AccelRate*da*da
	}

	for f := FieldX; f < numFields; f++ {
		i := l.StateIndex(f, 0)
		cons[i] = vars[i]
	}
	for t := 1; t < n; t++ {
		prev := m.stateAt(vars, t-1)
		delta := vars[l.ActuatorIndex(ActuatorSteer, t-1)]
		a := vars[l.ActuatorIndex(ActuatorAccel, t-1)]
		next := m.step(prev, delta, a, m.dt)

		cons[l.StateIndex(FieldX, t)] = vars[l.StateIndex(FieldX, t)] - next.X
		cons[l.StateIndex(FieldY, t)] = vars[l.StateIndex(FieldY, t)] - next.Y
		cons[l.StateIndex(FieldPsi, t)] = vars[l.StateIndex(FieldPsi, t)] - next.Psi
		cons[l.StateIndex(FieldV, t)] = vars[l.StateIndex(FieldV, t)] - next.V
		cons[l.StateIndex(FieldCTE, t)] = vars[l.StateIndex(FieldCTE, t)] - next.CTE
		cons[l.StateIndex(FieldEPsi, t)] = vars[l.StateIndex(FieldEPsi, t)] - next.EPsi
	}
	return cost
}

// Propagate advances s by dt seconds under constant steering and
// acceleration using the same update the constraints encode
func (m Model) Propagate(s VehicleState, steer, accel, dt float64) VehicleState {
	return m.step(s, steer, accel, dt)
}

func (m Model) stateAt(vars []float64, t int) VehicleState {
	l := m.layout
	return VehicleState{
		X:    vars[l.StateIndex(FieldX, t)],
		Y:    vars[l.StateIndex(FieldY, t)],
		Psi:  vars[l.StateIndex(FieldPsi, t)],
		V:    vars[l.StateIndex(FieldV, t)],
		CTE:  vars[l.StateIndex(FieldCTE, t)],
		EPsi: vars[l.StateIndex(FieldEPsi, t)],
	}
}

// step is the discrete kinematic bicycle update. cte is re-derived from the
// reference at x0 rather than carried from cte0.
func (m Model) step(s VehicleState, delta, a, dt float64) VehicleState {
	turn := m.sign * s.V * delta / m.lf * dt
	return VehicleState{
		X:    s.X + s.V*math.Cos(s.Psi)*dt,
		Y:    s.Y + s.V*math.Sin(s.Psi)*dt,
		Psi:  s.Psi + turn,
		V:    s.V + a*dt,
		CTE:  (m.coeffs.Eval(s.X) - s.Y) + s.V*math.Sin(s.EPsi)*dt,
		EPsi: (s.Psi - m.coeffs.DesiredHeading(s.X)) + turn,
	}
}
