package control

// Unbounded is the magnitude the solver treats as no bound at all
const Unbounded = 1.0e19

// Bounds holds variable and constraint bound vectors for one program
type Bounds struct {
	VarLower  []float64
	VarUpper  []float64
	ConsLower []float64
	ConsUpper []float64
}

// BuildBounds leaves predicted states free, limits steering to
// ±MaxSteerRad·Lf and acceleration to ±MaxAccel, and pins the t=0
// constraint entries to the measured state. Every other constraint is an
// equality to zero.
func BuildBounds(cfg MPCConfig, l Layout, s VehicleState) Bounds {
	nv, nc := l.NumVars(), l.NumConstraints()
	b := Bounds{
		VarLower:  make([]float64, nv),
		VarUpper:  make([]float64, nv),
		ConsLower: make([]float64, nc),
		ConsUpper: make([]float64, nc),
	}

	for i := 0; i < l.ActuatorStart(); i++ {
		b.VarLower[i] = -Unbounded
		b.VarUpper[i] = Unbounded
	}
	steer := cfg.SteerLimit()
	for t := 0; t < l.Horizon()-1; t++ {
		i := l.ActuatorIndex(ActuatorSteer, t)
		b.VarLower[i] = -steer
		b.VarUpper[i] = steer
		i = l.ActuatorIndex(ActuatorAccel, t)
		b.VarLower[i] = -cfg.MaxAccel
		b.VarUpper[i] = cfg.MaxAccel
	}

	for f := FieldX; f < numFields; f++ {
		i := l.StateIndex(f, 0)
		b.ConsLower[i] = s.Get(f)
		b.ConsUpper[i] = s.Get(f)
	}
	return b
}
