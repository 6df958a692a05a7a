package control

import "github.com/pkg/errors"

// Layout describes where each predicted state and actuator lives in the
// decision vector. State fields are stored block-wise: all N x values, then
// all N y values, and so on, followed by N-1 steering and N-1 acceleration
// values.
type Layout struct {
	n       int
	offsets [numFields + numActuators]int
}

// NewLayout computes the block offsets for a horizon of n steps
func NewLayout(n int) (Layout, error) {
	if n < 2 {
		return Layout{}, errors.Wrapf(ErrInvalidConfig, "horizon must have at least 2 steps, got %d", n)
	}
	l := Layout{n: n}
	off := 0
	for f := 0; f < numFields; f++ {
		l.offsets[f] = off
		off += n
	}
	for a := 0; a < numActuators; a++ {
		l.offsets[numFields+a] = off
		off += n - 1
	}
	return l, nil
}

// Horizon returns N
func (l Layout) Horizon() int { return l.n }

// NumVars returns the decision vector length N·6 + (N-1)·2
func (l Layout) NumVars() int { return l.n*numFields + (l.n-1)*numActuators }

// NumConstraints returns the constraint vector length N·6
func (l Layout) NumConstraints() int { return l.n * numFields }

// StateIndex returns the index of field f at timestep t, 0 <= t < N.
// It panics on an out-of-range timestep like a slice index would.
func (l Layout) StateIndex(f Field, t int) int {
	if f < 0 || f >= numFields || t < 0 || t >= l.n {
		panic(errors.Errorf("control: state index %s[%d] out of range for N=%d", f, t, l.n))
	}
	return l.offsets[f] + t
}

// ActuatorIndex returns the index of actuator a for the transition t -> t+1, 0 <= t < N-1
func (l Layout) ActuatorIndex(a Actuator, t int) int {
	if a < 0 || a >= numActuators || t < 0 || t >= l.n-1 {
		panic(errors.Errorf("control: actuator index %s[%d] out of range for N=%d", a, t, l.n))
	}
	return l.offsets[numFields+int(a)] + t
}

// ActuatorStart returns the index of the first actuator variable; every
// index below it belongs to a state block
func (l Layout) ActuatorStart() int { return l.offsets[numFields] }
