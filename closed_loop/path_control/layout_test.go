package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	for _, n := range []int{2, 3, 10, 25} {
		l, err := NewLayout(n)
		require.NoError(t, err)
		assert.Equal(t, n*6+(n-1)*2, l.NumVars(), "N=%d", n)
		assert.Equal(t, n*6, l.NumConstraints(), "N=%d", n)
		assert.Equal(t, n*6, l.ActuatorStart(), "N=%d", n)
	}
}

func TestLayoutRejectsShortHorizon(t *testing.T) {
	for _, n := range []int{-1, 0, 1} {
		_, err := NewLayout(n)
		assert.ErrorIs(t, err, ErrInvalidConfig, "N=%d", n)
	}
}

func TestLayoutBlockOrder(t *testing.T) {
	l, err := NewLayout(10)
	require.NoError(t, err)

	assert.Equal(t, 0, l.StateIndex(FieldX, 0))
	assert.Equal(t, 9, l.StateIndex(FieldX, 9))
	assert.Equal(t, 10, l.StateIndex(FieldY, 0))
	assert.Equal(t, 20, l.StateIndex(FieldPsi, 0))
	assert.Equal(t, 30, l.StateIndex(FieldV, 0))
	assert.Equal(t, 40, l.StateIndex(FieldCTE, 0))
	assert.Equal(t, 50, l.StateIndex(FieldEPsi, 0))
	assert.Equal(t, 60, l.ActuatorIndex(ActuatorSteer, 0))
	assert.Equal(t, 68, l.ActuatorIndex(ActuatorSteer, 8))
	assert.Equal(t, 69, l.ActuatorIndex(ActuatorAccel, 0))
	assert.Equal(t, 77, l.ActuatorIndex(ActuatorAccel, 8))
}

func TestLayoutIndicesCoverVectorOnce(t *testing.T) {
	l, err := NewLayout(7)
	require.NoError(t, err)

	seen := make([]int, l.NumVars())
	for f := FieldX; f < numFields; f++ {
		for ts := 0; ts < l.Horizon(); ts++ {
			seen[l.StateIndex(f, ts)]++
		}
	}
	for a := ActuatorSteer; a < numActuators; a++ {
		for ts := 0; ts < l.Horizon()-1; ts++ {
			seen[l.ActuatorIndex(a, ts)]++
		}
	}
	for i, c := range seen {
		assert.Equal(t, 1, c, "index %d", i)
	}
}

func TestLayoutPanicsOutOfRange(t *testing.T) {
	l, err := NewLayout(4)
	require.NoError(t, err)

	assert.Panics(t, func() { l.StateIndex(FieldX, 4) })
	assert.Panics(t, func() { l.StateIndex(FieldX, -1) })
	assert.Panics(t, func() { l.ActuatorIndex(ActuatorAccel, 3) })
	assert.NotPanics(t, func() { l.ActuatorIndex(ActuatorAccel, 2) })
}
