package reference

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "path-mpc-core/closed_loop/path_control"
)

func TestToVehicleFrame(t *testing.T) {
	pose := Pose{X: 10, Y: 5, Psi: math.Pi / 2}
	got := ToVehicleFrame(pose, []Point{{10, 5}, {10, 8}, {7, 5}})
	want := []Point{{0, 0}, {3, 0}, {0, 3}}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("vehicle frame mismatch (-want +got):\n%s", diff)
	}
}

func TestToMapFrameInvertsVehicleFrame(t *testing.T) {
	pose := Pose{X: -3, Y: 7, Psi: 2.1}
	pts := []Point{{1, 2}, {-4, 0.5}, {30, -6}}
	back := ToMapFrame(pose, ToVehicleFrame(pose, pts))
	if diff := cmp.Diff(pts, back, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFitCubicRecoversCoefficients(t *testing.T) {
	want := control.ReferenceCoefficients{0.5, -0.1, 0.02, -0.001}
	var pts []Point
	for x := -5.0; x <= 40; x += 5 {
		pts = append(pts, Point{X: x, Y: want.Eval(x)})
	}

	got, err := FitCubic(pts)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "c%d", i)
	}
}

func TestFitPolynomialLeastSquares(t *testing.T) {
	// Symmetric noise around y = 1 + 2x leaves the line unchanged.
	pts := []Point{{0, 1.1}, {0, 0.9}, {1, 3.1}, {1, 2.9}, {2, 5.1}, {2, 4.9}}
	c, err := FitPolynomial(pts, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1, c[0], 1e-12)
	assert.InDelta(t, 2, c[1], 1e-12)
}

func TestFitRejects(t *testing.T) {
	_, err := FitCubic([]Point{{0, 0}, {1, 1}, {2, 4}})
	assert.ErrorIs(t, err, ErrTooFewPoints)

	_, err = FitPolynomial([]Point{{0, 0}, {1, 1}}, 0)
	assert.ErrorIs(t, err, ErrTooFewPoints)

	_, err = FitCubic([]Point{{0, 0}, {0, 1}, {0, 2}, {0, 3}})
	assert.ErrorIs(t, err, ErrDegenerateFit)
}

func TestInitialErrors(t *testing.T) {
	c := control.ReferenceCoefficients{-1.5, 0.2, 0.01, 0}
	cte, epsi := InitialErrors(c)
	assert.Equal(t, -1.5, cte)
	assert.InDelta(t, -math.Atan(0.2), epsi, 1e-15)

	s := VehicleState(c, 12)
	assert.Equal(t, control.VehicleState{V: 12, CTE: cte, EPsi: epsi}, s)
}

func TestFitAheadOfPose(t *testing.T) {
	// Straight road along y = 2 with the vehicle at the origin heading +x.
	var pts []Point
	for i := 0; i < 10; i++ {
		pts = append(pts, Point{X: float64(i) * 5, Y: 2})
	}
	tr, err := NewTrack(pts, false)
	require.NoError(t, err)

	pose := Pose{}
	_, window := tr.Ahead(pose, 6)
	c, err := FitCubic(ToVehicleFrame(pose, window))
	require.NoError(t, err)

	cte, epsi := InitialErrors(c)
	assert.InDelta(t, 2, cte, 1e-9)
	assert.InDelta(t, 0, epsi, 1e-9)
}
