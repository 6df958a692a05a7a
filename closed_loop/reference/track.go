package reference

import (
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrTooFewPoints is returned when a track or fit window cannot support a cubic
	ErrTooFewPoints = errors.New("too few reference points")
	// ErrInvalidPoint rejects NaN or infinite waypoint coordinates
	ErrInvalidPoint = errors.New("invalid reference point")
)

// MinPoints is the smallest waypoint count a cubic fit can use
const MinPoints = 4

// Point is a waypoint in map coordinates (m)
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose is the vehicle position and heading (rad, counterclockwise from +x)
// in map coordinates
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Psi float64 `json:"psi"`
}

// Track is an ordered waypoint list the vehicle follows. A looped track
// wraps from its last point back to its first.
type Track struct {
	points []Point
	loop   bool
}

// NewTrack copies points into a Track
func NewTrack(points []Point, loop bool) (*Track, error) {
	if len(points) < MinPoints {
		return nil, errors.Wrapf(ErrTooFewPoints, "track has %d waypoints, need %d", len(points), MinPoints)
	}
	for i, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, errors.Wrapf(ErrInvalidPoint, "waypoint %d: %+v", i, p)
		}
	}
	return &Track{points: append([]Point(nil), points...), loop: loop}, nil
}

// Len returns the number of waypoints
func (t *Track) Len() int { return len(t.points) }

// Loop reports whether the track wraps around
func (t *Track) Loop() bool { return t.loop }

// Points returns a copy of the waypoints
func (t *Track) Points() []Point { return append([]Point(nil), t.points...) }

// Nearest returns the index of the waypoint closest to (x, y)
func (t *Track) Nearest(x, y float64) int {
	best, bestD := 0, math.Inf(1)
	for i, p := range t.points {
		if d := math.Hypot(p.X-x, p.Y-y); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

// Window returns count consecutive waypoints starting at start. Looped
// tracks wrap; open tracks shift the window back so it stays inside the
// list.
func (t *Track) Window(start, count int) []Point {
	n := len(t.points)
	if count > n {
		count = n
	}
	out := make([]Point, 0, count)
	if t.loop {
		start = ((start % n) + n) % n
		for i := 0; i < count; i++ {
			out = append(out, t.points[(start+i)%n])
		}
		return out
	}
	if start > n-count {
		start = n - count
	}
	if start < 0 {
		start = 0
	}
	return append(out, t.points[start:start+count]...)
}

// Ahead returns the fit window for pose: count waypoints beginning one
// behind the nearest, so the vehicle sits inside the fitted span.
// It also returns the nearest index.
func (t *Track) Ahead(pose Pose, count int) (int, []Point) {
	i := t.Nearest(pose.X, pose.Y)
	return i, t.Window(i-1, count)
}

// Finished reports whether index i is at the end of an open track
func (t *Track) Finished(i int) bool {
	return !t.loop && i >= len(t.points)-1
}
