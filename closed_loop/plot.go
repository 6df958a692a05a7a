package main

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"path-mpc-core/closed_loop/reference"
)

// SaveTrajectoryPlot writes the reference, driven path and last predicted
// horizon to a PNG (or any extension gonum/plot understands)
func SaveTrajectoryPlot(path, title string, tr Trace) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	series := []struct {
		name   string
		pts    []reference.Point
		color  color.Color
		width  vg.Length
		dashed bool
	}{
		{"reference", tr.Reference, color.RGBA{R: 160, G: 160, B: 160, A: 255}, vg.Points(2), true},
		{"driven", tr.Driven, color.RGBA{R: 20, G: 90, B: 200, A: 255}, vg.Points(1.5), false},
		{"predicted", tr.Predicted, color.RGBA{R: 220, G: 60, B: 30, A: 255}, vg.Points(1.5), false},
	}
	for _, s := range series {
		if len(s.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(toXYs(s.pts))
		if err != nil {
			return fmt.Errorf("%s line: %w", s.name, err)
		}
		line.Color = s.color
		line.Width = s.width
		if s.dashed {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		}
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	if err := p.Save(10*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

func toXYs(pts []reference.Point) plotter.XYs {
	xys := make(plotter.XYs, len(pts))
	for i, pt := range pts {
		xys[i] = plotter.XY{X: pt.X, Y: pt.Y}
	}
	return xys
}
