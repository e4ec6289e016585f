package recorder

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/ekffusion/fusion"
)

// PlotTrajectory draws the x/y path of a run and saves it to path. The image format follows the file
// extension (png, svg, pdf, ...).
func PlotTrajectory(trajectory []fusion.FilteredOdometry, title, path string) error {
	if len(trajectory) == 0 {
		return errors.New("cannot plot an empty trajectory")
	}

	pts := make(plotter.XYs, 0, len(trajectory))
	for _, odom := range trajectory {
		pts = append(pts, plotter.XY{X: odom.Position.X, Y: odom.Position.Y})
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("filtered", line)

	start, err := plotter.NewScatter(pts[:1])
	if err != nil {
		return err
	}
	start.Radius = vg.Points(3)
	p.Add(start)
	p.Legend.Add("start", start)

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "cannot save plot to %q", path)
	}
	return nil
}
