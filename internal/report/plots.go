package report

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotResidualHistogram renders a PNG histogram of residual norms, used
// to eyeball how much of the jitter a solve absorbed.
func PlotResidualHistogram(path, title string, norms []float64) error {
	if len(norms) == 0 {
		return fmt.Errorf("no residuals to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "residual (px)"
	p.Y.Label.Text = "count"

	vals := make(plotter.Values, len(norms))
	copy(vals, norms)
	h, err := plotter.NewHist(vals, 40)
	if err != nil {
		return fmt.Errorf("building histogram: %w", err)
	}
	p.Add(h)

	if err := p.Save(7*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("saving histogram: %w", err)
	}
	return nil
}

// PlotSampleSeries renders a PNG line plot of a per-sample series, such
// as the pose offset of every orientation sample along a scan. The x axis
// is the sample index.
func PlotSampleSeries(path, title, yLabel string, values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("no samples to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "sample"
	p.Y.Label.Text = yLabel

	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("building line plot: %w", err)
	}
	p.Add(line)

	if err := p.Save(7*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot: %w", err)
	}
	return nil
}
