package report

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// WriteResidualChart renders an HTML bar chart comparing per-camera
// median reprojection residuals before and after the solve.
func WriteResidualChart(path string, initial, final CameraResiduals) error {
	initStats := initial.Stats("initial")
	finalStats := final.Stats("final")

	labels := make([]string, len(initStats))
	before := make([]opts.BarData, len(initStats))
	after := make([]opts.BarData, len(finalStats))
	for i := range initStats {
		labels[i] = fmt.Sprintf("cam %d", i)
		before[i] = opts.BarData{Value: initStats[i].MedianPx}
		after[i] = opts.BarData{Value: finalStats[i].MedianPx}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Jitter Solve Residuals", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Median reprojection residual per camera",
			Subtitle: "pixels, before and after optimization"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "median residual (px)"}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("initial", before)
	bar.AddSeries("final", after)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing residual chart: %w", err)
	}
	defer f.Close()
	return bar.Render(f)
}
