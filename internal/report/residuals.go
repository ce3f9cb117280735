package report

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/jitter"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// CameraResiduals holds, per camera, the unweighted reprojection residual
// norms reconstructed from a residual vector, split by anchor status.
type CameraResiduals struct {
	Norms       [][]float64 // per camera, interest-point observations
	AnchorNorms [][]float64 // per camera, anchor observations
}

// SplitReprojResiduals walks a residual vector in the same two-pass order
// the assembler used (non-anchor, then anchor, cameras in input order)
// and recovers per-camera unweighted pixel residual norms by dividing by
// the recorded weights. The remaining entries of the vector belong to the
// constraints and are not touched.
func SplitReprojResiduals(st *jitter.Structure, residuals, weights []float64) CameraResiduals {
	numCams := len(st.Pixels)
	out := CameraResiduals{
		Norms:       make([][]float64, numCams),
		AnchorNorms: make([][]float64, numCams),
	}
	pos := 0
	for pass := 0; pass < 2; pass++ {
		for icam := 0; icam < numCams; icam++ {
			for ipix := range st.Pixels[icam] {
				if st.IsAnchor[icam][ipix] != (pass == 1) {
					continue
				}
				ds := residuals[pos] / weights[pos]
				dl := residuals[pos+1] / weights[pos+1]
				norm := math.Hypot(ds, dl)
				if pass == 0 {
					out.Norms[icam] = append(out.Norms[icam], norm)
				} else {
					out.AnchorNorms[icam] = append(out.AnchorNorms[icam], norm)
				}
				pos += sensor.PixelSize
			}
		}
	}
	return out
}

// Stats summarizes each camera's residual norms for a phase, one entry
// per camera.
func (c CameraResiduals) Stats(phase string) []CameraStat {
	var out []CameraStat
	for icam, norms := range c.Norms {
		st := CameraStat{CameraIdx: icam, Phase: phase, Count: len(norms)}
		if len(norms) > 0 {
			st.MeanPx = stat.Mean(norms, nil)
			sorted := append([]float64(nil), norms...)
			sort.Float64s(sorted)
			st.MedianPx = stat.Quantile(0.5, stat.Empirical, sorted, nil)
			st.MaxPx = sorted[len(sorted)-1]
		}
		out = append(out, st)
	}
	return out
}

// WriteResidualFile writes the raw residual vector with its recorded
// weights, one residual per line: index, weighted value, weight. The
// unweighted value is the quotient.
func WriteResidualFile(path string, residuals, weights []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing residual file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# index, weighted_residual, weight")
	for i, r := range residuals {
		fmt.Fprintf(w, "%d, %.17g, %.17g\n", i, r, weights[i])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return nil
}

// WriteCameraOffsets writes the ECEF displacement of every camera center
// over the solve.
func WriteCameraOffsets(path string, initial, final []geo.Vec3) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing camera offsets: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# camera, dx_m, dy_m, dz_m, norm_m")
	for i := range initial {
		d := final[i].Sub(initial[i])
		fmt.Fprintf(w, "%d, %.6f, %.6f, %.6f, %.6f\n", i, d.X, d.Y, d.Z, d.Norm())
	}
	return w.Flush()
}

// WriteTriOffsets writes, per camera, statistics of how far the
// triangulated points it observes moved during the solve. Outliers and
// anchor points are excluded.
func WriteTriOffsets(path string, st *jitter.Structure, outliers *jitter.OutlierSet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing triangulation offsets: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# camera, median_offset_m, mean_offset_m, count")
	for icam := range st.Pixels {
		var offs []float64
		for ipix := range st.Pixels[icam] {
			ipt := st.PixToXYZ[icam][ipix]
			if st.IsAnchor[icam][ipix] || outliers.Has(ipt) {
				continue
			}
			cur := st.Point(ipt)
			orig := geo.FromSlice(st.OrigTriPoints[3*ipt : 3*ipt+3])
			offs = append(offs, cur.Sub(orig).Norm())
		}
		if len(offs) == 0 {
			fmt.Fprintf(w, "%d, 0, 0, 0\n", icam)
			continue
		}
		mean := stat.Mean(offs, nil)
		sort.Float64s(offs)
		med := stat.Quantile(0.5, stat.Empirical, offs, nil)
		fmt.Fprintf(w, "%d, %.6f, %.6f, %d\n", icam, med, mean, len(offs))
	}
	return w.Flush()
}
