package jitter

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// estimateGSD returns the ground sample distance, in meters per pixel, of
// a camera at an imaged ground point: the range to the point divided by
// the focal length in pixels. Returns 0 when no estimate is possible;
// callers silently skip the affected constraint.
func estimateGSD(cam sensor.Model, pix sensor.Pixel, xyz geo.Vec3) float64 {
	var center geo.Vec3
	var focal float64
	switch m := cam.(type) {
	case *sensor.Linescan:
		center = m.PositionAt(m.TimeOfPixel(pix))
		focal = m.Intr.FocalPx
	case *sensor.Frame:
		center = m.Position
		focal = m.Intr.FocalPx
	default:
		return 0
	}
	if focal <= 0 {
		return 0
	}
	return xyz.Sub(center).Norm() / focal
}

// median returns the middle value of vals, which it sorts in place.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	return stat.Quantile(0.5, stat.Empirical, vals, nil)
}

// estimateGSDPerTriPoint computes, for every network point, the median
// GSD over the cameras observing it. Points with no usable estimate get
// 0 and skip the triangulation inertia.
func estimateGSDPerTriPoint(cams []sensor.Model, st *Structure, outliers *OutlierSet) []float64 {
	perPoint := make([][]float64, st.NumNetworkPoints)
	for icam := range cams {
		for ipix, pix := range st.Pixels[icam] {
			ipt := st.PixToXYZ[icam][ipix]
			if ipt >= st.NumNetworkPoints || st.IsAnchor[icam][ipix] || outliers.Has(ipt) {
				continue
			}
			if gsd := estimateGSD(cams[icam], pix, st.Point(ipt)); gsd > 0 {
				perPoint[ipt] = append(perPoint[ipt], gsd)
			}
		}
	}
	gsds := make([]float64, st.NumNetworkPoints)
	for ipt, vals := range perPoint {
		gsds[ipt] = median(vals)
	}
	return gsds
}
