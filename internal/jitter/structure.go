package jitter

import (
	"fmt"
	"math"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// Structure holds the flat per-camera observation arrays and the
// triangulated-point storage the problem assembler binds parameter blocks
// into. Once assembly starts none of the slices may be resized: the
// solver keeps cursors into TriPoints for the whole solve.
type Structure struct {
	Pixels   [][]sensor.Pixel
	Weights  [][]float64
	IsAnchor [][]bool
	PixToXYZ [][]int

	// TriPoints is the single flat array of ground points, 3 values per
	// point: the network points first, then any anchor points appended.
	TriPoints []float64
	// OrigTriPoints preserves the pre-override, pre-optimization values
	// for the inertia constraint and the offsets report.
	OrigTriPoints []float64
	// NumNetworkPoints is the count of network points at the front of
	// TriPoints; the remainder are anchors.
	NumNetworkPoints int
}

// Point returns tri point ipt as a vector.
func (s *Structure) Point(ipt int) geo.Vec3 {
	return geo.FromSlice(s.TriPoints[3*ipt : 3*ipt+3])
}

// PointCursor returns the parameter-block cursor of tri point ipt.
func (s *Structure) PointCursor(ipt int) []float64 {
	return s.TriPoints[3*ipt : 3*ipt+3]
}

// UpdatePointsFromDEM moves every non-outlier triangulated point onto the
// DEM surface at its own latitude and longitude, flagging it PointFromDEM
// so it is constrained by the DEM instead of the triangulation inertia.
// Points off the DEM are left alone. Returns the DEM position per network
// point, zero where unavailable.
func UpdatePointsFromDEM(net *Network, dem *geo.DEM, outliers *OutlierSet) []geo.Vec3 {
	demXYZ := make([]geo.Vec3, len(net.Points))
	if net.Types == nil {
		net.Types = make([]PointType, len(net.Points))
	}
	for ipt := range net.Points {
		if outliers.Has(ipt) || net.Type(ipt) == PointGCP {
			continue
		}
		xyz, err := dem.SurfacePoint(net.Points[ipt])
		if err != nil {
			continue
		}
		demXYZ[ipt] = xyz
		net.Points[ipt] = xyz
		net.Types[ipt] = PointFromDEM
	}
	return demXYZ
}

// BuildStructure converts the control network into the flat observation
// arrays used by assembly. When a weight image is given, the per-point
// weight is looked up at the triangulated position; invalid or
// nonpositive lookups flag the point as outlier. Without one, every
// observation gets weight 1: unlike bundle adjustment, there is no
// per-pixel sigma here.
func BuildStructure(net *Network, weightImage *geo.DEM, outliers *OutlierSet) (*Structure, error) {
	numCameras := len(net.Obs)
	st := &Structure{
		Pixels:   make([][]sensor.Pixel, numCameras),
		Weights:  make([][]float64, numCameras),
		IsAnchor: make([][]bool, numCameras),
		PixToXYZ: make([][]int, numCameras),
	}

	st.NumNetworkPoints = len(net.Points)
	st.TriPoints = make([]float64, 0, 3*len(net.Points))
	st.OrigTriPoints = make([]float64, 0, 3*len(net.Points))
	for ipt := range net.Points {
		st.TriPoints = append(st.TriPoints, net.Points[ipt].Slice()...)
		st.OrigTriPoints = append(st.OrigTriPoints, net.Points[ipt].Slice()...)
	}

	for icam := 0; icam < numCameras; icam++ {
		for _, o := range net.Obs[icam] {
			if outliers.Has(o.Point) {
				continue
			}

			weight := 1.0
			if weightImage != nil {
				w, err := weightImage.NearestValue(st.Point(o.Point))
				if err != nil || math.IsNaN(w) || w <= 0 {
					outliers.Add(o.Point)
					continue
				}
				weight = w
			}

			st.Pixels[icam] = append(st.Pixels[icam], o.Pixel)
			st.Weights[icam] = append(st.Weights[icam], weight)
			st.IsAnchor[icam] = append(st.IsAnchor[icam], false)
			st.PixToXYZ[icam] = append(st.PixToXYZ[icam], o.Point)
		}
	}
	return st, nil
}

// appendAnchor adds an anchor observation and its fixed ground point,
// returning the new triangulation index.
func (s *Structure) appendAnchor(icam int, pix sensor.Pixel, weight float64, xyz geo.Vec3) int {
	ipt := len(s.TriPoints) / 3
	s.TriPoints = append(s.TriPoints, xyz.Slice()...)
	s.OrigTriPoints = append(s.OrigTriPoints, xyz.Slice()...)
	s.Pixels[icam] = append(s.Pixels[icam], pix)
	s.Weights[icam] = append(s.Weights[icam], weight)
	s.IsAnchor[icam] = append(s.IsAnchor[icam], true)
	s.PixToXYZ[icam] = append(s.PixToXYZ[icam], ipt)
	return ipt
}

// checkCursorStability panics when called after assembly if TriPoints was
// reallocated, which would invalidate every parameter-block cursor.
func (s *Structure) checkCursorStability(firstElem *float64) {
	if len(s.TriPoints) > 0 && &s.TriPoints[0] != firstElem {
		panic(fmt.Sprintf("tri point storage moved during solve: %p", firstElem))
	}
}
