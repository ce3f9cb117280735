// Package jitter implements the core of the jitter solver: it wires
// camera models, a control network of image observations and triangulated
// ground points, and a set of soft constraints into one sparse nonlinear
// least-squares problem, runs the solver, and writes the optimized pose
// samples and points back in place.
package jitter

import (
	"fmt"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// PointType classifies a triangulated point for constraint selection.
type PointType int

const (
	// PointNormal is an ordinary triangulated point.
	PointNormal PointType = iota
	// PointFromDEM marks a point that was moved onto the input DEM; it is
	// constrained by the DEM instead of the triangulation inertia.
	PointFromDEM
	// PointGCP is a ground control point; it keeps its own constraint
	// machinery outside this solver and is skipped here.
	PointGCP
)

// Observation is one image measurement of a triangulated point.
type Observation struct {
	// Point is the triangulation index in the network.
	Point int
	// Pixel is the observed image location.
	Pixel sensor.Pixel
}

// Network is the control network: triangulated points and, per camera,
// the observations of those points.
type Network struct {
	// Points holds the initial triangulated ECEF positions.
	Points []geo.Vec3
	// Types classifies each point; len(Types) == len(Points). A nil
	// Types slice means all points are ordinary.
	Types []PointType
	// Obs holds the observations per camera, indexed like the camera
	// list.
	Obs [][]Observation
}

// Type returns the classification of point ipt.
func (n *Network) Type(ipt int) PointType {
	if n.Types == nil {
		return PointNormal
	}
	return n.Types[ipt]
}

// Validate checks index consistency against a camera count.
func (n *Network) Validate(numCameras int) error {
	if len(n.Points) == 0 {
		return fmt.Errorf("no triangulated ground points were found")
	}
	if len(n.Obs) != numCameras {
		return fmt.Errorf("network has %d observation lists for %d cameras",
			len(n.Obs), numCameras)
	}
	if n.Types != nil && len(n.Types) != len(n.Points) {
		return fmt.Errorf("network has %d type flags for %d points",
			len(n.Types), len(n.Points))
	}
	for icam, obs := range n.Obs {
		for _, o := range obs {
			if o.Point < 0 || o.Point >= len(n.Points) {
				return fmt.Errorf("camera %d observes point %d of %d",
					icam, o.Point, len(n.Points))
			}
		}
	}
	return nil
}

// OutlierSet tracks triangulation indices excluded from the solve.
// Membership only grows: points are flagged before assembly and never
// reinstated.
type OutlierSet struct {
	m map[int]struct{}
}

// NewOutlierSet returns an empty set.
func NewOutlierSet() *OutlierSet { return &OutlierSet{m: make(map[int]struct{})} }

// Add flags a triangulation index as outlier.
func (s *OutlierSet) Add(ipt int) { s.m[ipt] = struct{}{} }

// Has reports whether ipt is flagged.
func (s *OutlierSet) Has(ipt int) bool {
	_, ok := s.m[ipt]
	return ok
}

// Len returns the number of flagged points.
func (s *OutlierSet) Len() int { return len(s.m) }

// FlagInitialOutliers marks every point with an observation whose initial
// reprojection error exceeds cutoff pixels. This assumes the input
// cameras are already accurate to within the cutoff. Projection failures
// also flag the point.
func FlagInitialOutliers(cams []sensor.Model, net *Network, cutoff float64, outliers *OutlierSet) {
	for icam, obs := range net.Obs {
		for _, o := range obs {
			if outliers.Has(o.Point) {
				continue
			}
			pix, err := cams[icam].GroundToImage(net.Points[o.Point], sensor.DefaultPrecision)
			if err != nil {
				outliers.Add(o.Point)
				continue
			}
			ds := pix.Sample - o.Pixel.Sample
			dl := pix.Line - o.Pixel.Line
			if ds*ds+dl*dl > cutoff*cutoff {
				outliers.Add(o.Point)
			}
		}
	}
}
