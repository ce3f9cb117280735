// Package sensor implements the camera models the jitter solver adjusts:
// a linescan model with uniformly sampled positions and orientations along
// the scan timeline, and a frame model with a single pose. Projection
// follows the community sensor model conventions: pixels are (sample,
// line), quaternions are x,y,z,w, and ground coordinates are ECEF meters.
package sensor

import (
	"errors"

	"github.com/relief-data/jitter.solve/internal/geo"
)

const (
	// PixelSize is the residual size of one pixel observation.
	PixelSize = 2
	// XYZParams is the parameter-block size of a position or ground point.
	XYZParams = 3
	// QuatParams is the parameter-block size of one orientation sample.
	QuatParams = 4

	// DefaultPrecision is the ground-to-image convergence tolerance in
	// pixels. Anything coarser than 1e-8 makes the numerically
	// differentiated reprojection residuals return junk derivatives.
	DefaultPrecision = 1e-8
)

// ErrProjection is returned when a ground point cannot be imaged: the
// point is behind the sensor or the scan-time iteration fails to converge.
var ErrProjection = errors.New("ground point does not project into the camera")

// Pixel is an image coordinate: sample across-track, line along-track.
type Pixel struct {
	Sample, Line float64
}

// Intrinsics holds the pinhole interior orientation shared by both model
// flavors. The jitter solver never optimizes these.
type Intrinsics struct {
	FocalPx      float64 // focal length in pixels
	CenterSample float64 // principal point sample coordinate
	CenterLine   float64 // principal point line coordinate (frame only)
	Samples      int     // image width in pixels
	Lines        int     // image height in pixels (lines for linescan)
}

// Model is the adapter surface the solver core uses for any camera.
type Model interface {
	// TimeOfPixel maps an image pixel to an observation time. Frame
	// cameras return a constant.
	TimeOfPixel(p Pixel) float64
	// GroundToImage projects an ECEF point. precision is the convergence
	// tolerance in pixels; zero or negative selects DefaultPrecision.
	GroundToImage(pt geo.Vec3, precision float64) (Pixel, error)
	// Center returns the camera center, at mid-scan for linescan models.
	Center() geo.Vec3
	// Snapshot produces an independent copy whose pose arrays can be
	// overwritten with candidate values without mutating the live model.
	Snapshot() Model
}
