package sensor

import (
	"math"

	"github.com/relief-data/jitter.solve/internal/geo"
)

// Linescan models a pushbroom camera: the image is exposed one line at a
// time while the platform moves, so every line has its own pose,
// interpolated from uniformly sampled positions and quaternions.
//
// The position and quaternion arrays are exclusively owned by the model;
// the problem assembler aliases sub-slices of them as optimizer parameter
// blocks, so they must not be reallocated while a solve is running.
type Linescan struct {
	Intr Intrinsics

	// Positions holds XYZParams values per sample, sampled every DtEphem
	// seconds from T0Ephem.
	Positions []float64
	T0Ephem   float64
	DtEphem   float64

	// Quaternions holds QuatParams values per sample (x,y,z,w), sampled
	// every DtQuat seconds from T0Quat.
	Quaternions []float64
	T0Quat      float64
	DtQuat      float64

	// Line l is exposed at T0Line + l*DtLine.
	T0Line float64
	DtLine float64

	// SingleThreaded marks models whose projection backend is not
	// reentrant; the solver then evaluates residuals on one worker.
	SingleThreaded bool
}

// NumPositions returns the number of position samples.
func (m *Linescan) NumPositions() int { return len(m.Positions) / XYZParams }

// NumQuats returns the number of quaternion samples.
func (m *Linescan) NumQuats() int { return len(m.Quaternions) / QuatParams }

// MutablePositions exposes the raw position sample array.
func (m *Linescan) MutablePositions() []float64 { return m.Positions }

// MutableQuaternions exposes the raw quaternion sample array.
func (m *Linescan) MutableQuaternions() []float64 { return m.Quaternions }

// TimeOfLine maps an image line to its exposure time.
func (m *Linescan) TimeOfLine(line float64) float64 { return m.T0Line + line*m.DtLine }

// TimeOfPixel maps a pixel to its exposure time; only the line matters.
func (m *Linescan) TimeOfPixel(p Pixel) float64 { return m.TimeOfLine(p.Line) }

// NormalizeQuaternions scales every quaternion sample to unit norm. Done
// once before optimization so interpolation between a few mutated and many
// untouched samples stays stable; during the solve the unit norm is
// maintained only softly.
func (m *Linescan) NormalizeQuaternions() {
	for i := 0; i < m.NumQuats(); i++ {
		NormalizeQuat(m.Quaternions[i*QuatParams : (i+1)*QuatParams])
	}
}

// PositionAt interpolates the platform position at time t.
func (m *Linescan) PositionAt(t float64) geo.Vec3 {
	var out [XYZParams]float64
	LagrangeInterp(t, m.T0Ephem, m.DtEphem, m.Positions, XYZParams, LagrangeOrder, out[:])
	return geo.Vec3{X: out[0], Y: out[1], Z: out[2]}
}

// QuatAt interpolates the camera-to-world quaternion at time t. The
// interpolated quaternion is normalized before use.
func (m *Linescan) QuatAt(t float64) []float64 {
	out := make([]float64, QuatParams)
	LagrangeInterp(t, m.T0Quat, m.DtQuat, m.Quaternions, QuatParams, LagrangeOrder, out)
	NormalizeQuat(out)
	return out
}

// Center returns the platform position at mid-scan.
func (m *Linescan) Center() geo.Vec3 {
	return m.PositionAt(m.TimeOfLine(float64(m.Intr.Lines) / 2))
}

// Snapshot deep-copies the model so a residual can overwrite pose samples
// with candidate values without touching the live model.
func (m *Linescan) Snapshot() Model {
	cp := *m
	cp.Positions = append([]float64(nil), m.Positions...)
	cp.Quaternions = append([]float64(nil), m.Quaternions...)
	return &cp
}

// detectorLine returns the detector-plane line offset, in pixels, of the
// ground point as seen at time t. It is zero exactly when the point images
// onto the sensor line being exposed at t. The second return is false when
// the point is behind the sensor.
func (m *Linescan) detectorLine(pt geo.Vec3, t float64) (float64, bool) {
	camToWorld := QuatToMatrix(m.QuatAt(t))
	pc := camToWorld.Transpose().MulVec(pt.Sub(m.PositionAt(t)))
	if pc.Z <= 0 {
		return 0, false
	}
	return m.Intr.FocalPx * pc.Y / pc.Z, true
}

// GroundToImage projects an ECEF point by solving for the scan time at
// which the point crosses the sensor plane, via a damped Newton iteration
// with a numeric time derivative.
func (m *Linescan) GroundToImage(pt geo.Vec3, precision float64) (Pixel, error) {
	if precision <= 0 {
		precision = DefaultPrecision
	}

	duration := float64(m.Intr.Lines) * math.Abs(m.DtLine)
	t := m.TimeOfLine(float64(m.Intr.Lines) / 2)
	maxStep := duration // keep iterates within one image duration per step

	const maxIter = 100
	converged := false
	for i := 0; i < maxIter; i++ {
		g, ok := m.detectorLine(pt, t)
		if !ok {
			return Pixel{}, ErrProjection
		}
		if math.Abs(g) < precision {
			converged = true
			break
		}
		// Numeric derivative over one line period.
		h := m.DtLine
		g2, ok := m.detectorLine(pt, t+h)
		if !ok || g2 == g {
			return Pixel{}, ErrProjection
		}
		step := -g * h / (g2 - g)
		if math.Abs(step) > maxStep {
			step = math.Copysign(maxStep, step)
		}
		t += step
	}
	if !converged {
		return Pixel{}, ErrProjection
	}

	camToWorld := QuatToMatrix(m.QuatAt(t))
	pc := camToWorld.Transpose().MulVec(pt.Sub(m.PositionAt(t)))
	if pc.Z <= 0 {
		return Pixel{}, ErrProjection
	}
	return Pixel{
		Sample: m.Intr.CenterSample + m.Intr.FocalPx*pc.X/pc.Z,
		Line:   (t - m.T0Line) / m.DtLine,
	}, nil
}
