package sensor

import (
	"github.com/relief-data/jitter.solve/internal/geo"
)

// Frame models a camera exposed at a single instant with a single pose.
// Unlike the linescan model, the pose is not directly addressable as an
// optimizer parameter block; during a solve it is shadowed into the
// FrameParams side array and written back afterwards.
type Frame struct {
	Intr Intrinsics

	// Position is the camera center in ECEF.
	Position geo.Vec3
	// Quat is the camera-to-world rotation, x,y,z,w.
	Quat [QuatParams]float64

	// Time is the exposure instant, used for rig composition against a
	// reference sensor's sampled trajectory.
	Time float64

	SingleThreaded bool
}

// TimeOfPixel returns the exposure instant regardless of the pixel.
func (m *Frame) TimeOfPixel(Pixel) float64 { return m.Time }

// Center returns the camera center.
func (m *Frame) Center() geo.Vec3 { return m.Position }

// NormalizeQuat scales the orientation to unit norm in place.
func (m *Frame) NormalizeQuat() { NormalizeQuat(m.Quat[:]) }

// SetPose overwrites the pose from flat position and quaternion slices,
// used when writing optimized frame parameters back into the model.
func (m *Frame) SetPose(position, quat []float64) {
	m.Position = geo.FromSlice(position)
	copy(m.Quat[:], quat)
}

// Snapshot copies the model. The pose is held by value, so a plain struct
// copy is already independent.
func (m *Frame) Snapshot() Model {
	cp := *m
	return &cp
}

// GroundToImage projects an ECEF point through the single pose.
func (m *Frame) GroundToImage(pt geo.Vec3, precision float64) (Pixel, error) {
	camToWorld := QuatToMatrix(m.Quat[:])
	pc := camToWorld.Transpose().MulVec(pt.Sub(m.Position))
	if pc.Z <= 0 {
		return Pixel{}, ErrProjection
	}
	return Pixel{
		Sample: m.Intr.CenterSample + m.Intr.FocalPx*pc.X/pc.Z,
		Line:   m.Intr.CenterLine + m.Intr.FocalPx*pc.Y/pc.Z,
	}, nil
}
