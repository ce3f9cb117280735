package jitter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relief-data/jitter.solve/internal/config"
	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

func TestAxisAngleRoundTrip(t *testing.T) {
	cases := [][]float64{
		{0, 0, 0},
		{1e-3, 0, 0},
		{0.1, -0.2, 0.05},
		{0, 0, 1.5},
	}
	for _, aa := range cases {
		m := axisAngleToMatrix(aa)
		back := matrixToAxisAngle(m)
		for k := 0; k < 3; k++ {
			if math.Abs(back[k]-aa[k]) > 1e-10 {
				t.Errorf("axis-angle round trip: %v -> %v", aa, back)
			}
		}
	}
}

// buildRigScene returns a reference linescan camera and a non-reference
// frame camera placed at the composition of the reference pose with the
// given rig transform.
func buildRigScene(ell geo.Ellipsoid, rig []float64) (*sensor.Linescan, *sensor.Frame) {
	ref := newTestLinescan(ell, 0)

	const frameTime = 0.05
	refRot := sensor.QuatToMatrix(ref.QuatAt(frameTime))
	pos, rot := composeRig(ref.PositionAt(frameTime), refRot, rig)

	fr := &sensor.Frame{
		Intr: sensor.Intrinsics{
			FocalPx:      tFocalPx,
			CenterSample: 500,
			CenterLine:   500,
			Samples:      1000,
			Lines:        1000,
		},
		Position: pos,
		Quat:     sensor.MatrixToQuat(rot),
		Time:     frameTime,
	}
	return ref, fr
}

func TestEstimateRigTransform(t *testing.T) {
	ell := testEll()
	truth := []float64{2e-3, -1e-3, 5e-4, 0.4, -0.2, 0.1}
	ref, fr := buildRigScene(ell, truth)

	got := EstimateRigTransform(ref, fr.Time, fr.Position, fr.Quat[:])
	for k := 0; k < 3; k++ {
		assert.InDeltaf(t, truth[k], got[k], 1e-9, "rotation param %d", k)
	}
	for k := 3; k < 6; k++ {
		assert.InDeltaf(t, truth[k], got[k], 1e-6, "translation param %d", k)
	}
}

func TestRigFrameReprojCostZeroAtTruth(t *testing.T) {
	ell := testEll()
	truth := []float64{1e-3, -5e-4, 2e-4, 0.3, 0.1, -0.2}
	ref, fr := buildRigScene(ell, truth)

	pt := tGroundGrid(ell, 8)[3]
	pix, err := fr.GroundToImage(pt, sensor.DefaultPrecision)
	require.NoError(t, err)

	w, err := refWindowFor(ref, fr.Time, fr.Time)
	require.NoError(t, err)
	cost := &rigFrameReprojCost{refWindowCost: w, obs: pix, weight: 1, model: fr}

	var params [][]float64
	for i := w.begQuat; i < w.endQuat; i++ {
		params = append(params, ref.Quaternions[4*i:4*i+4])
	}
	for i := w.begPos; i < w.endPos; i++ {
		params = append(params, ref.Positions[3*i:3*i+3])
	}
	params = append(params, truth, pt.Slice())

	res := make([]float64, 2)
	cost.Evaluate(params, res)
	assert.InDelta(t, 0, res[0], 1e-5)
	assert.InDelta(t, 0, res[1], 1e-5)

	t.Run("wrong rig transform shows up in the residual", func(t *testing.T) {
		bad := append([]float64(nil), truth...)
		bad[0] += 5e-4 // ~35 px at this focal length
		params[len(params)-2] = bad
		cost.Evaluate(params, res)
		assert.Greater(t, math.Abs(res[0])+math.Abs(res[1]), 1.0)
	})
}

// TestRigRecovery perturbs the rig transform and lets the solver recover
// it from observations of the non-reference sensor, with the reference
// trajectory held by strong inertia constraints.
func TestRigRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("full solve is slow")
	}
	ell := testEll()
	truth := []float64{1e-3, -5e-4, 2e-4, 0.3, 0.1, -0.2}
	ref, fr := buildRigScene(ell, truth)

	points := tGroundGrid(ell, 25)
	net := &Network{Points: append([]geo.Vec3(nil), points...), Obs: make([][]Observation, 2)}
	for ipt, pt := range points {
		if pix, err := ref.GroundToImage(pt, sensor.DefaultPrecision); err == nil &&
			pix.Line >= 0 && pix.Line <= tNumLines && pix.Sample >= 0 && pix.Sample <= tSamples {
			net.Obs[0] = append(net.Obs[0], Observation{Point: ipt, Pixel: pix})
		}
		if pix, err := fr.GroundToImage(pt, sensor.DefaultPrecision); err == nil &&
			pix.Line >= 0 && pix.Line <= 1000 && pix.Sample >= 0 && pix.Sample <= 1000 {
			net.Obs[1] = append(net.Obs[1], Observation{Point: ipt, Pixel: pix})
		}
	}
	require.Greater(t, len(net.Obs[1]), 8, "frame camera needs observations")

	rig := NewRig(2)
	copy(rig.TransformCursor(1), truth)
	// Perturb the initial rig guess.
	rig.TransformCursor(1)[0] += 2e-4
	rig.TransformCursor(1)[4] += 2.0

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(40)
	cfg.RotationWeight = fptr(1e5)
	cfg.TriWeight = fptr(10.0)
	cfg.QuatNormWeight = fptr(1.0)

	_, err := Run(cfg, &Input{
		Cameras: []sensor.Model{ref, fr},
		Network: net,
		Ell:     ell,
		Rig:     rig,
		RigInfo: []RigCamInfo{{SensorID: 0, RefCam: 0}, {SensorID: 1, RefCam: 0}},
	})
	require.NoError(t, err)

	got := rig.TransformCursor(1)
	for k := 0; k < 3; k++ {
		assert.InDeltaf(t, truth[k], got[k], 2e-5, "rig rotation param %d", k)
	}
	for k := 3; k < 6; k++ {
		assert.InDeltaf(t, truth[k], got[k], 0.2, "rig translation param %d", k)
	}
}

// TestUpdateCamerasComposesRig checks the post-solve write-back of a
// non-reference frame sensor.
func TestUpdateCamerasComposesRig(t *testing.T) {
	ell := testEll()
	truth := []float64{1e-3, -5e-4, 2e-4, 0.3, 0.1, -0.2}
	ref, fr := buildRigScene(ell, truth)

	wantPos := fr.Position
	wantQuat := fr.Quat

	// Clobber the frame pose; the write-back must restore it from the
	// reference trajectory and the rig transform.
	fr.Position = geo.Vec3{}
	fr.Quat = [4]float64{0, 0, 0, 1}

	rig := NewRig(2)
	copy(rig.TransformCursor(1), truth)
	in := &Input{
		Cameras: []sensor.Model{ref, fr},
		Rig:     rig,
		RigInfo: []RigCamInfo{{SensorID: 0, RefCam: 0}, {SensorID: 1, RefCam: 0}},
	}
	updateCameras(in, initFrameParams(in.Cameras))

	assert.Less(t, fr.Position.Sub(wantPos).Norm(), 1e-6)
	rotWant := sensor.QuatToMatrix(wantQuat[:])
	rotGot := sensor.QuatToMatrix(fr.Quat[:])
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, rotWant[i][j], rotGot[i][j], 1e-9)
		}
	}
}
