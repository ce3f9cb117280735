package jitter

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relief-data/jitter.solve/internal/config"
	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// reprojNorms recovers the unweighted reprojection residual norms from a
// result, walking the same order the assembler used.
func reprojNorms(res *Result, residuals []float64) []float64 {
	var out []float64
	pos := 0
	st := res.Structure
	for pass := 0; pass < 2; pass++ {
		for icam := range st.Pixels {
			for ipix := range st.Pixels[icam] {
				if st.IsAnchor[icam][ipix] != (pass == 1) {
					continue
				}
				ds := residuals[pos] / res.WeightPerResidual[pos]
				dl := residuals[pos+1] / res.WeightPerResidual[pos+1]
				out = append(out, math.Hypot(ds, dl))
				pos += sensor.PixelSize
			}
		}
	}
	return out
}

func medianOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	return s[len(s)/2]
}

func countObs(net *Network, outliers *OutlierSet) int {
	n := 0
	for _, obs := range net.Obs {
		for _, o := range obs {
			if !outliers.Has(o.Point) {
				n++
			}
		}
	}
	return n
}

// TestIdentityScene solves a perfectly consistent synthetic scene: the
// initial cost is essentially zero and nothing moves.
func TestIdentityScene(t *testing.T) {
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-400, 0, 400}, 40)

	ls0 := cams[0].(*sensor.Linescan)
	posBefore, quatBefore := snapshotPose(ls0)
	ptsBefore := append([]geo.Vec3(nil), net.Points...)

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(20)

	res, err := Run(cfg, &Input{Cameras: cams, Network: net, Ell: ell})
	require.NoError(t, err)

	assert.Less(t, res.Summary.InitialCost, 1e-8)
	assert.Less(t, res.Summary.FinalCost, 1e-8)

	for i := range posBefore {
		assert.InDelta(t, posBefore[i], ls0.Positions[i], 1e-5, "position %d moved", i)
	}
	for i := range quatBefore {
		assert.InDelta(t, quatBefore[i], ls0.Quaternions[i], 1e-8, "quaternion %d moved", i)
	}
	for i := range ptsBefore {
		assert.Less(t, net.Points[i].Sub(ptsBefore[i]).Norm(), 1e-4, "point %d moved", i)
	}

	norms := reprojNorms(res, res.FinalResiduals)
	assert.Less(t, medianOf(norms), 1e-6)
}

// TestResidualCount verifies the residual bookkeeping: every residual has
// a recorded weight and the total matches 2 per reprojection plus the
// configured constraints.
func TestResidualCount(t *testing.T) {
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-300, 300}, 25)

	outliers := NewOutlierSet()
	outliers.Add(3)

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(1)
	cfg.TriWeight = fptr(0.1)
	cfg.QuatNormWeight = fptr(1.0)

	res, err := Run(cfg, &Input{
		Cameras: cams, Network: net, Ell: ell, Outliers: outliers,
	})
	require.NoError(t, err)

	numReproj := countObs(net, outliers)
	numQuatSamples := 0
	for _, cam := range cams {
		numQuatSamples += cam.(*sensor.Linescan).NumQuats()
	}
	numTri := 0
	for ipt := range net.Points {
		if !outliers.Has(ipt) && net.Type(ipt) == PointNormal {
			numTri++
		}
	}

	want := 2*numReproj + numQuatSamples + 3*numTri
	assert.Equal(t, want, res.Summary.NumResiduals)
	assert.Equal(t, want, len(res.WeightPerResidual))
	assert.Equal(t, len(res.InitialResiduals), len(res.FinalResiduals))
	assert.Equal(t, want, len(res.InitialResiduals))
}

// TestJitterAbsorption injects a sinusoidal attitude perturbation into
// one camera and checks the solver absorbs it.
func TestJitterAbsorption(t *testing.T) {
	if testing.Short() {
		t.Skip("full solve is slow")
	}
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-300, 300}, 30)

	// ~2 px of jitter at the focal length used by the test cameras.
	perturbQuats(cams[0].(*sensor.Linescan), 2.0/tFocalPx)

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(40)
	cfg.TriWeight = fptr(0.05)
	cfg.QuatNormWeight = fptr(1.0)

	res, err := Run(cfg, &Input{Cameras: cams, Network: net, Ell: ell})
	require.NoError(t, err)

	initial := medianOf(reprojNorms(res, res.InitialResiduals))
	final := medianOf(reprojNorms(res, res.FinalResiduals))
	assert.Greater(t, initial, 0.3, "perturbation should be visible initially")
	assert.Less(t, final, 0.1, "solver should absorb the jitter")
	assert.Less(t, res.Summary.FinalCost, res.Summary.InitialCost)
}

// TestAnchorImmobility checks that anchor points never move, to the last
// bit.
func TestAnchorImmobility(t *testing.T) {
	if testing.Short() {
		t.Skip("full solve is slow")
	}
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-300, 300}, 20)
	perturbQuats(cams[0].(*sensor.Linescan), 1.0/tFocalPx)

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(15)
	cfg.NumAnchorPointsPerImage = iptr(10)
	cfg.AnchorWeight = fptr(1000.0)
	cfg.QuatNormWeight = fptr(1.0)

	res, err := Run(cfg, &Input{
		Cameras: cams, Network: net, Ell: ell,
		AnchorDEM: tFlatDEM(ell, 0),
	})
	require.NoError(t, err)

	st := res.Structure
	numAnchors := 0
	for icam := range st.Pixels {
		for ipix := range st.Pixels[icam] {
			if !st.IsAnchor[icam][ipix] {
				continue
			}
			numAnchors++
			ipt := st.PixToXYZ[icam][ipix]
			for c := 0; c < 3; c++ {
				if st.TriPoints[3*ipt+c] != st.OrigTriPoints[3*ipt+c] {
					t.Fatalf("anchor point %d moved: %v vs %v", ipt,
						st.TriPoints[3*ipt:3*ipt+3], st.OrigTriPoints[3*ipt:3*ipt+3])
				}
			}
		}
	}
	require.Greater(t, numAnchors, 0, "expected anchor points to be generated")
}

// TestDEMPull moves the DEM away from the triangulated points and checks
// the optimized points land on it.
func TestDEMPull(t *testing.T) {
	if testing.Short() {
		t.Skip("full solve is slow")
	}
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-300, 300}, 20)

	const demHeight = 5.0
	dem := tFlatDEM(ell, demHeight)

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(25)
	cfg.HeightsFromDemUncertainty = fptr(0.1)
	cfg.QuatNormWeight = fptr(1.0)

	res, err := Run(cfg, &Input{Cameras: cams, Network: net, Ell: ell, DEM: dem})
	require.NoError(t, err)
	_ = res

	for ipt := range net.Points {
		llh := ell.ToLLH(net.Points[ipt])
		assert.InDeltaf(t, demHeight, llh.Height, 0.2,
			"point %d height %v, want near DEM at %v", ipt, llh.Height, demHeight)
	}
}

// TestRotationWeightClamps verifies that a very strong rotation inertia
// keeps the optimized quaternions at their initial values.
func TestRotationWeightClamps(t *testing.T) {
	if testing.Short() {
		t.Skip("full solve is slow")
	}
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-300, 300}, 15)
	perturbQuats(cams[0].(*sensor.Linescan), 1.0/tFocalPx)

	ls0 := cams[0].(*sensor.Linescan)
	// Snapshot after the perturbation and the normalization Run applies.
	ls0.NormalizeQuaternions()
	_, quatBefore := snapshotPose(ls0)

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(15)
	cfg.RotationWeight = fptr(1e6)
	cfg.QuatNormWeight = fptr(1.0)
	cfg.TriWeight = fptr(0.1)

	_, err := Run(cfg, &Input{Cameras: cams, Network: net, Ell: ell})
	require.NoError(t, err)

	for i := range quatBefore {
		assert.InDelta(t, quatBefore[i], ls0.Quaternions[i], 1e-5, "quaternion %d drifted", i)
	}
}

// TestOutlierPointsExcluded checks that flagged points contribute no
// residuals and never move.
func TestOutlierPointsExcluded(t *testing.T) {
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-300, 300}, 20)

	// Corrupt one observation grossly and flag outliers the way the
	// pre-optimization filtering does.
	net.Obs[0][2].Pixel.Sample += 300
	badPoint := net.Obs[0][2].Point

	outliers := NewOutlierSet()
	FlagInitialOutliers(cams, net, 10.0, outliers)
	require.True(t, outliers.Has(badPoint))

	before := net.Points[badPoint]

	cfg := config.EmptySolveConfig()
	cfg.NumIterations = iptr(5)

	res, err := Run(cfg, &Input{
		Cameras: cams, Network: net, Ell: ell, Outliers: outliers,
	})
	require.NoError(t, err)

	assert.Equal(t, before, net.Points[badPoint], "outlier point moved")
	for icam := range res.Structure.Pixels {
		for _, ipt := range res.Structure.PixToXYZ[icam] {
			assert.NotEqual(t, badPoint, ipt, "outlier point has a residual")
		}
	}
}

// TestRunValidation covers the configuration-error paths that must abort
// before any optimization.
func TestRunValidation(t *testing.T) {
	ell := testEll()
	cams, net := buildTestScene(ell, []float64{-300, 300}, 10)

	t.Run("too few cameras", func(t *testing.T) {
		_, err := Run(config.EmptySolveConfig(), &Input{
			Cameras: cams[:1], Network: &Network{Points: net.Points, Obs: net.Obs[:1]}, Ell: ell,
		})
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := config.EmptySolveConfig()
		cfg.RobustThreshold = fptr(-1)
		_, err := Run(cfg, &Input{Cameras: cams, Network: net, Ell: ell})
		assert.Error(t, err)
	})

	t.Run("anchor weight without anchor DEM", func(t *testing.T) {
		cfg := config.EmptySolveConfig()
		cfg.AnchorWeight = fptr(10.0)
		cfg.NumAnchorPointsPerImage = iptr(5)
		_, err := Run(cfg, &Input{Cameras: cams, Network: net, Ell: ell})
		assert.Error(t, err)
	})

	t.Run("mismatched rig info", func(t *testing.T) {
		_, err := Run(config.EmptySolveConfig(), &Input{
			Cameras: cams, Network: net, Ell: ell,
			Rig: NewRig(2), RigInfo: []RigCamInfo{{SensorID: 0}},
		})
		assert.Error(t, err)
	})
}
