package jitter

import (
	"fmt"
	"log"

	"github.com/relief-data/jitter.solve/internal/config"
	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/lsq"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// Input gathers the in-memory structures the external collaborators
// prepare before the core runs. Cameras and the network are required;
// everything else is optional.
type Input struct {
	Cameras []sensor.Model
	Network *Network
	Ell     geo.Ellipsoid

	// DEM enables the heights-from-dem constraint: triangulated points
	// are moved onto it before the solve and pulled toward it during.
	DEM *geo.DEM
	// AnchorDEM is the source of anchor-point ground positions.
	AnchorDEM *geo.DEM
	// WeightImage supplies per-point observation weights.
	WeightImage *geo.DEM
	// AnchorWeightImage limits where anchor points are placed and scales
	// their weights.
	AnchorWeightImage *geo.DEM

	// Rig and RigInfo enable rig binding; RigInfo has one entry per
	// camera.
	Rig     *Rig
	RigInfo []RigCamInfo

	// OrbitalGroups assigns each camera to an orbital group for the
	// frame-camera roll/yaw constraint; nil puts everything in group 0.
	OrbitalGroups []int

	// Outliers carries points already flagged by the pre-optimization
	// filtering; nil starts empty. The set only grows.
	Outliers *OutlierSet
}

// Result is the outcome of a solve. The camera models and the network
// points are mutated in place; the residual vectors and the per-residual
// weights feed the report writers.
type Result struct {
	Summary lsq.Summary

	// InitialResiduals and FinalResiduals are the weighted residuals in
	// residual-addition order; dividing by WeightPerResidual recovers the
	// unweighted values.
	InitialResiduals  []float64
	FinalResiduals    []float64
	WeightPerResidual []float64

	Structure *Structure
	Outliers  *OutlierSet

	// InitialCenters and FinalCenters are the camera centers before and
	// after optimization, for the offsets report.
	InitialCenters []geo.Vec3
	FinalCenters   []geo.Vec3
}

// cameraCenters extracts the centers of all cameras.
func cameraCenters(cams []sensor.Model) []geo.Vec3 {
	out := make([]geo.Vec3, len(cams))
	for i, c := range cams {
		out[i] = c.Center()
	}
	return out
}

// Run executes the full jitter solve: normalize and resample the linescan
// models, build the problem structure and anchor points, assemble the
// least-squares problem, optimize, and write the results back into the
// camera models and the triangulated points.
func Run(cfg *config.SolveConfig, in *Input) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(in.Cameras) < 2 {
		return nil, fmt.Errorf("expecting at least two input cameras")
	}
	if err := in.Network.Validate(len(in.Cameras)); err != nil {
		return nil, err
	}
	if in.Rig != nil && len(in.RigInfo) != len(in.Cameras) {
		return nil, fmt.Errorf("rig info must have one entry per camera")
	}
	if in.OrbitalGroups != nil && len(in.OrbitalGroups) != len(in.Cameras) {
		return nil, fmt.Errorf("orbital groups must have one entry per camera")
	}

	outliers := in.Outliers
	if outliers == nil {
		outliers = NewOutlierSet()
	}

	// Normalize the quaternions, then resample. The optimizer later keeps
	// the quaternions only softly normalized, so interpolation between
	// mutated and untouched samples must start from unit norm.
	singleThreaded := false
	for _, cam := range in.Cameras {
		switch m := cam.(type) {
		case *sensor.Linescan:
			m.NormalizeQuaternions()
			if err := m.Resample(cfg.GetNumLinesPerPosition(),
				cfg.GetNumLinesPerOrientation()); err != nil {
				return nil, err
			}
			singleThreaded = singleThreaded || m.SingleThreaded
		case *sensor.Frame:
			m.NormalizeQuat()
			singleThreaded = singleThreaded || m.SingleThreaded
		default:
			return nil, fmt.Errorf("expecting linescan or frame cameras")
		}
	}

	initialCenters := cameraCenters(in.Cameras)

	// Move triangulated points onto the DEM where one is given.
	var demXYZ []geo.Vec3
	if in.DEM != nil {
		demXYZ = UpdatePointsFromDEM(in.Network, in.DEM, outliers)
	}

	st, err := BuildStructure(in.Network, in.WeightImage, outliers)
	if err != nil {
		return nil, err
	}

	wantAnchors := cfg.GetAnchorWeight() > 0 &&
		(cfg.GetNumAnchorPointsPerImage() > 0 || cfg.GetNumAnchorPointsPerTile() > 0)
	if wantAnchors {
		if in.AnchorDEM == nil {
			return nil, fmt.Errorf("anchor points requested but no anchor DEM was provided")
		}
		if err := GenerateAnchorPoints(cfg, in.Cameras, in.AnchorDEM,
			in.AnchorWeightImage, st); err != nil {
			return nil, err
		}
	}
	// From here on the structure arrays must not be resized: the problem
	// keeps cursors into them.
	var triBase *float64
	if len(st.TriPoints) > 0 {
		triBase = &st.TriPoints[0]
	}

	frameParams := initFrameParams(in.Cameras)

	a := newAssembler(cfg, in, st, outliers, frameParams)
	if err := a.addReprojCamErrs(); err != nil {
		return nil, err
	}
	if in.DEM != nil {
		if err := a.addDemConstraint(demXYZ); err != nil {
			return nil, err
		}
	}
	// The triangulation inertia must come after any DEM constraint: it
	// only applies where the DEM did not claim the point.
	if cfg.GetTriWeight() > 0 {
		a.addTriConstraint()
	}
	if cfg.GetCameraPositionWeight() > 0 {
		if err := a.addCamPositionConstraint(); err != nil {
			return nil, err
		}
	}
	if err := a.addQuatNormRotationConstraints(); err != nil {
		return nil, err
	}
	if cfg.GetRollWeight() > 0 || cfg.GetYawWeight() > 0 {
		if err := a.addRollYawConstraint(); err != nil {
			return nil, err
		}
	}

	if len(a.weightPerResidual) != a.prob.NumResiduals() {
		return nil, fmt.Errorf("bookkeeping error: %d recorded weights for %d residuals",
			len(a.weightPerResidual), a.prob.NumResiduals())
	}

	res := &Result{
		WeightPerResidual: a.weightPerResidual,
		Structure:         st,
		Outliers:          outliers,
		InitialCenters:    initialCenters,
	}
	res.InitialResiduals = a.prob.EvaluateResiduals()

	opts := lsq.Options{
		MaxIterations:      cfg.GetNumIterations(),
		ParameterTolerance: cfg.GetParameterTolerance(),
		NumThreads:         cfg.GetNumThreads(),
	}
	if singleThreaded {
		opts.NumThreads = 1
	}

	log.Printf("starting the optimizer: %d residuals, %d parameter blocks",
		a.prob.NumResiduals(), a.prob.NumParameterBlocks())
	res.Summary = lsq.Solve(opts, a.prob)
	if res.Summary.Termination == lsq.NoConvergence {
		log.Printf("found a valid solution, but did not reach the actual minimum; " +
			"this is expected, and likely the produced solution is good enough")
	}

	st.checkCursorStability(triBase)

	// The linescan samples were optimized in place; frame poses and rig
	// sensors still need composing back.
	updateCameras(in, frameParams)

	// Mirror the optimized points back into the network.
	for ipt := range in.Network.Points {
		in.Network.Points[ipt] = st.Point(ipt)
	}

	res.FinalResiduals = a.prob.EvaluateResiduals()
	res.FinalCenters = cameraCenters(in.Cameras)
	return res, nil
}

// updateCameras writes optimized side parameters back into the models:
// frame poses from the side array, and non-reference rig sensors from the
// composition of the reference trajectory with the optimized rig
// transforms.
func updateCameras(in *Input, frameParams []float64) {
	writeBackFrameParams(in.Cameras, frameParams)

	if in.Rig == nil {
		return
	}
	for icam, cam := range in.Cameras {
		info := in.RigInfo[icam]
		if in.Rig.IsRefSensor(info.SensorID) {
			continue
		}
		ref, ok := in.Cameras[info.RefCam].(*sensor.Linescan)
		if !ok {
			continue
		}
		rig := in.Rig.TransformCursor(info.SensorID)

		switch m := cam.(type) {
		case *sensor.Frame:
			refRot := sensor.QuatToMatrix(ref.QuatAt(m.Time))
			pos, rot := composeRig(ref.PositionAt(m.Time), refRot, rig)
			q := sensor.MatrixToQuat(rot)
			m.SetPose(pos.Slice(), q[:])
		case *sensor.Linescan:
			for qi := 0; qi < m.NumQuats(); qi++ {
				t := m.T0Quat + float64(qi)*m.DtQuat
				refRot := sensor.QuatToMatrix(ref.QuatAt(t))
				_, rot := composeRig(ref.PositionAt(t), refRot, rig)
				q := sensor.MatrixToQuat(rot)
				copy(m.Quaternions[qi*sensor.QuatParams:(qi+1)*sensor.QuatParams], q[:])
			}
			for pi := 0; pi < m.NumPositions(); pi++ {
				t := m.T0Ephem + float64(pi)*m.DtEphem
				refRot := sensor.QuatToMatrix(ref.QuatAt(t))
				pos, _ := composeRig(ref.PositionAt(t), refRot, rig)
				copy(m.Positions[pi*sensor.XYZParams:(pi+1)*sensor.XYZParams], pos.Slice())
			}
		}
	}
}
