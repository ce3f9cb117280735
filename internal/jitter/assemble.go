package jitter

import (
	"fmt"
	"log"
	"math"

	"github.com/relief-data/jitter.solve/internal/config"
	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/lsq"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// timeWindowExtraLines is the slack, beyond the outlier cutoff, added to
// the pose-sample time window of each observation: during optimization
// the 3D point and its pixel can move somewhat.
const timeWindowExtraLines = 5.0

// assembler wires the structure arrays, camera models and constraint
// configuration into one lsq.Problem. Residual addition order is
// deterministic: two passes (non-anchor, then anchor) over cameras in
// input order, then the constraints; the residual reports rely on it.
type assembler struct {
	cfg      *config.SolveConfig
	in       *Input
	st       *Structure
	outliers *OutlierSet
	prob     *lsq.Problem

	frameParams []float64

	// weightPerResidual records, per residual value, the weight it was
	// multiplied by, so reporting code can recover unweighted residuals
	// by dividing.
	weightPerResidual []float64

	// Per pass (non-anchor, anchor) and per camera: the median
	// camera-position weight of the observations and their count, feeding
	// the camera-position constraint.
	weightPerCam [2][]float64
	countPerCam  [2][]float64
}

func newAssembler(cfg *config.SolveConfig, in *Input, st *Structure,
	outliers *OutlierSet, frameParams []float64) *assembler {
	return &assembler{
		cfg:         cfg,
		in:          in,
		st:          st,
		outliers:    outliers,
		prob:        lsq.NewProblem(),
		frameParams: frameParams,
	}
}

func (a *assembler) recordWeight(w float64, count int) {
	for i := 0; i < count; i++ {
		a.weightPerResidual = append(a.weightPerResidual, w)
	}
}

// nonzeroWeight keeps the recorded weight usable as a divisor: a zero
// weight (one of roll/yaw disabled) records as 1.
func nonzeroWeight(w float64) float64 {
	if w != 0 {
		return w
	}
	return 1.0
}

// addReprojCamErrs adds every reprojection residual and collects the data
// the camera-position constraint scales with. Pass 0 covers interest-point
// matches, pass 1 the anchor points, so downstream residual reports can
// reconstruct the order without extra bookkeeping.
func (a *assembler) addReprojCamErrs() error {
	numCams := len(a.in.Cameras)
	for pass := 0; pass < 2; pass++ {
		a.weightPerCam[pass] = make([]float64, numCams)
		a.countPerCam[pass] = make([]float64, numCams)

		for icam := 0; icam < numCams; icam++ {
			var camWeights []float64

			for ipix := range a.st.Pixels[icam] {
				pixObs := a.st.Pixels[icam][ipix]
				pixWt := a.st.Weights[icam][ipix]
				isAnchor := a.st.IsAnchor[icam][ipix]
				ipt := a.st.PixToXYZ[icam][ipix]
				triCursor := a.st.PointCursor(ipt)

				if isAnchor != (pass == 1) {
					continue
				}

				if err := a.addOneReprojErr(icam, pixObs, pixWt, triCursor); err != nil {
					return err
				}
				a.recordWeight(pixWt, sensor.PixelSize)
				a.prob.MarkPointBlock(triCursor)

				// Anchor points are fixed by definition; they keep the
				// cameras from drifting far from the original poses.
				if isAnchor {
					a.prob.SetBlockConstant(triCursor)
				}

				// The camera position weight depends on the input
				// multiplier, the pixel weight, and the GSD at the point.
				gsd := estimateGSD(a.in.Cameras[icam], pixObs, geo.FromSlice(triCursor))
				if gsd <= 0 {
					continue
				}
				camWeights = append(camWeights,
					a.cfg.GetCameraPositionWeight()*pixWt/gsd)
			}

			// The median is more robust to outliers than the mean.
			a.countPerCam[pass][icam] = float64(len(camWeights))
			a.weightPerCam[pass][icam] = median(camWeights)
		}
	}
	return nil
}

// addOneReprojErr dispatches one observation to the cost flavor matching
// its camera and rig role.
func (a *assembler) addOneReprojErr(icam int, pixObs sensor.Pixel, pixWt float64,
	triCursor []float64) error {

	loss := lsq.NewCauchy(a.cfg.GetRobustThreshold())

	if a.in.Rig == nil {
		switch m := a.in.Cameras[icam].(type) {
		case *sensor.Linescan:
			return a.addLsReprojErr(m, pixObs, pixWt, triCursor, loss)
		case *sensor.Frame:
			a.addFrameReprojErr(icam, m, pixObs, pixWt, triCursor, loss)
			return nil
		default:
			return fmt.Errorf("unknown camera model for camera %d", icam)
		}
	}

	info := a.in.RigInfo[icam]
	refModel, ok := a.in.Cameras[info.RefCam].(*sensor.Linescan)
	if !ok {
		return fmt.Errorf("rig reference camera %d must be linescan", info.RefCam)
	}

	if a.in.Rig.IsRefSensor(info.SensorID) {
		switch m := a.in.Cameras[icam].(type) {
		case *sensor.Linescan:
			return a.addLsReprojErr(m, pixObs, pixWt, triCursor, loss)
		case *sensor.Frame:
			a.addFrameReprojErr(icam, m, pixObs, pixWt, triCursor, loss)
			return nil
		default:
			return fmt.Errorf("unknown camera model for camera %d", icam)
		}
	}

	switch m := a.in.Cameras[icam].(type) {
	case *sensor.Frame:
		return a.addRigFrameReprojErr(info, refModel, m, pixObs, pixWt, triCursor, loss)
	case *sensor.Linescan:
		return a.addRigLsReprojErr(info, refModel, m, pixObs, pixWt, triCursor, loss)
	default:
		return fmt.Errorf("unknown camera model for camera %d", icam)
	}
}

// obsTimeWindow returns the time span of pose samples that can influence
// an observed line during optimization.
func (a *assembler) obsTimeWindow(m *sensor.Linescan, line float64) (t1, t2 float64) {
	extra := a.cfg.GetMaxInitialReprojErrorPx() + timeWindowExtraLines
	t1 = m.TimeOfLine(line - extra)
	t2 = m.TimeOfLine(line + extra)
	return t1, t2
}

func (a *assembler) addLsReprojErr(m *sensor.Linescan, pixObs sensor.Pixel,
	pixWt float64, triCursor []float64, loss lsq.Loss) error {

	t1, t2 := a.obsTimeWindow(m, pixObs.Line)

	begQuat, endQuat, err := sensor.InterpRange(t1, t2, m.T0Quat, m.DtQuat, m.NumQuats())
	if err != nil {
		return err
	}
	begPos, endPos, err := sensor.InterpRange(t1, t2, m.T0Ephem, m.DtEphem, m.NumPositions())
	if err != nil {
		return err
	}

	cost := newLsPixelReprojCost(pixObs, pixWt, m, begQuat, endQuat, begPos, endPos)

	// The variables are the in-window pose samples stored in the camera
	// model itself, and the triangulated point.
	cursors := make([][]float64, 0, cost.numBlocks())
	for it := begQuat; it < endQuat; it++ {
		cursors = append(cursors, m.Quaternions[it*sensor.QuatParams:(it+1)*sensor.QuatParams])
	}
	for it := begPos; it < endPos; it++ {
		cursors = append(cursors, m.Positions[it*sensor.XYZParams:(it+1)*sensor.XYZParams])
	}
	cursors = append(cursors, triCursor)
	a.prob.AddResidualBlock(cost, loss, cursors...)
	return nil
}

func (a *assembler) addFrameReprojErr(icam int, m *sensor.Frame, pixObs sensor.Pixel,
	pixWt float64, triCursor []float64, loss lsq.Loss) {

	cost := &framePixelReprojCost{obs: pixObs, weight: pixWt, model: m}
	// Unlike the linescan model, the pose lives in the side array.
	a.prob.AddResidualBlock(cost, loss,
		framePositionCursor(a.frameParams, icam),
		frameQuatCursor(a.frameParams, icam),
		triCursor)
}

// refWindowFor selects the reference-trajectory sample windows covering
// [t1, t2].
func refWindowFor(ref *sensor.Linescan, t1, t2 float64) (refWindowCost, error) {
	begQuat, endQuat, err := sensor.InterpRange(t1, t2, ref.T0Quat, ref.DtQuat, ref.NumQuats())
	if err != nil {
		return refWindowCost{}, err
	}
	begPos, endPos, err := sensor.InterpRange(t1, t2, ref.T0Ephem, ref.DtEphem, ref.NumPositions())
	if err != nil {
		return refWindowCost{}, err
	}
	return refWindowCost{
		refModel: ref,
		begQuat:  begQuat, endQuat: endQuat,
		begPos: begPos, endPos: endPos,
	}, nil
}

func (a *assembler) rigCursors(w *refWindowCost, sensorID int, triCursor []float64) [][]float64 {
	ref := w.refModel
	cursors := make([][]float64, 0, w.numRefBlocks()+2)
	for it := w.begQuat; it < w.endQuat; it++ {
		cursors = append(cursors, ref.Quaternions[it*sensor.QuatParams:(it+1)*sensor.QuatParams])
	}
	for it := w.begPos; it < w.endPos; it++ {
		cursors = append(cursors, ref.Positions[it*sensor.XYZParams:(it+1)*sensor.XYZParams])
	}
	cursors = append(cursors, a.in.Rig.TransformCursor(sensorID), triCursor)
	return cursors
}

func (a *assembler) addRigFrameReprojErr(info RigCamInfo, ref *sensor.Linescan,
	m *sensor.Frame, pixObs sensor.Pixel, pixWt float64, triCursor []float64,
	loss lsq.Loss) error {

	w, err := refWindowFor(ref, m.Time, m.Time)
	if err != nil {
		return err
	}
	cost := &rigFrameReprojCost{refWindowCost: w, obs: pixObs, weight: pixWt, model: m}
	a.prob.AddResidualBlock(cost, loss, a.rigCursors(&w, info.SensorID, triCursor)...)
	return nil
}

func (a *assembler) addRigLsReprojErr(info RigCamInfo, ref *sensor.Linescan,
	m *sensor.Linescan, pixObs sensor.Pixel, pixWt float64, triCursor []float64,
	loss lsq.Loss) error {

	t1, t2 := a.obsTimeWindow(m, pixObs.Line)

	begQuatCur, endQuatCur, err := sensor.InterpRange(t1, t2, m.T0Quat, m.DtQuat, m.NumQuats())
	if err != nil {
		return err
	}
	begPosCur, endPosCur, err := sensor.InterpRange(t1, t2, m.T0Ephem, m.DtEphem, m.NumPositions())
	if err != nil {
		return err
	}

	// The reference window must cover the sensor sample times it will be
	// interpolated at, not just the observation times.
	refT1 := math.Min(m.T0Quat+float64(begQuatCur)*m.DtQuat,
		m.T0Ephem+float64(begPosCur)*m.DtEphem)
	refT2 := math.Max(m.T0Quat+float64(endQuatCur-1)*m.DtQuat,
		m.T0Ephem+float64(endPosCur-1)*m.DtEphem)
	w, err := refWindowFor(ref, refT1, refT2)
	if err != nil {
		return err
	}

	cost := &rigLsReprojCost{
		refWindowCost: w, obs: pixObs, weight: pixWt, model: m,
		begQuatCur: begQuatCur, endQuatCur: endQuatCur,
		begPosCur: begPosCur, endPosCur: endPosCur,
	}
	a.prob.AddResidualBlock(cost, loss, a.rigCursors(&w, info.SensorID, triCursor)...)
	return nil
}

// addDemConstraint pulls triangulated points toward the DEM surface
// positions computed before the solve.
func (a *assembler) addDemConstraint(demXYZ []geo.Vec3) error {
	xyzWeight := 1.0 / a.cfg.GetHeightsFromDemUncertainty()
	xyzThreshold := a.cfg.GetHeightsFromDemRobustThreshold()
	if xyzWeight <= 0 || xyzThreshold <= 0 {
		return fmt.Errorf("detected invalid robust threshold or weight for the DEM constraint")
	}
	if len(demXYZ) != a.st.NumNetworkPoints {
		return fmt.Errorf("must have as many DEM positions as triangulated points: %d vs %d",
			len(demXYZ), a.st.NumNetworkPoints)
	}

	for ipt := 0; ipt < a.st.NumNetworkPoints; ipt++ {
		if a.in.Network.Type(ipt) == PointGCP {
			return fmt.Errorf("found a GCP where not expecting any")
		}
		if a.outliers.Has(ipt) || demXYZ[ipt] == (geo.Vec3{}) {
			continue
		}
		cursor := a.st.PointCursor(ipt)
		a.prob.AddResidualBlock(&xyzCost{observation: demXYZ[ipt], weight: xyzWeight},
			lsq.NewCauchy(xyzThreshold), cursor)
		a.prob.MarkPointBlock(cursor)
		a.recordWeight(xyzWeight, sensor.XYZParams)
	}
	return nil
}

// addTriConstraint keeps triangulated points near their initial values.
// The weight is divided by the point's GSD so the residual is in pixel
// units; DEM-constrained points and GCPs have their own constraints and
// are skipped, as are points whose GSD estimate failed.
func (a *assembler) addTriConstraint() {
	gsds := estimateGSDPerTriPoint(a.in.Cameras, a.st, a.outliers)

	for ipt := 0; ipt < a.st.NumNetworkPoints; ipt++ {
		switch a.in.Network.Type(ipt) {
		case PointGCP, PointFromDEM:
			continue
		}
		if a.outliers.Has(ipt) {
			continue
		}
		gsd := gsds[ipt]
		if gsd <= 0 {
			continue
		}
		weight := a.cfg.GetTriWeight() / gsd

		cursor := a.st.PointCursor(ipt)
		a.prob.AddResidualBlock(&xyzCost{observation: a.st.Point(ipt), weight: weight},
			lsq.NewCauchy(a.cfg.GetTriRobustThreshold()), cursor)
		a.prob.MarkPointBlock(cursor)
		a.recordWeight(weight, sensor.XYZParams)
	}
}

// addCamPositionConstraint keeps camera positions near their initial
// values, with strength proportional to the reprojection errors the
// camera carries: adding N losses with weight w and threshold t is
// equivalent to one loss with weight sqrt(N)*w and threshold sqrt(N)*t.
// For linescan the combined weight is further split across the position
// samples, keeping the total squared residual invariant to resampling
// density.
func (a *assembler) addCamPositionConstraint() error {
	for pass := 0; pass < 2; pass++ {
		for icam := range a.in.Cameras {
			// With a rig, only the reference sensor carries the constraint.
			if a.in.Rig != nil && !a.in.Rig.IsRefSensor(a.in.RigInfo[icam].SensorID) {
				continue
			}
			medianWt := a.weightPerCam[pass][icam]
			count := a.countPerCam[pass][icam]
			if count <= 0 {
				continue
			}
			combinedWt := math.Sqrt(count) * medianWt
			combinedTh := math.Sqrt(count) * a.cfg.GetCameraPositionRobustThreshold()

			switch m := a.in.Cameras[icam].(type) {
			case *sensor.Linescan:
				numPos := m.NumPositions()
				wt := combinedWt / math.Sqrt(float64(numPos))
				th := combinedTh / math.Sqrt(float64(numPos))
				for ip := 0; ip < numPos; ip++ {
					cursor := m.Positions[ip*sensor.XYZParams : (ip+1)*sensor.XYZParams]
					a.prob.AddResidualBlock(newTranslationCost(cursor, wt),
						lsq.NewCauchy(th), cursor)
					a.recordWeight(wt, sensor.XYZParams)
				}
			case *sensor.Frame:
				cursor := framePositionCursor(a.frameParams, icam)
				a.prob.AddResidualBlock(newTranslationCost(cursor, combinedWt),
					lsq.NewCauchy(combinedTh), cursor)
				a.recordWeight(combinedWt, sensor.XYZParams)
			default:
				return fmt.Errorf("unknown camera model for camera %d", icam)
			}
		}
	}
	return nil
}

// addQuatNormRotationConstraints adds the rotation inertia and the
// quaternion unit-norm constraints. Neither uses a robust loss: the
// quaternions have no outliers.
func (a *assembler) addQuatNormRotationConstraints() error {
	if w := a.cfg.GetRotationWeight(); w > 0 {
		for icam := range a.in.Cameras {
			// With a rig, only the reference sensor has rotation constraints.
			if a.in.Rig != nil && !a.in.Rig.IsRefSensor(a.in.RigInfo[icam].SensorID) {
				continue
			}
			switch m := a.in.Cameras[icam].(type) {
			case *sensor.Linescan:
				for iq := 0; iq < m.NumQuats(); iq++ {
					cursor := m.Quaternions[iq*sensor.QuatParams : (iq+1)*sensor.QuatParams]
					a.prob.AddResidualBlock(newRotationCost(cursor, w), nil, cursor)
					a.recordWeight(w, sensor.QuatParams)
				}
			case *sensor.Frame:
				cursor := frameQuatCursor(a.frameParams, icam)
				a.prob.AddResidualBlock(newRotationCost(cursor, w), nil, cursor)
				a.recordWeight(w, sensor.QuatParams)
			default:
				return fmt.Errorf("unknown camera model for camera %d", icam)
			}
		}
	}

	if w := a.cfg.GetQuatNormWeight(); w > 0 {
		for icam := range a.in.Cameras {
			switch m := a.in.Cameras[icam].(type) {
			case *sensor.Linescan:
				for iq := 0; iq < m.NumQuats(); iq++ {
					cursor := m.Quaternions[iq*sensor.QuatParams : (iq+1)*sensor.QuatParams]
					a.prob.AddResidualBlock(&quatNormCost{weight: w}, nil, cursor)
					a.recordWeight(w, 1)
				}
			case *sensor.Frame:
				cursor := frameQuatCursor(a.frameParams, icam)
				a.prob.AddResidualBlock(&quatNormCost{weight: w}, nil, cursor)
				a.recordWeight(w, 1)
			default:
				return fmt.Errorf("unknown camera model for camera %d", icam)
			}
		}
	}
	return nil
}

// addRollYawConstraint constrains the roll and yaw of every orientation
// sample against the satellite along-track frame. Linescan cameras use
// their own sampled trajectory; frame cameras use the trajectory of all
// cameras in the same orbital group.
func (a *assembler) addRollYawConstraint() error {
	rollW, yawW := a.cfg.GetRollWeight(), a.cfg.GetYawWeight()
	if rollW <= 0 && yawW <= 0 {
		return fmt.Errorf("the roll or yaw weight must be positive")
	}
	initialCam := a.cfg.GetInitialCameraConstraint()

	groupPositions, groupQuats, indexInGroup := a.frameOrbitalTrajectories()

	for icam := range a.in.Cameras {
		switch m := a.in.Cameras[icam].(type) {
		case *sensor.Linescan:
			// One constraint per orientation sample, with positions
			// interpolated one-to-one with the quaternions.
			positions := interpPositionsAtQuatTimes(m)
			for iq := 0; iq < m.NumQuats(); iq++ {
				cost, err := newRollYawCost(a.in.Ell, positions, m.Quaternions, iq,
					rollW, yawW, initialCam)
				if err != nil {
					return err
				}
				cursor := m.Quaternions[iq*sensor.QuatParams : (iq+1)*sensor.QuatParams]
				a.prob.AddResidualBlock(cost, nil, cursor)
				a.recordWeight(nonzeroWeight(rollW), 1)
				a.recordWeight(nonzeroWeight(yawW), 1)
			}

		case *sensor.Frame:
			group := a.orbitalGroup(icam)
			positions := groupPositions[group]
			quats := groupQuats[group]
			if len(positions)/sensor.XYZParams < 2 {
				log.Printf("cannot add a roll/yaw constraint for an orbital group "+
					"with a single frame camera (camera %d)", icam)
				continue
			}
			cost, err := newRollYawCost(a.in.Ell, positions, quats, indexInGroup[icam],
				rollW, yawW, initialCam)
			if err != nil {
				return err
			}
			a.prob.AddResidualBlock(cost, nil, frameQuatCursor(a.frameParams, icam))
			a.recordWeight(nonzeroWeight(rollW), 1)
			a.recordWeight(nonzeroWeight(yawW), 1)

		default:
			return fmt.Errorf("expecting linescan or frame cameras for the roll/yaw constraint")
		}
	}
	return nil
}

// orbitalGroup returns the orbital group of a camera; without explicit
// groups all cameras share group 0.
func (a *assembler) orbitalGroup(icam int) int {
	if a.in.OrbitalGroups == nil {
		return 0
	}
	return a.in.OrbitalGroups[icam]
}

// frameOrbitalTrajectories collects, per orbital group, the initial
// positions and quaternions of its frame cameras in input order, plus the
// index of each camera within its group.
func (a *assembler) frameOrbitalTrajectories() (map[int][]float64, map[int][]float64, []int) {
	positions := make(map[int][]float64)
	quats := make(map[int][]float64)
	indexInGroup := make([]int, len(a.in.Cameras))
	for icam, cam := range a.in.Cameras {
		fr, ok := cam.(*sensor.Frame)
		if !ok {
			continue
		}
		g := a.orbitalGroup(icam)
		indexInGroup[icam] = len(positions[g]) / sensor.XYZParams
		positions[g] = append(positions[g], fr.Position.Slice()...)
		quats[g] = append(quats[g], fr.Quat[:]...)
	}
	return positions, quats, indexInGroup
}

// interpPositionsAtQuatTimes resamples the position series at the
// quaternion sample times so the two are one-to-one, extrapolating at the
// ends where the series do not overlap.
func interpPositionsAtQuatTimes(m *sensor.Linescan) []float64 {
	out := make([]float64, m.NumQuats()*sensor.XYZParams)
	for iq := 0; iq < m.NumQuats(); iq++ {
		t := m.T0Quat + float64(iq)*m.DtQuat
		p := m.PositionAt(t)
		copy(out[iq*sensor.XYZParams:], p.Slice())
	}
	return out
}
