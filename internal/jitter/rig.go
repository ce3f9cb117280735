package jitter

import (
	"errors"
	"math"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// NumRigidParams is the size of one rig transform parameter block:
// an axis-angle rotation followed by a translation.
const NumRigidParams = 6

var errMismatchedPoseSeries = errors.New("expecting the same number of positions and quaternions")

// Rig is a rigid assembly of sensors. Sensor 0 is the reference; every
// other sensor's pose is bound to the reference trajectory through its
// ref-to-sensor transform, so only the reference poses and the rig
// transforms are optimized.
type Rig struct {
	NumSensors int
	// RefToSensor holds NumRigidParams values per sensor. The reference
	// sensor's entry stays identity (all zeros).
	RefToSensor []float64
}

// NewRig returns a rig with identity transforms for every sensor.
func NewRig(numSensors int) *Rig {
	return &Rig{
		NumSensors:  numSensors,
		RefToSensor: make([]float64, NumRigidParams*numSensors),
	}
}

// IsRefSensor reports whether the sensor id is the rig reference.
func (r *Rig) IsRefSensor(id int) bool { return id == 0 }

// TransformCursor returns the parameter-block cursor of the sensor's
// ref-to-sensor transform.
func (r *Rig) TransformCursor(id int) []float64 {
	return r.RefToSensor[NumRigidParams*id : NumRigidParams*(id+1)]
}

// RigCamInfo binds one camera of the input list to its rig sensor and to
// the camera index of the reference sensor it composes with.
type RigCamInfo struct {
	SensorID int
	RefCam   int
}

// axisAngleToMatrix converts a Rodrigues rotation vector to a matrix.
func axisAngleToMatrix(a []float64) geo.Mat3 {
	theta := math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
	if theta < 1e-12 {
		return geo.Identity3()
	}
	kx, ky, kz := a[0]/theta, a[1]/theta, a[2]/theta
	s, c := math.Sincos(theta)
	t := 1 - c
	return geo.Mat3{
		{t*kx*kx + c, t*kx*ky - s*kz, t*kx*kz + s*ky},
		{t*kx*ky + s*kz, t*ky*ky + c, t*ky*kz - s*kx},
		{t*kx*kz - s*ky, t*ky*kz + s*kx, t*kz*kz + c},
	}
}

// matrixToAxisAngle converts a rotation matrix to a Rodrigues vector.
func matrixToAxisAngle(m geo.Mat3) [3]float64 {
	q := sensor.MatrixToQuat(m)
	// q = (sin(theta/2)*k, cos(theta/2)) with w >= 0.
	sinHalf := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2])
	if sinHalf < 1e-12 {
		return [3]float64{}
	}
	theta := 2 * math.Atan2(sinHalf, q[3])
	s := theta / sinHalf
	return [3]float64{q[0] * s, q[1] * s, q[2] * s}
}

// composeRig applies a ref-to-sensor transform to a reference pose:
// R_s = R_ref * R_rs, C_s = C_ref + R_ref * t_rs.
func composeRig(refPos geo.Vec3, refRot geo.Mat3, rig []float64) (geo.Vec3, geo.Mat3) {
	rs := axisAngleToMatrix(rig[:3])
	t := geo.Vec3{X: rig[3], Y: rig[4], Z: rig[5]}
	return refPos.Add(refRot.MulVec(t)), refRot.Mul(rs)
}

// EstimateRigTransform computes the ref-to-sensor transform that maps the
// reference pose at time t onto the given sensor pose, used to initialize
// a rig when no configuration provides one.
func EstimateRigTransform(ref *sensor.Linescan, t float64, sensorPos geo.Vec3,
	sensorQuat []float64) [NumRigidParams]float64 {

	refRot := sensor.QuatToMatrix(ref.QuatAt(t))
	refPos := ref.PositionAt(t)
	refRotT := refRot.Transpose()

	rs := refRotT.Mul(sensor.QuatToMatrix(sensorQuat))
	dt := refRotT.MulVec(sensorPos.Sub(refPos))

	aa := matrixToAxisAngle(rs)
	return [NumRigidParams]float64{aa[0], aa[1], aa[2], dt.X, dt.Y, dt.Z}
}

// refWindowCost carries the shared bookkeeping of the rig reprojection
// costs: the candidate window of reference pose samples, written into a
// snapshot of the reference model before composing.
type refWindowCost struct {
	refModel *sensor.Linescan
	begQuat, endQuat,
	begPos, endPos int
}

func (c *refWindowCost) applyRefWindow(params [][]float64) *sensor.Linescan {
	ref := c.refModel.Snapshot().(*sensor.Linescan)
	shift := 0
	for qi := c.begQuat; qi < c.endQuat; qi++ {
		copy(ref.Quaternions[sensor.QuatParams*qi:sensor.QuatParams*(qi+1)],
			params[shift+qi-c.begQuat])
	}
	shift += c.endQuat - c.begQuat
	for pi := c.begPos; pi < c.endPos; pi++ {
		copy(ref.Positions[sensor.XYZParams*pi:sensor.XYZParams*(pi+1)],
			params[shift+pi-c.begPos])
	}
	return ref
}

func (c *refWindowCost) numRefBlocks() int {
	return (c.endQuat - c.begQuat) + (c.endPos - c.begPos)
}

func (c *refWindowCost) blockSizes() []int {
	var sizes []int
	for i := c.begQuat; i < c.endQuat; i++ {
		sizes = append(sizes, sensor.QuatParams)
	}
	for i := c.begPos; i < c.endPos; i++ {
		sizes = append(sizes, sensor.XYZParams)
	}
	sizes = append(sizes, NumRigidParams, sensor.XYZParams)
	return sizes
}

// rigFrameReprojCost projects through a non-reference frame sensor whose
// pose is computed, not optimized: the reference trajectory interpolated
// at the frame's exposure time, composed with the rig transform.
// Parameter blocks: reference quaternion samples, reference position
// samples, the rig transform, and the triangulated point.
type rigFrameReprojCost struct {
	refWindowCost
	obs    sensor.Pixel
	weight float64
	model  *sensor.Frame
}

func (c *rigFrameReprojCost) NumResiduals() int { return sensor.PixelSize }
func (c *rigFrameReprojCost) BlockSizes() []int { return c.blockSizes() }

func (c *rigFrameReprojCost) Evaluate(params [][]float64, residuals []float64) {
	ref := c.applyRefWindow(params)
	shift := c.numRefBlocks()
	rig := params[shift]
	pt := geo.FromSlice(params[shift+1])

	t := c.model.Time
	refRot := sensor.QuatToMatrix(ref.QuatAt(t))
	pos, rot := composeRig(ref.PositionAt(t), refRot, rig)

	cam := c.model.Snapshot().(*sensor.Frame)
	q := sensor.MatrixToQuat(rot)
	cam.SetPose(pos.Slice(), q[:])

	pix, err := cam.GroundToImage(pt, sensor.DefaultPrecision)
	if err != nil {
		reportProjectionFailure(err)
		residuals[0] = bigPixelValue
		residuals[1] = bigPixelValue
		return
	}
	residuals[0] = c.weight * (pix.Sample - c.obs.Sample)
	residuals[1] = c.weight * (pix.Line - c.obs.Line)
}

// rigLsReprojCost projects through a non-reference linescan sensor: every
// pose sample of the sensor inside its own interpolation window is
// recomputed from the reference trajectory composed with the rig
// transform, then the point is projected through the rebuilt sensor.
type rigLsReprojCost struct {
	refWindowCost
	obs    sensor.Pixel
	weight float64
	model  *sensor.Linescan
	begQuatCur, endQuatCur,
	begPosCur, endPosCur int
}

func (c *rigLsReprojCost) NumResiduals() int { return sensor.PixelSize }
func (c *rigLsReprojCost) BlockSizes() []int { return c.blockSizes() }

func (c *rigLsReprojCost) Evaluate(params [][]float64, residuals []float64) {
	ref := c.applyRefWindow(params)
	shift := c.numRefBlocks()
	rig := params[shift]
	pt := geo.FromSlice(params[shift+1])

	cam := c.model.Snapshot().(*sensor.Linescan)
	for qi := c.begQuatCur; qi < c.endQuatCur; qi++ {
		t := cam.T0Quat + float64(qi)*cam.DtQuat
		refRot := sensor.QuatToMatrix(ref.QuatAt(t))
		_, rot := composeRig(ref.PositionAt(t), refRot, rig)
		q := sensor.MatrixToQuat(rot)
		copy(cam.Quaternions[sensor.QuatParams*qi:sensor.QuatParams*(qi+1)], q[:])
	}
	for pi := c.begPosCur; pi < c.endPosCur; pi++ {
		t := cam.T0Ephem + float64(pi)*cam.DtEphem
		refRot := sensor.QuatToMatrix(ref.QuatAt(t))
		pos, _ := composeRig(ref.PositionAt(t), refRot, rig)
		copy(cam.Positions[sensor.XYZParams*pi:sensor.XYZParams*(pi+1)], pos.Slice())
	}

	pix, err := cam.GroundToImage(pt, sensor.DefaultPrecision)
	if err != nil {
		reportProjectionFailure(err)
		residuals[0] = bigPixelValue
		residuals[1] = bigPixelValue
		return
	}
	residuals[0] = c.weight * (pix.Sample - c.obs.Sample)
	residuals[1] = c.weight * (pix.Line - c.obs.Line)
}
