package jitter

import (
	"log"
	"math"
	"sync/atomic"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// bigPixelValue is the residual magnitude reported for a failed
// projection; the solver accepts the step and moves on. Don't make this
// too big: it has to stay comparable to real residuals so the robust loss
// can still attenuate it.
const bigPixelValue = 1000.0

// projectionFailures counts failed projections across all residual
// evaluations; log output is throttled after the first few so a solve
// with a bad region cannot flood the console.
var projectionFailures atomic.Int64

const maxProjectionFailureLogs = 100

func reportProjectionFailure(err error) {
	if n := projectionFailures.Add(1); n <= maxProjectionFailureLogs {
		log.Printf("projection failed inside residual (%v); using %g px", err, bigPixelValue)
		if n == maxProjectionFailureLogs {
			log.Printf("further projection failures will not be logged")
		}
	}
}

// ProjectionFailureCount returns the number of failed projections seen so
// far, for post-solve diagnostics.
func ProjectionFailureCount() int64 { return projectionFailures.Load() }

// lsPixelReprojCost is the reprojection residual of one pixel observed by
// a linescan camera. Its parameter blocks are the quaternion samples in
// [begQuat, endQuat), the position samples in [begPos, endPos), and the
// triangulated point, in that order. Each evaluation copies the model and
// overwrites the in-window samples with the candidate values, which is
// how the candidate pose reaches the projection routine; the copy also
// keeps evaluations reentrant across solver threads.
type lsPixelReprojCost struct {
	obs    sensor.Pixel
	weight float64
	model  *sensor.Linescan
	begQuat, endQuat,
	begPos, endPos int
	sizes []int
}

func newLsPixelReprojCost(obs sensor.Pixel, weight float64, model *sensor.Linescan,
	begQuat, endQuat, begPos, endPos int) *lsPixelReprojCost {

	c := &lsPixelReprojCost{
		obs: obs, weight: weight, model: model,
		begQuat: begQuat, endQuat: endQuat, begPos: begPos, endPos: endPos,
	}
	for i := begQuat; i < endQuat; i++ {
		c.sizes = append(c.sizes, sensor.QuatParams)
	}
	for i := begPos; i < endPos; i++ {
		c.sizes = append(c.sizes, sensor.XYZParams)
	}
	c.sizes = append(c.sizes, sensor.XYZParams)
	return c
}

func (c *lsPixelReprojCost) NumResiduals() int { return sensor.PixelSize }
func (c *lsPixelReprojCost) BlockSizes() []int { return c.sizes }
func (c *lsPixelReprojCost) numBlocks() int    { return len(c.sizes) }

func (c *lsPixelReprojCost) Evaluate(params [][]float64, residuals []float64) {
	cam := c.model.Snapshot().(*sensor.Linescan)

	shift := 0
	for qi := c.begQuat; qi < c.endQuat; qi++ {
		copy(cam.Quaternions[sensor.QuatParams*qi:sensor.QuatParams*(qi+1)],
			params[shift+qi-c.begQuat])
	}
	shift += c.endQuat - c.begQuat
	for pi := c.begPos; pi < c.endPos; pi++ {
		copy(cam.Positions[sensor.XYZParams*pi:sensor.XYZParams*(pi+1)],
			params[shift+pi-c.begPos])
	}
	shift += c.endPos - c.begPos
	pt := geo.FromSlice(params[shift])

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

// framePixelReprojCost is the reprojection residual of one pixel observed
// by a frame camera. Parameter blocks: position, quaternion, triangulated
// point. The pose blocks are cursors into the frame-parameter side array,
// not into the model, whose pose is not directly addressable.
type framePixelReprojCost struct {
	obs    sensor.Pixel
	weight float64
	model  *sensor.Frame
}

func (c *framePixelReprojCost) NumResiduals() int { return sensor.PixelSize }
func (c *framePixelReprojCost) BlockSizes() []int {
	return []int{sensor.XYZParams, sensor.QuatParams, sensor.XYZParams}
}

func (c *framePixelReprojCost) Evaluate(params [][]float64, residuals []float64) {
	cam := c.model.Snapshot().(*sensor.Frame)
	cam.SetPose(params[0], params[1])
	pt := geo.FromSlice(params[2])

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

// xyzCost pulls a 3-vector parameter toward a fixed observation:
// residual = weight * (point - observation). Used for both the DEM
// anchoring and the triangulation inertia, with different weights and
// robust thresholds.
type xyzCost struct {
	observation geo.Vec3
	weight      float64
}

func (c *xyzCost) NumResiduals() int { return sensor.XYZParams }
func (c *xyzCost) BlockSizes() []int { return []int{sensor.XYZParams} }

func (c *xyzCost) Evaluate(params [][]float64, residuals []float64) {
	p := params[0]
	residuals[0] = c.weight * (p[0] - c.observation.X)
	residuals[1] = c.weight * (p[1] - c.observation.Y)
	residuals[2] = c.weight * (p[2] - c.observation.Z)
}

// rotationCost holds a quaternion close to its initial value:
// residual = weight * (q - q_initial), 4 components, no robust loss.
type rotationCost struct {
	initQuat [sensor.QuatParams]float64
	weight   float64
}

func newRotationCost(initQuat []float64, weight float64) *rotationCost {
	c := &rotationCost{weight: weight}
	// Copy now: the caller's cursor is mutated during the solve.
	copy(c.initQuat[:], initQuat)
	return c
}

func (c *rotationCost) NumResiduals() int { return sensor.QuatParams }
func (c *rotationCost) BlockSizes() []int { return []int{sensor.QuatParams} }

func (c *rotationCost) Evaluate(params [][]float64, residuals []float64) {
	for i := 0; i < sensor.QuatParams; i++ {
		residuals[i] = c.weight * (params[0][i] - c.initQuat[i])
	}
}

// translationCost holds a position close to its initial value.
type translationCost struct {
	initPos [sensor.XYZParams]float64
	weight  float64
}

func newTranslationCost(initPos []float64, weight float64) *translationCost {
	c := &translationCost{weight: weight}
	copy(c.initPos[:], initPos)
	return c
}

func (c *translationCost) NumResiduals() int { return sensor.XYZParams }
func (c *translationCost) BlockSizes() []int { return []int{sensor.XYZParams} }

func (c *translationCost) Evaluate(params [][]float64, residuals []float64) {
	for i := 0; i < sensor.XYZParams; i++ {
		residuals[i] = c.weight * (params[0][i] - c.initPos[i])
	}
}

// quatNormCost softly keeps a quaternion at unit norm:
// residual = weight * (|q|^2 - 1), a single component.
type quatNormCost struct {
	weight float64
}

func (c *quatNormCost) NumResiduals() int { return 1 }
func (c *quatNormCost) BlockSizes() []int { return []int{sensor.QuatParams} }

func (c *quatNormCost) Evaluate(params [][]float64, residuals []float64) {
	s := 0.0
	for _, q := range params[0] {
		s += q * q
	}
	residuals[0] = c.weight * (s - 1)
}

// rollYawCost measures the roll and yaw of a camera orientation against
// the satellite along-track frame at its position, assuming the
// factorization cam2world = sat2world * rollPitchYaw * rotXY. In the
// initial-camera mode the orientation is measured against the
// pre-optimization camera instead; the camera frame is rotated 90 degrees
// in the sensor plane relative to the satellite frame, so roll and pitch
// swap roles there.
type rollYawCost struct {
	rollWeight, yawWeight float64
	satToWorld            geo.Mat3
	rotXY                 geo.Mat3
	initCamToWorld        geo.Mat3
	initialCamera         bool
}

// newRollYawCost builds the satellite frame from the positions array
// (3 values per sample, one-to-one with the quaternion being
// constrained) at sample index cur.
func newRollYawCost(ell geo.Ellipsoid, positions, quaternions []float64, cur int,
	rollWeight, yawWeight float64, initialCamera bool) (*rollYawCost, error) {

	if len(positions)/sensor.XYZParams != len(quaternions)/sensor.QuatParams {
		return nil, errMismatchedPoseSeries
	}
	satToWorld, err := geo.SatFrame(ell, positions, cur)
	if err != nil {
		return nil, err
	}
	return &rollYawCost{
		rollWeight:     rollWeight,
		yawWeight:      yawWeight,
		satToWorld:     satToWorld,
		rotXY:          geo.RotXY(),
		initCamToWorld: sensor.QuatToMatrix(quaternions[cur*sensor.QuatParams : (cur+1)*sensor.QuatParams]),
		initialCamera:  initialCamera,
	}, nil
}

func (c *rollYawCost) NumResiduals() int { return 2 }
func (c *rollYawCost) BlockSizes() []int { return []int{sensor.QuatParams} }

// wrapAngle folds an angle in degrees into (-180, 180], removing the
// +/- 180 degree ambiguity of the Euler extraction.
func wrapAngle(x float64) float64 {
	return x - 180*math.Round(x/180)
}

func (c *rollYawCost) Evaluate(params [][]float64, residuals []float64) {
	camToWorld := sensor.QuatToMatrix(params[0])

	if c.initialCamera {
		camToCam := camToWorld.Inverse().Mul(c.initCamToWorld)
		_, pitch, yaw := sensor.RollPitchYaw(camToCam)
		pitch = wrapAngle(pitch)
		yaw = wrapAngle(yaw)
		// Roll and pitch in camera coordinates are pitch and roll in
		// satellite coordinates, so pitch stands in for roll here.
		residuals[0] = pitch * c.rollWeight
		residuals[1] = yaw * c.yawWeight
		return
	}

	rollPitchYaw := c.satToWorld.Inverse().Mul(camToWorld).Mul(c.rotXY.Inverse())
	roll, _, yaw := sensor.RollPitchYaw(rollPitchYaw)
	roll = wrapAngle(roll)
	yaw = wrapAngle(yaw)
	residuals[0] = roll * c.rollWeight
	residuals[1] = yaw * c.yawWeight
}
