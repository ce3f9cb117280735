package sensor

import (
	"math"

	"github.com/relief-data/jitter.solve/internal/geo"
)

// Quaternions are stored as x, y, z, w throughout, matching the order of
// the sampled attitude arrays.

// QuatNorm returns the Euclidean norm of a 4-element quaternion slice.
func QuatNorm(q []float64) float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

// NormalizeQuat scales q to unit norm in place. A zero quaternion is left
// unchanged.
func NormalizeQuat(q []float64) {
	n := QuatNorm(q)
	if n == 0 {
		return
	}
	for i := 0; i < 4; i++ {
		q[i] /= n
	}
}

// QuatToMatrix converts an x,y,z,w quaternion to a rotation matrix. The
// quaternion is normalized first, so mildly denormalized optimizer
// iterates still produce proper rotations.
func QuatToMatrix(q []float64) geo.Mat3 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	n := math.Sqrt(x*x + y*y + z*z + w*w)
	if n > 0 {
		x, y, z, w = x/n, y/n, z/n, w/n
	}
	return geo.Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// MatrixToQuat converts a rotation matrix to an x,y,z,w quaternion with
// nonnegative w.
func MatrixToQuat(m geo.Mat3) [4]float64 {
	tr := m[0][0] + m[1][1] + m[2][2]
	var q [4]float64
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q[3] = 0.25 * s
		q[0] = (m[2][1] - m[1][2]) / s
		q[1] = (m[0][2] - m[2][0]) / s
		q[2] = (m[1][0] - m[0][1]) / s
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q[3] = (m[2][1] - m[1][2]) / s
		q[0] = 0.25 * s
		q[1] = (m[0][1] + m[1][0]) / s
		q[2] = (m[0][2] + m[2][0]) / s
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q[3] = (m[0][2] - m[2][0]) / s
		q[0] = (m[0][1] + m[1][0]) / s
		q[1] = 0.25 * s
		q[2] = (m[1][2] + m[2][1]) / s
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q[3] = (m[1][0] - m[0][1]) / s
		q[0] = (m[0][2] + m[2][0]) / s
		q[1] = (m[1][2] + m[2][1]) / s
		q[2] = 0.25 * s
	}
	if q[3] < 0 {
		for i := range q {
			q[i] = -q[i]
		}
	}
	return q
}

// RollPitchYaw extracts Euler angles in degrees from a rotation matrix
// under the factorization R = Rx(roll) * Ry(pitch) * Rz(yaw).
func RollPitchYaw(m geo.Mat3) (roll, pitch, yaw float64) {
	const r2d = 180 / math.Pi
	pitch = math.Asin(clamp(m[0][2], -1, 1)) * r2d
	roll = math.Atan2(-m[1][2], m[2][2]) * r2d
	yaw = math.Atan2(-m[0][1], m[0][0]) * r2d
	return roll, pitch, yaw
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
