package geo

import (
	"errors"
	"fmt"
)

// ErrTooFewSamples is returned when a satellite frame is requested from a
// trajectory with fewer than two positions.
var ErrTooFewSamples = errors.New("need at least 2 camera positions")

// SatFrame computes the satellite-to-world rotation at position sample cur
// of a trajectory. positions holds 3 values per sample, in ECEF. The frame
// axes are: x along-track, y across-track, z down, assembled from the
// neighbors of cur projected into the local horizontal plane. This mirrors
// how orbital cameras are synthesized, so the factorization
// cam2world = sat2world * rollPitchYaw * rotXY holds.
func SatFrame(ell Ellipsoid, positions []float64, cur int) (Mat3, error) {
	numPos := len(positions) / 3
	if cur < 0 || cur >= numPos {
		return Mat3{}, fmt.Errorf("position index %d out of range [0, %d)", cur, numPos)
	}

	// Nearest neighbors, clamped to the array bounds.
	beg := max(0, cur-1)
	end := min(numPos-1, cur+1)
	if beg >= end {
		return Mat3{}, ErrTooFewSamples
	}

	begPt := FromSlice(positions[3*beg:])
	curPt := FromSlice(positions[3*cur:])
	endPt := FromSlice(positions[3*end:])

	// Along-track from the outer neighbor pair, in the local horizontal
	// plane at the current position. The vertical component is dropped so
	// roll is measured about the flight direction rather than the chord.
	alongENU := ell.ToENU(endPt, curPt).Sub(ell.ToENU(begPt, curPt))
	alongENU.Z = 0
	if alongENU.Norm() == 0 {
		return Mat3{}, errors.New("degenerate trajectory: repeated positions")
	}
	alongENU = alongENU.Unit()

	// Across-track is perpendicular to along in the horizontal plane,
	// oriented so along x across points down.
	acrossENU := Vec3{X: alongENU.Y, Y: -alongENU.X, Z: 0}

	// Back to ECEF directions at the current position.
	enuToECEF := ell.ENURotation(curPt).Transpose()
	along := enuToECEF.MulVec(alongENU)
	across := enuToECEF.MulVec(acrossENU)

	down := along.Cross(across).Unit()

	// Columns are the satellite frame axes expressed in world coordinates.
	return Mat3{
		{along.X, across.X, down.X},
		{along.Y, across.Y, down.Y},
		{along.Z, across.Z, down.Z},
	}, nil
}

// RotXY is the fixed 90 degree in-camera rotation about the optical axis
// relating the sensor plane to the satellite along/across frame.
func RotXY() Mat3 {
	return Mat3{
		{0, -1, 0},
		{1, 0, 0},
		{0, 0, 1},
	}
}
