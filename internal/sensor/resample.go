package sensor

import (
	"fmt"
	"math"
)

// Resample rebuilds the position and quaternion sample arrays at a
// user-specified density of image lines per sample. The tabulated inputs
// are often too sparse to absorb high-frequency jitter; resampling gives
// the optimizer enough degrees of freedom. Zero or negative values leave
// the corresponding series unchanged.
//
// The new t0 and dt are chosen so the full image line range stays covered;
// near the series ends the Lagrange window is clamped, which slightly
// biases the outermost resampled poses.
func (m *Linescan) Resample(linesPerPosition, linesPerOrientation int) error {
	tBeg := m.TimeOfLine(0)
	tEnd := m.TimeOfLine(float64(m.Intr.Lines - 1))
	if tEnd < tBeg {
		tBeg, tEnd = tEnd, tBeg
	}

	if linesPerPosition > 0 {
		dt := float64(linesPerPosition) * math.Abs(m.DtLine)
		t0, n, err := coverSpan(tBeg, tEnd, dt)
		if err != nil {
			return fmt.Errorf("resampling positions: %w", err)
		}
		pos := make([]float64, n*XYZParams)
		for i := 0; i < n; i++ {
			t := t0 + float64(i)*dt
			LagrangeInterp(t, m.T0Ephem, m.DtEphem, m.Positions, XYZParams,
				LagrangeOrder, pos[i*XYZParams:(i+1)*XYZParams])
		}
		m.Positions = pos
		m.T0Ephem = t0
		m.DtEphem = dt
	}

	if linesPerOrientation > 0 {
		dt := float64(linesPerOrientation) * math.Abs(m.DtLine)
		t0, n, err := coverSpan(tBeg, tEnd, dt)
		if err != nil {
			return fmt.Errorf("resampling orientations: %w", err)
		}
		quat := make([]float64, n*QuatParams)
		for i := 0; i < n; i++ {
			t := t0 + float64(i)*dt
			q := quat[i*QuatParams : (i+1)*QuatParams]
			LagrangeInterp(t, m.T0Quat, m.DtQuat, m.Quaternions, QuatParams,
				LagrangeOrder, q)
			NormalizeQuat(q)
		}
		m.Quaternions = quat
		m.T0Quat = t0
		m.DtQuat = dt
	}

	return nil
}

// coverSpan picks a sample start time and count so that [tBeg, tEnd] lies
// strictly inside the sampled span, with enough samples on each side for a
// full interpolation window.
func coverSpan(tBeg, tEnd, dt float64) (t0 float64, n int, err error) {
	if dt <= 0 {
		return 0, 0, fmt.Errorf("nonpositive sample period %g", dt)
	}
	const pad = LagrangeOrder / 2
	inner := int(math.Ceil((tEnd-tBeg)/dt)) + 1
	n = inner + 2*pad
	t0 = tBeg - float64(pad)*dt
	return t0, n, nil
}
