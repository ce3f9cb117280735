package sensor

import (
	"errors"
	"fmt"
	"math"
)

// LagrangeOrder is the interpolation order used for the sampled position
// and attitude series.
const LagrangeOrder = 8

// ErrDegenerateRange is returned when an interpolation window selects no
// samples. This usually means the image line order disagrees with the
// camera sample order.
var ErrDegenerateRange = errors.New("degenerate interpolation range")

// interpWindow returns the first sample index of the Lagrange window for
// evaluation point x (in sample units) over n samples. At the series ends
// the window is clamped to [0, n-order], so the last few samples
// interpolate on a one-sided window; the small bias this introduces near
// the image boundaries is accepted.
func interpWindow(x float64, n, order int) int {
	beg := int(math.Floor(x)) - order/2 + 1
	if beg < 0 {
		beg = 0
	}
	if beg > n-order {
		beg = n - order
	}
	return beg
}

// LagrangeInterp evaluates Lagrange interpolation of the given order at
// time t over a uniformly sampled series. vals holds width values per
// sample; out must have length width. Fewer than order samples fall back
// to the full series as a single window.
func LagrangeInterp(t, t0, dt float64, vals []float64, width, order int, out []float64) {
	n := len(vals) / width
	if n < order {
		order = n
	}
	x := (t - t0) / dt
	beg := interpWindow(x, n, order)

	for c := 0; c < width; c++ {
		out[c] = 0
	}
	for i := beg; i < beg+order; i++ {
		// Lagrange basis weight for node i over the window.
		w := 1.0
		for j := beg; j < beg+order; j++ {
			if j == i {
				continue
			}
			w *= (x - float64(j)) / float64(i-j)
		}
		for c := 0; c < width; c++ {
			out[c] += w * vals[i*width+c]
		}
	}
}

// InterpRange returns the half-open index range [beg, end) of samples of a
// uniform series (t0, dt, n) whose Lagrange interpolation kernel can
// influence any time in [t1, t2]. The kernel of order LagrangeOrder
// reaches LagrangeOrder/2 samples around its center, plus rounding slack.
func InterpRange(t1, t2, t0, dt float64, n int) (beg, end int, err error) {
	// Floor, as in interpWindow, so times ahead of t0 map to negative
	// indices before the clamping below.
	i1 := int(math.Floor((t1 - t0) / dt))
	i2 := int(math.Floor((t2 - t0) / dt))

	beg = min(i1, i2) - LagrangeOrder/2 + 1
	end = max(i1, i2) + LagrangeOrder/2 + 1

	beg = max(beg, 0)
	end = min(end, n)
	if beg >= end {
		return 0, 0, fmt.Errorf("%w: [%g, %g] over (t0=%g, dt=%g, n=%d); "+
			"likely the image order differs from the camera order",
			ErrDegenerateRange, t1, t2, t0, dt, n)
	}
	return beg, end, nil
}
