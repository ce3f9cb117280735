package sensor

import (
	"errors"
	"math"
	"testing"
)

func TestLagrangeInterpExactOnPolynomials(t *testing.T) {
	// Lagrange interpolation of order 8 reproduces polynomials up to
	// degree 7 exactly.
	poly := func(x float64) float64 {
		return 2 + x - 0.5*x*x + 0.01*x*x*x
	}
	const n = 30
	t0, dt := 10.0, 0.25
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = poly(t0 + float64(i)*dt)
	}

	var out [1]float64
	for _, x := range []float64{12.0, 13.37, 15.551, 16.2} {
		LagrangeInterp(x, t0, dt, vals, 1, LagrangeOrder, out[:])
		if math.Abs(out[0]-poly(x)) > 1e-9 {
			t.Errorf("interp at %v = %v, want %v", x, out[0], poly(x))
		}
	}

	t.Run("at a sample node", func(t *testing.T) {
		LagrangeInterp(t0+7*dt, t0, dt, vals, 1, LagrangeOrder, out[:])
		if math.Abs(out[0]-vals[7]) > 1e-12 {
			t.Errorf("interp at node = %v, want %v", out[0], vals[7])
		}
	})

	t.Run("short series falls back", func(t *testing.T) {
		short := vals[:4]
		LagrangeInterp(t0+1.5*dt, t0, dt, short, 1, LagrangeOrder, out[:])
		if math.Abs(out[0]-poly(t0+1.5*dt)) > 1e-9 {
			t.Errorf("short-series interp = %v, want %v", out[0], poly(t0+1.5*dt))
		}
	})
}

func TestLagrangeInterpMultiWidth(t *testing.T) {
	const n = 12
	t0, dt := 0.0, 1.0
	vals := make([]float64, n*3)
	for i := 0; i < n; i++ {
		vals[3*i+0] = float64(i)
		vals[3*i+1] = 2 * float64(i)
		vals[3*i+2] = -float64(i)
	}
	var out [3]float64
	LagrangeInterp(5.5, t0, dt, vals, 3, LagrangeOrder, out[:])
	if math.Abs(out[0]-5.5) > 1e-10 || math.Abs(out[1]-11) > 1e-10 || math.Abs(out[2]+5.5) > 1e-10 {
		t.Errorf("vector interp = %v", out)
	}
}

func TestInterpRange(t *testing.T) {
	const n = 100
	t0, dt := 0.0, 1.0

	t.Run("interior window", func(t *testing.T) {
		beg, end, err := InterpRange(50, 52, t0, dt, n)
		if err != nil {
			t.Fatalf("InterpRange: %v", err)
		}
		// index1 = 50, index2 = 52, so [50-3, 52+5).
		if beg != 47 || end != 57 {
			t.Errorf("range = [%d, %d), want [47, 57)", beg, end)
		}
	})

	t.Run("contains all influencing samples", func(t *testing.T) {
		// Every sample within (K/2-1) dt of any time in [t1, t2] must be
		// inside the returned range.
		t1, t2 := 30.2, 33.8
		beg, end, err := InterpRange(t1, t2, t0, dt, n)
		if err != nil {
			t.Fatalf("InterpRange: %v", err)
		}
		reach := (float64(LagrangeOrder)/2 + 1) * dt
		for i := 0; i < n; i++ {
			ti := t0 + float64(i)*dt
			if ti >= t1-reach+2*dt && ti <= t2+reach-2*dt {
				if i < beg || i >= end {
					t.Errorf("sample %d (t=%v) outside range [%d, %d)", i, ti, beg, end)
				}
			}
		}
	})

	t.Run("straddling the start", func(t *testing.T) {
		beg, end, err := InterpRange(-1, 1, t0, dt, n)
		if err != nil {
			t.Fatalf("InterpRange: %v", err)
		}
		if beg != 0 {
			t.Errorf("beg = %d, want 0", beg)
		}
		if end <= beg {
			t.Errorf("empty range [%d, %d)", beg, end)
		}
	})

	t.Run("straddling the end", func(t *testing.T) {
		beg, end, err := InterpRange(98, 102, t0, dt, n)
		if err != nil {
			t.Fatalf("InterpRange: %v", err)
		}
		if end != n {
			t.Errorf("end = %d, want %d", end, n)
		}
		if beg >= end {
			t.Errorf("empty range [%d, %d)", beg, end)
		}
	})

	t.Run("window fully before the series", func(t *testing.T) {
		_, _, err := InterpRange(-500, -490, t0, dt, n)
		if !errors.Is(err, ErrDegenerateRange) {
			t.Errorf("err = %v, want ErrDegenerateRange", err)
		}
	})

	t.Run("window fully after the series", func(t *testing.T) {
		_, _, err := InterpRange(500, 510, t0, dt, n)
		if !errors.Is(err, ErrDegenerateRange) {
			t.Errorf("err = %v, want ErrDegenerateRange", err)
		}
	})

	t.Run("reversed times", func(t *testing.T) {
		beg, end, err := InterpRange(52, 50, t0, dt, n)
		if err != nil {
			t.Fatalf("InterpRange: %v", err)
		}
		if beg != 47 || end != 57 {
			t.Errorf("range = [%d, %d), want [47, 57)", beg, end)
		}
	})
}
