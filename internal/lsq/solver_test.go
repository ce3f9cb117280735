package lsq

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcCost adapts a closure to the Cost interface for tests.
type funcCost struct {
	num   int
	sizes []int
	fn    func(params [][]float64, residuals []float64)
}

func (c *funcCost) NumResiduals() int { return c.num }
func (c *funcCost) BlockSizes() []int { return c.sizes }
func (c *funcCost) Evaluate(params [][]float64, residuals []float64) {
	c.fn(params, residuals)
}

func TestCauchyLoss(t *testing.T) {
	loss := NewCauchy(2.0)

	rho, drho := loss.Rho(0)
	assert.InDelta(t, 0, rho, 1e-15)
	assert.InDelta(t, 1, drho, 1e-15)

	// Large residuals are attenuated.
	_, drhoBig := loss.Rho(400)
	assert.Less(t, drhoBig, 0.05)

	// rho is monotonic.
	r1, _ := loss.Rho(1)
	r2, _ := loss.Rho(10)
	assert.Greater(t, r2, r1)
}

func TestSolveLinearFit(t *testing.T) {
	// Fit y = a*x + b to exact data; LM converges to the exact solution.
	xs := []float64{0, 1, 2, 3, 4, 5}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 3*x - 7
	}

	params := []float64{0, 0} // a, b
	p := NewProblem()
	for i := range xs {
		x, y := xs[i], ys[i]
		p.AddResidualBlock(&funcCost{
			num: 1, sizes: []int{2},
			fn: func(blocks [][]float64, res []float64) {
				res[0] = blocks[0][0]*x + blocks[0][1] - y
			},
		}, nil, params)
	}

	summary := Solve(Options{MaxIterations: 50, Quiet: true}, p)
	require.Equal(t, Convergence, summary.Termination, summary.Message)
	assert.InDelta(t, 3, params[0], 1e-6)
	assert.InDelta(t, -7, params[1], 1e-6)
	assert.Less(t, summary.FinalCost, 1e-12)
}

func TestSolveNonlinear(t *testing.T) {
	// Exponential decay fit: residual = exp(-k*x) - y.
	trueK := 0.7
	params := []float64{0.1}
	p := NewProblem()
	for i := 0; i < 10; i++ {
		x := float64(i) * 0.5
		y := math.Exp(-trueK * x)
		p.AddResidualBlock(&funcCost{
			num: 1, sizes: []int{1},
			fn: func(blocks [][]float64, res []float64) {
				res[0] = math.Exp(-blocks[0][0]*x) - y
			},
		}, nil, params)
	}

	summary := Solve(Options{MaxIterations: 100, Quiet: true}, p)
	require.Equal(t, Convergence, summary.Termination, summary.Message)
	assert.InDelta(t, trueK, params[0], 1e-6)
}

// buildBundleProblem creates a miniature bundle-like problem: per
// (camera, point) pair the residual couples a camera block with a point
// block, plus weak priors that keep the gauge fixed. Returns the problem
// and the parameter slices.
func buildBundleProblem(nCams, nPts int) (*Problem, [][]float64, [][]float64) {
	p := NewProblem()
	cams := make([][]float64, nCams)
	pts := make([][]float64, nPts)

	for i := range cams {
		cams[i] = []float64{0.1 * float64(i), -0.05 * float64(i), 0.02}
	}
	for j := range pts {
		pts[j] = []float64{float64(j), float64(j % 3), -0.5 * float64(j)}
	}

	// Observations: the "true" model has cameras at zero and points at
	// their initial values shifted by one.
	for i := range cams {
		for j := range pts {
			target := []float64{
				pts[j][0] + 1,
				pts[j][1] + 1,
				pts[j][2] + 1,
			}
			cam, pt := cams[i], pts[j]
			p.AddResidualBlock(&funcCost{
				num: 3, sizes: []int{3, 3},
				fn: func(blocks [][]float64, res []float64) {
					for k := 0; k < 3; k++ {
						res[k] = blocks[0][k] + blocks[1][k] - target[k]
					}
				},
			}, nil, cam, pt)
			p.MarkPointBlock(pt)
		}
	}

	// Gauge prior on the first camera.
	cam0 := cams[0]
	p.AddResidualBlock(&funcCost{
		num: 3, sizes: []int{3},
		fn: func(blocks [][]float64, res []float64) {
			for k := 0; k < 3; k++ {
				res[k] = 10 * blocks[0][k]
			}
		},
	}, nil, cam0)

	return p, cams, pts
}

func TestSolveSchurElimination(t *testing.T) {
	p, cams, pts := buildBundleProblem(4, 30)
	summary := Solve(Options{MaxIterations: 100, Quiet: true}, p)
	require.Equal(t, Convergence, summary.Termination, summary.Message)

	// The gauge prior pins camera 0 at zero, so every camera goes to
	// zero and every point to its target.
	for i, cam := range cams {
		for k := 0; k < 3; k++ {
			assert.InDeltaf(t, 0, cam[k], 1e-5, "camera %d coord %d", i, k)
		}
	}
	for j, pt := range pts {
		want := []float64{float64(j) + 1, float64(j%3) + 1, -0.5*float64(j) + 1}
		for k := 0; k < 3; k++ {
			assert.InDeltaf(t, want[k], pt[k], 1e-5, "point %d coord %d", j, k)
		}
	}
}

func TestSolveDenseAndCGAgree(t *testing.T) {
	pd, camsD, _ := buildBundleProblem(4, 25)
	sd := Solve(Options{MaxIterations: 100, Quiet: true}, pd)
	require.Equal(t, Convergence, sd.Termination)

	pc, camsC, _ := buildBundleProblem(4, 25)
	scg := Solve(Options{MaxIterations: 100, Quiet: true, DenseSchurThreshold: 1}, pc)
	require.Equal(t, Convergence, scg.Termination)

	for i := range camsD {
		for k := 0; k < 3; k++ {
			assert.InDeltaf(t, camsD[i][k], camsC[i][k], 1e-4, "camera %d coord %d", i, k)
		}
	}
}

func TestConstantBlocks(t *testing.T) {
	p, cams, pts := buildBundleProblem(3, 10)
	frozen := append([]float64(nil), pts[0]...)
	before1 := append([]float64(nil), pts[1]...)
	p.SetBlockConstant(pts[0])

	summary := Solve(Options{MaxIterations: 100, Quiet: true}, p)
	require.NotEqual(t, Failure, summary.Termination)

	for k := 0; k < 3; k++ {
		assert.Equal(t, frozen[k], pts[0][k], "constant point moved")
	}
	// Free blocks still moved. The frozen point conflicts with the gauge
	// prior, so camera 0 settles between the two pulls, near zero.
	assert.NotEqual(t, before1, pts[1], "free point did not move")
	assert.InDelta(t, 0, cams[0][0], 0.1, "gauge camera should stay near zero")
}

func TestSolveWithCauchyLoss(t *testing.T) {
	// A quadratic fit with one gross outlier: the Cauchy loss keeps the
	// estimate near the truth.
	params := []float64{0}
	p := NewProblem()
	for i := 0; i < 20; i++ {
		y := 5.0
		if i == 0 {
			y = 500.0 // outlier
		}
		p.AddResidualBlock(&funcCost{
			num: 1, sizes: []int{1},
			fn: func(blocks [][]float64, res []float64) {
				res[0] = blocks[0][0] - y
			},
		}, NewCauchy(1.0), params)
	}

	summary := Solve(Options{MaxIterations: 200, Quiet: true}, p)
	require.NotEqual(t, Failure, summary.Termination)
	assert.InDelta(t, 5.0, params[0], 0.5)
}

func TestNoConvergenceReported(t *testing.T) {
	params := []float64{10}
	p := NewProblem()
	p.AddResidualBlock(&funcCost{
		num: 1, sizes: []int{1},
		fn: func(blocks [][]float64, res []float64) {
			res[0] = math.Exp(-blocks[0][0]) - 0.3
		},
	}, nil, params)

	summary := Solve(Options{MaxIterations: 1, Quiet: true}, p)
	assert.Equal(t, NoConvergence, summary.Termination)
	// The iterate reached so far is still written back.
	assert.NotEqual(t, 10.0, params[0])
}

func TestEvaluateResidualsOrder(t *testing.T) {
	a := []float64{1}
	b := []float64{2}
	p := NewProblem()
	p.AddResidualBlock(&funcCost{
		num: 1, sizes: []int{1},
		fn: func(blocks [][]float64, res []float64) { res[0] = blocks[0][0] },
	}, nil, a)
	p.AddResidualBlock(&funcCost{
		num: 2, sizes: []int{1},
		fn: func(blocks [][]float64, res []float64) {
			res[0] = blocks[0][0]
			res[1] = -blocks[0][0]
		},
	}, nil, b)

	got := p.EvaluateResiduals()
	require.Len(t, got, 3)
	assert.Equal(t, []float64{1, 2, -2}, got)
	assert.Equal(t, 3, p.NumResiduals())
}

func TestBlockIdentity(t *testing.T) {
	backing := make([]float64, 6)
	p := NewProblem()
	cost := &funcCost{
		num: 1, sizes: []int{3},
		fn: func(blocks [][]float64, res []float64) { res[0] = blocks[0][0] },
	}
	// The same cursor added twice is one parameter block.
	p.AddResidualBlock(cost, nil, backing[0:3])
	p.AddResidualBlock(cost, nil, backing[0:3])
	p.AddResidualBlock(cost, nil, backing[3:6])
	assert.Equal(t, 2, p.NumParameterBlocks())
	assert.Equal(t, 3, p.NumResidualBlocks())
}
