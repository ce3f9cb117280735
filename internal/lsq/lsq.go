// Package lsq implements the sparse nonlinear least-squares machinery the
// jitter solver runs on: a problem holds residual blocks wired to
// parameter blocks that alias caller-owned arrays, residual Jacobians are
// computed by central finite differences over the declared block sizes,
// robust losses attenuate outliers, and a Levenberg-Marquardt loop solves
// the normal equations by eliminating 3-vector point blocks (Schur
// complement) and running Jacobi-preconditioned conjugate gradients on the
// reduced camera system, with a dense Cholesky fallback for small systems.
package lsq

import "math"

// Cost produces residuals from an ordered set of parameter blocks. The
// declared block sizes fix the Jacobian layout; Evaluate must tolerate
// being called concurrently from multiple workers.
//
// A cost must always fill residuals, even for degenerate inputs: failure
// inside a residual is expressed as a large finite value, never as an
// aborted solve.
type Cost interface {
	NumResiduals() int
	BlockSizes() []int
	Evaluate(params [][]float64, residuals []float64)
}

// Loss reshapes the squared norm s of a residual block. Rho returns the
// loss value and its first derivative. The solver applies sqrt(rho') to
// the residual and Jacobian rows of the block, the first-order form of
// the robust-loss corrector.
type Loss interface {
	Rho(s float64) (rho, drho float64)
}

// TrivialLoss is the identity loss: rho(s) = s.
type TrivialLoss struct{}

// Rho implements Loss.
func (TrivialLoss) Rho(s float64) (float64, float64) { return s, 1 }

// Cauchy is the Cauchy robust loss rho(s) = a^2 log(1 + s/a^2). Residual
// blocks whose norm is below the threshold a are nearly unaffected;
// larger ones are attenuated logarithmically.
type Cauchy struct {
	a2 float64
}

// NewCauchy returns a Cauchy loss with threshold a.
func NewCauchy(a float64) Cauchy { return Cauchy{a2: a * a} }

// Rho implements Loss.
func (c Cauchy) Rho(s float64) (float64, float64) {
	u := 1 + s/c.a2
	return c.a2 * math.Log(u), 1 / u
}
