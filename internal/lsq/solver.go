package lsq

import (
	"fmt"
	"log"
	"math"
	"runtime"
	"sync"
)

// Termination describes how a solve ended.
type Termination int

const (
	// Convergence means a tolerance was met.
	Convergence Termination = iota
	// NoConvergence means the iteration or invalid-step budget ran out.
	// The iterate reached so far is still written back; callers treat
	// this as a valid exit.
	NoConvergence
	// Failure means the linear solver broke down irrecoverably.
	Failure
)

func (t Termination) String() string {
	switch t {
	case Convergence:
		return "CONVERGENCE"
	case NoConvergence:
		return "NO_CONVERGENCE"
	default:
		return "FAILURE"
	}
}

// Options configures Solve. Zero values select the defaults noted on each
// field.
type Options struct {
	MaxIterations      int     // default 500
	GradientTolerance  float64 // default 1e-16
	FunctionTolerance  float64 // default 1e-16
	ParameterTolerance float64 // default 1e-12
	// MaxInvalidSteps bounds consecutive rejected steps; default
	// max(20, MaxIterations/5).
	MaxInvalidSteps int
	// NumThreads is the residual-evaluation worker count; default is
	// GOMAXPROCS. Set to 1 for single-threaded camera backends.
	NumThreads int
	// RelStep is the relative step for numeric differentiation; default 1e-6.
	RelStep float64
	// DenseSchurThreshold is the reduced-system dimension up to which the
	// Schur complement is assembled explicitly and factored; above it the
	// reduced system is solved matrix-free with Jacobi-preconditioned CG.
	// Default 1000.
	DenseSchurThreshold int
	// Quiet suppresses per-iteration progress logging.
	Quiet bool
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 500
	}
	if o.GradientTolerance <= 0 {
		o.GradientTolerance = 1e-16
	}
	if o.FunctionTolerance <= 0 {
		o.FunctionTolerance = 1e-16
	}
	if o.ParameterTolerance <= 0 {
		o.ParameterTolerance = 1e-12
	}
	if o.MaxInvalidSteps <= 0 {
		o.MaxInvalidSteps = max(20, o.MaxIterations/5)
	}
	if o.NumThreads <= 0 {
		o.NumThreads = runtime.GOMAXPROCS(0)
	}
	if o.RelStep <= 0 {
		o.RelStep = 1e-6
	}
	if o.DenseSchurThreshold <= 0 {
		o.DenseSchurThreshold = 1000
	}
	return o
}

// Summary reports the outcome of a solve.
type Summary struct {
	Termination  Termination
	Iterations   int
	InitialCost  float64
	FinalCost    float64
	Message      string
	NumResiduals int
}

// evaluator computes residuals and finite-difference Jacobians for a
// problem at candidate states, fanning residual blocks out over workers.
type evaluator struct {
	p       *Problem
	opt     Options
	dim     int
	scratch []*workerScratch
}

type workerScratch struct {
	res, rp, rm []float64 // residual buffers
	blk         []float64 // perturbed parameter block
	views       [][]float64
}

func newEvaluator(p *Problem, opt Options, dim int) *evaluator {
	maxRes, maxBlk, maxBlocks := 0, 0, 0
	for _, rb := range p.resids {
		maxRes = max(maxRes, rb.num)
		maxBlocks = max(maxBlocks, len(rb.params))
		for _, pb := range rb.params {
			maxBlk = max(maxBlk, len(pb.data))
		}
	}
	ev := &evaluator{p: p, opt: opt, dim: dim}
	for i := 0; i < opt.NumThreads; i++ {
		ev.scratch = append(ev.scratch, &workerScratch{
			res:   make([]float64, maxRes),
			rp:    make([]float64, maxRes),
			rm:    make([]float64, maxRes),
			blk:   make([]float64, maxBlk),
			views: make([][]float64, maxBlocks),
		})
	}
	return ev
}

// parallel runs fn(worker, residual-block-index) over all residual blocks.
func (ev *evaluator) parallel(fn func(w *workerScratch, rbIdx int)) {
	n := len(ev.p.resids)
	var wg sync.WaitGroup
	for t := 0; t < ev.opt.NumThreads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			w := ev.scratch[t]
			for i := t; i < n; i += ev.opt.NumThreads {
				fn(w, i)
			}
		}(t)
	}
	wg.Wait()
}

// cost evaluates the robustified objective 1/2 sum rho(|r_b|^2) at x.
func (ev *evaluator) cost(x []float64) float64 {
	partial := make([]float64, ev.opt.NumThreads)
	var wg sync.WaitGroup
	n := len(ev.p.resids)
	for t := 0; t < ev.opt.NumThreads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			w := ev.scratch[t]
			for i := t; i < n; i += ev.opt.NumThreads {
				rb := ev.p.resids[i]
				views := w.views[:len(rb.params)]
				for k, pb := range rb.params {
					views[k] = x[pb.offset : pb.offset+len(pb.data)]
				}
				res := w.res[:rb.num]
				rb.cost.Evaluate(views, res)
				s := 0.0
				for _, r := range res {
					s += r * r
				}
				rho, _ := rb.loss.Rho(s)
				partial[t] += 0.5 * rho
			}
		}(t)
	}
	wg.Wait()
	total := 0.0
	for _, c := range partial {
		total += c
	}
	return total
}

// linearize evaluates residuals and central-difference Jacobians at x,
// applies the robust-loss scaling, and stores both on the residual
// blocks. Returns the robustified cost.
func (ev *evaluator) linearize(x []float64) float64 {
	partial := make([]float64, ev.opt.NumThreads)
	var wg sync.WaitGroup
	n := len(ev.p.resids)
	for t := 0; t < ev.opt.NumThreads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			w := ev.scratch[t]
			for i := t; i < n; i += ev.opt.NumThreads {
				partial[t] += ev.linearizeBlock(w, ev.p.resids[i], x)
			}
		}(t)
	}
	wg.Wait()
	total := 0.0
	for _, c := range partial {
		total += c
	}
	return total
}

func (ev *evaluator) linearizeBlock(w *workerScratch, rb *residualBlock, x []float64) float64 {
	if rb.res == nil {
		rb.res = make([]float64, rb.num)
		rb.jac = make([][]float64, len(rb.params))
	}
	views := w.views[:len(rb.params)]
	for k, pb := range rb.params {
		views[k] = x[pb.offset : pb.offset+len(pb.data)]
	}
	rb.cost.Evaluate(views, rb.res)

	for k, pb := range rb.params {
		if pb.constant {
			rb.jac[k] = nil
			continue
		}
		size := len(pb.data)
		if rb.jac[k] == nil {
			rb.jac[k] = make([]float64, rb.num*size)
		}
		jac := rb.jac[k]
		blk := w.blk[:size]
		copy(blk, x[pb.offset:pb.offset+size])
		views[k] = blk
		for c := 0; c < size; c++ {
			v0 := blk[c]
			h := ev.opt.RelStep * math.Max(math.Abs(v0), 1)
			blk[c] = v0 + h
			rb.cost.Evaluate(views, w.rp[:rb.num])
			blk[c] = v0 - h
			rb.cost.Evaluate(views, w.rm[:rb.num])
			blk[c] = v0
			inv := 1 / (2 * h)
			for r := 0; r < rb.num; r++ {
				jac[r*size+c] = (w.rp[r] - w.rm[r]) * inv
			}
		}
		views[k] = x[pb.offset : pb.offset+size]
	}

	// Robust-loss scaling: multiply residual and Jacobian by sqrt(rho').
	s := 0.0
	for _, r := range rb.res {
		s += r * r
	}
	rho, drho := rb.loss.Rho(s)
	if drho != 1 {
		sw := math.Sqrt(drho)
		for i := range rb.res {
			rb.res[i] *= sw
		}
		for k := range rb.jac {
			for i := range rb.jac[k] {
				rb.jac[k][i] *= sw
			}
		}
	}
	return 0.5 * rho
}

// gradient accumulates g = J^T r over all residual blocks.
func (ev *evaluator) gradient(g []float64) {
	for i := range g {
		g[i] = 0
	}
	for _, rb := range ev.p.resids {
		for k, pb := range rb.params {
			jac := rb.jac[k]
			if jac == nil {
				continue
			}
			size := len(pb.data)
			for r := 0; r < rb.num; r++ {
				rv := rb.res[r]
				for c := 0; c < size; c++ {
					g[pb.offset+c] += jac[r*size+c] * rv
				}
			}
		}
	}
}

// hessianDiag accumulates the diagonal of J^T J, used for Marquardt
// scaling of the damping term.
func (ev *evaluator) hessianDiag(d []float64) {
	for i := range d {
		d[i] = 0
	}
	for _, rb := range ev.p.resids {
		for k, pb := range rb.params {
			jac := rb.jac[k]
			if jac == nil {
				continue
			}
			size := len(pb.data)
			for r := 0; r < rb.num; r++ {
				for c := 0; c < size; c++ {
					v := jac[r*size+c]
					d[pb.offset+c] += v * v
				}
			}
		}
	}
	// Guard against zero columns (parameters with no local influence).
	for i := range d {
		if d[i] < 1e-12 {
			d[i] = 1e-12
		}
	}
}

// Solve runs Levenberg-Marquardt on the problem. On return the optimized
// values are written back into the caller-owned parameter arrays, also
// for NoConvergence exits.
func Solve(opt Options, p *Problem) Summary {
	opt = opt.withDefaults()
	x, camDim, _ := p.gather()
	ev := newEvaluator(p, opt, len(x))
	sc := newSchur(p, camDim, opt)

	summary := Summary{NumResiduals: p.numRes}
	cost := ev.cost(x)
	summary.InitialCost = cost

	g := make([]float64, len(x))
	d := make([]float64, len(x))
	xNew := make([]float64, len(x))

	lambda := 1e-4
	invalid := 0
	term, msg := NoConvergence, "maximum iterations reached"

	logf := func(format string, args ...any) {
		if !opt.Quiet {
			log.Printf(format, args...)
		}
	}

iterations:
	for iter := 1; iter <= opt.MaxIterations; iter++ {
		summary.Iterations = iter
		ev.linearize(x)
		ev.gradient(g)
		ev.hessianDiag(d)

		if maxAbs(g) < opt.GradientTolerance {
			term, msg = Convergence, "gradient tolerance reached"
			break
		}

		for {
			dx, err := sc.step(g, d, lambda)
			var costNew = math.Inf(1)
			if err == nil {
				for i := range x {
					xNew[i] = x[i] + dx[i]
				}
				costNew = ev.cost(xNew)
			}

			if !(costNew < cost) || math.IsNaN(costNew) {
				// Invalid step: raise damping and retry with the same
				// linearization.
				lambda *= 10
				invalid++
				if invalid > opt.MaxInvalidSteps {
					term, msg = NoConvergence,
						fmt.Sprintf("%d consecutive invalid steps", invalid)
					break iterations
				}
				if lambda > 1e32 {
					term, msg = NoConvergence, "damping overflow"
					if err != nil {
						term = Failure
					}
					break iterations
				}
				continue
			}

			invalid = 0
			stepNorm, xNorm := norm(dx), norm(x)
			costChange := cost - costNew
			copy(x, xNew)
			cost = costNew
			p.scatter(x)
			lambda = math.Max(lambda/3, 1e-18)
			logf("iter %3d  cost %.6e  step %.3e  lambda %.1e", iter, cost, stepNorm, lambda)

			if stepNorm <= opt.ParameterTolerance*(xNorm+opt.ParameterTolerance) {
				term, msg = Convergence, "parameter tolerance reached"
				break iterations
			}
			if costChange <= opt.FunctionTolerance*cost {
				term, msg = Convergence, "function tolerance reached"
				break iterations
			}
			break
		}
	}

	p.scatter(x)
	summary.Termination = term
	summary.Message = msg
	summary.FinalCost = cost
	return summary
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
