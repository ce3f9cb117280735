package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// schur solves the damped normal equations of one LM iteration by
// eliminating the 3-vector point blocks and solving the reduced camera
// system, either as an explicit dense factorization (small systems) or
// matrix-free with Jacobi-preconditioned conjugate gradients.
type schur struct {
	p      *Problem
	camDim int
	opt    Options

	// Per residual block: indices into rb.params of the free (non-point,
	// non-constant) blocks, and the index of the free point block or -1.
	rbCam [][]int
	rbPt  []int

	ptBlocks []*paramBlock
	ptID     map[*paramBlock]int
	rbsByPt  [][]int // point id -> residual block indices

	cinv []float64 // 9 per point, rebuilt each step

	// constant camera coordinates get identity rows in the reduced system
	constCam []bool
}

func newSchur(p *Problem, camDim int, opt Options) *schur {
	s := &schur{p: p, camDim: camDim, opt: opt}

	s.ptID = make(map[*paramBlock]int)
	ptID := s.ptID
	for _, b := range p.blocks {
		if b.point && !b.constant {
			if len(b.data) != 3 {
				panic(fmt.Sprintf("lsq: point blocks must have size 3, got %d", len(b.data)))
			}
			ptID[b] = len(s.ptBlocks)
			s.ptBlocks = append(s.ptBlocks, b)
		}
	}
	s.rbsByPt = make([][]int, len(s.ptBlocks))
	s.cinv = make([]float64, 9*len(s.ptBlocks))

	s.rbCam = make([][]int, len(p.resids))
	s.rbPt = make([]int, len(p.resids))
	for i, rb := range p.resids {
		s.rbPt[i] = -1
		for k, pb := range rb.params {
			if pb.constant {
				continue
			}
			if pb.point {
				if s.rbPt[i] >= 0 {
					panic("lsq: residual block with more than one point block")
				}
				s.rbPt[i] = k
				id := ptID[pb]
				s.rbsByPt[id] = append(s.rbsByPt[id], i)
				continue
			}
			s.rbCam[i] = append(s.rbCam[i], k)
		}
	}

	s.constCam = make([]bool, camDim)
	for _, b := range p.blocks {
		if !b.point && b.constant {
			for c := 0; c < len(b.data); c++ {
				s.constCam[b.offset+c] = true
			}
		}
	}
	return s
}

// step solves (H + lambda*diag(H)) dx = -g and returns the full-length
// step, zero at constant blocks.
func (s *schur) step(g, d []float64, lambda float64) ([]float64, error) {
	if err := s.buildCinv(d, lambda); err != nil {
		return nil, err
	}

	// Reduced right-hand side: -g_cam + E C^-1 g_pt.
	rhs := make([]float64, s.camDim)
	for i := 0; i < s.camDim; i++ {
		if !s.constCam[i] {
			rhs[i] = -g[i]
		}
	}
	z := make([]float64, 3*len(s.ptBlocks))
	for id, pb := range s.ptBlocks {
		mulSym3(s.cinv[9*id:], g[pb.offset:pb.offset+3], z[3*id:3*id+3])
	}
	s.addE(rhs, z, 1)

	var dc []float64
	var err error
	if s.camDim <= s.opt.DenseSchurThreshold {
		dc, err = s.solveDense(rhs, d, lambda)
	} else {
		dc, err = s.solveCG(rhs, d, lambda)
	}
	if err != nil {
		return nil, err
	}

	dx := make([]float64, len(g))
	copy(dx, dc)

	// Back-substitute the point steps: dp = C^-1 (-g_p - E^T dc).
	t := make([]float64, 3*len(s.ptBlocks))
	s.addET(t, dc)
	for id, pb := range s.ptBlocks {
		var rhsP [3]float64
		for c := 0; c < 3; c++ {
			rhsP[c] = -g[pb.offset+c] - t[3*id+c]
		}
		mulSym3(s.cinv[9*id:], rhsP[:], dx[pb.offset:pb.offset+3])
	}
	return dx, nil
}

// buildCinv accumulates the damped point Hessians C_p and inverts them.
func (s *schur) buildCinv(d []float64, lambda float64) error {
	for i := range s.cinv {
		s.cinv[i] = 0
	}
	for id, pb := range s.ptBlocks {
		c := s.cinv[9*id : 9*id+9]
		for _, ri := range s.rbsByPt[id] {
			rb := s.p.resids[ri]
			jp := rb.jac[s.rbPt[ri]]
			addATB(c, jp, jp, rb.num, 3, 3)
		}
		for k := 0; k < 3; k++ {
			c[k*3+k] += lambda * d[pb.offset+k]
		}
		if !invSym3(c) {
			return errors.New("singular point Hessian")
		}
	}
	return nil
}

// addE accumulates out_cam += sign * E v, where v is indexed per point.
func (s *schur) addE(out, v []float64, sign float64) {
	u := make([]float64, maxResiduals(s.p))
	for id := range s.ptBlocks {
		for _, ri := range s.rbsByPt[id] {
			rb := s.p.resids[ri]
			jp := rb.jac[s.rbPt[ri]]
			uu := u[:rb.num]
			for i := range uu {
				uu[i] = 0
			}
			addAx(uu, jp, v[3*id:3*id+3], rb.num, 3)
			for _, k := range s.rbCam[ri] {
				pb := rb.params[k]
				size := len(pb.data)
				if sign > 0 {
					addATx(out[pb.offset:pb.offset+size], rb.jac[k], uu, rb.num, size)
				} else {
					subATx(out[pb.offset:pb.offset+size], rb.jac[k], uu, rb.num, size)
				}
			}
		}
	}
}

// addET accumulates out_pt += E^T y, where y is a camera-dimension vector.
func (s *schur) addET(out, y []float64) {
	u := make([]float64, maxResiduals(s.p))
	for id := range s.ptBlocks {
		for _, ri := range s.rbsByPt[id] {
			rb := s.p.resids[ri]
			uu := u[:rb.num]
			for i := range uu {
				uu[i] = 0
			}
			for _, k := range s.rbCam[ri] {
				pb := rb.params[k]
				addAx(uu, rb.jac[k], y[pb.offset:pb.offset+len(pb.data)], rb.num, len(pb.data))
			}
			addATx(out[3*id:3*id+3], rb.jac[s.rbPt[ri]], uu, rb.num, 3)
		}
	}
}

// solveDense assembles the reduced Schur system explicitly and factors it.
func (s *schur) solveDense(rhs, d []float64, lambda float64) ([]float64, error) {
	n := s.camDim
	S := mat.NewDense(n, n, nil)

	// Camera-camera part of J^T J.
	for i, rb := range s.p.resids {
		for _, ka := range s.rbCam[i] {
			pa := rb.params[ka]
			sa := len(pa.data)
			for _, kb := range s.rbCam[i] {
				pb := rb.params[kb]
				sb := len(pb.data)
				for r := 0; r < rb.num; r++ {
					for a := 0; a < sa; a++ {
						va := rb.jac[ka][r*sa+a]
						if va == 0 {
							continue
						}
						for b := 0; b < sb; b++ {
							S.Set(pa.offset+a, pb.offset+b,
								S.At(pa.offset+a, pb.offset+b)+va*rb.jac[kb][r*sb+b])
						}
					}
				}
			}
		}
	}

	// Damping, and identity rows for constant coordinates.
	for i := 0; i < n; i++ {
		if s.constCam[i] {
			S.Set(i, i, 1)
		} else {
			S.Set(i, i, S.At(i, i)+lambda*d[i])
		}
	}

	// Subtract E C^-1 E^T, accumulated per point.
	for id := range s.ptBlocks {
		ys := s.pointCouplings(id)
		for _, ya := range ys {
			// ya.m is size_a x 3; fold in C^-1 once.
			tmp := make([]float64, len(ya.m))
			for r := 0; r < ya.size; r++ {
				mulSym3(s.cinv[9*id:], ya.m[r*3:r*3+3], tmp[r*3:r*3+3])
			}
			for _, yb := range ys {
				for a := 0; a < ya.size; a++ {
					for b := 0; b < yb.size; b++ {
						acc := 0.0
						for k := 0; k < 3; k++ {
							acc += tmp[a*3+k] * yb.m[b*3+k]
						}
						S.Set(ya.offset+a, yb.offset+b, S.At(ya.offset+a, yb.offset+b)-acc)
					}
				}
			}
		}
	}

	// Factor; the damped Schur complement is symmetric positive definite,
	// so try Cholesky first and fall back to a general solve.
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(S.At(i, j)+S.At(j, i)))
		}
	}
	b := mat.NewVecDense(n, rhs)
	var out mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		if err := chol.SolveVecTo(&out, b); err == nil {
			return out.RawVector().Data, nil
		}
	}
	if err := out.SolveVec(S, b); err != nil {
		return nil, fmt.Errorf("reduced camera system: %w", err)
	}
	return out.RawVector().Data, nil
}

// coupling is the accumulated J_cam^T J_pt block of one camera parameter
// block against one point.
type coupling struct {
	offset, size int
	m            []float64 // size x 3
}

func (s *schur) pointCouplings(id int) []*coupling {
	byOffset := make(map[int]*coupling)
	var list []*coupling
	for _, ri := range s.rbsByPt[id] {
		rb := s.p.resids[ri]
		jp := rb.jac[s.rbPt[ri]]
		for _, k := range s.rbCam[ri] {
			pb := rb.params[k]
			y := byOffset[pb.offset]
			if y == nil {
				y = &coupling{offset: pb.offset, size: len(pb.data),
					m: make([]float64, len(pb.data)*3)}
				byOffset[pb.offset] = y
				list = append(list, y)
			}
			addATB(y.m, rb.jac[k], jp, rb.num, y.size, 3)
		}
	}
	return list
}

// solveCG runs preconditioned conjugate gradients on the reduced system,
// applying S matrix-free and preconditioning with the inverted diagonal
// blocks of S.
func (s *schur) solveCG(rhs, d []float64, lambda float64) ([]float64, error) {
	n := s.camDim
	pre := s.blockJacobi(d, lambda)

	matvec := func(y, out []float64) {
		for i := range out {
			out[i] = 0
		}
		// B y and E^T y in one sweep over residual blocks.
		t := make([]float64, 3*len(s.ptBlocks))
		u := make([]float64, maxResiduals(s.p))
		for i, rb := range s.p.resids {
			if len(s.rbCam[i]) == 0 {
				continue
			}
			uu := u[:rb.num]
			for r := range uu {
				uu[r] = 0
			}
			for _, k := range s.rbCam[i] {
				pb := rb.params[k]
				addAx(uu, rb.jac[k], y[pb.offset:pb.offset+len(pb.data)], rb.num, len(pb.data))
			}
			for _, k := range s.rbCam[i] {
				pb := rb.params[k]
				addATx(out[pb.offset:pb.offset+len(pb.data)], rb.jac[k], uu, rb.num, len(pb.data))
			}
			if kp := s.rbPt[i]; kp >= 0 {
				id := s.pointIDOf(rb.params[kp])
				addATx(t[3*id:3*id+3], rb.jac[kp], uu, rb.num, 3)
			}
		}
		// out -= E C^-1 (E^T y).
		z := make([]float64, len(t))
		for id := range s.ptBlocks {
			mulSym3(s.cinv[9*id:], t[3*id:3*id+3], z[3*id:3*id+3])
		}
		s.addE(out, z, -1)
		// Damping and identity rows.
		for i := 0; i < n; i++ {
			if s.constCam[i] {
				out[i] = y[i]
			} else {
				out[i] += lambda * d[i] * y[i]
			}
		}
	}

	x := make([]float64, n)
	r := make([]float64, n)
	copy(r, rhs)
	z := make([]float64, n)
	pre.apply(r, z)
	p := append([]float64(nil), z...)
	ap := make([]float64, n)

	rz := dot(r, z)
	rhsNorm := norm(rhs)
	if rhsNorm == 0 {
		return x, nil
	}
	maxIter := min(n, 500)
	for it := 0; it < maxIter; it++ {
		matvec(p, ap)
		pap := dot(p, ap)
		if pap <= 0 {
			break // loss of positive-definiteness; return current iterate
		}
		alpha := rz / pap
		for i := 0; i < n; i++ {
			x[i] += alpha * p[i]
			r[i] -= alpha * ap[i]
		}
		if norm(r) <= 1e-8*rhsNorm {
			break
		}
		pre.apply(r, z)
		rzNew := dot(r, z)
		beta := rzNew / rz
		rz = rzNew
		for i := 0; i < n; i++ {
			p[i] = z[i] + beta*p[i]
		}
	}
	if math.IsNaN(norm(x)) {
		return nil, errors.New("conjugate gradients diverged")
	}
	return x, nil
}

func (s *schur) pointIDOf(pb *paramBlock) int { return s.ptID[pb] }

// blockJacobi builds the inverted diagonal blocks of the reduced system.
type blockPrecond struct {
	offsets []int
	sizes   []int
	inv     [][]float64 // dense size x size inverses
	ident   []bool      // identity rows for constant coordinates
	n       int
}

func (s *schur) blockJacobi(d []float64, lambda float64) *blockPrecond {
	pre := &blockPrecond{ident: s.constCam, n: s.camDim}

	for _, b := range s.p.blocks {
		if b.point || b.constant || b.offset >= s.camDim {
			continue
		}
		size := len(b.data)
		blk := make([]float64, size*size)
		pre.offsets = append(pre.offsets, b.offset)
		pre.sizes = append(pre.sizes, size)
		pre.inv = append(pre.inv, blk)
	}
	byOffset := make(map[int]int, len(pre.offsets))
	for i, off := range pre.offsets {
		byOffset[off] = i
	}

	// B_ii terms.
	for i, rb := range s.p.resids {
		for _, k := range s.rbCam[i] {
			pb := rb.params[k]
			bi, ok := byOffset[pb.offset]
			if !ok {
				continue
			}
			addATB(pre.inv[bi], rb.jac[k], rb.jac[k], rb.num, pre.sizes[bi], pre.sizes[bi])
		}
	}
	// Diagonal of the point subtraction.
	for id := range s.ptBlocks {
		for _, y := range s.pointCouplings(id) {
			bi, ok := byOffset[y.offset]
			if !ok {
				continue
			}
			blk := pre.inv[bi]
			tmp := make([]float64, len(y.m))
			for r := 0; r < y.size; r++ {
				mulSym3(s.cinv[9*id:], y.m[r*3:r*3+3], tmp[r*3:r*3+3])
			}
			for a := 0; a < y.size; a++ {
				for b := 0; b < y.size; b++ {
					acc := 0.0
					for k := 0; k < 3; k++ {
						acc += tmp[a*3+k] * y.m[b*3+k]
					}
					blk[a*y.size+b] -= acc
				}
			}
		}
	}
	// Damping, then invert each block.
	for i, off := range pre.offsets {
		size := pre.sizes[i]
		blk := pre.inv[i]
		for k := 0; k < size; k++ {
			blk[k*size+k] += lambda * d[off+k]
		}
		var inv mat.Dense
		if err := inv.Inverse(mat.NewDense(size, size, blk)); err != nil {
			// Fall back to scalar Jacobi on this block.
			for a := 0; a < size; a++ {
				for b := 0; b < size; b++ {
					if a == b && blk[a*size+a] > 0 {
						blk[a*size+b] = 1 / blk[a*size+a]
					} else {
						blk[a*size+b] = 0
					}
				}
			}
			continue
		}
		copy(blk, inv.RawMatrix().Data)
	}
	return pre
}

func (pre *blockPrecond) apply(r, z []float64) {
	for i := range z {
		z[i] = 0
	}
	for i, off := range pre.offsets {
		size := pre.sizes[i]
		inv := pre.inv[i]
		for a := 0; a < size; a++ {
			acc := 0.0
			for b := 0; b < size; b++ {
				acc += inv[a*size+b] * r[off+b]
			}
			z[off+a] = acc
		}
	}
	for i := 0; i < pre.n; i++ {
		if pre.ident[i] {
			z[i] = r[i]
		}
	}
}

// Small flat-matrix helpers. A is row-major num x na.

// addATB accumulates dst += A^T B; dst is na x nb row-major.
func addATB(dst, A, B []float64, num, na, nb int) {
	for r := 0; r < num; r++ {
		for a := 0; a < na; a++ {
			va := A[r*na+a]
			if va == 0 {
				continue
			}
			for b := 0; b < nb; b++ {
				dst[a*nb+b] += va * B[r*nb+b]
			}
		}
	}
}

// addAx accumulates y += A x with y of length num, x of length na.
func addAx(y, A, x []float64, num, na int) {
	for r := 0; r < num; r++ {
		acc := 0.0
		for a := 0; a < na; a++ {
			acc += A[r*na+a] * x[a]
		}
		y[r] += acc
	}
}

// addATx accumulates y += A^T x with y of length na, x of length num.
func addATx(y, A, x []float64, num, na int) {
	for r := 0; r < num; r++ {
		xr := x[r]
		if xr == 0 {
			continue
		}
		for a := 0; a < na; a++ {
			y[a] += A[r*na+a] * xr
		}
	}
}

// subATx accumulates y -= A^T x.
func subATx(y, A, x []float64, num, na int) {
	for r := 0; r < num; r++ {
		xr := x[r]
		if xr == 0 {
			continue
		}
		for a := 0; a < na; a++ {
			y[a] -= A[r*na+a] * xr
		}
	}
}

// mulSym3 computes out = M v for a row-major 3x3 matrix.
func mulSym3(m, v, out []float64) {
	out[0] = m[0]*v[0] + m[1]*v[1] + m[2]*v[2]
	out[1] = m[3]*v[0] + m[4]*v[1] + m[5]*v[2]
	out[2] = m[6]*v[0] + m[7]*v[1] + m[8]*v[2]
}

// invSym3 inverts a row-major 3x3 matrix in place, returning false when
// singular.
func invSym3(m []float64) bool {
	c00 := m[4]*m[8] - m[5]*m[7]
	c01 := m[5]*m[6] - m[3]*m[8]
	c02 := m[3]*m[7] - m[4]*m[6]
	det := m[0]*c00 + m[1]*c01 + m[2]*c02
	if det == 0 || math.IsNaN(det) {
		return false
	}
	inv := 1 / det
	out := [9]float64{
		c00 * inv, (m[2]*m[7] - m[1]*m[8]) * inv, (m[1]*m[5] - m[2]*m[4]) * inv,
		c01 * inv, (m[0]*m[8] - m[2]*m[6]) * inv, (m[2]*m[3] - m[0]*m[5]) * inv,
		c02 * inv, (m[1]*m[6] - m[0]*m[7]) * inv, (m[0]*m[4] - m[1]*m[3]) * inv,
	}
	copy(m, out[:])
	return true
}

func maxResiduals(p *Problem) int {
	m := 0
	for _, rb := range p.resids {
		m = max(m, rb.num)
	}
	return m
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
