package lsq

import (
	"fmt"
)

// paramBlock is one optimization variable group aliasing caller memory.
type paramBlock struct {
	data     []float64 // caller-owned cursor; len(data) is the block size
	constant bool
	point    bool // Schur elimination group (3-vector ground points)
	offset   int  // into the state vector, assigned at solve time
}

// residualBlock binds a cost and loss to ordered parameter blocks.
type residualBlock struct {
	cost   Cost
	loss   Loss
	params []*paramBlock
	num    int // residual count
	offset int // into the residual vector

	// Per-iteration storage, written by the evaluation workers: the
	// loss-scaled residual and one loss-scaled Jacobian (num x size) per
	// parameter block. Constant blocks keep a nil Jacobian.
	res []float64
	jac [][]float64
}

// Problem is a sparse least-squares problem: a set of residual blocks
// over parameter blocks that alias caller-owned arrays. Parameter blocks
// are identified by the address of their first element, so the caller
// must hand in stable sub-slices of backing arrays that outlive the
// solve.
type Problem struct {
	blocks  []*paramBlock
	index   map[*float64]*paramBlock
	resids  []*residualBlock
	numRes  int
	numPt   int
	numVars int
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{index: make(map[*float64]*paramBlock)}
}

func (p *Problem) block(cursor []float64) *paramBlock {
	if len(cursor) == 0 {
		panic("lsq: empty parameter block")
	}
	key := &cursor[0]
	if b, ok := p.index[key]; ok {
		if len(b.data) != len(cursor) {
			panic(fmt.Sprintf("lsq: parameter block size mismatch: %d vs %d",
				len(b.data), len(cursor)))
		}
		return b
	}
	b := &paramBlock{data: cursor}
	p.index[key] = b
	p.blocks = append(p.blocks, b)
	p.numVars += len(cursor)
	return b
}

// AddResidualBlock appends a residual block. loss may be nil for the
// trivial loss. The cost's declared block sizes must match the cursors.
// Addition order is deterministic and fixes the residual report order.
func (p *Problem) AddResidualBlock(cost Cost, loss Loss, cursors ...[]float64) {
	sizes := cost.BlockSizes()
	if len(sizes) != len(cursors) {
		panic(fmt.Sprintf("lsq: cost declares %d blocks, got %d", len(sizes), len(cursors)))
	}
	if loss == nil {
		loss = TrivialLoss{}
	}
	rb := &residualBlock{
		cost:   cost,
		loss:   loss,
		params: make([]*paramBlock, len(cursors)),
		num:    cost.NumResiduals(),
		offset: p.numRes,
	}
	for i, c := range cursors {
		if len(c) != sizes[i] {
			panic(fmt.Sprintf("lsq: block %d size %d, cost declares %d", i, len(c), sizes[i]))
		}
		rb.params[i] = p.block(c)
	}
	p.resids = append(p.resids, rb)
	p.numRes += rb.num
}

// SetBlockConstant freezes a parameter block; the solver never moves it.
func (p *Problem) SetBlockConstant(cursor []float64) {
	p.block(cursor).constant = true
}

// MarkPointBlock places a block in the Schur elimination group. Intended
// for the 3-vector triangulated points; at most one point block may
// appear in any residual block.
func (p *Problem) MarkPointBlock(cursor []float64) {
	b := p.block(cursor)
	if !b.point {
		b.point = true
		p.numPt++
	}
}

// NumResiduals returns the total residual count across all blocks.
func (p *Problem) NumResiduals() int { return p.numRes }

// NumResidualBlocks returns the number of residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.resids) }

// NumParameterBlocks returns the number of distinct parameter blocks.
func (p *Problem) NumParameterBlocks() int { return len(p.blocks) }

// EvaluateResiduals computes the raw weighted residual vector at the
// current parameter values, in residual-addition order, without robust
// loss scaling. Used for the pre- and post-solve residual reports.
func (p *Problem) EvaluateResiduals() []float64 {
	out := make([]float64, p.numRes)
	views := make([][]float64, 0, 8)
	for _, rb := range p.resids {
		views = views[:0]
		for _, pb := range rb.params {
			views = append(views, pb.data)
		}
		rb.cost.Evaluate(views, out[rb.offset:rb.offset+rb.num])
	}
	return out
}

// gather copies the caller-owned block values into a fresh state vector
// and assigns block offsets: camera blocks first, point blocks after.
func (p *Problem) gather() (x []float64, camDim, ptDim int) {
	off := 0
	for _, b := range p.blocks {
		if !b.point {
			b.offset = off
			off += len(b.data)
		}
	}
	camDim = off
	for _, b := range p.blocks {
		if b.point {
			b.offset = off
			off += len(b.data)
		}
	}
	ptDim = off - camDim
	x = make([]float64, off)
	for _, b := range p.blocks {
		copy(x[b.offset:], b.data)
	}
	return x, camDim, ptDim
}

// scatter writes a state vector back into the caller-owned arrays.
func (p *Problem) scatter(x []float64) {
	for _, b := range p.blocks {
		copy(b.data, x[b.offset:b.offset+len(b.data)])
	}
}
