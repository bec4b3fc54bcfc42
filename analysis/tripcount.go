package analysis

import (
	"math/big"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// ExitCount is the result of analyzing a loop's exit condition.
type ExitCount struct {
	// BackedgeTaken is the number of times the back edge is taken, as a
	// constant or a symbolic expression.
	BackedgeTaken SCEV
	// Constant is set when the trip count is a known integer.
	Constant bool
	// TripCount is the number of header executions when Constant.
	TripCount int64
}

// BackedgeTakenCount analyzes the single exiting branch of loop l. The
// branch must compare a recurrence of l against a value invariant in l.
// ok is false when the count cannot be computed.
func (se *ScalarEvolution) BackedgeTakenCount(l ir.LoopID) (ExitCount, bool) {
	exiting := se.lf.ExitingBlock(l)
	if exiting == nil || exiting.Kind != ir.BlockIf || !exiting.Control.Op.IsCompare() {
		return ExitCount{}, false
	}
	cmp := exiting.Control
	op := cmp.Op
	// Normalize to "stay in the loop while op holds".
	if !se.lf.Contains(l, exiting.Succs[0]) {
		op = op.Negated()
	}

	lhs, rhs := se.SCEV(cmp.Args[0]), se.SCEV(cmp.Args[1])
	rec, ok := lhs.(*SCEVAddRec)
	bound := rhs
	if !ok || rec.Loop != l {
		rec, ok = rhs.(*SCEVAddRec)
		if !ok || rec.Loop != l {
			return ExitCount{}, false
		}
		bound = lhs
		op = op.Swapped()
	}
	if !bound.IsLoopInvariant(se.lf, l) || !rec.Start.IsLoopInvariant(se.lf, l) {
		return ExitCount{}, false
	}
	stepC, ok := rec.Step.(*SCEVConstant)
	if !ok || stepC.Value.Sign() == 0 || !stepC.Value.IsInt64() {
		return ExitCount{}, false
	}
	step := stepC.Value.Int64()

	switch op {
	case ir.OpLt, ir.OpLeq:
		if step < 0 {
			return ExitCount{}, false
		}
	case ir.OpGt, ir.OpGeq:
		if step > 0 {
			return ExitCount{}, false
		}
	case ir.OpNeq:
		if step != 1 && step != -1 {
			return ExitCount{}, false
		}
	default:
		return ExitCount{}, false
	}

	// Symbolic count: (bound - start) / step.
	diff := se.fold(ir.OpSub, bound, rec.Start)
	ec := ExitCount{BackedgeTaken: &SCEVGenericExpr{Op: ir.OpDiv, X: diff, Y: stepC}}

	startC, sOk := rec.Start.(*SCEVConstant)
	boundC, bOk := bound.(*SCEVConstant)
	if !sOk || !bOk || !startC.Value.IsInt64() || !boundC.Value.IsInt64() {
		return ec, true
	}
	n, ok := constantBackedgeCount(op, startC.Value.Int64(), step, boundC.Value.Int64())
	if !ok {
		return ec, true
	}
	ec.BackedgeTaken = &SCEVConstant{Value: big.NewInt(n)}
	ec.Constant = true
	ec.TripCount = n + 1
	return ec, true
}

// constantBackedgeCount counts the consecutive iterations k >= 0 for which
// (start + k*step) op bound holds.
func constantBackedgeCount(op ir.Op, start, step, bound int64) (int64, bool) {
	var n int64
	switch op {
	case ir.OpLt:
		n = ceilDiv(bound-start, step)
	case ir.OpLeq:
		n = floorDiv(bound-start, step) + 1
	case ir.OpGt:
		n = ceilDiv(start-bound, -step)
	case ir.OpGeq:
		n = floorDiv(start-bound, -step) + 1
	case ir.OpNeq:
		d := (bound - start) * step
		if d < 0 {
			return 0, false
		}
		n = d
	}
	if n < 0 {
		n = 0
	}
	return n, true
}

// TripCount returns the constant number of header executions of l.
func (se *ScalarEvolution) TripCount(l ir.LoopID) (int64, bool) {
	ec, ok := se.BackedgeTakenCount(l)
	if !ok || !ec.Constant {
		return 0, false
	}
	return ec.TripCount, true
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a > 0) == (b > 0)) {
		q++
	}
	return q
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a > 0) != (b > 0)) {
		q--
	}
	return q
}
