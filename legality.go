package interchange

import (
	"slices"

	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/ir"
)

// legality decides whether an adjacent (outer, inner) pair of a nest can
// be interchanged, and records the facts the transform relies on.
type legality struct {
	*pairContext

	// outerInnerReductions holds the header phis of reductions spanning
	// both loops, outer and inner alike.
	outerInnerReductions map[*ir.Value]bool
	innerInductions      []*ir.Value
	// noWrapReductions are reduction ops whose overflow flags must go.
	noWrapReductions []*ir.Value
}

func newLegality(pc *pairContext) *legality {
	return &legality{pairContext: pc, outerInnerReductions: make(map[*ir.Value]bool)}
}

// canInterchange runs every legality check in order and reports the
// first failure as a missed remark.
func (lg *legality) canInterchange(innerIdx, outerIdx int, m *DepMatrix) bool {
	if !m.IsLegalToInterchange(innerIdx, outerIdx) {
		lg.log.Debug().Int("inner", innerIdx).Int("outer", outerIdx).Msg("failed interchange due to dependence")
		lg.missed("Dependence", lg.inner, "Cannot interchange loops due to dependences.")
		return false
	}

	for _, b := range lg.lf.Loop(lg.outer).Blocks {
		for _, v := range b.Values {
			if v.Op != ir.OpCall || !v.MayReadMemory() && !v.MayHaveSideEffects() {
				continue
			}
			if c := v.Callee(); c != nil && c.Effect == ir.EffectWriteOnly {
				continue
			}
			lg.log.Debug().Str("call", v.LongString()).Msg("loops with call instructions cannot be interchanged safely")
			lg.missedAt("CallInst", b, "Cannot interchange loops due to call instruction.")
			return false
		}
	}

	if !lg.findInductions(lg.inner) {
		lg.log.Debug().Msg("could not find inner loop induction variables")
		return false
	}

	if !lg.innerLatchPHIsSupported() {
		lg.missed("UnsupportedInnerLatchPHI", lg.inner, "Cannot interchange loops because unsupported PHI nodes found in inner loop latch.")
		return false
	}

	if lg.currentLimitations() {
		lg.log.Debug().Msg("not legal because of current transform limitation")
		return false
	}

	if !lg.tightlyNested() {
		lg.missed("NotTightlyNested", lg.inner, "Cannot interchange loops because they are not tightly nested.")
		return false
	}

	if !lg.innerExitPHIsSupported() {
		lg.missed("UnsupportedExitPHI", lg.inner, "Found unsupported PHI node in loop exit.")
		return false
	}

	if !lg.outerExitPHIsSupported() {
		lg.missed("UnsupportedExitPHI", lg.outer, "Found unsupported PHI node in loop exit.")
		return false
	}
	return true
}

func containsUnsafeInstructions(b *ir.Block) bool {
	for _, v := range b.Values {
		if v.MayHaveSideEffects() || v.MayReadMemory() {
			return true
		}
	}
	return false
}

// skipEmptyBlocksUntil follows unique successors from `from` through
// empty fall-through blocks. It returns end if it is reached, or the last
// block visited otherwise.
func skipEmptyBlocksUntil(from, end *ir.Block) *ir.Block {
	if from == end || from.UniqueSucc() == nil {
		return from
	}
	visited := make(map[*ir.Block]bool)
	pred, b := from, from.UniqueSucc()
	for b != nil && b != end && len(b.Values) == 0 && b.Kind == ir.BlockPlain && !visited[b] {
		visited[b] = true
		pred, b = b, b.UniqueSucc()
	}
	if b == end {
		return end
	}
	return pred
}

func (lg *legality) tightlyNested() bool {
	outerHeader := lg.lf.Header(lg.outer)
	outerLatch := lg.lf.Latch(lg.outer)
	innerPH := lg.lf.Preheader(lg.inner)
	if outerLatch == nil || innerPH == nil || !outerHeader.IsBranch() {
		return false
	}
	for _, s := range outerHeader.Succs {
		if s != innerPH && s != lg.lf.Header(lg.inner) && s != outerLatch {
			return false
		}
	}
	if containsUnsafeInstructions(outerHeader) || containsUnsafeInstructions(outerLatch) {
		return false
	}
	// The inner preheader is hoisted into the outer header by the transform.
	if innerPH != outerHeader && containsUnsafeInstructions(innerPH) {
		return false
	}
	innerExit := lg.lf.ExitBlock(lg.inner)
	if innerExit == nil {
		return false
	}
	if skipEmptyBlocksUntil(innerExit, outerLatch) != outerLatch {
		lg.log.Debug().Stringer("exit", innerExit).Msg("inner loop exit block does not lead to the outer loop latch")
		return false
	}
	// The exit moves into the new inner loop.
	return !containsUnsafeInstructions(innerExit)
}

// isConstant reports whether v is a constant or the address of a global.
func isConstant(v *ir.Value) bool {
	return v.IsConst() || v.Op == ir.OpGlobal
}

// isPathToInnerIndVar reports whether v is built from constants and inner
// induction variables only.
func (lg *legality) isPathToInnerIndVar(v *ir.Value) bool {
	if slices.Contains(lg.innerInductions, v) || isConstant(v) {
		return true
	}
	if !v.IsInstr() {
		return false
	}
	switch {
	case v.Op == ir.OpConvert || v.Op == ir.OpCopy:
		return lg.isPathToInnerIndVar(v.Args[0])
	case v.Op.IsBinary():
		return lg.isPathToInnerIndVar(v.Args[0]) && lg.isPathToInnerIndVar(v.Args[1])
	}
	return false
}

// loopStructureUnderstood rejects triangular nests: inner induction
// starts and the inner exit bound must not vary with the outer loop.
func (lg *legality) loopStructureUnderstood() bool {
	innerPH := lg.lf.Preheader(lg.inner)
	for _, phi := range lg.innerInductions {
		for i, a := range phi.Args {
			if !a.IsInstr() {
				continue
			}
			if phi.Incoming[i] == innerPH && !lg.lf.IsLoopInvariant(lg.outer, a) {
				return false
			}
		}
	}

	latch := lg.lf.Latch(lg.inner)
	if latch == nil || latch.Kind != ir.BlockIf {
		return false
	}
	cmp := latch.Control
	if !cmp.Op.IsCompare() {
		return true
	}
	op0, op1 := cmp.Args[0], cmp.Args[1]
	if lg.isPathToInnerIndVar(op0) && lg.isPathToInnerIndVar(op1) {
		return true
	}
	var right *ir.Value
	switch {
	case lg.isPathToInnerIndVar(op0) && !isConstant(op0):
		right = op1
	case lg.isPathToInnerIndVar(op1) && !isConstant(op1):
		right = op0
	default:
		return false
	}
	return lg.se.IsLoopInvariant(lg.se.SCEV(right), lg.outer)
}

// followLCSSA looks through single-entry phis.
func followLCSSA(v *ir.Value) *ir.Value {
	for v.Op == ir.OpPhi && len(v.Args) == 1 {
		v = v.Args[0]
	}
	return v
}

// findInnerReductionPhi returns the reduction phi of loop l that v feeds,
// or nil. Integer add and mul chains record their no-wrap ops.
func (lg *legality) findInnerReductionPhi(l ir.LoopID, v *ir.Value) *ir.Value {
	if !v.IsInstr() {
		return nil
	}
	for _, u := range lg.f.Users(v) {
		if u.Op != ir.OpPhi {
			continue
		}
		if len(u.Args) == 1 {
			continue
		}
		rd, ok := lg.recognizer.IsReductionPHI(u, l)
		if !ok {
			return nil
		}
		// Floating point reductions must be free to reassociate.
		if rd.ExactFPMathInst != nil {
			return nil
		}
		if rd.Kind == analysis.RecurAdd || rd.Kind == analysis.RecurMul {
			if len(rd.Ops) == 0 {
				return nil
			}
			for _, op := range rd.Ops {
				if op.HasNoWrap() && !slices.Contains(lg.noWrapReductions, op) {
					lg.noWrapReductions = append(lg.noWrapReductions, op)
				}
			}
		}
		return u
	}
	return nil
}

// findInductionAndReductions classifies every header phi of l. With an
// inner loop, non-induction phis must pair with a reduction of inner;
// without one, they must already be known reductions.
func (lg *legality) findInductionAndReductions(l, inner ir.LoopID) bool {
	latch := lg.lf.Latch(l)
	if latch == nil || lg.lf.LoopPredecessor(l) == nil {
		return false
	}
	for _, phi := range lg.lf.Header(l).Phis() {
		if lg.recognizer.IsInductionPHI(phi, l) {
			continue
		}
		if inner == ir.NoLoop {
			if !lg.outerInnerReductions[phi] {
				lg.log.Debug().Str("phi", phi.String()).Msg("inner loop PHI is not part of reductions across the outer loop")
				return false
			}
			continue
		}
		in := phi.IncomingFor(latch)
		if in == nil {
			return false
		}
		innerRed := lg.findInnerReductionPhi(inner, followLCSSA(in))
		if innerRed == nil || !slices.Contains(innerRed.Args, phi) {
			lg.log.Debug().Str("phi", phi.String()).Msg("failed to recognize PHI as an induction or reduction")
			return false
		}
		lg.outerInnerReductions[phi] = true
		lg.outerInnerReductions[innerRed] = true
	}
	return true
}

// currentLimitations reports shapes the transform cannot handle yet.
func (lg *legality) currentLimitations() bool {
	innerLatch := lg.lf.Latch(lg.inner)
	outerLatch := lg.lf.Latch(lg.outer)
	if innerLatch == nil || outerLatch == nil ||
		lg.lf.ExitingBlock(lg.inner) != innerLatch ||
		lg.lf.ExitingBlock(lg.outer) != outerLatch ||
		!innerLatch.IsBranch() || !outerLatch.IsBranch() {
		lg.log.Debug().Msg("loops where the latch is not the exiting block are not supported currently")
		lg.missed("ExitingNotLatch", lg.outer, "Loops where the latch is not the exiting block cannot be interchange currently.")
		return true
	}

	if !lg.findInductionAndReductions(lg.outer, lg.inner) {
		lg.missed("UnsupportedPHIOuter", lg.outer, "Only outer loops with induction or reduction PHI nodes can be interchanged currently.")
		return true
	}

	// Every level below the outer loop needs recognizable phis.
	for cur := lg.outer; len(lg.lf.SubLoops(cur)) > 0; {
		cur = lg.lf.SubLoops(cur)[0]
		if !lg.findInductionAndReductions(cur, ir.NoLoop) {
			lg.missed("UnsupportedPHIInner", cur, "Only inner loops with induction or reduction PHI nodes can be interchange currently.")
			return true
		}
	}

	if !lg.loopStructureUnderstood() {
		lg.missed("UnsupportedStructureInner", lg.inner, "Inner loop structure not understood currently.")
		return true
	}
	return false
}

func (lg *legality) findInductions(l ir.LoopID) bool {
	lg.innerInductions = lg.innerInductions[:0]
	for _, phi := range lg.lf.Header(l).Phis() {
		if lg.recognizer.IsInductionPHI(phi, l) {
			lg.innerInductions = append(lg.innerInductions, phi)
		}
	}
	return len(lg.innerInductions) > 0
}

// innerExitPHIsSupported accepts LCSSA phis at the inner exit whose users
// are reduction phis or phis outside the inner loop.
func (lg *legality) innerExitPHIsSupported() bool {
	exit := lg.lf.ExitBlock(lg.inner)
	if exit == nil {
		return false
	}
	for _, phi := range exit.Phis() {
		if len(phi.Args) > 1 {
			return false
		}
		for _, u := range lg.f.Users(phi) {
			if u.Op != ir.OpPhi {
				return false
			}
			if !lg.outerInnerReductions[u] && lg.lf.ContainsValue(lg.inner, u) {
				return false
			}
		}
		if lg.usedAsControl(phi) {
			return false
		}
	}
	return true
}

func (lg *legality) usedAsControl(v *ir.Value) bool {
	for _, b := range lg.f.Blocks {
		if b.Control == v {
			return true
		}
	}
	return false
}

// outerExitPHIsSupported accepts nest exit phis fed from the outer latch
// only when that latch runs exactly when the inner loop does.
func (lg *legality) outerExitPHIsSupported() bool {
	exit := lg.lf.ExitBlock(lg.outer)
	latch := lg.lf.Latch(lg.outer)
	if exit == nil || latch == nil {
		return false
	}
	for _, phi := range exit.Phis() {
		for _, in := range phi.Args {
			if in.Block == latch && latch.UniquePred() == nil {
				return false
			}
		}
	}
	return true
}

// innerLatchPHIsSupported rejects LCSSA phis of a nested loop in the inner
// latch that the latch itself consumes, unless the outer latch has a
// single predecessor.
func (lg *legality) innerLatchPHIsSupported() bool {
	if len(lg.lf.SubLoops(lg.inner)) == 0 {
		return true
	}
	outerLatch := lg.lf.Latch(lg.outer)
	if outerLatch == nil {
		return false
	}
	if outerLatch.UniquePred() != nil {
		return true
	}
	innerLatch := lg.lf.Latch(lg.inner)
	if innerLatch == nil {
		return false
	}
	for _, phi := range innerLatch.Phis() {
		for _, u := range lg.f.Uses(phi) {
			if u.Block == innerLatch {
				return false
			}
		}
	}
	return true
}
