package interchange

import (
	"fmt"
	"slices"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// Phase is one step of the interchange transform.
type Phase uint8

const (
	// PhaseSplitInnerLatch gives the inner loop a latch holding only the
	// exit condition and the induction updates.
	PhaseSplitInnerLatch Phase = iota
	// PhaseSplitInnerHeader leaves only phis in the inner header.
	PhaseSplitInnerHeader
	// PhaseHoistInnerPreheader moves the inner preheader's instructions
	// into the outer header.
	PhaseHoistInnerPreheader
	// PhaseRetargetBranches rewires the CFG so the loops trade places.
	PhaseRetargetBranches
	// PhaseRestructureLoops updates the loop forest.
	PhaseRestructureLoops
	// PhaseRelocatePHIs moves exit and reduction phis to their new blocks.
	PhaseRelocatePHIs
	// PhaseSwapPreheaders exchanges the preheader contents.
	PhaseSwapPreheaders
	// PhaseDropNoWrapFlags clears overflow flags of reassociated reductions.
	PhaseDropNoWrapFlags
)

var phaseNames = [...]string{
	PhaseSplitInnerLatch:     "SplitInnerLatch",
	PhaseSplitInnerHeader:    "SplitInnerHeader",
	PhaseHoistInnerPreheader: "HoistInnerPreheader",
	PhaseRetargetBranches:    "RetargetBranches",
	PhaseRestructureLoops:    "RestructureLoops",
	PhaseRelocatePHIs:        "RelocatePHIs",
	PhaseSwapPreheaders:      "SwapPreheaders",
	PhaseDropNoWrapFlags:     "DropNoWrapFlags",
}

func (ph Phase) String() string {
	if int(ph) < len(phaseNames) {
		return phaseNames[ph]
	}
	return fmt.Sprintf("Phase(%d)", ph)
}

// PhaseObserver is called after every completed transform phase.
type PhaseObserver func(Phase, *Analyses)

// transform interchanges a legal (outer, inner) pair in place.
type transform struct {
	*pairContext
	lg      *legality
	observe PhaseObserver
	// changed is set once the first phase has rewritten the IR.
	changed bool
}

// blockLinks are the blocks the branch rewiring touches, captured before
// the CFG changes.
type blockLinks struct {
	outerPH, innerPH         *ir.Block
	outerHeader, innerHeader *ir.Block
	outerLatch, innerLatch   *ir.Block
	innerLatchSucc           *ir.Block
	outerLatchSucc           *ir.Block
}

func (t *transform) done(ph Phase) {
	t.log.Debug().Stringer("phase", ph).Msg("transform phase done")
	if t.observe != nil {
		t.observe(ph, t.a)
	}
}

// run applies every phase in order. It returns false when the pair is
// left alone, or when a phase found the IR in an unexpected state; in the
// latter case t.changed tells whether anything was already rewritten.
func (t *transform) run() bool {
	if !t.feasible() {
		t.log.Debug().Msg("loop nest does not have the shape the transform expects")
		return false
	}
	if len(t.lf.SubLoops(t.inner)) == 0 {
		t.splitInnerLatch()
		t.done(PhaseSplitInnerLatch)
	}

	t.splitInnerHeader()
	t.done(PhaseSplitInnerHeader)

	t.hoistInnerPreheader()
	t.done(PhaseHoistInnerPreheader)

	k, ok := t.retargetBranches()
	if !ok {
		return false
	}
	t.done(PhaseRetargetBranches)

	t.restructureLoops(t.outer, t.inner, k.innerPH, k.outerPH)
	t.done(PhaseRestructureLoops)

	t.relocatePHIs(k)
	t.done(PhaseRelocatePHIs)

	// The inner preheader used to run once per outer iteration; its
	// contents now run once per new outer iteration and vice versa.
	swapBlockContents(k.outerPH, k.innerPH)
	t.done(PhaseSwapPreheaders)

	for _, v := range t.lg.noWrapReductions {
		v.Flags &^= ir.FlagNoSignedWrap | ir.FlagNoUnsignedWrap
	}
	t.done(PhaseDropNoWrapFlags)
	return true
}

// feasible checks, before any rewrite, that the phases will find the
// blocks and edges they rewire.
func (t *transform) feasible() bool {
	lf := t.lf
	splitLatch := len(lf.SubLoops(t.inner)) == 0
	if splitLatch && len(t.lg.innerInductions) == 0 {
		return false
	}
	outerPH, innerPH := lf.Preheader(t.outer), lf.Preheader(t.inner)
	outerLatch, innerLatch := lf.Latch(t.outer), lf.Latch(t.inner)
	if outerPH == nil || innerPH == nil || outerLatch == nil || innerLatch == nil {
		return false
	}
	if outerLatch.Kind != ir.BlockIf || innerLatch.Kind != ir.BlockIf {
		return false
	}

	outerHeader, innerHeader := lf.Header(t.outer), lf.Header(t.inner)
	if !outerHeader.IsBranch() {
		return false
	}
	// A preheader with phis or several predecessors is replaced by a new
	// one entered from it.
	outerPred := outerPH.UniquePred()
	if len(outerPH.Phis()) > 0 || outerPred == nil {
		outerPred = outerPH
	}
	if !outerPred.IsBranch() {
		return false
	}
	if innerPH != outerHeader && !outerHeader.HasSucc(innerPH) {
		return false
	}

	// The inner header ends up with a single successor: the block split
	// off its non-phi values, the new latch, or its own.
	splitHeader := innerHeader.FirstNonPhi() != len(innerHeader.Values)
	if !splitHeader && !(splitLatch && innerHeader == innerLatch) {
		if !innerHeader.IsBranch() || innerHeader.UniqueSucc() == nil {
			return false
		}
	}
	if !splitLatch {
		if p := innerLatch.UniquePred(); p == nil || !p.IsBranch() {
			return false
		}
	}
	return true
}

// splitInnerLatch splits the inner latch before its terminator and
// recomputes the exit condition and induction updates in the new latch.
func (t *transform) splitInnerLatch() {
	inductions := t.lg.innerInductions
	innerPH := t.lf.Preheader(t.inner)
	var indexVars []*ir.Value
	for _, phi := range inductions {
		for i, in := range phi.Args {
			if phi.Incoming[i] != innerPH && in.IsInstr() {
				indexVars = append(indexVars, in)
				break
			}
		}
	}

	latch := t.lf.Latch(t.inner)
	newLatch := ir.SplitBlock(latch, len(latch.Values), latch.Name+".split", t.dom, t.lf)
	t.changed = true

	var work []*ir.Value
	queued := make(map[*ir.Value]bool)
	push := func(v *ir.Value) {
		if !queued[v] {
			queued[v] = true
			work = append(work, v)
		}
	}
	i := 0
	moveQueued := func() {
		for ; i < len(work); i++ {
			orig := work[i]
			clone := t.f.CloneValue(orig)
			clone.Name = orig.Name
			newLatch.InsertValue(clone, newLatch.FirstNonPhi())
			if clone.MayHaveSideEffects() {
				t.log.Debug().Str("value", orig.LongString()).Msg("duplicating an instruction with side effects into the inner latch")
			}
			for _, u := range t.f.Uses(orig) {
				if u.User == clone {
					continue
				}
				if !t.lf.Contains(t.inner, u.Block) || u.Block == newLatch || slices.Contains(inductions, u.User) {
					u.Set(clone)
				}
			}
			for _, op := range orig.Args {
				if !op.IsInstr() || t.lf.LoopFor(op.Block) != t.inner || slices.Contains(inductions, op) {
					continue
				}
				push(op)
			}
		}
	}

	if cond := newLatch.Control; cond != nil && cond.IsInstr() {
		push(cond)
	}
	moveQueued()
	for _, v := range indexVars {
		push(v)
	}
	moveQueued()
}

func (t *transform) splitInnerHeader() {
	h := t.lf.Header(t.inner)
	if idx := h.FirstNonPhi(); idx != len(h.Values) {
		ir.SplitBlock(h, idx, h.Name+".body", t.dom, t.lf)
		t.changed = true
	}
}

// hoistInnerPreheader moves the inner preheader's instructions to the end
// of the outer header: the inner preheader becomes the nest entry.
func (t *transform) hoistInnerPreheader() {
	innerPH := t.lf.Preheader(t.inner)
	outerHeader := t.lf.Header(t.outer)
	if innerPH == nil || innerPH == outerHeader {
		return
	}
	for _, v := range slices.Clone(innerPH.Values[innerPH.FirstNonPhi():]) {
		v.MoveToEnd(outerHeader)
		t.changed = true
	}
}

// updateSuccessor redirects b's edges to old towards new and records the
// dominator updates. It reports whether an edge changed.
func updateSuccessor(b, old, new *ir.Block, updates *[]ir.DomUpdate) bool {
	if b.ReplaceSucc(old, new) == 0 {
		return false
	}
	*updates = append(*updates,
		ir.DomUpdate{Kind: ir.DomInsert, From: b, To: new},
		ir.DomUpdate{Kind: ir.DomDelete, From: b, To: old})
	return true
}

func otherSucc(b, not *ir.Block) *ir.Block {
	if b.Succs[0] == not {
		return b.Succs[1]
	}
	return b.Succs[0]
}

func (t *transform) retargetBranches() (*blockLinks, bool) {
	lf := t.lf
	k := &blockLinks{
		outerPH: lf.Preheader(t.outer),
		innerPH: lf.Preheader(t.inner),
	}
	if k.outerPH == nil || k.innerPH == nil {
		t.log.Debug().Msg("loops are not in simplified form")
		return nil, false
	}
	// Both preheaders must be phi-free blocks with a single predecessor
	// so they can be moved around.
	if len(k.outerPH.Phis()) > 0 || k.outerPH.UniquePred() == nil {
		h := lf.Header(t.outer)
		k.outerPH = ir.InsertPreheader(t.outer, h.Name+".ph", t.dom, lf)
		t.changed = true
	}
	if k.innerPH == lf.Header(t.outer) {
		h := lf.Header(t.inner)
		k.innerPH = ir.InsertPreheader(t.inner, h.Name+".ph", t.dom, lf)
		t.changed = true
	}

	k.innerHeader, k.outerHeader = lf.Header(t.inner), lf.Header(t.outer)
	k.innerLatch, k.outerLatch = lf.Latch(t.inner), lf.Latch(t.outer)
	if k.innerLatch == nil || k.outerLatch == nil {
		return nil, false
	}
	outerPred := k.outerPH.UniquePred()
	innerLatchPred := k.innerLatch.UniquePred()
	if outerPred == nil || innerLatchPred == nil ||
		k.outerLatch.Kind != ir.BlockIf || k.innerLatch.Kind != ir.BlockIf ||
		!k.outerHeader.IsBranch() || !k.innerHeader.IsBranch() ||
		!outerPred.IsBranch() || !innerLatchPred.IsBranch() {
		t.log.Debug().Msg("unexpected terminators around the loop nest")
		return nil, false
	}
	innerHeaderSucc := k.innerHeader.UniqueSucc()
	if innerHeaderSucc == nil {
		return nil, false
	}

	t.changed = true
	var updates []ir.DomUpdate
	missing := 0
	retarget := func(b, old, new *ir.Block) {
		if !updateSuccessor(b, old, new, &updates) {
			missing++
			t.log.Debug().Stringer("block", b).Stringer("old", old).Stringer("new", new).Msg("expected a successor to be updated")
		}
	}

	retarget(outerPred, k.outerPH, k.innerPH)
	// The outer header may branch straight to the outer latch; it reaches
	// the inner latch instead.
	if k.outerHeader.HasSucc(k.outerLatch) {
		retarget(k.outerHeader, k.outerLatch, k.innerLatch)
	}
	retarget(k.outerHeader, k.innerPH, innerHeaderSucc)
	innerHeaderSucc.ReplacePhiUsesWith(k.innerHeader, k.outerHeader)
	retarget(k.innerHeader, innerHeaderSucc, k.outerPH)

	k.innerLatchSucc = otherSucc(k.innerLatch, k.innerHeader)
	retarget(innerLatchPred, k.innerLatch, k.innerLatchSucc)

	k.outerLatchSucc = otherSucc(k.outerLatch, k.outerHeader)
	retarget(k.innerLatch, k.innerLatchSucc, k.outerLatchSucc)
	retarget(k.outerLatch, k.outerLatchSucc, k.innerLatch)

	if err := t.dom.ApplyUpdates(updates); err != nil {
		t.log.Debug().Err(err).Msg("dominator tree update failed")
		t.dom.Recalculate()
	}
	return k, missing == 0
}

// restructureLoops swaps the levels of newInner (the old outer loop) and
// newOuter (the old inner loop) in the forest.
func (t *transform) restructureLoops(newInner, newOuter ir.LoopID, origInnerPH, origOuterPH *ir.Block) {
	lf := t.lf
	parent := lf.Parent(newInner)

	// The old inner preheader now enters the whole nest.
	lf.RemoveBlockFromLoop(newInner, origInnerPH)
	lf.ChangeLoopFor(origInnerPH, parent)

	lf.RemoveChild(newInner, newOuter)
	if parent != ir.NoLoop {
		lf.RemoveChild(parent, newInner)
		lf.AddChild(parent, newOuter)
	} else {
		lf.ChangeTopLevel(newInner, newOuter)
	}
	for _, c := range slices.Clone(lf.SubLoops(newOuter)) {
		lf.RemoveChild(newOuter, c)
		lf.AddChild(newInner, c)
	}
	lf.AddChild(newOuter, newInner)

	origInnerBlocks := slices.Clone(lf.Loop(newOuter).Blocks)
	for _, b := range slices.Clone(lf.Loop(newInner).Blocks) {
		if lf.LoopFor(b) == newInner {
			lf.AddBlockEntry(newOuter, b)
		}
	}

	outerHeader := lf.Header(newOuter)
	outerLatch := lf.Latch(newOuter)
	for _, b := range origInnerBlocks {
		if lf.LoopFor(b) != newOuter {
			continue
		}
		if b == outerHeader || b == outerLatch {
			lf.RemoveBlockFromLoop(newInner, b)
		} else {
			lf.ChangeLoopFor(b, newInner)
		}
	}

	lf.AddBlockEntry(newOuter, origOuterPH)
	lf.ChangeLoopFor(origOuterPH, newOuter)

	t.se.Forget()
}

func (t *transform) relocatePHIs(k *blockLinks) {
	t.moveLCSSAPhis(k.innerLatchSucc, k.innerHeader, k.innerLatch, k.outerLatch, t.lf.ExitBlock(t.inner))

	// The nest exit is now reached from the old inner latch.
	k.outerLatchSucc.ReplacePhiUsesWith(k.outerLatch, k.innerLatch)

	var innerPhis, outerPhis []*ir.Value
	for _, phi := range k.innerHeader.Phis() {
		if t.lg.outerInnerReductions[phi] {
			innerPhis = append(innerPhis, phi)
		}
	}
	for _, phi := range k.outerHeader.Phis() {
		if t.lg.outerInnerReductions[phi] {
			outerPhis = append(outerPhis, phi)
		}
	}
	// Reductions spanning both loops trade headers; only their incoming
	// blocks need updating.
	for _, phi := range outerPhis {
		phi.MoveTo(k.innerHeader, k.innerHeader.FirstNonPhi())
	}
	for _, phi := range innerPhis {
		phi.MoveTo(k.outerHeader, k.outerHeader.FirstNonPhi())
	}
	k.outerHeader.ReplacePhiUsesWith(k.innerPH, k.outerPH)
	k.outerHeader.ReplacePhiUsesWith(k.innerLatch, k.outerLatch)
	k.innerHeader.ReplacePhiUsesWith(k.outerPH, k.innerPH)
	k.innerHeader.ReplacePhiUsesWith(k.outerLatch, k.innerLatch)

	// Values of the old outer header used in the old inner latch now
	// escape the new inner loop.
	ir.FormLCSSAForInstructions(slices.Clone(k.outerHeader.Values), t.dom, t.lf)
}

// moveLCSSAPhis fixes the LCSSA phis of the old inner exit and of the nest
// exit after the branches were rewired. outerExit may be nil.
func (t *transform) moveLCSSAPhis(innerExit, innerHeader, innerLatch, outerLatch, outerExit *ir.Block) {
	// Phis of values from the old inner header or latch: those blocks now
	// belong to the new outer loop, so the phi is not needed.
	for _, p := range slices.Clone(innerExit.Phis()) {
		in := p.IncomingFor(innerLatch)
		if in == nil || !in.IsInstr() {
			continue
		}
		src := followLCSSA(in)
		if src.Block != innerLatch && src.Block != innerHeader {
			continue
		}
		t.f.ReplaceAllUsesWith(p, in)
		innerExit.RemoveValue(p)
	}

	exitPhis := slices.Clone(innerExit.Phis())
	latchPhis := slices.Clone(innerLatch.Phis())
	// The old inner latch is the new inner loop's exit.
	for _, p := range exitPhis {
		p.MoveTo(innerLatch, innerLatch.FirstNonPhi())
	}
	// LCSSA phis of a child loop follow the new inner latch.
	for _, p := range latchPhis {
		p.MoveTo(innerExit, innerExit.FirstNonPhi())
	}

	if outerExit != nil {
		for _, p := range outerExit.Phis() {
			if len(p.Args) != 1 {
				continue
			}
			in := p.Args[0]
			if !in.IsInstr() || t.lf.LoopFor(in.Block) == t.inner {
				continue
			}
			np := t.f.CloneValue(p)
			np.Name = p.Name
			np.Incoming[0] = outerLatch
			for _, pred := range innerLatch.Preds {
				if pred != outerLatch {
					np.AddIncoming(in, pred)
				}
			}
			innerLatch.InsertValue(np, innerLatch.FirstNonPhi())
			p.Args[0] = np
		}
	}

	innerLatch.ReplacePhiUsesWith(innerLatch, outerLatch)
}

// swapBlockContents exchanges the instructions of a and b, keeping the
// terminators in place.
func swapBlockContents(a, b *ir.Block) {
	av := slices.Clone(a.Values)
	for _, v := range av {
		a.RemoveValue(v)
	}
	for _, v := range slices.Clone(b.Values) {
		v.MoveToEnd(a)
	}
	for _, v := range av {
		b.InsertValue(v, len(b.Values))
	}
}
