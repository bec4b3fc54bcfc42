package interchange

import (
	"go/constant"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackVectorOps/loopinterchange/ir"
	"github.com/BlackVectorOps/loopinterchange/ir/irtest"
)

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "RetargetBranches", PhaseRetargetBranches.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}

func TestTransformPhases(t *testing.T) {
	n, _ := columnNest("phases")
	var phases []Phase
	observe := func(ph Phase, a *Analyses) {
		phases = append(phases, ph)
		if ph >= PhaseRetargetBranches {
			assert.NoError(t, a.Dom.Verify(), "dominators after %s", ph)
		}
		if ph >= PhaseRestructureLoops {
			assert.NoError(t, a.Loops.Verify(a.Dom), "loops after %s", ph)
		}
	}
	_, changed := runPass(t, n.F, DefaultOptions(), WithPhaseObserver(observe))
	require.True(t, changed)

	want := []Phase{
		PhaseSplitInnerLatch,
		PhaseSplitInnerHeader,
		PhaseHoistInnerPreheader,
		PhaseRetargetBranches,
		PhaseRestructureLoops,
		PhaseRelocatePHIs,
		PhaseSwapPreheaders,
		PhaseDropNoWrapFlags,
	}
	assert.Equal(t, want, phases)
}

func TestTransformSplitsInnerLatch(t *testing.T) {
	n, _ := columnNest("split")
	inner := n.Levels[1]
	var seen bool
	observe := func(ph Phase, a *Analyses) {
		if ph != PhaseSplitInnerLatch {
			return
		}
		seen = true
		latch := a.Loops.Latch(a.Loops.LoopFor(inner.Header))
		require.NotNil(t, latch)
		assert.NotEqual(t, inner.Latch, latch)
		assert.Equal(t, inner.Latch, latch.UniquePred())
		// The new latch recomputes the exit test and the induction update.
		require.Len(t, latch.Values, 2)
		assert.Equal(t, ir.OpAdd, latch.Values[0].Op)
		assert.Equal(t, latch.Values[1], latch.Control)
		assert.Same(t, latch.Values[0], latch.Control.Args[0])
	}
	_, changed := runPass(t, n.F, DefaultOptions(), WithPhaseObserver(observe))
	require.True(t, changed)
	assert.True(t, seen)
}

func TestTransformDropsNoWrapFlagsOfReductions(t *testing.T) {
	n := irtest.NewNest("nowrap", 64, 64)
	a := n.Global("A", irtest.Int, 64, 64)
	ld := n.Load(a, n.IV(1), n.IV(0))
	phi, _ := n.Reduction("s", ld)
	var acc *ir.Value
	for _, v := range n.Body.Values {
		if v.Op == ir.OpAdd && len(v.Args) == 2 && v.Args[0] == phi {
			acc = v
		}
	}
	require.NotNil(t, acc)
	acc.Flags |= ir.FlagNoSignedWrap

	_, changed := runPass(t, n.F, DefaultOptions())
	require.True(t, changed)
	assert.Zero(t, acc.Flags&(ir.FlagNoSignedWrap|ir.FlagNoUnsignedWrap))
	require.NoError(t, ir.Verify(n.F))
}

func TestTransformMovesInnerPreheaderCode(t *testing.T) {
	// An invariant offset computed in the inner preheader must still
	// dominate its use after the preheaders trade places.
	n, _ := columnNest("preheader")
	inner := n.Levels[1]
	off := inner.Preheader.NewValue(ir.OpAdd, n.IV(0), n.F.ConstInt(irtest.Int, 0))
	off.Type = irtest.Int
	b := n.Global("B", irtest.Float64, 64, 64)
	n.Store(n.F.Const(irtest.Float64, constant.MakeFloat64(0)), b, n.IV(1), off)

	_, changed := runPass(t, n.F, DefaultOptions())
	require.True(t, changed)
	require.NoError(t, ir.Verify(n.F))
}

func TestTransformRejectsUnexpectedShapeBeforeRewriting(t *testing.T) {
	n, _ := columnNest("detour")
	outer, inner := n.Levels[0], n.Levels[1]
	// The outer header reaches the inner preheader through an extra block.
	ir.SplitEdge(outer.Header, inner.Preheader, "detour", nil, nil)

	pc, _ := innermostPair(t, n.F)
	lg := newLegality(pc)
	require.True(t, lg.findInductions(pc.inner))

	before := n.F.String()
	tr := &transform{pairContext: pc, lg: lg}
	assert.False(t, tr.run())
	assert.False(t, tr.changed)
	assert.Equal(t, before, n.F.String())
	require.NoError(t, ir.Verify(n.F))
}

func TestTransformMarksRewrittenNest(t *testing.T) {
	n, _ := columnNest("marked")
	pc, _ := innermostPair(t, n.F)
	lg := newLegality(pc)
	require.True(t, lg.findInductions(pc.inner))

	tr := &transform{pairContext: pc, lg: lg}
	require.True(t, tr.run())
	assert.True(t, tr.changed)
}
