package ir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackVectorOps/loopinterchange/ir"
	"github.com/BlackVectorOps/loopinterchange/ir/irtest"
)

// requireWellFormed checks the function, the dominator tree and the loop
// forest at once.
func requireWellFormed(t *testing.T, f *ir.Func, dom *ir.DomTree, lf *ir.LoopForest) {
	t.Helper()
	require.NoError(t, ir.Verify(f))
	require.NoError(t, dom.Verify())
	require.NoError(t, lf.Verify(dom))
}

func TestSplitBlock(t *testing.T) {
	n := irtest.NewNest("split", 8, 8)
	dom, lf := n.Analyze()
	inner := n.Levels[1]

	nb := ir.SplitBlock(inner.Latch, 1, "latch.split", dom, lf)
	assert.Equal(t, []*ir.Value{inner.IVNext}, inner.Latch.Values)
	assert.Equal(t, []*ir.Value{inner.Cond}, nb.Values)
	assert.Equal(t, ir.BlockIf, nb.Kind)
	assert.Equal(t, nb, inner.Latch.UniqueSucc())
	assert.Equal(t, nb, lf.Latch(lf.LoopFor(n.Body)))
	assert.Equal(t, inner.IVNext, inner.IV.IncomingFor(nb))
	assert.Equal(t, lf.LoopFor(n.Body), lf.LoopFor(nb))
	requireWellFormed(t, n.F, dom, lf)
}

func TestSplitEdge(t *testing.T) {
	n := irtest.NewNest("edge", 8, 8)
	dom, lf := n.Analyze()
	outer, inner := n.Levels[0], n.Levels[1]

	nb := ir.SplitEdge(inner.Latch, inner.Exit, "exit.split", dom, lf)
	assert.Equal(t, ir.BlockPlain, nb.Kind)
	assert.Equal(t, []*ir.Block{inner.Header, nb}, inner.Latch.Succs)
	assert.Equal(t, []*ir.Block{nb}, inner.Exit.Preds)
	assert.Equal(t, outer.Header, lf.Header(lf.LoopFor(nb)), "the edge leaves the inner loop only")
	assert.Equal(t, nb, lf.ExitBlock(lf.LoopFor(n.Body)))
	requireWellFormed(t, n.F, dom, lf)
}

func TestInsertPreheaderMergesOutsideInputs(t *testing.T) {
	f := ir.NewFunc("preheader")
	entry := f.NewBlock("entry")
	a := f.NewBlock("a")
	b := f.NewBlock("b")
	h := f.NewBlock("h")
	latch := f.NewBlock("latch")
	ret := f.NewBlock("ret")
	c := f.NewParam("c", irtest.Bool)
	one, two := f.ConstInt(irtest.Int, 1), f.ConstInt(irtest.Int, 2)

	entry.SetIf(c, a, b)
	a.SetPlain(h)
	b.SetPlain(h)
	x := h.NewPhi()
	x.Type = irtest.Int
	h.SetPlain(latch)
	next := latch.NewValue(ir.OpAdd, x, one)
	next.Type = irtest.Int
	latch.SetIf(c, h, ret)
	ret.SetReturn(x)
	x.AddIncoming(one, a)
	x.AddIncoming(two, b)
	x.AddIncoming(next, latch)

	dom := ir.NewDomTree(f)
	lf := ir.DetectLoops(f, dom)
	id := lf.TopLevel[0]
	require.Nil(t, lf.Preheader(id))

	ph := ir.InsertPreheader(id, "h.ph", dom, lf)
	assert.Equal(t, ir.BlockPlain, ph.Kind)
	assert.Equal(t, ph, lf.Preheader(id))
	assert.ElementsMatch(t, []*ir.Block{ph, latch}, h.Preds)
	assert.ElementsMatch(t, []*ir.Block{a, b}, ph.Preds)
	assert.Equal(t, ir.NoLoop, lf.LoopFor(ph))

	phis := ph.Phis()
	require.Len(t, phis, 1)
	assert.Equal(t, phis[0], x.IncomingFor(ph))
	assert.Equal(t, one, phis[0].IncomingFor(a))
	assert.Equal(t, two, phis[0].IncomingFor(b))
	requireWellFormed(t, f, dom, lf)
}

func TestInsertPreheaderSharedInput(t *testing.T) {
	n := irtest.NewNest("shared", 8, 8)
	dom, lf := n.Analyze()
	inner := lf.LoopFor(n.Body)
	old := n.Levels[1].Preheader

	ph := ir.InsertPreheader(inner, "h1.ph", dom, lf)
	assert.Equal(t, ir.BlockPlain, ph.Kind)
	assert.Equal(t, ph, old.UniqueSucc())
	assert.Empty(t, ph.Phis(), "a single incoming value needs no merge phi")
	assert.Equal(t, n.F.ConstInt(irtest.Int, 0), n.IV(1).IncomingFor(ph))
	assert.Equal(t, lf.TopLevel[0], lf.LoopFor(ph))
	requireWellFormed(t, n.F, dom, lf)
}

func TestMergeIntoPred(t *testing.T) {
	n := irtest.NewNest("merge", 8, 8)
	dom, lf := n.Analyze()
	outer, inner := n.Levels[0], n.Levels[1]

	// The inner header has two predecessors.
	assert.False(t, ir.MergeIntoPred(inner.Header, lf))
	assert.False(t, ir.MergeIntoPred(n.F.Entry, lf))

	require.True(t, ir.MergeIntoPred(inner.Preheader, lf))
	assert.Equal(t, inner.Header, outer.Header.UniqueSucc())
	assert.NotContains(t, n.F.Blocks, inner.Preheader)
	assert.False(t, lf.Contains(lf.TopLevel[0], inner.Preheader))
	assert.Equal(t, outer.Header, n.IV(1).Incoming[0])

	dom.Recalculate()
	requireWellFormed(t, n.F, dom, lf)
}
