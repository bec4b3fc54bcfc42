package ir_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackVectorOps/loopinterchange/ir"
	"github.com/BlackVectorOps/loopinterchange/ir/irtest"
)

func TestDetectLoopsOfNest(t *testing.T) {
	n := irtest.NewNest("loops", 4, 4, 4)
	dom, lf := n.Analyze()

	require.Equal(t, 3, lf.NumLoops())
	require.Len(t, lf.TopLevel, 1)

	id := lf.TopLevel[0]
	for k, lv := range n.Levels {
		require.NotEqual(t, ir.NoLoop, id, "level %d", k)
		assert.Equal(t, lv.Header, lf.Header(id))
		assert.Equal(t, k+1, lf.Depth(id))
		assert.Equal(t, lv.Latch, lf.Latch(id))
		assert.Equal(t, lv.Preheader, lf.LoopPredecessor(id))
		assert.Equal(t, lv.Preheader, lf.Preheader(id))
		assert.Equal(t, lv.Latch, lf.ExitingBlock(id))
		assert.Equal(t, lv.Exit, lf.ExitBlock(id))
		assert.Equal(t, 1, lf.NumBackEdges(id))
		assert.True(t, lf.ContainsValue(id, lv.IV))
		assert.False(t, lf.Contains(id, lv.Preheader))
		assert.False(t, lf.Contains(id, lv.Exit))

		subs := lf.SubLoops(id)
		if k == len(n.Levels)-1 {
			assert.Empty(t, subs)
			break
		}
		require.Len(t, subs, 1)
		assert.Equal(t, id, lf.Parent(subs[0]))
		assert.True(t, lf.ContainsLoop(id, subs[0]))
		assert.False(t, lf.ContainsLoop(subs[0], id))
		id = subs[0]
	}

	innermost := lf.LoopFor(n.Body)
	assert.Equal(t, n.Levels[2].Header, lf.Header(innermost))
	assert.True(t, lf.IsLoopInvariant(innermost, n.IV(0)))
	assert.False(t, lf.IsLoopInvariant(innermost, n.IV(2)))
	assert.True(t, lf.IsLoopInvariant(innermost, n.Levels[2].Bound))
	assert.Equal(t, ir.NoLoop, lf.LoopFor(n.Return))
	require.NoError(t, lf.Verify(dom))

	lines := strings.Split(strings.TrimSpace(lf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "  loop "+n.Levels[1].Header.String()+":"))
}

func TestLoopShapeQueriesOnIrregularLoop(t *testing.T) {
	// entry -(c)-> a | b; a, b -> h; h -(c)-> h | b2; b2 -> h | ret
	f := ir.NewFunc("irregular")
	entry := f.NewBlock("entry")
	a := f.NewBlock("a")
	b := f.NewBlock("b")
	h := f.NewBlock("h")
	b2 := f.NewBlock("b2")
	ret := f.NewBlock("ret")
	c := f.NewParam("c", irtest.Bool)

	entry.SetIf(c, a, b)
	a.SetPlain(h)
	b.SetPlain(h)
	h.SetIf(c, h, b2)
	b2.SetIf(c, h, ret)
	ret.SetReturn(nil)

	dom := ir.NewDomTree(f)
	lf := ir.DetectLoops(f, dom)
	require.Equal(t, 1, lf.NumLoops())
	id := lf.TopLevel[0]

	assert.Equal(t, 2, lf.NumBackEdges(id))
	assert.Nil(t, lf.Latch(id))
	assert.Nil(t, lf.LoopPredecessor(id))
	assert.Nil(t, lf.Preheader(id))
	assert.Equal(t, b2, lf.ExitingBlock(id))
	assert.Equal(t, []*ir.Block{ret}, lf.ExitBlocks(id))
	require.NoError(t, lf.Verify(dom))
}

func TestLoopForestVerifyDetectsDrift(t *testing.T) {
	n := irtest.NewNest("drift", 4, 4)
	dom, lf := n.Analyze()
	inner := lf.LoopFor(n.Body)

	lf.RemoveBlockFromLoop(inner, n.Levels[1].Latch)
	assert.Error(t, lf.Verify(dom))

	lf.AddBlockEntry(inner, n.Levels[1].Latch)
	assert.NoError(t, lf.Verify(dom))
}

func TestLoopForestRestructure(t *testing.T) {
	n := irtest.NewNest("swap", 4, 4)
	_, lf := n.Analyze()
	outer := lf.TopLevel[0]
	inner := lf.SubLoops(outer)[0]

	lf.RemoveChild(outer, inner)
	assert.Equal(t, ir.NoLoop, lf.Parent(inner))
	assert.Empty(t, lf.SubLoops(outer))

	lf.ChangeTopLevel(outer, inner)
	lf.AddChild(inner, outer)
	assert.Equal(t, []ir.LoopID{inner}, lf.TopLevel)
	assert.Equal(t, inner, lf.Parent(outer))
	assert.Equal(t, 2, lf.Depth(outer))

	// Blocks keep their innermost loop until moved explicitly.
	b := n.F.NewBlock("extra")
	lf.AddBlockToLoop(b, outer)
	assert.Equal(t, outer, lf.LoopFor(b))
	assert.True(t, lf.Contains(inner, b))
	lf.ChangeLoopFor(b, inner)
	assert.Equal(t, inner, lf.LoopFor(b))
}
