package analysis_test

import (
	"go/types"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/ir"
	"github.com/BlackVectorOps/loopinterchange/ir/irtest"
)

func TestPathOfArray(t *testing.T) {
	n := irtest.NewNest("path", 8, 8)
	a := n.Global("A", irtest.Float64, 8, 8)
	ld := n.Load(a, n.IV(1), n.IV(0))
	st := n.Store(ld, a, n.IV(0), n.IV(1))

	p := analysis.PathOf(ld, analysis.AccessOptions{})
	require.NotNil(t, p)
	assert.Equal(t, a, p.Root)
	assert.Equal(t, []*ir.Value{n.IV(1), n.IV(0)}, p.Subs)
	assert.Equal(t, []int64{-1, -1}, p.Fields)
	assert.Equal(t, ld.Args[0], p.Addrs[1])
	assert.Equal(t, 2, p.Depth())
	assert.True(t, types.Identical(irtest.Float64, p.Elem))

	assert.Equal(t, st.Args[0], analysis.PointerOperand(st))
	assert.True(t, types.Identical(irtest.Float64, analysis.AccessedType(st)))
	assert.Nil(t, analysis.PointerOperand(n.IV(0)))
	assert.Nil(t, analysis.PathOf(n.IV(0), analysis.AccessOptions{}))
}

func TestPathOfField(t *testing.T) {
	n := irtest.NewNest("field", 8)
	vec := types.NewStruct([]*types.Var{
		types.NewField(0, nil, "n", irtest.Int, false),
		types.NewField(0, nil, "v", types.NewArray(irtest.Int, 8), false),
	}, nil)
	g := n.F.NewGlobal("S", types.NewPointer(vec))
	v := fieldAddr(n, g, 1, types.NewArray(irtest.Int, 8))
	ld := n.Body.NewValue(ir.OpLoad, irtest.AddrIn(n.Body, v, n.IV(0)))
	ld.Type = irtest.Int

	p := analysis.PathOf(ld, analysis.AccessOptions{})
	assert.Equal(t, g, p.Root)
	assert.Equal(t, []*ir.Value{nil, n.IV(0)}, p.Subs)
	assert.Equal(t, []int64{1, -1}, p.Fields)
}

func TestPathOfRowsOfSlice(t *testing.T) {
	n := irtest.NewNest("rows", 8, 8)
	row := types.NewSlice(irtest.Float64)
	s := n.F.NewParam("s", types.NewSlice(row))

	rowAddr := n.Body.NewValue(ir.OpIndexAddr, s, n.IV(0))
	rowAddr.Type = types.NewPointer(row)
	r := n.Body.NewValue(ir.OpLoad, rowAddr)
	r.Type = row
	elem := n.Body.NewValue(ir.OpIndexAddr, r, n.IV(1))
	elem.Type = types.NewPointer(irtest.Float64)
	ld := n.Body.NewValue(ir.OpLoad, elem)
	ld.Type = irtest.Float64

	p := analysis.PathOf(ld, analysis.AccessOptions{})
	assert.Equal(t, r, p.Root, "a loaded row is an opaque base")
	assert.Equal(t, []*ir.Value{n.IV(1)}, p.Subs)

	p = analysis.PathOf(ld, analysis.AccessOptions{AssumeDisjointRows: true})
	assert.Equal(t, s, p.Root)
	assert.Equal(t, []*ir.Value{n.IV(0), n.IV(1)}, p.Subs)

	r.Flags |= ir.FlagVolatile
	p = analysis.PathOf(ld, analysis.AccessOptions{AssumeDisjointRows: true})
	assert.Equal(t, r, p.Root)
}

func TestPathOfLooksThroughPointerCopies(t *testing.T) {
	n := irtest.NewNest("copy", 8)
	a := n.Global("A", irtest.Int, 8)
	c := n.Body.NewValue(ir.OpCopy, a)
	c.Type = a.Type
	ld := n.Load(c, n.IV(0))

	p := analysis.PathOf(ld, analysis.AccessOptions{})
	assert.Equal(t, a, p.Root)
	assert.Equal(t, []*ir.Value{n.IV(0)}, p.Subs)
}
