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

func dependenceInfo(n *irtest.Nest) *analysis.DependenceInfo {
	se, _ := analyze(n)
	return analysis.NewDependenceInfo(se, analysis.AccessOptions{})
}

func directions(d *analysis.Dependence) []analysis.Direction {
	var dirs []analysis.Direction
	for _, e := range d.Entries {
		dirs = append(dirs, e.Dir)
	}
	return dirs
}

func TestDependsSameElement(t *testing.T) {
	n := irtest.NewNest("same", 64, 64)
	a := n.Global("A", irtest.Float64, 64, 64)
	ld := n.Load(a, n.IV(0), n.IV(1))
	st := n.Store(n.Add(ld, ld), a, n.IV(0), n.IV(1))
	di := dependenceInfo(n)

	d := di.Depends(ld, st)
	require.NotNil(t, d)
	assert.Equal(t, analysis.DepAnti, d.Kind)
	assert.False(t, d.Confused)
	assert.Equal(t, []analysis.Direction{analysis.DirEQ, analysis.DirEQ}, directions(d))
	for _, e := range d.Entries {
		assert.True(t, e.HasDistance)
		assert.Zero(t, e.Distance)
	}
	assert.False(t, d.IsDirectionNegative())
	assert.True(t, d.IsOrdered())
	assert.Equal(t, "anti [0 0] "+ld.String()+" -> "+st.String(), d.String())

	d = di.Depends(st, st)
	require.NotNil(t, d)
	assert.Equal(t, analysis.DepOutput, d.Kind)
}

func TestDependsCarriedByInnerLoop(t *testing.T) {
	n := irtest.NewNest("shift", 64, 65)
	a := n.Global("A", irtest.Float64, 64, 65)
	ld := n.Load(a, n.IV(0), n.IV(1))
	st := n.Store(ld, a, n.IV(0), n.Offset(n.IV(1), 1))
	se, loops := analyze(n)
	di := analysis.NewDependenceInfo(se, analysis.AccessOptions{})

	d := di.Depends(ld, st)
	require.NotNil(t, d)
	assert.Equal(t, loops, d.Loops)
	assert.Equal(t, []analysis.Direction{analysis.DirEQ, analysis.DirGT}, directions(d))
	assert.Equal(t, int64(-1), d.Entries[1].Distance)
	assert.True(t, d.IsDirectionNegative())

	require.True(t, d.Normalize())
	assert.Equal(t, st, d.Src)
	assert.Equal(t, ld, d.Dst)
	assert.Equal(t, analysis.DepFlow, d.Kind)
	assert.Equal(t, []analysis.Direction{analysis.DirEQ, analysis.DirLT}, directions(d))
	assert.Equal(t, int64(1), d.Entries[1].Distance)
	assert.False(t, d.Normalize(), "already normalized")
}

func TestDependsIndependent(t *testing.T) {
	tests := []struct {
		name  string
		build func(n *irtest.Nest) (src, dst *ir.Value)
	}{
		{
			name: "distinct globals",
			build: func(n *irtest.Nest) (*ir.Value, *ir.Value) {
				a := n.Global("A", irtest.Float64, 64, 128)
				b := n.Global("B", irtest.Float64, 64, 128)
				ld := n.Load(a, n.IV(0), n.IV(1))
				return ld, n.Store(ld, b, n.IV(0), n.IV(1))
			},
		},
		{
			name: "different constant rows",
			build: func(n *irtest.Nest) (*ir.Value, *ir.Value) {
				a := n.Global("A", irtest.Float64, 64, 128)
				ld := n.Load(a, n.F.ConstInt(irtest.Int, 0), n.IV(1))
				return ld, n.Store(ld, a, n.F.ConstInt(irtest.Int, 1), n.IV(1))
			},
		},
		{
			name: "distance beyond the trip count",
			build: func(n *irtest.Nest) (*ir.Value, *ir.Value) {
				a := n.Global("A", irtest.Float64, 64, 128)
				ld := n.Load(a, n.IV(0), n.IV(1))
				return ld, n.Store(ld, a, n.IV(0), n.Offset(n.IV(1), 64))
			},
		},
		{
			name: "gcd",
			build: func(n *irtest.Nest) (*ir.Value, *ir.Value) {
				a := n.Global("A", irtest.Float64, 64, 512)
				two := n.Body.NewValue(ir.OpMul, n.IV(1), n.F.ConstInt(irtest.Int, 2))
				two.Type = irtest.Int
				four := n.Body.NewValue(ir.OpMul, n.IV(1), n.F.ConstInt(irtest.Int, 4))
				four.Type = irtest.Int
				ld := n.Load(a, n.IV(0), two)
				return ld, n.Store(ld, a, n.IV(0), n.Offset(four, 1))
			},
		},
		{
			name: "unrelated element types",
			build: func(n *irtest.Nest) (*ir.Value, *ir.Value) {
				p := n.F.NewParam("p", types.NewPointer(types.NewArray(irtest.Int, 128)))
				a := n.Global("A", irtest.Float64, 64, 128)
				ld := n.Load(a, n.IV(0), n.IV(1))
				return ld, n.Store(n.IV(1), p, n.IV(1))
			},
		},
		{
			name: "different fields",
			build: func(n *irtest.Nest) (*ir.Value, *ir.Value) {
				pt := types.NewStruct([]*types.Var{
					types.NewField(0, nil, "x", irtest.Float64, false),
					types.NewField(0, nil, "y", irtest.Float64, false),
				}, nil)
				g := n.Global("P", pt, 128)
				x := fieldAddr(n, n.Addr(g, n.IV(1)), 0, irtest.Float64)
				y := fieldAddr(n, n.Addr(g, n.IV(1)), 1, irtest.Float64)
				ld := n.Body.NewValue(ir.OpLoad, x)
				ld.Type = irtest.Float64
				return ld, n.Body.NewValue(ir.OpStore, y, ld)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := irtest.NewNest("indep", 64, 64)
			src, dst := tt.build(n)
			assert.Nil(t, dependenceInfo(n).Depends(src, dst))
		})
	}
}

func TestDependsConfused(t *testing.T) {
	n := irtest.NewNest("confused", 64, 64)
	p := n.F.NewParam("p", types.NewPointer(types.NewArray(irtest.Float64, 64)))
	a := n.Global("A", irtest.Float64, 64, 64)
	ld := n.Load(a, n.IV(0), n.IV(1))
	st := n.Store(ld, p, n.IV(1))

	d := dependenceInfo(n).Depends(ld, st)
	require.NotNil(t, d)
	assert.True(t, d.Confused)
	assert.Contains(t, d.String(), "confused")
}

func TestDependsSymbolicOffset(t *testing.T) {
	n := irtest.NewNest("symoff", 64, 64)
	k := n.F.NewParam("k", irtest.Int)
	a := n.Global("A", irtest.Float64, 64, 128)
	ld := n.Load(a, n.IV(0), n.IV(1))
	st := n.Store(ld, a, n.IV(0), n.Add(n.IV(1), k))

	d := dependenceInfo(n).Depends(ld, st)
	require.NotNil(t, d)
	assert.Equal(t, []analysis.Direction{analysis.DirEQ, analysis.DirAll}, directions(d))
	assert.False(t, d.Entries[1].HasDistance)
	assert.Equal(t, "*", d.Entries[1].Dir.String())
}

func TestDependsIgnoresNonMemory(t *testing.T) {
	n := irtest.NewNest("nomem", 8, 8)
	a := n.Global("A", irtest.Int, 8, 8)
	ld := n.Load(a, n.IV(0), n.IV(1))
	di := dependenceInfo(n)

	assert.Nil(t, di.Depends(n.IV(0), ld))
	d := di.Depends(ld, ld)
	require.NotNil(t, d)
	assert.Equal(t, analysis.DepInput, d.Kind)
	assert.False(t, d.IsOrdered())
}

func TestDirectionString(t *testing.T) {
	for d, want := range map[analysis.Direction]string{
		analysis.DirLT:  "<",
		analysis.DirEQ:  "=",
		analysis.DirGT:  ">",
		analysis.DirLE:  "<=",
		analysis.DirGE:  ">=",
		analysis.DirNE:  "!=",
		analysis.DirAll: "*",
	} {
		assert.Equal(t, want, d.String())
	}
	assert.Equal(t, "flow", analysis.DepFlow.String())
	assert.Equal(t, "input", analysis.DepInput.String())
}

func fieldAddr(n *irtest.Nest, base *ir.Value, field int64, typ types.Type) *ir.Value {
	v := n.Body.NewValue(ir.OpFieldAddr, base)
	v.AuxInt = field
	v.Type = types.NewPointer(typ)
	return v
}
