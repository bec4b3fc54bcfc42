package ir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackVectorOps/loopinterchange/ir"
	"github.com/BlackVectorOps/loopinterchange/ir/irtest"
)

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(n *irtest.Nest)
		want   string
	}{
		{
			name:   "well formed",
			mutate: func(*irtest.Nest) {},
		},
		{
			name: "phi misses a predecessor",
			mutate: func(n *irtest.Nest) {
				n.IV(0).RemoveIncomingFrom(n.Levels[0].Latch)
			},
			want: "incoming",
		},
		{
			name: "use before definition",
			mutate: func(n *irtest.Nest) {
				lv := n.Levels[1]
				n.Add(lv.IVNext, lv.IVNext)
			},
			want: "not dominated",
		},
		{
			name: "phi after instruction",
			mutate: func(n *irtest.Nest) {
				n.Add(n.IV(1), n.IV(1))
				p := n.F.NewValue(ir.OpPhi, irtest.Int)
				n.Body.InsertValue(p, len(n.Body.Values))
			},
			want: "after non-phi",
		},
		{
			name: "one-sided edge",
			mutate: func(n *irtest.Nest) {
				n.Return.Preds = nil
			},
			want: "not mirrored",
		},
		{
			name: "if without control",
			mutate: func(n *irtest.Nest) {
				n.Levels[0].Latch.Control = nil
			},
			want: "if block",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := irtest.NewNest("verify", 4, 4)
			tt.mutate(n)
			err := ir.Verify(n.F)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDeadCodeElimKeepsCallsAndStores(t *testing.T) {
	n := irtest.NewNest("dce", 4)
	dead := n.Add(n.IV(0), n.IV(0))
	call := n.Body.NewValue(ir.OpCall)
	call.Aux = &ir.Callee{Name: "math.Sqrt", Effect: ir.EffectNone}
	st := n.Store(n.IV(0), n.Global("B", irtest.Int, 4), n.IV(0))

	require.True(t, ir.DeadCodeElim(n.F))
	assert.Nil(t, dead.Block)
	assert.Equal(t, n.Body, call.Block)
	assert.Equal(t, n.Body, st.Block)
	assert.False(t, ir.DeadCodeElim(n.F))
	require.NoError(t, ir.Verify(n.F))
}

func TestRemoveUnreachable(t *testing.T) {
	n := irtest.NewNest("unreach", 4)
	lv := n.Levels[0]
	n.F.Entry.SetPlain(n.Return)
	lv.IV.RemoveIncomingFrom(n.F.Entry)

	require.True(t, n.F.RemoveUnreachable())
	assert.Equal(t, []*ir.Block{n.F.Entry, n.Return}, n.F.Blocks)
	assert.Equal(t, []*ir.Block{n.F.Entry}, n.Return.Preds)
	require.NoError(t, ir.Verify(n.F))
}

func TestReplaceAllUsesWith(t *testing.T) {
	n := irtest.NewNest("rauw", 4)
	lv := n.Levels[0]
	bound := n.F.ConstInt(irtest.Int, 16)

	n.F.ReplaceAllUsesWith(lv.Bound, bound)
	assert.Same(t, bound, lv.Cond.Args[1])
	assert.Empty(t, n.F.Uses(lv.Bound))

	n.F.ReplaceAllUsesWith(lv.Cond, n.F.NewParam("c", irtest.Bool))
	assert.NotEqual(t, lv.Cond, lv.Latch.Control)
	assert.Empty(t, n.F.Users(lv.Cond))
}

func TestFuncString(t *testing.T) {
	n := irtest.NewNest("print", 4)
	n.IV(0).Name = "i"
	s := n.F.String()
	assert.Contains(t, s, "func print()\n")
	assert.Contains(t, s, "    i = Phi")
	assert.Contains(t, s, n.Levels[0].Header.String())
}
