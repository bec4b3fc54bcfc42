package analysis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/ir"
	"github.com/BlackVectorOps/loopinterchange/ir/irtest"
)

// copyNest builds A[idx] = A[idx] + A[idx] over a 64x64 float array,
// with idx chosen from the induction variables.
func copyNest(name string, bounds []int64, idx func(n *irtest.Nest) []*ir.Value) *irtest.Nest {
	n := irtest.NewNest(name, bounds...)
	a := n.Global("A", irtest.Float64, 64, 64)
	ld := n.Load(a, idx(n)...)
	n.Store(n.Add(ld, ld), a, idx(n)...)
	return n
}

func rowMajor(n *irtest.Nest) []*ir.Value    { return []*ir.Value{n.IV(0), n.IV(1)} }
func columnMajor(n *irtest.Nest) []*ir.Value { return []*ir.Value{n.IV(1), n.IV(0)} }

func TestCacheCostRanking(t *testing.T) {
	tests := []struct {
		name   string
		bounds []int64
		idx    func(n *irtest.Nest) []*ir.Value
		params func(p *analysis.CacheCostParams)
		// want lists the costs of the outer and the inner loop.
		want [2]uint64
	}{
		{
			name:   "row major",
			bounds: []int64{64, 64},
			idx:    rowMajor,
			want:   [2]uint64{4096, 512},
		},
		{
			name:   "column major",
			bounds: []int64{64, 64},
			idx:    columnMajor,
			want:   [2]uint64{512, 4096},
		},
		{
			name:   "unknown trip count",
			bounds: []int64{0, 64},
			idx:    rowMajor,
			want:   [2]uint64{6400, 800},
		},
		{
			name:   "element as wide as a line",
			bounds: []int64{64, 64},
			idx:    rowMajor,
			params: func(p *analysis.CacheCostParams) { p.CacheLineSize = 8 },
			want:   [2]uint64{4096, 4096},
		},
		{
			name:   "invariant in the outer loop",
			bounds: []int64{64, 64},
			idx: func(n *irtest.Nest) []*ir.Value {
				return []*ir.Value{n.F.ConstInt(irtest.Int, 3), n.IV(1)}
			},
			want: [2]uint64{64, 512},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := copyNest("cost", tt.bounds, tt.idx)
			se, loops := analyze(n)
			p := analysis.DefaultCacheCostParams()
			if tt.params != nil {
				tt.params(&p)
			}

			cc, ok := analysis.ComputeCacheCost(se, loops, p)
			require.True(t, ok)
			for k, l := range loops {
				c, ok := cc.Cost(l)
				require.True(t, ok)
				assert.Equal(t, tt.want[k], c, "loop %d", k)
			}
			costs := cc.LoopCosts()
			require.Len(t, costs, 2)
			assert.GreaterOrEqual(t, costs[0].Cost, costs[1].Cost)
		})
	}
}

func TestCacheCostString(t *testing.T) {
	n := copyNest("str", []int64{64, 64}, columnMajor)
	se, loops := analyze(n)
	cc, ok := analysis.ComputeCacheCost(se, loops, analysis.DefaultCacheCostParams())
	require.True(t, ok)
	assert.Equal(t, "L1=4096 L0=512", cc.String())
}

func TestCacheCostGroupsNeighbouringRefs(t *testing.T) {
	n := irtest.NewNest("group", 64, 64)
	a := n.Global("A", irtest.Float64, 64, 72)
	ld := n.Load(a, n.IV(0), n.IV(1))
	ld2 := n.Load(a, n.IV(0), n.Offset(n.IV(1), 1))
	far := n.Load(a, n.IV(0), n.Offset(n.IV(1), 8))
	n.Store(n.Add(n.Add(ld, ld2), far), a, n.IV(0), n.IV(1))
	se, loops := analyze(n)

	cc, ok := analysis.ComputeCacheCost(se, loops, analysis.DefaultCacheCostParams())
	require.True(t, ok)
	// Two groups: A[i][j], A[i][j+1] and the store share lines; A[i][j+8]
	// starts a line of its own.
	c, _ := cc.Cost(loops[1])
	assert.Equal(t, uint64(2*512), c)
}

func TestCacheCostUnavailable(t *testing.T) {
	t.Run("no references", func(t *testing.T) {
		n := irtest.NewNest("empty", 64, 64)
		se, loops := analyze(n)
		_, ok := analysis.ComputeCacheCost(se, loops, analysis.DefaultCacheCostParams())
		assert.False(t, ok)
	})
	t.Run("non-affine subscript", func(t *testing.T) {
		n := irtest.NewNest("nonaffine", 64, 64)
		a := n.Global("A", irtest.Float64, 4096)
		prod := n.Body.NewValue(ir.OpMul, n.IV(0), n.IV(1))
		prod.Type = irtest.Int
		n.Load(a, prod)
		se, loops := analyze(n)
		_, ok := analysis.ComputeCacheCost(se, loops, analysis.DefaultCacheCostParams())
		assert.False(t, ok)
	})
	t.Run("empty nest", func(t *testing.T) {
		n := irtest.NewNest("none", 64)
		se, _ := analyze(n)
		_, ok := analysis.ComputeCacheCost(se, nil, analysis.DefaultCacheCostParams())
		assert.False(t, ok)
	})
}
