package interchange

import (
	"go/types"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/frontend"
	"github.com/BlackVectorOps/loopinterchange/ir"
	"github.com/BlackVectorOps/loopinterchange/ir/irtest"
)

// columnNest builds A[j][i] = A[j][i] + A[j][i] with i outermost, which
// walks A down its columns.
func columnNest(name string) (*irtest.Nest, *ir.Value) {
	n := irtest.NewNest(name, 64, 64)
	a := n.Global("A", irtest.Float64, 64, 64)
	ld := n.Load(a, n.IV(1), n.IV(0))
	st := n.Store(n.Add(ld, ld), a, n.IV(1), n.IV(0))
	return n, st
}

// subscriptLoop returns the loop whose recurrence drives subscript k of
// the access mem.
func subscriptLoop(t *testing.T, a *Analyses, mem *ir.Value, k int) ir.LoopID {
	t.Helper()
	path := analysis.PathOf(mem, analysis.AccessOptions{})
	require.NotNil(t, path)
	require.Greater(t, len(path.Subs), k)
	rec, ok := a.SE.SCEV(path.Subs[k]).(*analysis.SCEVAddRec)
	require.True(t, ok, "subscript %d is not a recurrence: %s", k, a.SE.SCEV(path.Subs[k]))
	return rec.Loop
}

func TestRunInterchangesColumnTraversal(t *testing.T) {
	n, st := columnNest("column")
	before := NewAnalyses(n.F, DefaultOptions())
	require.Equal(t, before.Loops.SubLoops(before.Loops.TopLevel[0])[0], subscriptLoop(t, before, st, 0))

	c, changed := runPass(t, n.F, DefaultOptions())
	require.True(t, changed)
	assert.Equal(t, []string{"Dependence", "Interchanged"}, c.Names())
	assert.Empty(t, missedRemarks(c))
	require.NoError(t, ir.Verify(n.F))

	after := NewAnalyses(n.F, DefaultOptions())
	require.NoError(t, after.Dom.Verify())
	require.Len(t, after.Loops.TopLevel, 1)
	outer := after.Loops.TopLevel[0]
	require.Len(t, after.Loops.SubLoops(outer), 1)
	inner := after.Loops.SubLoops(outer)[0]

	assert.Equal(t, n.Levels[1].Header, after.Loops.Header(outer), "the old inner loop leads the nest")
	assert.Equal(t, outer, subscriptLoop(t, after, st, 0))
	assert.Equal(t, inner, subscriptLoop(t, after, st, 1))
	for _, l := range []ir.LoopID{outer, inner} {
		tc, ok := after.SE.TripCount(l)
		require.True(t, ok)
		assert.EqualValues(t, 64, tc)
	}
}

func TestRunKeepsRowTraversal(t *testing.T) {
	n := irtest.NewNest("row", 64, 64)
	a := n.Global("A", irtest.Float64, 64, 64)
	ld := n.Load(a, n.IV(0), n.IV(1))
	n.Store(n.Add(ld, ld), a, n.IV(0), n.IV(1))

	c, changed := runPass(t, n.F, DefaultOptions())
	assert.False(t, changed)
	missed := missedRemarks(c)
	require.Len(t, missed, 1)
	assert.Equal(t, "InterchangeNotProfitable", missed[0].Name)
	assert.Equal(t, "Interchanging loops is not considered to improve cache locality nor vectorization.", missed[0].Message)
}

func TestRunRulesOrder(t *testing.T) {
	tests := []struct {
		name    string
		rules   Rules
		changed bool
	}{
		{"cache", Rules{RuleCache}, true},
		{"instorder", Rules{RuleInstOrder}, true},
		// The nest carries no dependence, so neither order vectorizes better.
		{"vectorize", Rules{RuleVectorize}, false},
		{"ignore", Rules{RuleIgnore}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := columnNest("rules")
			opts := DefaultOptions()
			opts.Rules = tt.rules
			_, changed := runPass(t, n.F, opts)
			assert.Equal(t, tt.changed, changed)
			require.NoError(t, ir.Verify(n.F))
		})
	}
}

func TestRunVectorizationMovesCarriedLoopOut(t *testing.T) {
	// A[i][j+1] = A[i][j]: j carries the dependence, i is free.
	n := irtest.NewNest("vec", 64, 64)
	a := n.Global("A", irtest.Float64, 64, 65)
	ld := n.Load(a, n.IV(0), n.IV(1))
	n.Store(ld, a, n.IV(0), n.Offset(n.IV(1), 1))

	opts := DefaultOptions()
	opts.Rules = Rules{RuleVectorize}
	c, changed := runPass(t, n.F, opts)
	assert.True(t, changed)
	assert.Contains(t, c.Names(), "Interchanged")
	require.NoError(t, ir.Verify(n.F))
}

func TestRunUnsupportedDepth(t *testing.T) {
	tests := []struct {
		name   string
		bounds []int64
		max    int
	}{
		{"single loop", []int64{8}, 10},
		{"too deep", []int64{8, 8, 8}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := irtest.NewNest("depth", tt.bounds...)
			opts := DefaultOptions()
			opts.MaxDepth = tt.max
			c, changed := runPass(t, n.F, opts)
			assert.False(t, changed)
			missed := missedRemarks(c)
			require.Len(t, missed, 1)
			assert.Equal(t, "UnsupportedLoopNestDepth", missed[0].Name)
			assert.Equal(t, n.Levels[0].Header.String(), missed[0].Loop)
		})
	}
}

func TestRunTooManyMemoryOperations(t *testing.T) {
	n, _ := columnNest("memcap")
	opts := DefaultOptions()
	opts.MaxMemInstrCount = 1
	c, changed := runPass(t, n.F, opts)
	assert.False(t, changed)
	assert.Equal(t, []string{"UnsupportedLoop"}, missedNames(c))
}

func TestRunSkipsUncomputableNest(t *testing.T) {
	n, _ := columnNest("uncomputable")
	// Exit on an opaque flag instead of an induction comparison.
	flag := n.F.NewParam("stop", irtest.Bool)
	n.Levels[1].Latch.Control = flag

	c, changed := runPass(t, n.F, DefaultOptions())
	assert.False(t, changed)
	assert.Empty(t, c.Remarks())
}

func TestRunInterchangesThreeLevelNest(t *testing.T) {
	// A[k][j][i] with i outermost: the nest is fully reversed.
	n := irtest.NewNest("cube", 16, 16, 16)
	a := n.Global("A", irtest.Float64, 16, 16, 16)
	ld := n.Load(a, n.IV(2), n.IV(1), n.IV(0))
	st := n.Store(n.Add(ld, ld), a, n.IV(2), n.IV(1), n.IV(0))

	c, changed := runPass(t, n.F, DefaultOptions())
	require.True(t, changed)
	assert.Contains(t, c.Names(), "Interchanged")
	require.NoError(t, ir.Verify(n.F))

	after := NewAnalyses(n.F, DefaultOptions())
	require.NoError(t, after.Loops.Verify(after.Dom))
	nest := NestFrom(after.Loops, after.Loops.TopLevel[0])
	require.Equal(t, 3, nest.Depth())
	for k, l := range nest.Loops {
		assert.Equal(t, l, subscriptLoop(t, after, st, k), "subscript %d", k)
	}
}

func TestRunInterchangesReductionAcrossBothLoops(t *testing.T) {
	// s += A[j][i] over both loops, with the sum leaving the nest.
	n := irtest.NewNest("sum", 64, 64)
	a := n.Global("A", irtest.Int, 64, 64)
	ld := n.Load(a, n.IV(1), n.IV(0))
	_, out := n.Reduction("s", ld)
	total := n.F.NewGlobal("total", types.NewPointer(irtest.Int))
	n.Return.NewValue(ir.OpStore, total, out)

	c, changed := runPass(t, n.F, DefaultOptions())
	require.True(t, changed, "remarks: %v", c.Remarks())
	require.NoError(t, ir.Verify(n.F))

	after := NewAnalyses(n.F, DefaultOptions())
	require.NoError(t, after.Loops.Verify(after.Dom))
	outer := after.Loops.TopLevel[0]
	inner := after.Loops.SubLoops(outer)[0]
	assert.Len(t, after.Loops.Header(outer).Phis(), 2, "induction and partial sum")
	var red int
	for _, phi := range after.Loops.Header(inner).Phis() {
		if _, ok := after.SE.IsReductionPHI(phi, inner); ok {
			red++
		}
	}
	assert.Equal(t, 1, red)
}

func TestRunCountsStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats, err := NewStats(reg)
	require.NoError(t, err)

	n, _ := columnNest("stats")
	_, changed := runPass(t, n.F, DefaultOptions(), WithStats(stats))
	require.True(t, changed)

	row := irtest.NewNest("stats_row", 64, 64)
	a := row.Global("A", irtest.Float64, 64, 64)
	row.Store(row.Load(a, row.IV(0), row.IV(1)), a, row.IV(0), row.IV(1))
	_, changed = runPass(t, row.F, DefaultOptions(), WithStats(stats))
	require.False(t, changed)

	assert.Equal(t, 1.0, counterValue(t, reg, "loopinterchange_loops_interchanged_total", ""))
	assert.Equal(t, 2.0, counterValue(t, reg, "loopinterchange_nests_analyzed_total", ""))
	assert.Equal(t, 1.0, counterValue(t, reg, "loopinterchange_missed_total", "InterchangeNotProfitable"))

	_, err = NewStats(reg)
	assert.Error(t, err, "registering the counters twice must fail")
}

// counterValue reads a counter from reg; reason selects a labeled series.
func counterValue(t *testing.T, reg *prometheus.Registry, name, reason string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := reason == ""
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					match = true
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no counter %s{reason=%q}", name, reason)
	return 0
}

func TestRunOnLoweredGoSource(t *testing.T) {
	if testing.Short() {
		t.Skip("loads packages with the go command")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module testmod\n\ngo 1.21\n"), 0o644))
	src := `package testmod

var A [64][64]float64

func Columns() {
	for j := 0; j < 64; j++ {
		for i := 0; i < 64; i++ {
			A[i][j] += 1
		}
	}
}

func Rows() {
	for i := 0; i < 64; i++ {
		for j := 0; j < 64; j++ {
			A[i][j] += 1
		}
	}
}
`
	fns, err := frontend.AnalyzeSource(filepath.Join(dir, "m.go"), src, frontend.CanonOptions{Verify: true})
	require.NoError(t, err)

	changed := make(map[string]bool)
	for _, fn := range fns {
		require.NoError(t, fn.Err, fn.Name)
		_, changed[fn.Name] = runPass(t, fn.IR, DefaultOptions())
		require.NoError(t, ir.Verify(fn.IR), fn.Name)
	}
	assert.True(t, changed["testmod.Columns"])
	assert.False(t, changed["testmod.Rows"])
}
