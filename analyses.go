package interchange

import (
	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/ir"
)

// DependenceOracle answers pairwise memory dependence queries. A nil
// result means the two operations are independent.
type DependenceOracle interface {
	Depends(src, dst *ir.Value) *analysis.Dependence
}

// Recognizer classifies loop header phis.
type Recognizer interface {
	IsInductionPHI(phi *ir.Value, l ir.LoopID) bool
	IsReductionPHI(phi *ir.Value, l ir.LoopID) (*analysis.RecurrenceDescriptor, bool)
}

// CacheCostSource ranks the loops of a nest, given outermost first, by
// locality. ok is false when no ranking is available.
type CacheCostSource interface {
	CacheCost(nest []ir.LoopID) (cc *analysis.CacheCost, ok bool)
}

// Analyses is the analysis state the pass reads and keeps up to date for
// one function.
type Analyses struct {
	Func  *ir.Func
	Dom   *ir.DomTree
	Loops *ir.LoopForest
	SE    *analysis.ScalarEvolution

	Deps       DependenceOracle
	Recognizer Recognizer
	CacheCost  CacheCostSource
}

// NewAnalyses computes the default analyses for f.
func NewAnalyses(f *ir.Func, opts Options) *Analyses {
	dom := ir.NewDomTree(f)
	lf := ir.DetectLoops(f, dom)
	se := analysis.NewScalarEvolution(f, lf)
	access := analysis.AccessOptions{AssumeDisjointRows: opts.AssumeDisjointRows}
	params := analysis.DefaultCacheCostParams()
	params.CacheLineSize = opts.CacheLineSize
	params.DefaultTripCount = opts.DefaultTripCount
	params.Access = access
	return &Analyses{
		Func:       f,
		Dom:        dom,
		Loops:      lf,
		SE:         se,
		Deps:       analysis.NewDependenceInfo(se, access),
		Recognizer: se,
		CacheCost:  &localityModel{se: se, params: params},
	}
}

type localityModel struct {
	se     *analysis.ScalarEvolution
	params analysis.CacheCostParams
}

func (m *localityModel) CacheCost(nest []ir.LoopID) (*analysis.CacheCost, bool) {
	return analysis.ComputeCacheCost(m.se, nest, m.params)
}
