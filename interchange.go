// Package interchange exchanges adjacent loops of perfectly nested loop
// nests when the exchange preserves every memory dependence and is expected
// to improve cache locality or vectorization.
//
// The pass works on the mutable SSA form of package ir. For each nest it
// builds a dependency matrix of direction vectors, then walks the nest from
// the innermost loop outwards, checking legality and profitability of each
// adjacent pair before rewriting the CFG and the loop forest.
package interchange

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/ir"
)

// Pass is a configured loop interchange pass. A Pass holds no per-function
// state and may run on several functions concurrently.
type Pass struct {
	opts    Options
	log     zerolog.Logger
	remarks RemarkSink
	stats   *Stats
	observe PhaseObserver
}

// PassOption configures a Pass.
type PassOption func(*Pass)

// WithLogger sets the debug trace logger.
func WithLogger(l zerolog.Logger) PassOption {
	return func(p *Pass) { p.log = l }
}

// WithRemarks sends remarks to every given sink.
func WithRemarks(sinks ...RemarkSink) PassOption {
	return func(p *Pass) {
		if len(sinks) == 1 {
			p.remarks = sinks[0]
			return
		}
		p.remarks = multiSink(sinks)
	}
}

// WithStats counts outcomes in s.
func WithStats(s *Stats) PassOption {
	return func(p *Pass) { p.stats = s }
}

// WithPhaseObserver calls fn after every transform phase.
func WithPhaseObserver(fn PhaseObserver) PassOption {
	return func(p *Pass) { p.observe = fn }
}

// New validates opts and returns a pass.
func New(opts Options, options ...PassOption) (*Pass, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	p := &Pass{
		opts:    opts,
		log:     zerolog.Nop(),
		remarks: NopSink{},
	}
	for _, o := range options {
		o(p)
	}
	return p, nil
}

// Options returns the pass configuration.
func (p *Pass) Options() Options { return p.opts }

// LoopNest lists the loops of a perfect nest, outermost first.
type LoopNest struct {
	Loops []ir.LoopID
}

// Depth returns the number of loops in the nest.
func (n LoopNest) Depth() int { return len(n.Loops) }

// NestFrom follows the single-child chain below root. The nest is empty
// when some level has more than one child loop.
func NestFrom(lf *ir.LoopForest, root ir.LoopID) LoopNest {
	var loops []ir.LoopID
	for l := root; ; {
		loops = append(loops, l)
		subs := lf.SubLoops(l)
		if len(subs) == 0 {
			break
		}
		if len(subs) > 1 {
			return LoopNest{}
		}
		l = subs[0]
	}
	return LoopNest{Loops: loops}
}

// pairContext carries what the legality, profitability and transform
// steps of one loop pair share.
type pairContext struct {
	p          *Pass
	a          *Analyses
	f          *ir.Func
	dom        *ir.DomTree
	lf         *ir.LoopForest
	se         *analysis.ScalarEvolution
	recognizer Recognizer
	log        zerolog.Logger

	outer, inner ir.LoopID
}

func (p *Pass) emit(kind RemarkKind, name string, f *ir.Func, where *ir.Block, msg string) {
	r := Remark{Kind: kind, Pass: PassName, Name: name, Function: f.Name, Message: msg}
	if where != nil {
		r.Loop = where.String()
	}
	if kind == RemarkMissed {
		p.stats.missed(name)
	}
	p.remarks.Emit(r)
}

func (pc *pairContext) missed(name string, l ir.LoopID, msg string) {
	pc.p.emit(RemarkMissed, name, pc.f, pc.lf.Header(l), msg)
}

func (pc *pairContext) missedAt(name string, b *ir.Block, msg string) {
	pc.p.emit(RemarkMissed, name, pc.f, b, msg)
}

// nestRun is the state of one Run call.
type nestRun struct {
	p     *Pass
	a     *Analyses
	loops []ir.LoopID
	m     *DepMatrix
	ccm   *costManager
	log   zerolog.Logger
	// stale is set when an aborted transform left loop IDs unusable.
	stale bool
}

// Run interchanges loops of nest, whose IDs refer to a.Loops, and reports
// whether the IR changed. The analyses in a are kept up to date.
func (p *Pass) Run(nest LoopNest, a *Analyses) bool {
	if len(nest.Loops) == 0 || p.opts.MaxMemInstrCount < 1 {
		return false
	}
	lf := a.Loops
	for i := 1; i < len(nest.Loops); i++ {
		if lf.Parent(nest.Loops[i]) != nest.Loops[i-1] {
			return false
		}
	}
	outermost := nest.Loops[0]
	log := p.log.With().Str("func", a.Func.Name).Stringer("nest", lf.Header(outermost)).Logger()

	depth := len(nest.Loops)
	if depth < p.opts.MinDepth || depth > p.opts.MaxDepth {
		log.Debug().Int("depth", depth).Msg("unsupported loop nest depth")
		p.emit(RemarkMissed, "UnsupportedLoopNestDepth", a.Func, lf.Header(outermost),
			fmt.Sprintf("Unsupported depth of loop nest, the supported range is [%d, %d].\n", p.opts.MinDepth, p.opts.MaxDepth))
		return false
	}
	if !isComputableLoopNest(a, nest.Loops) {
		log.Debug().Msg("not valid loop candidate for interchange")
		return false
	}
	p.emit(RemarkAnalysis, "Dependence", a.Func, lf.Header(outermost), "Computed dependence info, invoking the transform.")

	r := &nestRun{p: p, a: a, loops: slices.Clone(nest.Loops), log: log}
	return r.processLoopList()
}

func isComputableLoopNest(a *Analyses, loops []ir.LoopID) bool {
	for _, l := range loops {
		if _, ok := a.SE.BackedgeTakenCount(l); !ok {
			return false
		}
		if a.Loops.NumBackEdges(l) != 1 {
			return false
		}
		if a.Loops.ExitingBlock(l) == nil {
			return false
		}
	}
	return true
}

func (r *nestRun) processLoopList() bool {
	lf := r.a.Loops
	outermost := r.loops[0]
	m, err := BuildDependencyMatrix(lf, outermost, len(r.loops), r.a.Deps, r.p.opts.MaxMemInstrCount)
	if err != nil {
		r.log.Debug().Err(err).Msg("populating dependency matrix failed")
		if errors.Is(err, ErrTooManyMemInstrs) {
			r.p.emit(RemarkMissed, "UnsupportedLoop", r.a.Func, lf.Header(outermost),
				"Number of loads/stores exceeded, the supported maximum can be increased with option -loop-interchange-maxmeminstr-count.")
		}
		return false
	}
	r.m = m
	r.p.stats.nestAnalyzed()
	r.log.Debug().Str("matrix", m.String()).Msg("dependency matrix before interchange")

	if lf.ExitBlock(outermost) == nil {
		r.log.Debug().Msg("loop nest has no unique exit block")
		return false
	}

	r.ccm = newCostManager(r.a.CacheCost, r.loops)
	changed := false
	sel := len(r.loops) - 1
	for j := sel; j > 0; j-- {
		changedThisRound := false
		for i := sel; i > sel-j; i-- {
			if r.processLoop(i, i-1) {
				changedThisRound = true
				changed = true
			}
			if r.stale {
				return true
			}
		}
		if !changedThisRound {
			break
		}
	}
	return changed
}

func (r *nestRun) pair(innerIdx, outerIdx int) *pairContext {
	lf := r.a.Loops
	return &pairContext{
		p:          r.p,
		a:          r.a,
		f:          r.a.Func,
		dom:        r.a.Dom,
		lf:         lf,
		se:         r.a.SE,
		recognizer: r.a.Recognizer,
		log: r.log.With().
			Stringer("outer", lf.Header(r.loops[outerIdx])).
			Stringer("inner", lf.Header(r.loops[innerIdx])).
			Logger(),
		outer: r.loops[outerIdx],
		inner: r.loops[innerIdx],
	}
}

func (r *nestRun) processLoop(innerIdx, outerIdx int) bool {
	pc := r.pair(innerIdx, outerIdx)
	pc.log.Debug().Msg("processing loop pair")

	lg := newLegality(pc)
	if !lg.canInterchange(innerIdx, outerIdx, r.m) {
		pc.log.Debug().Msg("not interchanging loops, cannot prove legality")
		return false
	}
	pr := &profitability{pairContext: pc, rules: r.p.opts.Rules, threshold: r.p.opts.CostThreshold}
	if !pr.isProfitable(innerIdx, outerIdx, r.m, r.ccm) {
		pc.log.Debug().Msg("interchanging loops not profitable")
		return false
	}

	header := pc.lf.Header(pc.inner)
	t := &transform{pairContext: pc, lg: lg, observe: r.p.observe}
	if !t.run() {
		if !t.changed {
			pc.log.Debug().Msg("transform aborted")
			r.a.SE.Forget()
			return false
		}
		pc.log.Debug().Msg("transform aborted after rewriting the loop nest")
		*r.a = *NewAnalyses(r.a.Func, r.p.opts)
		r.stale = true
		return true
	}
	r.p.emit(RemarkPassed, "Interchanged", pc.f, header, "Loop interchanged with enclosing loop.")
	r.p.stats.interchanged()
	pc.log.Debug().Msg("loops interchanged")

	ir.FormLCSSARecursively(pc.outer, pc.dom, pc.lf)
	r.a.SE.Forget()

	r.loops[outerIdx], r.loops[innerIdx] = r.loops[innerIdx], r.loops[outerIdx]
	r.m.Interchange(innerIdx, outerIdx)
	r.log.Debug().Str("matrix", r.m.String()).Msg("dependency matrix after interchange")
	return true
}

// RunOnFunction runs the pass on every top-level loop nest of f and
// reports whether f changed.
func (p *Pass) RunOnFunction(f *ir.Func) bool {
	a := NewAnalyses(f, p.opts)
	var headers []*ir.Block
	for _, l := range a.Loops.TopLevel {
		headers = append(headers, a.Loops.Header(l))
	}
	changed := false
	for _, h := range headers {
		l := a.Loops.LoopFor(h)
		if l == ir.NoLoop || a.Loops.Header(l) != h || a.Loops.Parent(l) != ir.NoLoop {
			continue
		}
		nest := NestFrom(a.Loops, l)
		if nest.Depth() == 0 {
			continue
		}
		if p.Run(nest, a) {
			changed = true
			a = NewAnalyses(f, p.opts)
		}
	}
	return changed
}
