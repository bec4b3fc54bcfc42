package interchange

import (
	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/ir"
)

// costManager computes the cache cost of a nest on first use and keeps it
// for every pair of that nest.
type costManager struct {
	src  CacheCostSource
	nest []ir.LoopID

	done bool
	cc   *analysis.CacheCost
	rank map[ir.LoopID]int
}

func newCostManager(src CacheCostSource, nest []ir.LoopID) *costManager {
	return &costManager{src: src, nest: append([]ir.LoopID(nil), nest...)}
}

func (m *costManager) cost() (*analysis.CacheCost, map[ir.LoopID]int) {
	if m.done {
		return m.cc, m.rank
	}
	m.done = true
	m.rank = make(map[ir.LoopID]int)
	if m.src == nil {
		return nil, m.rank
	}
	cc, ok := m.src.CacheCost(m.nest)
	if !ok {
		return nil, m.rank
	}
	m.cc = cc
	for i, lc := range cc.LoopCosts() {
		m.rank[lc.Loop] = i
	}
	return m.cc, m.rank
}

type profitability struct {
	*pairContext
	rules     Rules
	threshold int
}

func (pr *profitability) isProfitable(innerIdx, outerIdx int, m *DepMatrix, ccm *costManager) bool {
	if pr.rules.forcesInterchange() {
		return true
	}
	decision := Unknown
	for _, r := range pr.rules {
		switch r {
		case RuleCache:
			decision = pr.perLoopCacheAnalysis(ccm)
		case RuleInstOrder:
			decision = pr.perInstrOrderCost()
		case RuleVectorize:
			decision = pr.forVectorization(innerIdx, outerIdx, m)
		}
		pr.log.Debug().Stringer("rule", r).Stringer("decision", decision).Msg("profitability rule")
		if decision != Unknown {
			break
		}
	}
	switch decision {
	case Unknown:
		pr.missed("InterchangeNotProfitable", pr.inner, "Insufficient information to calculate the cost of loop for interchange.")
		return false
	case No:
		pr.missed("InterchangeNotProfitable", pr.inner, "Interchanging loops is not considered to improve cache locality nor vectorization.")
		return false
	}
	return true
}

// perLoopCacheAnalysis prefers the order that puts the loop with the
// lower cache cost innermost.
func (pr *profitability) perLoopCacheAnalysis(ccm *costManager) Verdict {
	cc, rank := ccm.cost()
	innerRank, okInner := rank[pr.inner]
	outerRank, okOuter := rank[pr.outer]
	if cc == nil || !okInner || !okOuter {
		return Unknown
	}
	ic, _ := cc.Cost(pr.inner)
	oc, _ := cc.Cost(pr.outer)
	if ic == oc {
		return Unknown
	}
	return verdictOf(innerRank < outerRank)
}

// instrOrderCost scores the address computations of the inner loop: an
// inner induction subscripted after an outer one counts as good order,
// the reverse as bad. The result is good minus bad.
func (pr *profitability) instrOrderCost() int {
	var good, bad int
	for _, b := range pr.lf.Loop(pr.inner).Blocks {
		for _, v := range b.Values {
			if v.Op != ir.OpLoad && v.Op != ir.OpStore {
				continue
			}
			path := analysis.PathOf(v, analysis.AccessOptions{AssumeDisjointRows: pr.p.opts.AssumeDisjointRows})
			if path == nil {
				continue
			}
			var foundInner, foundOuter bool
			for _, sub := range path.Subs {
				if sub == nil {
					continue
				}
				ar, ok := pr.se.SCEV(sub).(*analysis.SCEVAddRec)
				if !ok {
					continue
				}
				if ar.Loop == pr.inner {
					foundInner = true
					if foundOuter {
						good++
						break
					}
				}
				if ar.Loop == pr.outer {
					foundOuter = true
					if foundInner {
						bad++
						break
					}
				}
			}
		}
	}
	return good - bad
}

func (pr *profitability) perInstrOrderCost() Verdict {
	cost := pr.instrOrderCost()
	pr.log.Debug().Int("cost", cost).Msg("instruction order cost")
	if cost < 0 && cost < pr.threshold {
		return Yes
	}
	return Unknown
}

// forVectorization favors moving a dependence-free loop innermost.
func (pr *profitability) forVectorization(innerIdx, outerIdx int, m *DepMatrix) Verdict {
	if !m.CanVectorize(outerIdx) {
		return No
	}
	if !m.CanVectorize(innerIdx) {
		return Yes
	}
	return Unknown
}
