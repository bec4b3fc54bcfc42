package ir

// FormLCSSAForInstructions routes every use of insts outside the
// instruction's innermost loop through a phi in a dominating exit block,
// so that loop-defined values only escape via exit phis. Phis created
// here are processed in turn for the enclosing loops. Uses that no single
// exit dominates are left alone. It reports whether anything changed.
func FormLCSSAForInstructions(insts []*Value, dom *DomTree, lf *LoopForest) bool {
	f := lf.Func
	changed := false
	worklist := append([]*Value(nil), insts...)
	for len(worklist) > 0 {
		inst := worklist[0]
		worklist = worklist[1:]
		if inst.Block == nil {
			continue
		}
		l := lf.LoopFor(inst.Block)
		if l == NoLoop {
			continue
		}

		var outside []Use
		for _, u := range f.Uses(inst) {
			if !lf.Contains(l, u.UseBlock()) {
				outside = append(outside, u)
			}
		}
		if len(outside) == 0 {
			continue
		}

		exits := lf.ExitBlocks(l)
		phis := make(map[*Block]*Value)
		for _, u := range outside {
			ub := u.UseBlock()
			var exit *Block
			for _, e := range exits {
				if dom.Dominates(e, ub) && canRouteThrough(inst, e, l, dom, lf) {
					exit = e
					break
				}
			}
			if exit == nil {
				continue
			}
			phi, ok := phis[exit]
			if !ok {
				phi = exit.NewPhi()
				phi.Type = inst.Type
				if inst.Name != "" {
					phi.Name = inst.Name + ".lcssa"
				}
				for _, p := range exit.Preds {
					phi.AddIncoming(inst, p)
				}
				phis[exit] = phi
				worklist = append(worklist, phi)
			}
			if u.User == phi {
				continue
			}
			u.Set(phi)
			changed = true
		}
	}
	return changed
}

// canRouteThrough reports whether an exit phi for inst can be built in
// exit: every predecessor is inside the loop and sees inst.
func canRouteThrough(inst *Value, exit *Block, l LoopID, dom *DomTree, lf *LoopForest) bool {
	for _, p := range exit.Preds {
		if !lf.Contains(l, p) || !dom.Dominates(inst.Block, p) {
			return false
		}
	}
	return len(exit.Preds) > 0
}

// FormLCSSA puts loop id (and everything nested in it) into LCSSA form.
func FormLCSSA(id LoopID, dom *DomTree, lf *LoopForest) bool {
	var insts []*Value
	for _, b := range lf.Loop(id).Blocks {
		insts = append(insts, b.Values...)
	}
	return FormLCSSAForInstructions(insts, dom, lf)
}

// FormLCSSARecursively processes the subloops of id before id itself.
func FormLCSSARecursively(id LoopID, dom *DomTree, lf *LoopForest) bool {
	changed := false
	for _, c := range lf.SubLoops(id) {
		if FormLCSSARecursively(c, dom, lf) {
			changed = true
		}
	}
	if FormLCSSA(id, dom, lf) {
		changed = true
	}
	return changed
}

// FormLCSSAAll puts every loop of the function into LCSSA form.
func FormLCSSAAll(dom *DomTree, lf *LoopForest) bool {
	changed := false
	for _, id := range lf.TopLevel {
		if FormLCSSARecursively(id, dom, lf) {
			changed = true
		}
	}
	return changed
}
