package ir

// SplitBlock moves b.Values[idx:] and b's terminator into a new block
// that b falls through to. The new block joins every loop containing b.
// dom and lf may be nil.
func SplitBlock(b *Block, idx int, name string, dom *DomTree, lf *LoopForest) *Block {
	f := b.Func
	nb := f.NewBlock(name)

	nb.Values = append(nb.Values, b.Values[idx:]...)
	for _, v := range nb.Values {
		v.Block = nb
	}
	b.Values = b.Values[:idx:idx]

	nb.Kind, nb.Control = b.Kind, b.Control
	nb.Succs = b.Succs
	for _, s := range nb.Succs {
		for i, p := range s.Preds {
			if p == b {
				s.Preds[i] = nb
			}
		}
		s.ReplacePhiUsesWith(b, nb)
	}
	b.Succs = nil
	b.Kind, b.Control = BlockPlain, nil
	b.addEdgeTo(nb)

	if lf != nil {
		if l := lf.LoopFor(b); l != NoLoop {
			lf.AddBlockToLoop(nb, l)
		}
	}
	if dom != nil {
		dom.Recalculate()
	}
	return nb
}

// SplitEdge inserts an empty block on the edge from->to. The new block
// joins the innermost loop containing both ends.
func SplitEdge(from, to *Block, name string, dom *DomTree, lf *LoopForest) *Block {
	nb := from.Func.NewBlock(name)
	for i, s := range from.Succs {
		if s == to {
			from.Succs[i] = nb
			to.removePred(from)
			nb.Preds = append(nb.Preds, from)
			break
		}
	}
	nb.Kind = BlockPlain
	nb.addEdgeTo(to)
	for _, p := range to.Phis() {
		for i, in := range p.Incoming {
			if in == from {
				p.Incoming[i] = nb
				break
			}
		}
	}
	if lf != nil {
		l := lf.LoopFor(from)
		for l != NoLoop && !lf.Contains(l, to) {
			l = lf.Parent(l)
		}
		if l != NoLoop {
			lf.AddBlockToLoop(nb, l)
		}
	}
	if dom != nil {
		dom.Recalculate()
	}
	return nb
}

// InsertPreheader gives loop id a dedicated preheader: a new block that
// receives every out-of-loop edge into the header and branches to it.
// Header phi inputs from several outside predecessors are merged by a
// phi in the new block.
func InsertPreheader(id LoopID, name string, dom *DomTree, lf *LoopForest) *Block {
	l := lf.Loop(id)
	h := l.Header
	nb := h.Func.NewBlock(name)

	var outside []*Block
	for _, p := range h.Preds {
		if !l.set[p] {
			outside = append(outside, p)
		}
	}
	seen := make(map[*Block]bool)
	for _, p := range outside {
		if !seen[p] {
			seen[p] = true
			p.ReplaceSucc(h, nb)
		}
	}
	nb.Kind = BlockPlain
	nb.addEdgeTo(h)

	for _, phi := range h.Phis() {
		var vals []*Value
		var from []*Block
		for i := 0; i < len(phi.Args); {
			if seen[phi.Incoming[i]] {
				vals = append(vals, phi.Args[i])
				from = append(from, phi.Incoming[i])
				phi.RemoveIncoming(i)
				continue
			}
			i++
		}
		if len(vals) == 0 {
			continue
		}
		same := true
		for _, v := range vals[1:] {
			if v != vals[0] {
				same = false
			}
		}
		if same {
			phi.AddIncoming(vals[0], nb)
			continue
		}
		np := nb.NewPhi()
		np.Type = phi.Type
		for i, v := range vals {
			np.AddIncoming(v, from[i])
		}
		phi.AddIncoming(np, nb)
	}

	if p := l.Parent; p != NoLoop {
		lf.AddBlockToLoop(nb, p)
	}
	if dom != nil {
		dom.Recalculate()
	}
	return nb
}

// MergeIntoPred folds b into its unique predecessor p when p falls
// through to b alone. b must have no phis. It reports whether it merged.
func MergeIntoPred(b *Block, lf *LoopForest) bool {
	p := b.UniquePred()
	if p == nil || p == b || p.Kind != BlockPlain || len(b.Phis()) != 0 || b == b.Func.Entry {
		return false
	}
	for _, v := range b.Values {
		v.Block = p
	}
	p.Values = append(p.Values, b.Values...)
	b.Values = nil

	p.Succs = nil
	p.Kind, p.Control = b.Kind, b.Control
	p.Succs = b.Succs
	for _, s := range p.Succs {
		for i, x := range s.Preds {
			if x == b {
				s.Preds[i] = p
			}
		}
		s.ReplacePhiUsesWith(b, p)
	}
	b.Succs, b.Preds = nil, nil
	b.Kind, b.Control = BlockInvalid, nil
	f := b.Func
	for i, x := range f.Blocks {
		if x == b {
			f.Blocks = append(f.Blocks[:i], f.Blocks[i+1:]...)
			break
		}
	}
	if lf != nil {
		for id := lf.LoopFor(b); id != NoLoop; id = lf.Parent(id) {
			lf.RemoveBlockFromLoop(id, b)
		}
		lf.ChangeLoopFor(b, NoLoop)
	}
	return true
}
