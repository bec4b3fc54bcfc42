package frontend

import (
	"fmt"
	"go/types"
	"slices"

	"github.com/rs/zerolog"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// CanonOptions configures Canonicalize.
type CanonOptions struct {
	Log    zerolog.Logger
	Verify bool // check the IR and the loop forest afterwards
}

type canonicalizer struct {
	f   *ir.Func
	log zerolog.Logger
	dom *ir.DomTree
	lf  *ir.LoopForest
}

// Canonicalize puts the loops of f into the form the interchange pass
// analyzes: every loop gets a dedicated preheader and dedicated exits,
// header-exiting loops are rotated so that the latch exits, guards that
// are decided by constants or by an identical enclosing guard are
// folded, and values live across loop exits go through LCSSA phis.
func Canonicalize(f *ir.Func, opts CanonOptions) error {
	c := &canonicalizer{f: f, log: opts.Log}
	c.refresh()
	c.insertPreheaders()
	c.hoistInvariants()
	for c.rotateOne() {
		c.refresh()
	}
	for c.foldGuards() {
		f.RemoveUnreachable()
		c.refresh()
	}
	c.mergeBlocks()
	c.refresh()
	c.dedicateExits()
	ir.DeadCodeElim(f)
	f.RemoveUnreachable()
	c.refresh()
	ir.FormLCSSAAll(c.dom, c.lf)

	if !opts.Verify {
		return nil
	}
	if err := ir.Verify(f); err != nil {
		return fmt.Errorf("canonicalize %s: %w", f.Name, err)
	}
	if err := c.lf.Verify(c.dom); err != nil {
		return fmt.Errorf("canonicalize %s: loops: %w", f.Name, err)
	}
	return nil
}

func (c *canonicalizer) refresh() {
	c.dom = ir.NewDomTree(c.f)
	c.lf = ir.DetectLoops(c.f, c.dom)
}

func (c *canonicalizer) loops() []ir.LoopID {
	ids := make([]ir.LoopID, c.lf.NumLoops())
	for i := range ids {
		ids[i] = ir.LoopID(i)
	}
	return ids
}

func (c *canonicalizer) insertPreheaders() {
	for _, id := range c.loops() {
		h := c.lf.Header(id)
		if c.lf.Preheader(id) != nil || h == c.f.Entry {
			continue
		}
		ph := ir.InsertPreheader(id, h.Name+".ph", c.dom, c.lf)
		c.log.Debug().Stringer("header", h).Stringer("preheader", ph).Msg("inserted preheader")
	}
}

// hoistInvariants moves pure header computations with loop-invariant
// operands into the preheader. The header runs whenever the preheader
// does, so only the code before the first side effect is considered.
func (c *canonicalizer) hoistInvariants() {
	for _, id := range c.loops() {
		ph := c.lf.Preheader(id)
		if ph == nil {
			continue
		}
		h := c.lf.Header(id)
		for _, v := range slices.Clone(h.Values[h.FirstNonPhi():]) {
			if v.MayHaveSideEffects() || v.MayReadMemory() {
				break
			}
			if !hoistable(v) || !c.invariantArgs(id, v) {
				continue
			}
			v.MoveToEnd(ph)
			c.log.Debug().Stringer("value", v).Stringer("preheader", ph).Msg("hoisted invariant")
		}
	}
}

func hoistable(v *ir.Value) bool {
	switch {
	case v.Op.IsBinary(), v.Op.IsCompare():
		return true
	case v.Op == ir.OpNeg, v.Op == ir.OpConvert, v.Op == ir.OpFieldAddr, v.Op == ir.OpIndexAddr:
		return true
	case v.Op == ir.OpCall:
		c := v.Callee()
		return c != nil && c.Effect == ir.EffectNone
	}
	return false
}

func (c *canonicalizer) invariantArgs(id ir.LoopID, v *ir.Value) bool {
	for _, a := range v.Args {
		if !c.lf.IsLoopInvariant(id, a) {
			return false
		}
	}
	return true
}

func (c *canonicalizer) rotateOne() bool {
	for _, id := range c.loops() {
		if c.rotate(id) {
			return true
		}
	}
	return false
}

// rotate turns a loop whose header tests the exit condition into one
// whose latch does. The header's computations are duplicated into the
// preheader, where they guard entry to the loop, and into the latch,
// where they decide whether to iterate again. The old header goes away
// and its in-loop successor becomes the new header.
func (c *canonicalizer) rotate(id ir.LoopID) bool {
	lf := c.lf
	h := lf.Header(id)
	if h.Kind != ir.BlockIf || len(h.Preds) != 2 {
		return false
	}
	in := 0
	if !lf.Contains(id, h.Succs[0]) {
		in = 1
	}
	body, exit := h.Succs[in], h.Succs[1-in]
	if body == h || !lf.Contains(id, body) || lf.Contains(id, exit) {
		return false
	}
	latch, ph := lf.Latch(id), lf.Preheader(id)
	if latch == nil || latch == h || latch.Kind != ir.BlockPlain || ph == nil {
		return false
	}
	if len(body.Preds) != 1 || len(exit.Preds) != 1 {
		return false
	}
	if ex := lf.ExitingBlocks(id); len(ex) != 1 || ex[0] != h {
		return false
	}

	inside := make(map[*ir.Block]bool)
	for _, b := range lf.Loop(id).Blocks {
		inside[b] = true
	}
	phis := slices.Clone(h.Phis())
	rest := slices.Clone(h.Values[len(phis):])
	hvals := append(slices.Clone(phis), rest...)

	// pre and lat give each header value as computed on entry and after
	// the latch.
	pre := make(map[*ir.Value]*ir.Value, len(hvals))
	lat := make(map[*ir.Value]*ir.Value, len(hvals))
	for _, p := range phis {
		pre[p] = p.IncomingFor(ph)
		lat[p] = p.IncomingFor(latch)
	}
	for _, v := range rest {
		pre[v] = c.cloneInto(v, pre, ph)
	}
	for _, v := range rest {
		lat[v] = c.cloneInto(v, lat, latch)
	}

	// Header values live on in body phis inside the loop and in exit
	// phis after it.
	prime := make(map[*ir.Value]*ir.Value, len(hvals))
	for _, v := range hvals {
		p := body.NewPhi()
		p.Type, p.Name = v.Type, v.Name
		prime[v] = p
	}
	current := func(v *ir.Value) *ir.Value {
		if p, ok := prime[v]; ok {
			return p
		}
		return v
	}
	nph := c.f.NewBlock(body.Name + ".ph")
	for _, v := range hvals {
		prime[v].AddIncoming(pre[v], nph)
		prime[v].AddIncoming(current(lat[v]), latch)
	}

	for _, x := range slices.Clone(exit.Phis()) {
		w := x.IncomingFor(h)
		x.RemoveIncomingFrom(h)
		if _, ok := pre[w]; ok {
			x.AddIncoming(pre[w], ph)
			x.AddIncoming(current(lat[w]), latch)
			continue
		}
		x.AddIncoming(w, ph)
		x.AddIncoming(w, latch)
	}
	after := make(map[*ir.Value]*ir.Value)
	exitValue := func(v *ir.Value) *ir.Value {
		if e, ok := after[v]; ok {
			return e
		}
		e := exit.NewPhi()
		e.Type, e.Name = v.Type, v.Name
		e.AddIncoming(pre[v], ph)
		e.AddIncoming(current(lat[v]), latch)
		after[v] = e
		return e
	}
	for _, v := range hvals {
		for _, u := range c.f.Uses(v) {
			switch {
			case u.Block == h:
			case inside[u.Block]:
				u.Set(prime[v])
			default:
				u.Set(exitValue(v))
			}
		}
	}

	guard := h.Control
	if g, ok := pre[guard]; ok {
		guard = g
	}
	cond := h.Control
	if l, ok := lat[cond]; ok {
		cond = current(l)
	}
	nph.SetPlain(body)
	if in == 0 {
		ph.SetIf(guard, nph, exit)
		latch.SetIf(cond, body, exit)
	} else {
		ph.SetIf(guard, exit, nph)
		latch.SetIf(cond, exit, body)
	}
	c.f.RemoveBlock(h)
	c.log.Debug().Stringer("header", h).Stringer("new_header", body).Msg("rotated loop")
	return true
}

// cloneInto appends a copy of v to dst with its operands renamed by m.
func (c *canonicalizer) cloneInto(v *ir.Value, m map[*ir.Value]*ir.Value, dst *ir.Block) *ir.Value {
	nv := c.f.CloneValue(v)
	nv.Name = v.Name
	for i, a := range nv.Args {
		if r, ok := m[a]; ok {
			nv.Args[i] = r
		}
	}
	nv.MoveToEnd(dst)
	return nv
}

// foldGuards turns conditional branches with a known outcome into plain
// branches.
func (c *canonicalizer) foldGuards() bool {
	changed := false
	for _, b := range slices.Clone(c.f.Blocks) {
		if b.Kind != ir.BlockIf || b.Succs[0] == b.Succs[1] {
			continue
		}
		taken, ok := c.decide(b)
		if !ok {
			continue
		}
		t, nt := b.Succs[0], b.Succs[1]
		if !taken {
			t, nt = nt, t
		}
		for _, p := range nt.Phis() {
			p.RemoveIncomingFrom(b)
		}
		b.SetPlain(t)
		changed = true
		c.log.Debug().Stringer("block", b).Stringer("taken", t).Msg("folded branch")
	}
	return changed
}

// decide evaluates b's condition from constants, or from an identical
// condition tested by a dominating block.
func (c *canonicalizer) decide(b *ir.Block) (bool, bool) {
	if v, ok := foldBool(b.Control); ok {
		return v, true
	}
	for d := c.dom.Idom(b); d != nil && d != b; d = c.dom.Idom(d) {
		if d.Kind != ir.BlockIf || !sameCondition(d.Control, b.Control) {
			continue
		}
		t, e := d.Succs[0], d.Succs[1]
		if t == e {
			continue
		}
		if t.UniquePred() == d && c.dom.Dominates(t, b) {
			return true, true
		}
		if e.UniquePred() == d && c.dom.Dominates(e, b) {
			return false, true
		}
	}
	return false, false
}

func sameCondition(a, b *ir.Value) bool {
	if a == b {
		return true
	}
	if a.Op != b.Op || !a.Op.IsCompare() || len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}

func foldBool(v *ir.Value) (bool, bool) {
	if b, ok := constBool(v); ok {
		return b, true
	}
	if !v.Op.IsCompare() {
		return false, false
	}
	x, ok := foldInt(v.Args[0])
	if !ok {
		return false, false
	}
	y, ok := foldInt(v.Args[1])
	if !ok {
		return false, false
	}
	switch v.Op {
	case ir.OpEq:
		return x == y, true
	case ir.OpNeq:
		return x != y, true
	case ir.OpLt:
		return x < y, true
	case ir.OpLeq:
		return x <= y, true
	case ir.OpGt:
		return x > y, true
	case ir.OpGeq:
		return x >= y, true
	}
	return false, false
}

// foldInt evaluates integer constants and 64-bit arithmetic on them.
func foldInt(v *ir.Value) (int64, bool) {
	if v.Op == ir.OpConst {
		return v.ConstInt()
	}
	if !isWord(v.Type) {
		return 0, false
	}
	switch v.Op {
	case ir.OpNeg:
		x, ok := foldInt(v.Args[0])
		return -x, ok
	case ir.OpAdd, ir.OpSub, ir.OpMul:
		x, ok := foldInt(v.Args[0])
		if !ok {
			return 0, false
		}
		y, ok := foldInt(v.Args[1])
		if !ok {
			return 0, false
		}
		switch v.Op {
		case ir.OpAdd:
			return x + y, true
		case ir.OpSub:
			return x - y, true
		}
		return x * y, true
	}
	return 0, false
}

func isWord(t types.Type) bool {
	if t == nil {
		return false
	}
	b, ok := t.Underlying().(*types.Basic)
	return ok && (b.Kind() == types.Int || b.Kind() == types.Int64)
}

// mergeBlocks folds straight-line chains inside loop bodies. Headers,
// latches and preheaders keep their own blocks.
func (c *canonicalizer) mergeBlocks() {
	lf := c.lf
	for _, b := range slices.Clone(c.f.Blocks) {
		p := b.UniquePred()
		if p == nil || p.Kind != ir.BlockPlain || len(b.Phis()) != 0 {
			continue
		}
		l := lf.LoopFor(b)
		if l == ir.NoLoop || lf.LoopFor(p) != l || lf.Header(l) == b || lf.Latch(l) == b {
			continue
		}
		if s := b.UniqueSucc(); s != nil {
			if sl := lf.LoopFor(s); sl != ir.NoLoop && lf.Header(sl) == s {
				continue
			}
		}
		if ir.MergeIntoPred(b, lf) {
			c.log.Debug().Stringer("block", b).Stringer("into", p).Msg("merged block")
		}
	}
}

// dedicateExits splits the in-loop edges into exit blocks that are also
// reached from outside the loop.
func (c *canonicalizer) dedicateExits() {
	lf := c.lf
	for _, id := range c.loops() {
		for _, e := range lf.ExitBlocks(id) {
			var inside []*ir.Block
			outside := false
			for _, p := range e.Preds {
				if lf.Contains(id, p) {
					if !slices.Contains(inside, p) {
						inside = append(inside, p)
					}
				} else {
					outside = true
				}
			}
			if !outside || len(inside) == 0 {
				continue
			}
			ne := c.splitExit(id, e, inside)
			c.log.Debug().Stringer("exit", e).Stringer("dedicated", ne).Msg("dedicated loop exit")
		}
	}
}

func (c *canonicalizer) splitExit(id ir.LoopID, e *ir.Block, inside []*ir.Block) *ir.Block {
	ne := c.f.NewBlock(e.Name + ".exit")
	from := make(map[*ir.Block]bool, len(inside))
	for _, p := range inside {
		from[p] = true
		p.ReplaceSucc(e, ne)
	}
	ne.SetPlain(e)
	for _, phi := range slices.Clone(e.Phis()) {
		var vals []*ir.Value
		var preds []*ir.Block
		for i := 0; i < len(phi.Args); {
			if from[phi.Incoming[i]] {
				vals = append(vals, phi.Args[i])
				preds = append(preds, phi.Incoming[i])
				phi.RemoveIncoming(i)
				continue
			}
			i++
		}
		np := ne.NewPhi()
		np.Type, np.Name = phi.Type, phi.Name
		for i, v := range vals {
			np.AddIncoming(v, preds[i])
		}
		phi.AddIncoming(np, ne)
	}
	l := c.lf.Parent(id)
	for l != ir.NoLoop && !c.lf.Contains(l, e) {
		l = c.lf.Parent(l)
	}
	if l != ir.NoLoop {
		c.lf.AddBlockToLoop(ne, l)
	}
	return ne
}
