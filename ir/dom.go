package ir

import (
	"errors"
	"fmt"
)

// DomTree is the dominator tree of a function, computed with the
// iterative algorithm of Cooper, Harvey and Kennedy ("A Simple, Fast
// Dominance Algorithm").
type DomTree struct {
	f        *Func
	idom     map[*Block]*Block
	children map[*Block][]*Block
	// pre/post numbering of the tree for constant-time queries.
	pre, post map[*Block]int
}

// NewDomTree computes the dominator tree of f.
func NewDomTree(f *Func) *DomTree {
	d := &DomTree{f: f}
	d.Recalculate()
	return d
}

// Recalculate recomputes the tree from the current CFG.
func (d *DomTree) Recalculate() {
	d.idom = dominators(d.f)
	d.children = make(map[*Block][]*Block, len(d.idom))
	for _, b := range d.f.Blocks {
		if p, ok := d.idom[b]; ok && p != nil {
			d.children[p] = append(d.children[p], b)
		}
	}
	d.number()
}

func dominators(f *Func) map[*Block]*Block {
	post := f.Postorder()
	idom := make(map[*Block]*Block, len(post))
	if len(post) == 0 {
		return idom
	}
	num := make(map[*Block]int, len(post))
	for i, b := range post {
		num[b] = i
	}
	entry := f.Entry
	idom[entry] = entry

	changed := true
	for changed {
		changed = false
		// reverse postorder, skipping the entry
		for i := len(post) - 2; i >= 0; i-- {
			b := post[i]
			var d *Block
			for _, p := range b.Preds {
				if _, ok := idom[p]; !ok {
					continue
				}
				if d == nil {
					d = p
					continue
				}
				d = intersect(idom, num, d, p)
			}
			if idom[b] != d {
				idom[b] = d
				changed = true
			}
		}
	}
	idom[entry] = nil
	return idom
}

func intersect(idom map[*Block]*Block, num map[*Block]int, b, c *Block) *Block {
	for b != c {
		for num[b] < num[c] {
			b = idom[b]
		}
		for num[c] < num[b] {
			c = idom[c]
		}
	}
	return b
}

func (d *DomTree) number() {
	d.pre = make(map[*Block]int, len(d.idom))
	d.post = make(map[*Block]int, len(d.idom))
	if d.f.Entry == nil {
		return
	}
	n := 0
	type frame struct {
		b *Block
		i int
	}
	stack := []frame{{d.f.Entry, 0}}
	d.pre[d.f.Entry] = n
	n++
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		kids := d.children[top.b]
		if top.i < len(kids) {
			c := kids[top.i]
			top.i++
			d.pre[c] = n
			n++
			stack = append(stack, frame{c, 0})
			continue
		}
		d.post[top.b] = n
		n++
		stack = stack[:len(stack)-1]
	}
}

// Reachable reports whether b is reachable from the entry.
func (d *DomTree) Reachable(b *Block) bool {
	_, ok := d.pre[b]
	return ok
}

// Idom returns the immediate dominator of b (nil for the entry).
func (d *DomTree) Idom(b *Block) *Block { return d.idom[b] }

// Children returns the blocks immediately dominated by b.
func (d *DomTree) Children(b *Block) []*Block { return d.children[b] }

// Dominates reports whether a dominates b. Every block dominates itself;
// unreachable blocks are dominated by everything.
func (d *DomTree) Dominates(a, b *Block) bool {
	if !d.Reachable(b) {
		return true
	}
	if !d.Reachable(a) {
		return false
	}
	return d.pre[a] <= d.pre[b] && d.post[b] <= d.post[a]
}

// DominatesUse reports whether def is available at use u.
func (d *DomTree) DominatesUse(def *Value, u Use) bool {
	if !def.IsInstr() {
		return true
	}
	ub := u.UseBlock()
	if def.Block != ub {
		return d.Dominates(def.Block, ub)
	}
	if u.User == nil || u.User.Op == OpPhi {
		// control use, or phi use at the end of the incoming block
		return true
	}
	return def.Index() < u.User.Index()
}

// DomUpdateKind distinguishes edge insertions from deletions.
type DomUpdateKind uint8

const (
	DomInsert DomUpdateKind = iota
	DomDelete
)

// DomUpdate describes one CFG edge change.
type DomUpdate struct {
	Kind     DomUpdateKind
	From, To *Block
}

// ErrStaleUpdate is returned when an update batch disagrees with the CFG.
var ErrStaleUpdate = errors.New("ir: dominator update does not match CFG")

// ApplyUpdates brings the tree up to date with a batch of edge changes
// that have already been applied to the CFG. Later updates of an edge
// supersede earlier ones. The batch is checked as a whole; on error the
// tree is left unchanged.
func (d *DomTree) ApplyUpdates(updates []DomUpdate) error {
	type edge struct{ from, to *Block }
	last := make(map[edge]int, len(updates))
	for i, u := range updates {
		last[edge{u.From, u.To}] = i
	}
	for i, u := range updates {
		if last[edge{u.From, u.To}] != i {
			continue
		}
		has := u.From.HasSucc(u.To)
		switch u.Kind {
		case DomInsert:
			if !has {
				return fmt.Errorf("%w: insert %s->%s", ErrStaleUpdate, u.From, u.To)
			}
		case DomDelete:
			if has {
				return fmt.Errorf("%w: delete %s->%s", ErrStaleUpdate, u.From, u.To)
			}
		}
	}
	d.Recalculate()
	return nil
}

// Verify compares the tree against a fresh computation.
func (d *DomTree) Verify() error {
	fresh := dominators(d.f)
	if len(fresh) != len(d.idom) {
		return fmt.Errorf("ir: dominator tree covers %d blocks, want %d", len(d.idom), len(fresh))
	}
	for b, want := range fresh {
		if got, ok := d.idom[b]; !ok || got != want {
			return fmt.Errorf("ir: idom(%s) = %v, want %v", b, got, want)
		}
	}
	return nil
}
