package ir

import (
	"fmt"
	"sort"
	"strings"
)

// LoopID indexes a loop in its forest's arena.
type LoopID int32

// NoLoop is the LoopID of "not in any loop" and of the forest root.
const NoLoop LoopID = -1

// Loop is a natural loop. Hierarchy links are arena indices.
type Loop struct {
	ID       LoopID
	Header   *Block
	Parent   LoopID
	Children []LoopID

	// Blocks lists the loop body, header first, including blocks of
	// nested loops.
	Blocks []*Block
	set    map[*Block]bool
}

// LoopForest holds every loop of a function.
type LoopForest struct {
	Func     *Func
	TopLevel []LoopID

	loops     []*Loop
	blockLoop map[*Block]LoopID // innermost loop of each block
}

// DetectLoops reconstructs the loop hierarchy using dominance: every edge
// B->H where H dominates B is a back edge of the loop headed by H.
func DetectLoops(f *Func, dom *DomTree) *LoopForest {
	lf := &LoopForest{Func: f, blockLoop: make(map[*Block]LoopID)}

	headerToLatches := make(map[*Block][]*Block)
	var headers []*Block
	for _, b := range f.Blocks {
		if !dom.Reachable(b) {
			continue
		}
		for _, succ := range b.Succs {
			if dom.Dominates(succ, b) {
				if _, exists := headerToLatches[succ]; !exists {
					headers = append(headers, succ)
				}
				headerToLatches[succ] = append(headerToLatches[succ], b)
			}
		}
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].ID < headers[j].ID })

	for _, header := range headers {
		l := &Loop{
			ID:     LoopID(len(lf.loops)),
			Header: header,
			Parent: NoLoop,
			set:    make(map[*Block]bool),
		}
		constructLoopBody(l, headerToLatches[header])
		lf.loops = append(lf.loops, l)
	}

	// The innermost container is the smallest loop holding the header.
	for _, child := range lf.loops {
		best := NoLoop
		bestSize := int(^uint(0) >> 1)
		for _, cand := range lf.loops {
			if cand == child || !cand.set[child.Header] {
				continue
			}
			if len(cand.Blocks) < bestSize {
				bestSize = len(cand.Blocks)
				best = cand.ID
			}
		}
		child.Parent = best
		if best == NoLoop {
			lf.TopLevel = append(lf.TopLevel, child.ID)
		} else {
			lf.loops[best].Children = append(lf.loops[best].Children, child.ID)
		}
	}

	for _, l := range lf.loops {
		for _, b := range l.Blocks {
			cur, ok := lf.blockLoop[b]
			if !ok || len(lf.loops[cur].Blocks) > len(l.Blocks) {
				lf.blockLoop[b] = l.ID
			}
		}
	}
	return lf
}

// constructLoopBody walks predecessors backwards from the latches until
// the header is reached.
func constructLoopBody(l *Loop, latches []*Block) {
	l.add(l.Header)
	var worklist []*Block
	for _, b := range latches {
		if !l.set[b] {
			l.add(b)
		}
		worklist = append(worklist, b)
	}
	for len(worklist) > 0 {
		curr := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if curr == l.Header {
			continue
		}
		for _, p := range curr.Preds {
			if !l.set[p] {
				l.add(p)
				worklist = append(worklist, p)
			}
		}
	}
	// header first, then by ID
	rest := l.Blocks[1:]
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
}

func (l *Loop) add(b *Block) {
	l.set[b] = true
	l.Blocks = append(l.Blocks, b)
}

func (l *Loop) remove(b *Block) {
	if !l.set[b] {
		return
	}
	delete(l.set, b)
	for i, x := range l.Blocks {
		if x == b {
			l.Blocks = append(l.Blocks[:i], l.Blocks[i+1:]...)
			return
		}
	}
}

// Contains reports whether b belongs to l (or a loop nested in it).
func (l *Loop) Contains(b *Block) bool { return l.set[b] }

// Loop returns the loop with the given ID.
func (lf *LoopForest) Loop(id LoopID) *Loop { return lf.loops[id] }

// NumLoops returns the size of the arena.
func (lf *LoopForest) NumLoops() int { return len(lf.loops) }

// LoopFor returns the innermost loop containing b, or NoLoop.
func (lf *LoopForest) LoopFor(b *Block) LoopID {
	if id, ok := lf.blockLoop[b]; ok {
		return id
	}
	return NoLoop
}

// Contains reports whether block b is inside loop id.
func (lf *LoopForest) Contains(id LoopID, b *Block) bool {
	return lf.loops[id].set[b]
}

// ContainsValue reports whether instruction v is placed inside loop id.
func (lf *LoopForest) ContainsValue(id LoopID, v *Value) bool {
	return v.Block != nil && lf.loops[id].set[v.Block]
}

// ContainsLoop reports whether inner is outer or nested inside it.
func (lf *LoopForest) ContainsLoop(outer, inner LoopID) bool {
	for id := inner; id != NoLoop; id = lf.loops[id].Parent {
		if id == outer {
			return true
		}
	}
	return false
}

// IsLoopInvariant reports whether v is defined outside loop id.
func (lf *LoopForest) IsLoopInvariant(id LoopID, v *Value) bool {
	return !v.IsInstr() || !lf.ContainsValue(id, v)
}

// Header returns the header block of loop id.
func (lf *LoopForest) Header(id LoopID) *Block { return lf.loops[id].Header }

// Parent returns the parent of loop id, or NoLoop.
func (lf *LoopForest) Parent(id LoopID) LoopID { return lf.loops[id].Parent }

// SubLoops returns the immediate children of loop id.
func (lf *LoopForest) SubLoops(id LoopID) []LoopID { return lf.loops[id].Children }

// Depth returns 1 for top-level loops.
func (lf *LoopForest) Depth(id LoopID) int {
	d := 0
	for ; id != NoLoop; id = lf.loops[id].Parent {
		d++
	}
	return d
}

// NumBackEdges counts in-loop predecessors of the header.
func (lf *LoopForest) NumBackEdges(id LoopID) int {
	l := lf.loops[id]
	n := 0
	for _, p := range l.Header.Preds {
		if l.set[p] {
			n++
		}
	}
	return n
}

// Latch returns the unique in-loop predecessor of the header, or nil.
func (lf *LoopForest) Latch(id LoopID) *Block {
	l := lf.loops[id]
	var latch *Block
	for _, p := range l.Header.Preds {
		if !l.set[p] {
			continue
		}
		if latch != nil && latch != p {
			return nil
		}
		latch = p
	}
	return latch
}

// LoopPredecessor returns the unique out-of-loop predecessor of the
// header, or nil.
func (lf *LoopForest) LoopPredecessor(id LoopID) *Block {
	l := lf.loops[id]
	var pred *Block
	for _, p := range l.Header.Preds {
		if l.set[p] {
			continue
		}
		if pred != nil && pred != p {
			return nil
		}
		pred = p
	}
	return pred
}

// Preheader returns the loop predecessor when it branches only to the
// header, or nil.
func (lf *LoopForest) Preheader(id LoopID) *Block {
	p := lf.LoopPredecessor(id)
	if p == nil || p.Kind != BlockPlain || p.UniqueSucc() != lf.loops[id].Header {
		return nil
	}
	return p
}

// ExitingBlocks returns the loop blocks with a successor outside the loop.
func (lf *LoopForest) ExitingBlocks(id LoopID) []*Block {
	l := lf.loops[id]
	var out []*Block
	for _, b := range l.Blocks {
		for _, s := range b.Succs {
			if !l.set[s] {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// ExitingBlock returns the single exiting block, or nil.
func (lf *LoopForest) ExitingBlock(id LoopID) *Block {
	ex := lf.ExitingBlocks(id)
	if len(ex) != 1 {
		return nil
	}
	return ex[0]
}

// ExitBlocks returns the distinct blocks outside the loop reached from it.
func (lf *LoopForest) ExitBlocks(id LoopID) []*Block {
	l := lf.loops[id]
	seen := make(map[*Block]bool)
	var out []*Block
	for _, b := range l.Blocks {
		for _, s := range b.Succs {
			if !l.set[s] && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// ExitBlock returns the unique exit block, or nil.
func (lf *LoopForest) ExitBlock(id LoopID) *Block {
	ex := lf.ExitBlocks(id)
	if len(ex) != 1 {
		return nil
	}
	return ex[0]
}

// AddBlockEntry adds b to the body of loop id only.
func (lf *LoopForest) AddBlockEntry(id LoopID, b *Block) {
	if !lf.loops[id].set[b] {
		lf.loops[id].add(b)
	}
}

// RemoveBlockFromLoop drops b from the body of loop id only.
func (lf *LoopForest) RemoveBlockFromLoop(id LoopID, b *Block) {
	lf.loops[id].remove(b)
}

// ChangeLoopFor sets the innermost loop of b. NoLoop clears it.
func (lf *LoopForest) ChangeLoopFor(b *Block, id LoopID) {
	if id == NoLoop {
		delete(lf.blockLoop, b)
		return
	}
	lf.blockLoop[b] = id
}

// AddBlockToLoop adds b to loop id and all of its ancestors, making id
// the innermost loop of b. NoLoop only clears the mapping.
func (lf *LoopForest) AddBlockToLoop(b *Block, id LoopID) {
	lf.ChangeLoopFor(b, id)
	for ; id != NoLoop; id = lf.loops[id].Parent {
		lf.AddBlockEntry(id, b)
	}
}

// AddChild makes child a subloop of parent.
func (lf *LoopForest) AddChild(parent, child LoopID) {
	lf.loops[child].Parent = parent
	lf.loops[parent].Children = append(lf.loops[parent].Children, child)
}

// RemoveChild detaches child from parent.
func (lf *LoopForest) RemoveChild(parent, child LoopID) {
	p := lf.loops[parent]
	for i, c := range p.Children {
		if c == child {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	lf.loops[child].Parent = NoLoop
}

// ChangeTopLevel replaces old with new in the list of top-level loops.
func (lf *LoopForest) ChangeTopLevel(old, new LoopID) {
	for i, id := range lf.TopLevel {
		if id == old {
			lf.TopLevel[i] = new
			lf.loops[new].Parent = NoLoop
			return
		}
	}
}

// Verify checks the forest against a freshly detected one.
func (lf *LoopForest) Verify(dom *DomTree) error {
	fresh := DetectLoops(lf.Func, dom)
	byHeader := make(map[*Block]*Loop)
	for _, l := range lf.loops {
		byHeader[l.Header] = l
	}
	if len(fresh.loops) != len(lf.loops) {
		return fmt.Errorf("ir: forest has %d loops, CFG has %d", len(lf.loops), len(fresh.loops))
	}
	for _, want := range fresh.loops {
		got, ok := byHeader[want.Header]
		if !ok {
			return fmt.Errorf("ir: no loop headed by %s", want.Header)
		}
		if len(got.set) != len(want.set) {
			return fmt.Errorf("ir: loop %s has %d blocks, want %d", want.Header, len(got.set), len(want.set))
		}
		for b := range want.set {
			if !got.set[b] {
				return fmt.Errorf("ir: loop %s lacks %s", want.Header, b)
			}
		}
		wantParent, gotParent := "<none>", "<none>"
		if want.Parent != NoLoop {
			wantParent = fresh.loops[want.Parent].Header.String()
		}
		if got.Parent != NoLoop {
			gotParent = lf.loops[got.Parent].Header.String()
		}
		if wantParent != gotParent {
			return fmt.Errorf("ir: parent of loop %s is %s, want %s", want.Header, gotParent, wantParent)
		}
		for _, c := range got.Children {
			if lf.loops[c].Parent != got.ID {
				return fmt.Errorf("ir: child %s of %s has a different parent", lf.loops[c].Header, got.Header)
			}
		}
	}
	for _, b := range lf.Func.Blocks {
		w, g := fresh.LoopFor(b), lf.LoopFor(b)
		if (w == NoLoop) != (g == NoLoop) || (w != NoLoop && fresh.loops[w].Header != lf.loops[g].Header) {
			return fmt.Errorf("ir: innermost loop of %s disagrees with CFG", b)
		}
	}
	return nil
}

// String dumps the forest, one loop per line, indented by depth.
func (lf *LoopForest) String() string {
	var sb strings.Builder
	var walk func(id LoopID, depth int)
	walk = func(id LoopID, depth int) {
		l := lf.loops[id]
		fmt.Fprintf(&sb, "%sloop %s:", strings.Repeat("  ", depth), l.Header)
		for _, b := range l.Blocks {
			fmt.Fprintf(&sb, " %s", b)
		}
		sb.WriteByte('\n')
		for _, c := range l.Children {
			walk(c, depth+1)
		}
	}
	for _, id := range lf.TopLevel {
		walk(id, 0)
	}
	return sb.String()
}
