package ir

import "fmt"

// BlockKind is the terminator of a block.
type BlockKind uint8

const (
	BlockInvalid BlockKind = iota
	BlockPlain             // goto Succs[0]
	BlockIf                // if Control goto Succs[0] else goto Succs[1]
	BlockReturn            // return Control (may be nil)
	BlockExit              // panic / unreachable
)

func (k BlockKind) String() string {
	switch k {
	case BlockPlain:
		return "Plain"
	case BlockIf:
		return "If"
	case BlockReturn:
		return "Return"
	case BlockExit:
		return "Exit"
	}
	return "Invalid"
}

// Block is a basic block. Its terminator is described by Kind, Control
// and Succs; Values holds the phis first, followed by the body.
type Block struct {
	ID      ID
	Name    string
	Kind    BlockKind
	Values  []*Value
	Control *Value
	Succs   []*Block
	Preds   []*Block
	Func    *Func
}

func (b *Block) String() string {
	if b.Name != "" {
		return fmt.Sprintf("%s.b%d", b.Name, b.ID)
	}
	return fmt.Sprintf("b%d", b.ID)
}

// IsBranch reports whether the terminator is an unconditional or
// conditional branch.
func (b *Block) IsBranch() bool {
	return b.Kind == BlockPlain || b.Kind == BlockIf
}

// Phis returns the leading phi values of b.
func (b *Block) Phis() []*Value {
	return b.Values[:b.FirstNonPhi()]
}

// FirstNonPhi returns the index of the first non-phi value.
func (b *Block) FirstNonPhi() int {
	for i, v := range b.Values {
		if v.Op != OpPhi {
			return i
		}
	}
	return len(b.Values)
}

// UniquePred returns the only predecessor of b, or nil.
func (b *Block) UniquePred() *Block {
	if len(b.Preds) != 1 {
		return nil
	}
	return b.Preds[0]
}

// UniqueSucc returns the only successor of b, or nil. A conditional
// branch with both edges to the same block also has a unique successor.
func (b *Block) UniqueSucc() *Block {
	if len(b.Succs) == 0 {
		return nil
	}
	s := b.Succs[0]
	for _, o := range b.Succs[1:] {
		if o != s {
			return nil
		}
	}
	return s
}

// HasSucc reports whether s is a successor of b.
func (b *Block) HasSucc(s *Block) bool {
	for _, x := range b.Succs {
		if x == s {
			return true
		}
	}
	return false
}

// HasPred reports whether p is a predecessor of b.
func (b *Block) HasPred(p *Block) bool {
	for _, x := range b.Preds {
		if x == p {
			return true
		}
	}
	return false
}

// NewValue appends a new instruction to b.
func (b *Block) NewValue(op Op, args ...*Value) *Value {
	v := b.Func.newValue(op, nil)
	v.Args = append(v.Args, args...)
	v.Block = b
	b.Values = append(b.Values, v)
	return v
}

// NewPhi inserts a new phi with no incoming values after the existing phis.
func (b *Block) NewPhi() *Value {
	v := b.Func.newValue(OpPhi, nil)
	b.InsertValue(v, b.FirstNonPhi())
	return v
}

// InsertValue places v at position idx of b. v must not be in a block.
func (b *Block) InsertValue(v *Value, idx int) {
	if v.Block != nil {
		panic(fmt.Sprintf("ir: %s already placed in %s", v, v.Block))
	}
	b.Values = append(b.Values, nil)
	copy(b.Values[idx+1:], b.Values[idx:])
	b.Values[idx] = v
	v.Block = b
}

// RemoveValue unlinks v from b without touching its uses.
func (b *Block) RemoveValue(v *Value) {
	for i, w := range b.Values {
		if w == v {
			b.Values = append(b.Values[:i], b.Values[i+1:]...)
			v.Block = nil
			return
		}
	}
	panic(fmt.Sprintf("ir: %s not in %s", v, b))
}

// MoveTo moves v from its block to position idx of dst.
func (v *Value) MoveTo(dst *Block, idx int) {
	if v.Block != nil {
		v.Block.RemoveValue(v)
	}
	if idx > len(dst.Values) {
		idx = len(dst.Values)
	}
	dst.InsertValue(v, idx)
}

// MoveToEnd moves v just before dst's terminator.
func (v *Value) MoveToEnd(dst *Block) {
	if v.Block != nil {
		v.Block.RemoveValue(v)
	}
	dst.InsertValue(v, len(dst.Values))
}

func (b *Block) addEdgeTo(s *Block) {
	b.Succs = append(b.Succs, s)
	s.Preds = append(s.Preds, b)
}

func (b *Block) clearSuccs() {
	for _, s := range b.Succs {
		s.removePred(b)
	}
	b.Succs = nil
}

func (b *Block) removePred(p *Block) {
	for i, x := range b.Preds {
		if x == p {
			b.Preds = append(b.Preds[:i], b.Preds[i+1:]...)
			return
		}
	}
}

// SetPlain makes b branch unconditionally to s.
func (b *Block) SetPlain(s *Block) {
	b.clearSuccs()
	b.Kind = BlockPlain
	b.Control = nil
	b.addEdgeTo(s)
}

// SetIf makes b branch to then when cond holds and to els otherwise.
func (b *Block) SetIf(cond *Value, then, els *Block) {
	b.clearSuccs()
	b.Kind = BlockIf
	b.Control = cond
	b.addEdgeTo(then)
	b.addEdgeTo(els)
}

// SetReturn makes b return v (which may be nil).
func (b *Block) SetReturn(v *Value) {
	b.clearSuccs()
	b.Kind = BlockReturn
	b.Control = v
}

// SetExit makes b terminate the function abnormally.
func (b *Block) SetExit() {
	b.clearSuccs()
	b.Kind = BlockExit
	b.Control = nil
}

// ReplaceSucc redirects every edge b->old to b->new and returns the
// number of edges changed. Phis are not touched.
func (b *Block) ReplaceSucc(old, new *Block) int {
	n := 0
	for i, s := range b.Succs {
		if s != old {
			continue
		}
		b.Succs[i] = new
		old.removePred(b)
		new.Preds = append(new.Preds, b)
		n++
	}
	return n
}

// ReplacePhiUsesWith retargets the incoming blocks of b's phis from old
// to new.
func (b *Block) ReplacePhiUsesWith(old, new *Block) {
	for _, p := range b.Phis() {
		p.SetIncomingBlock(old, new)
	}
}
