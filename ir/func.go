package ir

import (
	"go/constant"
	"go/types"
	"sort"
)

// Func is a function in SSA form.
type Func struct {
	Name   string
	Blocks []*Block
	Entry  *Block
	Params []*Value

	// Globals and constants referenced by the function, in creation order.
	Globals []*Value
	consts  map[constKey]*Value

	nextValue ID
	nextBlock ID
}

type constKey struct {
	typ types.Type
	val int64
}

// NewFunc returns an empty function.
func NewFunc(name string) *Func {
	return &Func{Name: name, consts: make(map[constKey]*Value)}
}

// NewBlock appends a new block with no terminator to f. The first block
// created becomes the entry.
func (f *Func) NewBlock(name string) *Block {
	b := &Block{ID: f.nextBlock, Name: name, Func: f}
	f.nextBlock++
	f.Blocks = append(f.Blocks, b)
	if f.Entry == nil {
		f.Entry = b
	}
	return b
}

// NumBlocks returns an upper bound on block IDs.
func (f *Func) NumBlocks() int { return int(f.nextBlock) }

// NumValues returns an upper bound on value IDs.
func (f *Func) NumValues() int { return int(f.nextValue) }

func (f *Func) newValue(op Op, typ types.Type) *Value {
	v := &Value{ID: f.nextValue, Op: op, Type: typ}
	f.nextValue++
	return v
}

// NewParam appends a parameter.
func (f *Func) NewParam(name string, typ types.Type) *Value {
	v := f.newValue(OpParam, typ)
	v.Name = name
	v.AuxInt = int64(len(f.Params))
	f.Params = append(f.Params, v)
	return v
}

// NewGlobal declares a package-level variable; its type is the pointer
// to the variable's storage.
func (f *Func) NewGlobal(name string, typ types.Type) *Value {
	v := f.newValue(OpGlobal, typ)
	v.Name = name
	v.Aux = name
	f.Globals = append(f.Globals, v)
	return v
}

// ConstInt returns the (shared) integer constant c of type typ.
func (f *Func) ConstInt(typ types.Type, c int64) *Value {
	if f.consts == nil {
		f.consts = make(map[constKey]*Value)
	}
	k := constKey{typ, c}
	if v, ok := f.consts[k]; ok {
		return v
	}
	v := f.newValue(OpConst, typ)
	v.AuxInt = c
	f.consts[k] = v
	return v
}

// Const returns a new constant with an arbitrary go/constant payload.
func (f *Func) Const(typ types.Type, c constant.Value) *Value {
	if c != nil && c.Kind() == constant.Int {
		if i, ok := constant.Int64Val(c); ok {
			return f.ConstInt(typ, i)
		}
	}
	v := f.newValue(OpConst, typ)
	v.Aux = c
	return v
}

// NewValue creates an instruction that is not yet placed in a block.
func (f *Func) NewValue(op Op, typ types.Type, args ...*Value) *Value {
	v := f.newValue(op, typ)
	v.Args = append(v.Args, args...)
	return v
}

// CloneValue returns an unplaced copy of v with a fresh ID.
func (f *Func) CloneValue(v *Value) *Value {
	c := f.newValue(v.Op, v.Type)
	c.Args = append([]*Value(nil), v.Args...)
	c.Incoming = append([]*Block(nil), v.Incoming...)
	c.AuxInt = v.AuxInt
	c.Aux = v.Aux
	c.Flags = v.Flags
	return c
}

// Use is one use of a value: an argument of User, or the control of
// Block when User is nil.
type Use struct {
	User  *Value
	Block *Block
	Index int
}

// UseBlock returns the block in which the use must be dominated by the
// definition: the incoming block for phi arguments.
func (u Use) UseBlock() *Block {
	if u.User != nil && u.User.Op == OpPhi {
		return u.User.Incoming[u.Index]
	}
	return u.Block
}

// Uses returns every use of v in f in block order.
func (f *Func) Uses(v *Value) []Use {
	var uses []Use
	for _, b := range f.Blocks {
		for _, w := range b.Values {
			for i, a := range w.Args {
				if a == v {
					uses = append(uses, Use{User: w, Block: b, Index: i})
				}
			}
		}
		if b.Control == v {
			uses = append(uses, Use{Block: b})
		}
	}
	return uses
}

// Users returns the distinct instructions using v, in block order.
func (f *Func) Users(v *Value) []*Value {
	var users []*Value
	seen := make(map[*Value]bool)
	for _, u := range f.Uses(v) {
		if u.User != nil && !seen[u.User] {
			seen[u.User] = true
			users = append(users, u.User)
		}
	}
	return users
}

// Set rewrites the value used at u.
func (u Use) Set(v *Value) {
	if u.User == nil {
		u.Block.Control = v
		return
	}
	u.User.Args[u.Index] = v
}

// ReplaceAllUsesWith redirects every use of old to new.
func (f *Func) ReplaceAllUsesWith(old, new *Value) {
	for _, u := range f.Uses(old) {
		u.Set(new)
	}
}

// RemoveBlock deletes an unreachable block from f and from its
// successors' predecessor lists and phis.
func (f *Func) RemoveBlock(b *Block) {
	for _, s := range b.Succs {
		s.removePred(b)
		for _, p := range s.Phis() {
			p.RemoveIncomingFrom(b)
		}
	}
	b.Succs = nil
	for i, x := range f.Blocks {
		if x == b {
			f.Blocks = append(f.Blocks[:i], f.Blocks[i+1:]...)
			break
		}
	}
}

// Postorder returns the blocks reachable from the entry in postorder.
func (f *Func) Postorder() []*Block {
	seen := make(map[*Block]bool, len(f.Blocks))
	order := make([]*Block, 0, len(f.Blocks))
	type frame struct {
		b *Block
		i int
	}
	if f.Entry == nil {
		return nil
	}
	stack := []frame{{f.Entry, 0}}
	seen[f.Entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.i < len(top.b.Succs) {
			s := top.b.Succs[top.i]
			top.i++
			if !seen[s] {
				seen[s] = true
				stack = append(stack, frame{s, 0})
			}
			continue
		}
		order = append(order, top.b)
		stack = stack[:len(stack)-1]
	}
	return order
}

// RemoveUnreachable deletes blocks not reachable from the entry.
func (f *Func) RemoveUnreachable() bool {
	reach := make(map[*Block]bool)
	for _, b := range f.Postorder() {
		reach[b] = true
	}
	var dead []*Block
	for _, b := range f.Blocks {
		if !reach[b] {
			dead = append(dead, b)
		}
	}
	for _, b := range dead {
		f.RemoveBlock(b)
	}
	return len(dead) > 0
}

// SortBlocks orders f.Blocks by ID.
func (f *Func) SortBlocks() {
	sort.SliceStable(f.Blocks, func(i, j int) bool { return f.Blocks[i].ID < f.Blocks[j].ID })
}

// DeadCodeElim removes instructions without uses and without side effects.
func DeadCodeElim(f *Func) bool {
	changed := false
	for {
		used := make(map[*Value]bool)
		for _, b := range f.Blocks {
			for _, v := range b.Values {
				for _, a := range v.Args {
					used[a] = true
				}
			}
			if b.Control != nil {
				used[b.Control] = true
			}
		}
		removed := false
		for _, b := range f.Blocks {
			kept := b.Values[:0]
			for _, v := range b.Values {
				if !used[v] && !v.MayHaveSideEffects() && v.Op != OpCall {
					v.Block = nil
					removed = true
					continue
				}
				kept = append(kept, v)
			}
			for i := len(kept); i < len(b.Values); i++ {
				b.Values[i] = nil
			}
			b.Values = kept
		}
		if !removed {
			return changed
		}
		changed = true
	}
}
