// Package irtest builds small IR functions for tests.
package irtest

import (
	"fmt"
	"go/types"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

var (
	Int     = types.Typ[types.Int]
	Float64 = types.Typ[types.Float64]
	Bool    = types.Typ[types.Bool]
)

// Level is one loop of a Nest in rotated (latch-exiting) form:
//
//	Preheader -> Header -> ... -> Latch -(IV < Bound)-> Header | Exit
type Level struct {
	Preheader *ir.Block
	Header    *ir.Block
	Latch     *ir.Block
	Exit      *ir.Block

	IV     *ir.Value
	IVNext *ir.Value
	Cond   *ir.Value
	Bound  *ir.Value
}

// Nest is a perfect loop nest. Body is the innermost header; tests append
// memory operations to it.
type Nest struct {
	F      *ir.Func
	Levels []*Level
	Body   *ir.Block
	Return *ir.Block
}

// NewNest builds a perfect nest with one level per bound. A bound of 0
// or less makes that level's trip count a parameter.
func NewNest(name string, bounds ...int64) *Nest {
	f := ir.NewFunc(name)
	n := &Nest{F: f}
	depth := len(bounds)

	entry := f.NewBlock("entry")
	n.Levels = make([]*Level, depth)
	for k := 0; k < depth; k++ {
		lv := &Level{}
		if k == 0 {
			lv.Preheader = entry
		} else {
			lv.Preheader = f.NewBlock(fmt.Sprintf("ph%d", k))
		}
		lv.Header = f.NewBlock(fmt.Sprintf("h%d", k))
		if bounds[k] > 0 {
			lv.Bound = f.ConstInt(Int, bounds[k])
		} else {
			lv.Bound = f.NewParam(fmt.Sprintf("n%d", k), Int)
		}
		n.Levels[k] = lv
	}
	for k := depth - 1; k >= 0; k-- {
		n.Levels[k].Latch = f.NewBlock(fmt.Sprintf("latch%d", k))
		n.Levels[k].Exit = f.NewBlock(fmt.Sprintf("exit%d", k))
	}
	n.Return = f.NewBlock("ret")
	n.Body = n.Levels[depth-1].Header

	zero := f.ConstInt(Int, 0)
	one := f.ConstInt(Int, 1)
	for k, lv := range n.Levels {
		lv.Preheader.SetPlain(lv.Header)

		lv.IV = lv.Header.NewPhi()
		lv.IV.Type = Int
		lv.IV.Name = fmt.Sprintf("i%d", k)
		lv.IV.AddIncoming(zero, lv.Preheader)

		lv.IVNext = lv.Latch.NewValue(ir.OpAdd, lv.IV, one)
		lv.IVNext.Type = Int
		lv.IVNext.Name = fmt.Sprintf("i%d.next", k)
		lv.Cond = lv.Latch.NewValue(ir.OpLt, lv.IVNext, lv.Bound)
		lv.Cond.Type = Bool
		lv.Cond.Name = fmt.Sprintf("c%d", k)
		lv.Latch.SetIf(lv.Cond, lv.Header, lv.Exit)
		lv.IV.AddIncoming(lv.IVNext, lv.Latch)

		if k+1 < depth {
			lv.Header.SetPlain(n.Levels[k+1].Preheader)
		} else {
			lv.Header.SetPlain(lv.Latch)
		}
		if k > 0 {
			lv.Exit.SetPlain(n.Levels[k-1].Latch)
		} else {
			lv.Exit.SetPlain(n.Return)
		}
	}
	n.Return.SetReturn(nil)
	return n
}

// Analyze computes the dominator tree and loop forest of n.F.
func (n *Nest) Analyze() (*ir.DomTree, *ir.LoopForest) {
	dom := ir.NewDomTree(n.F)
	return dom, ir.DetectLoops(n.F, dom)
}

// Global declares a global array of the given shape and element type and
// returns its address.
func (n *Nest) Global(name string, elem types.Type, dims ...int64) *ir.Value {
	t := elem
	for i := len(dims) - 1; i >= 0; i-- {
		t = types.NewArray(t, dims[i])
	}
	return n.F.NewGlobal(name, types.NewPointer(t))
}

// Addr emits &base[idx0][idx1]... in the body.
func (n *Nest) Addr(base *ir.Value, idx ...*ir.Value) *ir.Value {
	return AddrIn(n.Body, base, idx...)
}

// AddrIn emits &base[idx0][idx1]... at the end of b.
func AddrIn(b *ir.Block, base *ir.Value, idx ...*ir.Value) *ir.Value {
	cur := base
	for _, x := range idx {
		elem := cur.Type.Underlying().(*types.Pointer).Elem()
		var next types.Type
		switch t := elem.Underlying().(type) {
		case *types.Array:
			next = t.Elem()
		case *types.Slice:
			next = t.Elem()
		default:
			panic(fmt.Sprintf("irtest: cannot index %s", elem))
		}
		a := b.NewValue(ir.OpIndexAddr, cur, x)
		a.Type = types.NewPointer(next)
		cur = a
	}
	return cur
}

// Load emits a load of &base[idx...] in the body.
func (n *Nest) Load(base *ir.Value, idx ...*ir.Value) *ir.Value {
	addr := n.Addr(base, idx...)
	v := n.Body.NewValue(ir.OpLoad, addr)
	v.Type = addr.Type.Underlying().(*types.Pointer).Elem()
	return v
}

// Store emits base[idx...] = val in the body.
func (n *Nest) Store(val, base *ir.Value, idx ...*ir.Value) *ir.Value {
	addr := n.Addr(base, idx...)
	return n.Body.NewValue(ir.OpStore, addr, val)
}

// Add emits x + y in the body.
func (n *Nest) Add(x, y *ir.Value) *ir.Value {
	v := n.Body.NewValue(ir.OpAdd, x, y)
	v.Type = x.Type
	return v
}

// Offset emits iv + c in the body.
func (n *Nest) Offset(iv *ir.Value, c int64) *ir.Value {
	return n.Add(iv, n.F.ConstInt(iv.Type, c))
}

// IV returns the induction variable of level k.
func (n *Nest) IV(k int) *ir.Value { return n.Levels[k].IV }

// Reduction threads a sum of elem through every level in LCSSA form:
// a header phi per level, the accumulation in the body, and one exit
// phi per level. It returns the innermost header phi and the value
// leaving the nest.
func (n *Nest) Reduction(name string, elem *ir.Value) (inner, out *ir.Value) {
	f := n.F
	typ := elem.Type
	init := f.ConstInt(typ, 0)

	depth := len(n.Levels)
	phis := make([]*ir.Value, depth)
	in := init
	for k, lv := range n.Levels {
		p := lv.Header.NewPhi()
		p.Type = typ
		p.Name = fmt.Sprintf("%s%d", name, k)
		p.AddIncoming(in, lv.Preheader)
		phis[k] = p
		in = p
	}
	acc := n.Body.NewValue(ir.OpAdd, phis[depth-1], elem)
	acc.Type = typ
	acc.Name = name + ".acc"

	carried := acc
	for k := depth - 1; k >= 0; k-- {
		lv := n.Levels[k]
		phis[k].AddIncoming(carried, lv.Latch)
		e := lv.Exit.NewPhi()
		e.Type = typ
		e.Name = fmt.Sprintf("%s%d.lcssa", name, k)
		e.AddIncoming(carried, lv.Latch)
		carried = e
	}
	return phis[depth-1], carried
}
