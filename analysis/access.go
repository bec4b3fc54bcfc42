package analysis

import (
	"go/types"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// AccessOptions control how memory addresses are decomposed.
type AccessOptions struct {
	// AssumeDisjointRows lets access paths continue through loads of row
	// addresses, treating the rows of a [][]T as distinct objects.
	AssumeDisjointRows bool
}

// AccessPath is the decomposition of an address into a root object and
// a list of subscripts, outermost first.
type AccessPath struct {
	Root *ir.Value
	Subs []*ir.Value
	// Fields marks subscripts that are field numbers (Subs entry is nil).
	Fields []int64
	// Addrs holds the address computed by each subscript.
	Addrs []*ir.Value
	// Elem is the type of the accessed element.
	Elem types.Type
}

// Depth returns the number of subscripts.
func (p *AccessPath) Depth() int { return len(p.Subs) }

// PointerOperand returns the address operand of a load or store.
func PointerOperand(v *ir.Value) *ir.Value {
	switch v.Op {
	case ir.OpLoad, ir.OpStore:
		return v.Args[0]
	}
	return nil
}

// AccessedType returns the type read or written by a load or store.
func AccessedType(v *ir.Value) types.Type {
	switch v.Op {
	case ir.OpLoad:
		return v.Type
	case ir.OpStore:
		return v.Args[1].Type
	}
	return nil
}

// PathOf decomposes the address of a load or store.
func PathOf(mem *ir.Value, opts AccessOptions) *AccessPath {
	addr := PointerOperand(mem)
	if addr == nil {
		return nil
	}
	p := &AccessPath{Elem: AccessedType(mem)}
	var subs, addrs []*ir.Value
	var fields []int64
	cur := addr
walk:
	for {
		switch cur.Op {
		case ir.OpIndexAddr:
			subs = append(subs, cur.Args[1])
			fields = append(fields, -1)
			addrs = append(addrs, cur)
			cur = cur.Args[0]
		case ir.OpFieldAddr:
			subs = append(subs, nil)
			fields = append(fields, cur.AuxInt)
			addrs = append(addrs, cur)
			cur = cur.Args[0]
		case ir.OpLoad:
			if !opts.AssumeDisjointRows || !cur.IsSimple() {
				break walk
			}
			next := cur.Args[0]
			if next.Op != ir.OpIndexAddr && next.Op != ir.OpFieldAddr {
				break walk
			}
			cur = next
		case ir.OpCopy, ir.OpConvert:
			if !isPointerLike(cur.Type) || !isPointerLike(cur.Args[0].Type) {
				break walk
			}
			cur = cur.Args[0]
		default:
			break walk
		}
	}
	p.Root = cur
	for i := len(subs) - 1; i >= 0; i-- {
		p.Subs = append(p.Subs, subs[i])
		p.Fields = append(p.Fields, fields[i])
		p.Addrs = append(p.Addrs, addrs[i])
	}
	return p
}

func isPointerLike(t types.Type) bool {
	if t == nil {
		return false
	}
	switch t.Underlying().(type) {
	case *types.Pointer, *types.Slice:
		return true
	}
	return false
}

func isIntegerType(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsInteger != 0
}

// distinctObjects reports whether two roots are known to name different
// storage.
func distinctObjects(a, b *ir.Value) bool {
	if a == b {
		return false
	}
	isObj := func(v *ir.Value) bool { return v.Op == ir.OpGlobal || v.Op == ir.OpAlloc }
	return isObj(a) && isObj(b)
}
