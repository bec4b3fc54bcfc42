package analysis

import (
	"github.com/BlackVectorOps/loopinterchange/ir"
)

// RecurKind is the operation a reduction accumulates with.
type RecurKind uint8

const (
	RecurNone RecurKind = iota
	RecurAdd
	RecurMul
	RecurAnd
	RecurOr
	RecurXor
	RecurFAdd
	RecurFMul
)

func (k RecurKind) String() string {
	switch k {
	case RecurAdd:
		return "add"
	case RecurMul:
		return "mul"
	case RecurAnd:
		return "and"
	case RecurOr:
		return "or"
	case RecurXor:
		return "xor"
	case RecurFAdd:
		return "fadd"
	case RecurFMul:
		return "fmul"
	}
	return "none"
}

// IsFloatingPoint reports whether k accumulates floating point values.
func (k RecurKind) IsFloatingPoint() bool { return k == RecurFAdd || k == RecurFMul }

// RecurrenceDescriptor describes a reduction carried by a header phi.
type RecurrenceDescriptor struct {
	Phi   *ir.Value
	Kind  RecurKind
	Start *ir.Value
	// Ops is the accumulation chain from the phi to the value fed back
	// through the latch.
	Ops []*ir.Value
	// ExactFPMathInst is the first floating point op of the chain that
	// may not be reassociated, or nil.
	ExactFPMathInst *ir.Value
}

func recurKindOf(v *ir.Value) RecurKind {
	float := v.IsFloat()
	switch v.Op {
	case ir.OpAdd, ir.OpSub:
		if float {
			return RecurFAdd
		}
		return RecurAdd
	case ir.OpMul:
		if float {
			return RecurFMul
		}
		return RecurMul
	case ir.OpAnd:
		if !float {
			return RecurAnd
		}
	case ir.OpOr:
		if !float {
			return RecurOr
		}
	case ir.OpXor:
		if !float {
			return RecurXor
		}
	}
	return RecurNone
}

// IsReductionPHI recognizes phi as a reduction of loop l: a header phi
// whose latch value is produced from the phi by a chain of single-use
// operations of one kind, the chain feeding only the next link inside
// the loop.
func (se *ScalarEvolution) IsReductionPHI(phi *ir.Value, l ir.LoopID) (*RecurrenceDescriptor, bool) {
	lf := se.lf
	if phi.Op != ir.OpPhi || phi.Block != lf.Header(l) || len(phi.Args) != 2 {
		return nil, false
	}
	var start, latchVal *ir.Value
	for i, in := range phi.Incoming {
		if lf.Contains(l, in) {
			latchVal = phi.Args[i]
		} else {
			start = phi.Args[i]
		}
	}
	if start == nil || latchVal == nil || !lf.ContainsValue(l, latchVal) {
		return nil, false
	}

	rd := &RecurrenceDescriptor{Phi: phi, Start: start}
	inChain := map[*ir.Value]bool{phi: true}
	cur := phi
	for steps := 0; cur != latchVal; steps++ {
		if steps > se.f.NumValues() {
			return nil, false
		}
		users := se.inLoopUsers(cur, l)
		if len(users) != 1 {
			return nil, false
		}
		next := users[0]
		kind := recurKindOf(next)
		if kind == RecurNone || (rd.Kind != RecurNone && kind != rd.Kind) {
			return nil, false
		}
		if len(next.Args) != 2 || (next.Args[0] == cur) == (next.Args[1] == cur) {
			return nil, false
		}
		other := next.Args[0]
		if other == cur {
			other = next.Args[1]
		}
		if inChain[other] {
			return nil, false
		}
		if next.Op == ir.OpSub && next.Args[0] != cur {
			return nil, false
		}
		rd.Kind = kind
		if kind.IsFloatingPoint() && next.Flags&ir.FlagReassoc == 0 && rd.ExactFPMathInst == nil {
			rd.ExactFPMathInst = next
		}
		rd.Ops = append(rd.Ops, next)
		inChain[next] = true
		cur = next
	}
	// The latch value may only flow back into the phi inside the loop.
	for _, u := range se.inLoopUsers(latchVal, l) {
		if u != phi {
			return nil, false
		}
	}
	if len(rd.Ops) == 0 {
		return nil, false
	}
	return rd, true
}

func (se *ScalarEvolution) inLoopUsers(v *ir.Value, l ir.LoopID) []*ir.Value {
	var out []*ir.Value
	for _, u := range se.f.Users(v) {
		if se.lf.ContainsValue(l, u) {
			out = append(out, u)
		}
	}
	return out
}
