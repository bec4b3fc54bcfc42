package ir

import (
	"fmt"
	"go/constant"
	"go/types"
	"strings"
)

// ID identifies a block or value within its function.
type ID int32

// Value is an SSA value: either an instruction placed in a block, or a
// constant, parameter or global that lives outside the CFG.
type Value struct {
	ID    ID
	Op    Op
	Type  types.Type
	Args  []*Value
	Block *Block // nil for non-instructions

	AuxInt int64
	Aux    any
	Flags  Flags

	// Name is an optional human readable hint used by the printer.
	Name string

	// Incoming holds, for OpPhi, the predecessor each Args entry flows
	// in from. len(Incoming) == len(Args).
	Incoming []*Block
}

// IsInstr reports whether v is an instruction.
func (v *Value) IsInstr() bool {
	switch v.Op {
	case OpConst, OpParam, OpGlobal:
		return false
	}
	return true
}

func (v *Value) IsPhi() bool { return v.Op == OpPhi }

// IsConst reports whether v is a constant.
func (v *Value) IsConst() bool { return v.Op == OpConst }

// ConstInt returns the integer value of an integer constant.
func (v *Value) ConstInt() (int64, bool) {
	if v.Op != OpConst {
		return 0, false
	}
	if cv, ok := v.Aux.(constant.Value); ok {
		if cv.Kind() != constant.Int {
			return 0, false
		}
		return constant.Int64Val(cv)
	}
	return v.AuxInt, true
}

func (v *Value) String() string {
	if v.Name != "" {
		return v.Name
	}
	switch v.Op {
	case OpConst:
		if cv, ok := v.Aux.(constant.Value); ok {
			return cv.ExactString()
		}
		return fmt.Sprint(v.AuxInt)
	}
	return fmt.Sprintf("v%d", v.ID)
}

// LongString returns the full text of an instruction.
func (v *Value) LongString() string {
	var sb strings.Builder
	if v.Op != OpStore {
		fmt.Fprintf(&sb, "%s = ", v)
	}
	sb.WriteString(v.Op.String())
	if v.Flags&FlagNoSignedWrap != 0 {
		sb.WriteString(" nsw")
	}
	if v.Flags&FlagNoUnsignedWrap != 0 {
		sb.WriteString(" nuw")
	}
	if v.Flags&FlagReassoc != 0 {
		sb.WriteString(" reassoc")
	}
	if v.Flags&FlagVolatile != 0 {
		sb.WriteString(" volatile")
	}
	if v.Flags&FlagAtomic != 0 {
		sb.WriteString(" atomic")
	}
	if v.Type != nil && v.Op != OpStore {
		fmt.Fprintf(&sb, " <%s>", types.TypeString(v.Type, shortQualifier))
	}
	switch v.Op {
	case OpFieldAddr:
		fmt.Fprintf(&sb, " [%d]", v.AuxInt)
	case OpCall:
		if c, ok := v.Aux.(*Callee); ok {
			fmt.Fprintf(&sb, " %s{%s}", c.Name, c.Effect)
		}
	}
	for i, a := range v.Args {
		sb.WriteByte(' ')
		sb.WriteString(a.String())
		if v.Op == OpPhi {
			fmt.Fprintf(&sb, "@%s", v.Incoming[i])
		}
	}
	return sb.String()
}

func shortQualifier(p *types.Package) string { return p.Name() }

// IsSimple reports whether v is a load or store that is neither volatile
// nor atomic.
func (v *Value) IsSimple() bool {
	if v.Op != OpLoad && v.Op != OpStore {
		return false
	}
	return v.Flags&(FlagVolatile|FlagAtomic) == 0
}

func (v *Value) MayReadMemory() bool {
	switch v.Op {
	case OpLoad:
		return true
	case OpStore:
		return v.Flags&(FlagVolatile|FlagAtomic) != 0
	case OpCall:
		e := v.callEffect()
		return e == EffectReadOnly || e == EffectAny
	}
	return false
}

func (v *Value) MayWriteMemory() bool {
	switch v.Op {
	case OpStore:
		return true
	case OpLoad:
		return v.Flags&(FlagVolatile|FlagAtomic) != 0
	case OpCall:
		e := v.callEffect()
		return e == EffectWriteOnly || e == EffectAny
	}
	return false
}

// MayHaveSideEffects reports whether removing or reordering v could be
// observed by something other than its users.
func (v *Value) MayHaveSideEffects() bool {
	switch v.Op {
	case OpStore:
		return true
	case OpLoad:
		return v.Flags&(FlagVolatile|FlagAtomic) != 0
	case OpCall:
		return v.callEffect() != EffectNone && v.callEffect() != EffectReadOnly
	}
	return false
}

func (v *Value) callEffect() Effect {
	if c, ok := v.Aux.(*Callee); ok {
		return c.Effect
	}
	return EffectAny
}

// Callee returns the call target description of an OpCall.
func (v *Value) Callee() *Callee {
	c, _ := v.Aux.(*Callee)
	return c
}

// IncomingFor returns the value a phi receives from pred.
func (v *Value) IncomingFor(pred *Block) *Value {
	for i, b := range v.Incoming {
		if b == pred {
			return v.Args[i]
		}
	}
	return nil
}

// AddIncoming appends an incoming (value, block) pair to a phi.
func (v *Value) AddIncoming(a *Value, from *Block) {
	v.Args = append(v.Args, a)
	v.Incoming = append(v.Incoming, from)
}

// RemoveIncoming drops the i-th incoming pair of a phi.
func (v *Value) RemoveIncoming(i int) {
	v.Args = append(v.Args[:i], v.Args[i+1:]...)
	v.Incoming = append(v.Incoming[:i], v.Incoming[i+1:]...)
}

// RemoveIncomingFrom drops every incoming pair flowing in from pred.
func (v *Value) RemoveIncomingFrom(pred *Block) {
	for i := 0; i < len(v.Incoming); {
		if v.Incoming[i] == pred {
			v.RemoveIncoming(i)
			continue
		}
		i++
	}
}

// SetIncomingBlock retargets incoming pairs from old to new.
func (v *Value) SetIncomingBlock(old, new *Block) {
	for i, b := range v.Incoming {
		if b == old {
			v.Incoming[i] = new
		}
	}
}

// Index returns the position of v within its block, or -1.
func (v *Value) Index() int {
	if v.Block == nil {
		return -1
	}
	for i, w := range v.Block.Values {
		if w == v {
			return i
		}
	}
	return -1
}

// HasNoWrap reports whether v carries either overflow-UB flag.
func (v *Value) HasNoWrap() bool {
	return v.Flags&(FlagNoSignedWrap|FlagNoUnsignedWrap) != 0
}

// IsFloat reports whether v has a floating point type.
func (v *Value) IsFloat() bool {
	if v.Type == nil {
		return false
	}
	b, ok := v.Type.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsFloat != 0
}
