package ir

// Op is the operation computed by a Value.
type Op uint8

const (
	OpInvalid Op = iota

	// Non-instruction values. They live outside any block.
	OpConst
	OpParam
	OpGlobal

	// Instructions.
	OpPhi
	OpCopy
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpNeg
	OpEq
	OpNeq
	OpLt
	OpLeq
	OpGt
	OpGeq
	OpConvert
	OpAlloc
	OpIndexAddr // &Args[0][Args[1]]
	OpFieldAddr // &Args[0].field(AuxInt)
	OpLoad      // *Args[0]
	OpStore     // *Args[0] = Args[1]
	OpCall
)

var opNames = [...]string{
	OpInvalid:   "Invalid",
	OpConst:     "Const",
	OpParam:     "Param",
	OpGlobal:    "Global",
	OpPhi:       "Phi",
	OpCopy:      "Copy",
	OpAdd:       "Add",
	OpSub:       "Sub",
	OpMul:       "Mul",
	OpDiv:       "Div",
	OpRem:       "Rem",
	OpAnd:       "And",
	OpOr:        "Or",
	OpXor:       "Xor",
	OpShl:       "Shl",
	OpShr:       "Shr",
	OpNeg:       "Neg",
	OpEq:        "Eq",
	OpNeq:       "Neq",
	OpLt:        "Lt",
	OpLeq:       "Leq",
	OpGt:        "Gt",
	OpGeq:       "Geq",
	OpConvert:   "Convert",
	OpAlloc:     "Alloc",
	OpIndexAddr: "IndexAddr",
	OpFieldAddr: "FieldAddr",
	OpLoad:      "Load",
	OpStore:     "Store",
	OpCall:      "Call",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "Op?"
}

// IsBinary reports whether o is a two-operand arithmetic or bitwise op.
func (o Op) IsBinary() bool {
	return o >= OpAdd && o <= OpShr
}

// IsCompare reports whether o is a comparison.
func (o Op) IsCompare() bool {
	return o >= OpEq && o <= OpGeq
}

// IsCommutative reports whether swapping the operands of o preserves its result.
func (o Op) IsCommutative() bool {
	switch o {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpEq, OpNeq:
		return true
	}
	return false
}

// Swapped returns the comparison that yields the same result with the
// operands exchanged (a < b  ==  b > a).
func (o Op) Swapped() Op {
	switch o {
	case OpLt:
		return OpGt
	case OpLeq:
		return OpGeq
	case OpGt:
		return OpLt
	case OpGeq:
		return OpLeq
	}
	return o
}

// Negated returns the comparison computing the logical negation of o.
func (o Op) Negated() Op {
	switch o {
	case OpEq:
		return OpNeq
	case OpNeq:
		return OpEq
	case OpLt:
		return OpGeq
	case OpLeq:
		return OpGt
	case OpGt:
		return OpLeq
	case OpGeq:
		return OpLt
	}
	return o
}

// Flags refine the semantics of an instruction.
type Flags uint8

const (
	// FlagNoSignedWrap marks signed overflow of the result as undefined.
	FlagNoSignedWrap Flags = 1 << iota
	// FlagNoUnsignedWrap marks unsigned overflow of the result as undefined.
	FlagNoUnsignedWrap
	// FlagReassoc allows floating point reassociation.
	FlagReassoc
	FlagVolatile
	FlagAtomic
)

// Effect describes how a call touches memory.
type Effect uint8

const (
	EffectNone Effect = iota
	EffectWriteOnly
	EffectReadOnly
	EffectAny
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectWriteOnly:
		return "writeonly"
	case EffectReadOnly:
		return "readonly"
	}
	return "any"
}

// Callee is the Aux payload of an OpCall.
type Callee struct {
	Name   string
	Effect Effect
}
