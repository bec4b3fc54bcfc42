package frontend

import (
	"errors"
	"fmt"
	"go/constant"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// ErrNotLowerable is returned for functions without a body.
var ErrNotLowerable = errors.New("frontend: function has no body")

// Packages whose functions neither read nor write memory visible to the
// caller.
var purePackages = map[string]bool{
	"math":       true,
	"math/bits":  true,
	"math/cmplx": true,
}

var pureBuiltins = map[string]bool{
	"len": true, "cap": true, "real": true, "imag": true,
	"complex": true, "min": true, "max": true,
}

var binOps = map[token.Token]ir.Op{
	token.ADD: ir.OpAdd,
	token.SUB: ir.OpSub,
	token.MUL: ir.OpMul,
	token.QUO: ir.OpDiv,
	token.REM: ir.OpRem,
	token.AND: ir.OpAnd,
	token.OR:  ir.OpOr,
	token.XOR: ir.OpXor,
	token.SHL: ir.OpShl,
	token.SHR: ir.OpShr,
	token.EQL: ir.OpEq,
	token.NEQ: ir.OpNeq,
	token.LSS: ir.OpLt,
	token.LEQ: ir.OpLeq,
	token.GTR: ir.OpGt,
	token.GEQ: ir.OpGeq,
}

// lowerer translates one go/ssa function.
type lowerer struct {
	fn *ssa.Function
	f  *ir.Func

	blocks  map[*ssa.BasicBlock]*ir.Block
	values  map[ssa.Value]*ir.Value
	effects map[ssa.Instruction]*ir.Value
	globals map[string]*ir.Value
}

// Lower translates fn into the IR. Instructions without an IR counterpart
// become opaque calls whose memory effect is conservative.
func Lower(fn *ssa.Function) (*ir.Func, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotLowerable, fn)
	}
	l := &lowerer{
		fn:      fn,
		f:       ir.NewFunc(fn.String()),
		blocks:  make(map[*ssa.BasicBlock]*ir.Block, len(fn.Blocks)),
		values:  make(map[ssa.Value]*ir.Value),
		effects: make(map[ssa.Instruction]*ir.Value),
		globals: make(map[string]*ir.Value),
	}
	for _, p := range fn.Params {
		l.values[p] = l.f.NewParam(p.Name(), p.Type())
	}
	for _, fv := range fn.FreeVars {
		l.values[fv] = l.f.NewParam(fv.Name(), fv.Type())
	}

	// Blocks and instruction values are created first so that phis and
	// terminators can refer forward.
	for _, b := range fn.Blocks {
		name := b.Comment
		if name == "" {
			name = fmt.Sprintf("b%d", b.Index)
		}
		l.blocks[b] = l.f.NewBlock(name)
	}
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			l.declare(l.blocks[b], instr)
		}
	}
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			if err := l.define(b, instr); err != nil {
				return nil, fmt.Errorf("lowering %s: %w", fn, err)
			}
		}
	}
	l.f.RemoveUnreachable()
	return l.f, nil
}

// declare creates the IR value of an instruction that is not a
// terminator.
func (l *lowerer) declare(b *ir.Block, instr ssa.Instruction) {
	switch instr := instr.(type) {
	case *ssa.DebugRef, *ssa.Jump, *ssa.If, *ssa.Return, *ssa.Panic:
		return
	case *ssa.Phi:
		v := b.NewPhi()
		v.Type = instr.Type()
		v.Name = instr.Comment
		if v.Name == "" {
			v.Name = instr.Name()
		}
		l.values[instr] = v
	case ssa.Value:
		v := b.NewValue(ir.OpInvalid)
		v.Type = instr.Type()
		v.Name = instr.Name()
		l.values[instr] = v
	case *ssa.Store:
		l.effects[instr] = b.NewValue(ir.OpStore)
	default:
		// Effects without a result: go, defer, send, map update, ...
		l.effects[instr] = b.NewValue(ir.OpCall)
	}
}

// valueOf returns the IR value declared for instr.
func (l *lowerer) valueOf(instr ssa.Instruction) *ir.Value {
	if v, ok := instr.(ssa.Value); ok {
		return l.values[v]
	}
	return l.effects[instr]
}

func (l *lowerer) operand(v ssa.Value) *ir.Value {
	if lv, ok := l.values[v]; ok {
		return lv
	}
	switch v := v.(type) {
	case *ssa.Const:
		if v.Value == nil {
			return l.f.ConstInt(v.Type(), 0)
		}
		return l.f.Const(v.Type(), v.Value)
	case *ssa.Global:
		return l.global(v.String(), v.Type())
	case *ssa.Function:
		return l.global(v.String(), v.Type())
	case *ssa.Builtin:
		return l.global(v.Name(), types.Typ[types.UnsafePointer])
	}
	// Values from other functions cannot occur; keep the IR well formed.
	return l.global(v.String(), v.Type())
}

func (l *lowerer) global(name string, typ types.Type) *ir.Value {
	if g, ok := l.globals[name]; ok {
		return g
	}
	g := l.f.NewGlobal(name, typ)
	l.globals[name] = g
	return g
}

func (l *lowerer) operands(vs ...ssa.Value) []*ir.Value {
	out := make([]*ir.Value, 0, len(vs))
	for _, v := range vs {
		out = append(out, l.operand(v))
	}
	return out
}

func (l *lowerer) opaque(v *ir.Value, name string, effect ir.Effect, args ...ssa.Value) {
	v.Op = ir.OpCall
	v.Aux = &ir.Callee{Name: name, Effect: effect}
	v.Args = l.operands(args...)
}

func (l *lowerer) define(sb *ssa.BasicBlock, instr ssa.Instruction) error {
	b := l.blocks[sb]
	switch instr := instr.(type) {
	case *ssa.DebugRef:
		return nil
	case *ssa.Jump:
		b.SetPlain(l.blocks[sb.Succs[0]])
		return nil
	case *ssa.If:
		b.SetIf(l.operand(instr.Cond), l.blocks[sb.Succs[0]], l.blocks[sb.Succs[1]])
		return nil
	case *ssa.Return:
		switch len(instr.Results) {
		case 0:
			b.SetReturn(nil)
		case 1:
			b.SetReturn(l.operand(instr.Results[0]))
		default:
			tuple := b.NewValue(ir.OpCall)
			tuple.Aux = &ir.Callee{Name: "results", Effect: ir.EffectNone}
			tuple.Args = l.operands(instr.Results...)
			b.SetReturn(tuple)
		}
		return nil
	case *ssa.Panic:
		call := b.NewValue(ir.OpCall, l.operand(instr.X))
		call.Aux = &ir.Callee{Name: "panic", Effect: ir.EffectAny}
		b.SetExit()
		return nil
	}

	v := l.valueOf(instr)
	switch instr := instr.(type) {
	case *ssa.Phi:
		if len(instr.Edges) != len(sb.Preds) {
			return fmt.Errorf("phi %s has %d edges for %d predecessors", instr.Name(), len(instr.Edges), len(sb.Preds))
		}
		for i, e := range instr.Edges {
			v.AddIncoming(l.operand(e), l.blocks[sb.Preds[i]])
		}
	case *ssa.BinOp:
		op, ok := binOps[instr.Op]
		if !ok {
			l.opaque(v, instr.Op.String(), ir.EffectNone, instr.X, instr.Y)
			break
		}
		v.Op = op
		v.Args = l.operands(instr.X, instr.Y)
	case *ssa.UnOp:
		switch {
		case instr.Op == token.MUL:
			v.Op = ir.OpLoad
			v.Args = l.operands(instr.X)
		case instr.Op == token.SUB:
			v.Op = ir.OpNeg
			v.Args = l.operands(instr.X)
		case instr.Op == token.XOR:
			v.Op = ir.OpXor
			v.Args = []*ir.Value{l.operand(instr.X), l.f.ConstInt(instr.X.Type(), -1)}
		case instr.Op == token.ARROW:
			l.opaque(v, "recv", ir.EffectAny, instr.X)
		default:
			l.opaque(v, instr.Op.String(), ir.EffectNone, instr.X)
		}
	case *ssa.Store:
		v.Args = l.operands(instr.Addr, instr.Val)
	case *ssa.IndexAddr:
		v.Op = ir.OpIndexAddr
		v.Args = l.operands(instr.X, instr.Index)
	case *ssa.FieldAddr:
		v.Op = ir.OpFieldAddr
		v.AuxInt = int64(instr.Field)
		v.Args = l.operands(instr.X)
	case *ssa.Convert:
		v.Op = ir.OpConvert
		v.Args = l.operands(instr.X)
	case *ssa.ChangeType:
		v.Op = ir.OpConvert
		v.Args = l.operands(instr.X)
	case *ssa.Alloc:
		v.Op = ir.OpAlloc
	case *ssa.Call:
		name, effect := callEffect(&instr.Call)
		args := instr.Call.Args
		_, builtin := instr.Call.Value.(*ssa.Builtin)
		if !builtin && (instr.Call.IsInvoke() || instr.Call.StaticCallee() == nil) {
			args = append([]ssa.Value{instr.Call.Value}, args...)
		}
		l.opaque(v, name, effect, args...)
	case *ssa.Lookup:
		l.opaque(v, "lookup", ir.EffectReadOnly, instr.X, instr.Index)
	case *ssa.Next:
		l.opaque(v, "next", ir.EffectAny, instr.Iter)
	case *ssa.Extract:
		l.opaque(v, fmt.Sprintf("extract.%d", instr.Index), ir.EffectNone, instr.Tuple)
	case *ssa.Field:
		l.opaque(v, fmt.Sprintf("field.%d", instr.Field), ir.EffectNone, instr.X)
	case *ssa.Index:
		l.opaque(v, "index", ir.EffectNone, instr.X, instr.Index)
	case *ssa.Slice:
		l.opaque(v, "slice", ir.EffectNone, nonNil(instr.X, instr.Low, instr.High, instr.Max)...)
	case *ssa.MakeInterface:
		l.opaque(v, "makeinterface", ir.EffectNone, instr.X)
	case *ssa.ChangeInterface:
		l.opaque(v, "changeinterface", ir.EffectNone, instr.X)
	case *ssa.TypeAssert:
		l.opaque(v, "typeassert", ir.EffectNone, instr.X)
	case *ssa.MakeSlice:
		l.opaque(v, "makeslice", ir.EffectNone, instr.Len, instr.Cap)
	case *ssa.MakeClosure:
		l.opaque(v, "makeclosure", ir.EffectNone, append([]ssa.Value{instr.Fn}, instr.Bindings...)...)
	default:
		// Conservative for everything else: maps, channels, go, defer,
		// select, range and friends.
		var args []ssa.Value
		for _, op := range instr.Operands(nil) {
			if *op != nil {
				args = append(args, *op)
			}
		}
		l.opaque(v, fmt.Sprintf("%T", instr), ir.EffectAny, args...)
	}
	return nil
}

func nonNil(vs ...ssa.Value) []ssa.Value {
	out := vs[:0:0]
	for _, v := range vs {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// callEffect names a call target and classifies its memory effect.
func callEffect(c *ssa.CallCommon) (string, ir.Effect) {
	if c.IsInvoke() {
		return c.Method.Name(), ir.EffectAny
	}
	if b, ok := c.Value.(*ssa.Builtin); ok {
		if pureBuiltins[b.Name()] {
			return b.Name(), ir.EffectNone
		}
		return b.Name(), ir.EffectAny
	}
	if fn := c.StaticCallee(); fn != nil {
		if fn.Pkg != nil && purePackages[fn.Pkg.Pkg.Path()] {
			return fn.String(), ir.EffectNone
		}
		return fn.String(), ir.EffectAny
	}
	return "dynamic", ir.EffectAny
}

// constBool returns the value of a boolean constant.
func constBool(v *ir.Value) (bool, bool) {
	if v.Op != ir.OpConst {
		return false, false
	}
	if cv, ok := v.Aux.(constant.Value); ok && cv.Kind() == constant.Bool {
		return constant.BoolVal(cv), true
	}
	return false, false
}
