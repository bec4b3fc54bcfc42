package analysis

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// SCEV is a scalar expression over loop iterations.
type SCEV interface {
	// IsLoopInvariant reports whether the expression keeps its value
	// across the iterations of loop l.
	IsLoopInvariant(lf *ir.LoopForest, l ir.LoopID) bool
	String() string
}

// SCEVAddRec is the add recurrence {Start, +, Step}<Loop>: Start on the
// first iteration of Loop, advanced by Step on every back edge.
type SCEVAddRec struct {
	Start SCEV
	Step  SCEV
	Loop  ir.LoopID
}

func (s *SCEVAddRec) IsLoopInvariant(lf *ir.LoopForest, l ir.LoopID) bool {
	// A recurrence of l or of a loop nested in l varies in l.
	if lf.ContainsLoop(l, s.Loop) {
		return false
	}
	return s.Start.IsLoopInvariant(lf, l) && s.Step.IsLoopInvariant(lf, l)
}

func (s *SCEVAddRec) String() string {
	return fmt.Sprintf("{%s,+,%s}<L%d>", s.Start, s.Step, s.Loop)
}

// SCEVConstant is an integer literal.
type SCEVConstant struct {
	Value *big.Int
}

func (s *SCEVConstant) IsLoopInvariant(*ir.LoopForest, ir.LoopID) bool { return true }
func (s *SCEVConstant) String() string                                 { return s.Value.String() }

func constSCEV(c int64) *SCEVConstant { return &SCEVConstant{Value: big.NewInt(c)} }

// SCEVUnknown is an opaque value.
type SCEVUnknown struct {
	Value *ir.Value
}

func (s *SCEVUnknown) IsLoopInvariant(lf *ir.LoopForest, l ir.LoopID) bool {
	return lf.IsLoopInvariant(l, s.Value)
}

func (s *SCEVUnknown) String() string { return s.Value.String() }

// SCEVGenericExpr is a binary operation that could not be simplified.
type SCEVGenericExpr struct {
	Op ir.Op
	X  SCEV
	Y  SCEV
}

func (s *SCEVGenericExpr) IsLoopInvariant(lf *ir.LoopForest, l ir.LoopID) bool {
	return s.X.IsLoopInvariant(lf, l) && s.Y.IsLoopInvariant(lf, l)
}

func (s *SCEVGenericExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", s.X, strings.ToLower(s.Op.String()), s.Y)
}

// InductionDescriptor describes a basic induction variable: a header phi
// advanced by a loop-invariant step on every iteration.
type InductionDescriptor struct {
	Phi    *ir.Value
	Loop   ir.LoopID
	Start  *ir.Value
	Step   SCEV
	Update *ir.Value
}

// ScalarEvolution computes and memoizes SCEV expressions for the values
// of one function.
type ScalarEvolution struct {
	f  *ir.Func
	lf *ir.LoopForest

	cache      map[*ir.Value]SCEV
	inductions map[*ir.Value]*InductionDescriptor
}

// NewScalarEvolution prepares the analysis for f.
func NewScalarEvolution(f *ir.Func, lf *ir.LoopForest) *ScalarEvolution {
	se := &ScalarEvolution{f: f, lf: lf}
	se.Forget()
	return se
}

// Forget drops every memoized result. Call it after the CFG or the loop
// forest changed.
func (se *ScalarEvolution) Forget() {
	se.cache = make(map[*ir.Value]SCEV)
	se.inductions = make(map[*ir.Value]*InductionDescriptor)
}

// Loops returns the loop forest the analysis runs against.
func (se *ScalarEvolution) Loops() *ir.LoopForest { return se.lf }

// SCEV returns the expression computed by v.
func (se *ScalarEvolution) SCEV(v *ir.Value) SCEV {
	if s, ok := se.cache[v]; ok {
		return s
	}
	// Cycles through non-induction phis resolve to unknown.
	se.cache[v] = &SCEVUnknown{Value: v}
	s := se.compute(v)
	se.cache[v] = s
	return s
}

func (se *ScalarEvolution) compute(v *ir.Value) SCEV {
	switch v.Op {
	case ir.OpConst:
		if c, ok := v.ConstInt(); ok && isInteger(v) {
			return constSCEV(c)
		}
	case ir.OpPhi:
		if iv, ok := se.Induction(v); ok {
			return &SCEVAddRec{Start: se.SCEV(iv.Start), Step: iv.Step, Loop: iv.Loop}
		}
	case ir.OpAdd, ir.OpSub, ir.OpMul:
		if isInteger(v) {
			return se.fold(v.Op, se.SCEV(v.Args[0]), se.SCEV(v.Args[1]))
		}
	case ir.OpNeg:
		if isInteger(v) {
			return se.fold(ir.OpMul, constSCEV(-1), se.SCEV(v.Args[0]))
		}
	case ir.OpConvert:
		if isInteger(v) && isInteger(v.Args[0]) {
			return se.SCEV(v.Args[0])
		}
	case ir.OpCopy:
		return se.SCEV(v.Args[0])
	}
	return &SCEVUnknown{Value: v}
}

// fold simplifies a binary operation on two expressions using constant
// folding and the add-recurrence rules.
func (se *ScalarEvolution) fold(op ir.Op, left, right SCEV) SCEV {
	lConst, lIsConst := left.(*SCEVConstant)
	rConst, rIsConst := right.(*SCEVConstant)
	if lIsConst && rIsConst {
		result := new(big.Int)
		switch op {
		case ir.OpAdd:
			result.Add(lConst.Value, rConst.Value)
		case ir.OpSub:
			result.Sub(lConst.Value, rConst.Value)
		case ir.OpMul:
			result.Mul(lConst.Value, rConst.Value)
		default:
			return &SCEVGenericExpr{Op: op, X: left, Y: right}
		}
		return &SCEVConstant{Value: result}
	}

	switch op {
	case ir.OpAdd:
		// {S,+,T}<L> + I  ->  {S+I,+,T}<L>  when I is invariant in L.
		// With two recurrences the inner one absorbs the outer one.
		if a, ok := left.(*SCEVAddRec); ok && right.IsLoopInvariant(se.lf, a.Loop) {
			return &SCEVAddRec{Start: se.fold(ir.OpAdd, a.Start, right), Step: a.Step, Loop: a.Loop}
		}
		if a, ok := right.(*SCEVAddRec); ok && left.IsLoopInvariant(se.lf, a.Loop) {
			return &SCEVAddRec{Start: se.fold(ir.OpAdd, a.Start, left), Step: a.Step, Loop: a.Loop}
		}
	case ir.OpSub:
		if a, ok := left.(*SCEVAddRec); ok && right.IsLoopInvariant(se.lf, a.Loop) {
			return &SCEVAddRec{Start: se.fold(ir.OpSub, a.Start, right), Step: a.Step, Loop: a.Loop}
		}
		if a, ok := right.(*SCEVAddRec); ok && left.IsLoopInvariant(se.lf, a.Loop) {
			return &SCEVAddRec{
				Start: se.fold(ir.OpSub, left, a.Start),
				Step:  se.fold(ir.OpMul, constSCEV(-1), a.Step),
				Loop:  a.Loop,
			}
		}
		if rIsConst {
			return se.fold(ir.OpAdd, left, &SCEVConstant{Value: new(big.Int).Neg(rConst.Value)})
		}
	case ir.OpMul:
		// I * {S,+,T}<L>  ->  {I*S,+,I*T}<L>
		if a, ok := left.(*SCEVAddRec); ok && right.IsLoopInvariant(se.lf, a.Loop) {
			return &SCEVAddRec{Start: se.fold(ir.OpMul, a.Start, right), Step: se.fold(ir.OpMul, a.Step, right), Loop: a.Loop}
		}
		if a, ok := right.(*SCEVAddRec); ok && left.IsLoopInvariant(se.lf, a.Loop) {
			return &SCEVAddRec{Start: se.fold(ir.OpMul, a.Start, left), Step: se.fold(ir.OpMul, a.Step, left), Loop: a.Loop}
		}
	}
	return &SCEVGenericExpr{Op: op, X: left, Y: right}
}

// IsLoopInvariant reports whether s does not vary in loop l.
func (se *ScalarEvolution) IsLoopInvariant(s SCEV, l ir.LoopID) bool {
	return s.IsLoopInvariant(se.lf, l)
}

// Induction classifies a header phi as a basic induction variable.
func (se *ScalarEvolution) Induction(phi *ir.Value) (*InductionDescriptor, bool) {
	if iv, ok := se.inductions[phi]; ok {
		return iv, iv != nil
	}
	se.inductions[phi] = nil
	iv := se.classifyIV(phi)
	se.inductions[phi] = iv
	return iv, iv != nil
}

// IsInductionPHI reports whether phi is an induction variable of loop l.
func (se *ScalarEvolution) IsInductionPHI(phi *ir.Value, l ir.LoopID) bool {
	iv, ok := se.Induction(phi)
	return ok && iv.Loop == l
}

func (se *ScalarEvolution) classifyIV(phi *ir.Value) *InductionDescriptor {
	if phi.Op != ir.OpPhi || phi.Block == nil || !isInteger(phi) {
		return nil
	}
	l := se.lf.LoopFor(phi.Block)
	if l == ir.NoLoop || se.lf.Header(l) != phi.Block || len(phi.Args) != 2 {
		return nil
	}
	var start, update *ir.Value
	for i, in := range phi.Incoming {
		if se.lf.Contains(l, in) {
			update = phi.Args[i]
		} else {
			start = phi.Args[i]
		}
	}
	if start == nil || update == nil || !update.IsInstr() {
		return nil
	}

	// Update = Phi + Step, Step + Phi or Phi - Step. Step - Phi oscillates.
	var step *ir.Value
	negate := false
	switch update.Op {
	case ir.OpAdd:
		switch {
		case update.Args[0] == phi && update.Args[1] != phi:
			step = update.Args[1]
		case update.Args[1] == phi && update.Args[0] != phi:
			step = update.Args[0]
		}
	case ir.OpSub:
		if update.Args[0] == phi && update.Args[1] != phi {
			step = update.Args[1]
			negate = true
		}
	}
	if step == nil {
		return nil
	}
	stepSCEV := se.SCEV(step)
	if !stepSCEV.IsLoopInvariant(se.lf, l) {
		return nil
	}
	if negate {
		stepSCEV = se.fold(ir.OpMul, constSCEV(-1), stepSCEV)
	}
	return &InductionDescriptor{Phi: phi, Loop: l, Start: start, Step: stepSCEV, Update: update}
}

// Linear is an affine form: Const + sum(Coeffs[L] * iteration(L)) +
// sum(Terms[v] * v) where the terms are opaque invariant values.
type Linear struct {
	Const  int64
	Coeffs map[ir.LoopID]int64
	Terms  map[*ir.Value]int64
}

func newLinear(c int64) Linear {
	return Linear{Const: c, Coeffs: map[ir.LoopID]int64{}, Terms: map[*ir.Value]int64{}}
}

// Coeff returns the coefficient of loop l.
func (a Linear) Coeff(l ir.LoopID) int64 { return a.Coeffs[l] }

// IsConstant reports whether a has no loop or symbolic terms.
func (a Linear) IsConstant() bool { return len(a.Coeffs) == 0 && len(a.Terms) == 0 }

// SameSymbols reports whether a and b have identical symbolic terms.
func (a Linear) SameSymbols(b Linear) bool {
	if len(a.Terms) != len(b.Terms) {
		return false
	}
	for v, c := range a.Terms {
		if b.Terms[v] != c {
			return false
		}
	}
	return true
}

// SameLoopCoeffs reports whether a and b have identical loop coefficients.
func (a Linear) SameLoopCoeffs(b Linear) bool {
	if len(a.Coeffs) != len(b.Coeffs) {
		return false
	}
	for l, c := range a.Coeffs {
		if b.Coeffs[l] != c {
			return false
		}
	}
	return true
}

func (a Linear) add(b Linear, scale int64) Linear {
	r := newLinear(a.Const + scale*b.Const)
	for l, c := range a.Coeffs {
		r.Coeffs[l] = c
	}
	for v, c := range a.Terms {
		r.Terms[v] = c
	}
	for l, c := range b.Coeffs {
		r.Coeffs[l] += scale * c
		if r.Coeffs[l] == 0 {
			delete(r.Coeffs, l)
		}
	}
	for v, c := range b.Terms {
		r.Terms[v] += scale * c
		if r.Terms[v] == 0 {
			delete(r.Terms, v)
		}
	}
	return r
}

func (a Linear) scale(k int64) Linear {
	return newLinear(0).add(a, k)
}

// Linearize rewrites s as an affine form over loop iterations. It fails
// for non-affine expressions and for non-constant steps.
func Linearize(s SCEV) (Linear, bool) {
	switch s := s.(type) {
	case *SCEVConstant:
		if !s.Value.IsInt64() {
			return Linear{}, false
		}
		return newLinear(s.Value.Int64()), true
	case *SCEVUnknown:
		r := newLinear(0)
		r.Terms[s.Value] = 1
		return r, true
	case *SCEVAddRec:
		start, ok := Linearize(s.Start)
		if !ok {
			return Linear{}, false
		}
		step, ok := Linearize(s.Step)
		if !ok || !step.IsConstant() {
			return Linear{}, false
		}
		r := start.add(newLinear(0), 1)
		r.Coeffs[s.Loop] += step.Const
		if r.Coeffs[s.Loop] == 0 {
			delete(r.Coeffs, s.Loop)
		}
		return r, true
	case *SCEVGenericExpr:
		x, ok := Linearize(s.X)
		if !ok {
			return Linear{}, false
		}
		y, ok := Linearize(s.Y)
		if !ok {
			return Linear{}, false
		}
		switch s.Op {
		case ir.OpAdd:
			return x.add(y, 1), true
		case ir.OpSub:
			return x.add(y, -1), true
		case ir.OpMul:
			if x.IsConstant() {
				return y.scale(x.Const), true
			}
			if y.IsConstant() {
				return x.scale(y.Const), true
			}
		}
	}
	return Linear{}, false
}

func isInteger(v *ir.Value) bool {
	if v.Type == nil {
		return false
	}
	return isIntegerType(v.Type)
}
