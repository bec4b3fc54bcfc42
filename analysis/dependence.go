package analysis

import (
	"fmt"
	"go/types"
	"strings"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// DepKind classifies a memory dependence by the access kinds of its ends.
type DepKind uint8

const (
	DepInput  DepKind = iota // read after read
	DepFlow                  // read after write
	DepAnti                  // write after read
	DepOutput                // write after write
)

func (k DepKind) String() string {
	switch k {
	case DepFlow:
		return "flow"
	case DepAnti:
		return "anti"
	case DepOutput:
		return "output"
	}
	return "input"
}

// Direction is a set of relations between the source and destination
// iterations of one loop level.
type Direction uint8

const (
	DirLT  Direction = 1 << iota // source iteration precedes destination
	DirEQ                        // same iteration
	DirGT                        // source iteration follows destination
	DirLE  = DirLT | DirEQ
	DirGE  = DirGT | DirEQ
	DirNE  = DirLT | DirGT
	DirAll = DirLT | DirEQ | DirGT
)

func (d Direction) String() string {
	switch d {
	case DirLT:
		return "<"
	case DirEQ:
		return "="
	case DirGT:
		return ">"
	case DirLE:
		return "<="
	case DirGE:
		return ">="
	case DirNE:
		return "!="
	case DirAll:
		return "*"
	}
	return "none"
}

func (d Direction) reversed() Direction {
	r := d & DirEQ
	if d&DirLT != 0 {
		r |= DirGT
	}
	if d&DirGT != 0 {
		r |= DirLT
	}
	return r
}

// DVEntry is the relation at one common loop level.
type DVEntry struct {
	Dir Direction
	// Distance is the iteration distance (destination minus source),
	// valid when HasDistance.
	Distance    int64
	HasDistance bool
}

// Dependence is a possible dependence from Src to Dst. A confused
// dependence carries no per-level information.
type Dependence struct {
	Src, Dst *ir.Value
	Kind     DepKind
	// Loops are the loops containing both ends, outermost first; Entries
	// is parallel to it.
	Loops    []ir.LoopID
	Entries  []DVEntry
	Confused bool
}

// Levels returns the number of levels with direction information.
func (d *Dependence) Levels() int { return len(d.Entries) }

// Direction returns the direction at level (0-based, outermost first).
func (d *Dependence) Direction(level int) Direction { return d.Entries[level].Dir }

// IsOrdered reports whether the dependence constrains execution order.
func (d *Dependence) IsOrdered() bool { return d.Kind != DepInput }

// IsDirectionNegative reports whether the first level that is not "="
// runs backwards.
func (d *Dependence) IsDirectionNegative() bool {
	for _, e := range d.Entries {
		if e.Dir == DirEQ {
			continue
		}
		return e.Dir == DirGT || e.Dir == DirGE
	}
	return false
}

// Normalize reverses a dependence whose direction vector is negative, so
// that it runs from the earlier access to the later one. It reports
// whether the dependence was reversed.
func (d *Dependence) Normalize() bool {
	if !d.IsDirectionNegative() {
		return false
	}
	d.Src, d.Dst = d.Dst, d.Src
	switch d.Kind {
	case DepFlow:
		d.Kind = DepAnti
	case DepAnti:
		d.Kind = DepFlow
	}
	for i := range d.Entries {
		d.Entries[i].Dir = d.Entries[i].Dir.reversed()
		d.Entries[i].Distance = -d.Entries[i].Distance
	}
	return true
}

func (d *Dependence) String() string {
	if d.Confused {
		return fmt.Sprintf("%s confused %s -> %s", d.Kind, d.Src, d.Dst)
	}
	dirs := make([]string, len(d.Entries))
	for i, e := range d.Entries {
		dirs[i] = e.Dir.String()
		if e.HasDistance {
			dirs[i] = fmt.Sprint(e.Distance)
		}
	}
	return fmt.Sprintf("%s [%s] %s -> %s", d.Kind, strings.Join(dirs, " "), d.Src, d.Dst)
}

// DependenceInfo answers pairwise dependence queries for the memory
// operations of one function.
type DependenceInfo struct {
	se   *ScalarEvolution
	lf   *ir.LoopForest
	opts AccessOptions
}

// NewDependenceInfo builds an oracle on top of se.
func NewDependenceInfo(se *ScalarEvolution, opts AccessOptions) *DependenceInfo {
	return &DependenceInfo{se: se, lf: se.Loops(), opts: opts}
}

func kindOf(src, dst *ir.Value) DepKind {
	sw, dw := src.MayWriteMemory(), dst.MayWriteMemory()
	switch {
	case sw && dw:
		return DepOutput
	case sw:
		return DepFlow
	case dw:
		return DepAnti
	}
	return DepInput
}

// Depends tests whether dst may access the location src accesses, in any
// pair of iterations of their common loops. It returns nil when the
// accesses are proven independent.
func (di *DependenceInfo) Depends(src, dst *ir.Value) *Dependence {
	if !src.MayReadMemory() && !src.MayWriteMemory() {
		return nil
	}
	if !dst.MayReadMemory() && !dst.MayWriteMemory() {
		return nil
	}
	dep := &Dependence{Src: src, Dst: dst, Kind: kindOf(src, dst)}
	ps, pd := PathOf(src, di.opts), PathOf(dst, di.opts)
	if ps == nil || pd == nil {
		dep.Confused = true
		return dep
	}
	if ps.Root != pd.Root {
		if distinctObjects(ps.Root, pd.Root) || !mayOverlapTypes(ps.Elem, pd.Elem) {
			return nil
		}
		dep.Confused = true
		return dep
	}
	if ps.Depth() != pd.Depth() {
		dep.Confused = true
		return dep
	}

	dep.Loops = di.commonLoops(src.Block, dst.Block)
	dep.Entries = make([]DVEntry, len(dep.Loops))
	level := make(map[ir.LoopID]int, len(dep.Loops))
	for i, l := range dep.Loops {
		level[l] = i
		dep.Entries[i].Dir = DirAll
	}
	for k := range ps.Subs {
		fs, fd := ps.Fields[k], pd.Fields[k]
		if fs >= 0 || fd >= 0 {
			if fs >= 0 && fd >= 0 && fs != fd {
				return nil
			}
			if fs != fd {
				dep.Confused = true
				dep.Loops, dep.Entries = nil, nil
				return dep
			}
			continue
		}
		ls, ok := Linearize(di.se.SCEV(ps.Subs[k]))
		if !ok {
			continue
		}
		ld, ok := Linearize(di.se.SCEV(pd.Subs[k]))
		if !ok {
			continue
		}
		if !di.testSubscript(ls, ld, level, dep.Entries) {
			return nil
		}
	}
	return dep
}

// commonLoops returns the loops containing both a and b, outermost first.
func (di *DependenceInfo) commonLoops(a, b *ir.Block) []ir.LoopID {
	var chain []ir.LoopID
	for id := di.lf.LoopFor(a); id != ir.NoLoop; id = di.lf.Parent(id) {
		if di.lf.Contains(id, b) {
			chain = append(chain, id)
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// testSubscript narrows the entries with the constraints of one subscript
// pair. It returns false when the pair can never be equal.
func (di *DependenceInfo) testSubscript(src, dst Linear, level map[ir.LoopID]int, entries []DVEntry) bool {
	// An unknown symbolic offset between the two says nothing.
	if !src.SameSymbols(dst) {
		return true
	}
	for l := range src.Coeffs {
		if _, ok := level[l]; !ok {
			return true
		}
	}
	for l := range dst.Coeffs {
		if _, ok := level[l]; !ok {
			return true
		}
	}
	delta := src.Const - dst.Const

	// ZIV
	if len(src.Coeffs) == 0 && len(dst.Coeffs) == 0 {
		return delta == 0
	}

	// Strong SIV: a*i + c1 == a*i' + c2 gives i' - i = (c1 - c2) / a.
	if len(src.Coeffs) == 1 && src.SameLoopCoeffs(dst) {
		for l, a := range src.Coeffs {
			if delta%a != 0 {
				return false
			}
			dist := delta / a
			if tc, ok := di.se.TripCount(l); ok && abs64(dist) >= tc {
				return false
			}
			dir := DirEQ
			switch {
			case dist > 0:
				dir = DirLT
			case dist < 0:
				dir = DirGT
			}
			e := &entries[level[l]]
			if e.HasDistance && e.Distance != dist {
				return false
			}
			e.Dir &= dir
			if e.Dir == 0 {
				return false
			}
			e.Distance, e.HasDistance = dist, true
		}
		return true
	}

	// GCD test.
	var g int64
	for _, c := range src.Coeffs {
		g = gcd(g, abs64(c))
	}
	for _, c := range dst.Coeffs {
		g = gcd(g, abs64(c))
	}
	return g == 0 || delta%g == 0
}

// mayOverlapTypes reports whether storage accessed as a may overlap
// storage accessed as b. Without unsafe, two distinct scalar types never
// share a location.
func mayOverlapTypes(a, b types.Type) bool {
	if a == nil || b == nil || types.Identical(a, b) {
		return true
	}
	composite := func(t types.Type) bool {
		switch t.Underlying().(type) {
		case *types.Struct, *types.Array:
			return true
		}
		return false
	}
	return composite(a) || composite(b)
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
