package analysis

import (
	"cmp"
	"fmt"
	"go/types"
	"math"
	"math/bits"
	"slices"
	"strings"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// CacheCostParams configures the locality model.
type CacheCostParams struct {
	CacheLineSize    int64
	DefaultTripCount int64
	Sizes            types.Sizes
	Access           AccessOptions
}

// DefaultCacheCostParams models a 64-byte cache line on amd64.
func DefaultCacheCostParams() CacheCostParams {
	return CacheCostParams{
		CacheLineSize:    64,
		DefaultTripCount: 100,
		Sizes:            types.SizesFor("gc", "amd64"),
	}
}

// LoopCost is the estimated number of cache lines touched when a loop is
// placed innermost.
type LoopCost struct {
	Loop ir.LoopID
	Cost uint64
}

// CacheCost holds the loop costs of one nest, most expensive first. The
// most expensive loop is the best outermost candidate.
type CacheCost struct {
	costs  []LoopCost
	byLoop map[ir.LoopID]uint64
}

// LoopCosts returns the ranked costs. The index of a loop is its
// preferred position in the nest, 0 being outermost.
func (cc *CacheCost) LoopCosts() []LoopCost { return cc.costs }

// Cost returns the cost of loop l.
func (cc *CacheCost) Cost(l ir.LoopID) (uint64, bool) {
	c, ok := cc.byLoop[l]
	return c, ok
}

func (cc *CacheCost) String() string {
	parts := make([]string, len(cc.costs))
	for i, c := range cc.costs {
		parts[i] = fmt.Sprintf("L%d=%d", c.Loop, c.Cost)
	}
	return strings.Join(parts, " ")
}

type indexedRef struct {
	path *AccessPath
	subs []Linear
	// sizes[k] is the byte size of the element selected by subscript k.
	sizes []int64
}

// ComputeCacheCost ranks the loops of a nest (outermost first) by the
// cache lines their innermost placement would touch. It reports false when
// a memory reference of the innermost loop cannot be expressed as affine
// subscripts.
func ComputeCacheCost(se *ScalarEvolution, nest []ir.LoopID, p CacheCostParams) (*CacheCost, bool) {
	if len(nest) == 0 {
		return nil, false
	}
	lf := se.Loops()
	var groups [][]*indexedRef
	for _, b := range lf.Loop(nest[len(nest)-1]).Blocks {
		for _, v := range b.Values {
			if v.Op != ir.OpLoad && v.Op != ir.OpStore {
				continue
			}
			r, ok := newIndexedRef(se, v, p)
			if !ok {
				return nil, false
			}
			placed := false
			for i, g := range groups {
				if sameGroup(g[0], r, p.CacheLineSize) {
					groups[i] = append(g, r)
					placed = true
					break
				}
			}
			if !placed {
				groups = append(groups, []*indexedRef{r})
			}
		}
	}
	if len(groups) == 0 {
		return nil, false
	}

	trips := make(map[ir.LoopID]uint64, len(nest))
	for _, l := range nest {
		tc, ok := se.TripCount(l)
		if !ok || tc <= 0 {
			tc = p.DefaultTripCount
		}
		trips[l] = uint64(tc)
	}

	cc := &CacheCost{byLoop: make(map[ir.LoopID]uint64, len(nest))}
	for _, l := range nest {
		others := uint64(1)
		for _, o := range nest {
			if o != l {
				others = satMul(others, trips[o])
			}
		}
		var cost uint64
		for _, g := range groups {
			cost = satAdd(cost, satMul(refCost(lf, g[0], l, trips[l], p.CacheLineSize), others))
		}
		cc.costs = append(cc.costs, LoopCost{Loop: l, Cost: cost})
		cc.byLoop[l] = cost
	}
	slices.SortStableFunc(cc.costs, func(a, b LoopCost) int { return cmp.Compare(b.Cost, a.Cost) })
	return cc, true
}

func newIndexedRef(se *ScalarEvolution, mem *ir.Value, p CacheCostParams) (*indexedRef, bool) {
	path := PathOf(mem, p.Access)
	if path == nil || path.Depth() == 0 {
		return nil, false
	}
	r := &indexedRef{path: path}
	for k, sub := range path.Subs {
		var lin Linear
		if path.Fields[k] >= 0 {
			lin = newLinear(path.Fields[k])
		} else {
			var ok bool
			if lin, ok = Linearize(se.SCEV(sub)); !ok {
				return nil, false
			}
		}
		r.subs = append(r.subs, lin)
		ptr, ok := path.Addrs[k].Type.Underlying().(*types.Pointer)
		if !ok {
			return nil, false
		}
		r.sizes = append(r.sizes, p.Sizes.Sizeof(ptr.Elem()))
	}
	return r, true
}

func sameLinear(a, b Linear) bool {
	return a.Const == b.Const && a.SameLoopCoeffs(b) && a.SameSymbols(b)
}

// sameGroup reports whether r reuses the cache lines of rep: identical
// subscripts, or a last subscript within one line of rep's.
func sameGroup(rep, r *indexedRef, cls int64) bool {
	if rep.path.Root != r.path.Root || len(rep.subs) != len(r.subs) {
		return false
	}
	last := len(r.subs) - 1
	for k := 0; k < last; k++ {
		if rep.path.Fields[k] != r.path.Fields[k] || !sameLinear(rep.subs[k], r.subs[k]) {
			return false
		}
	}
	a, b := rep.subs[last], r.subs[last]
	if rep.path.Fields[last] != r.path.Fields[last] || !a.SameLoopCoeffs(b) || !a.SameSymbols(b) {
		return false
	}
	return abs64(a.Const-b.Const)*r.sizes[last] < cls
}

// refCost is the number of cache lines a reference touches over the
// iterations of l.
func refCost(lf *ir.LoopForest, r *indexedRef, l ir.LoopID, trip uint64, cls int64) uint64 {
	// A base loaded inside l names a different object on every iteration.
	if !lf.IsLoopInvariant(l, r.path.Root) {
		return trip
	}
	last := len(r.subs) - 1
	invariant := true
	for _, s := range r.subs {
		if s.Coeff(l) != 0 {
			invariant = false
			break
		}
	}
	if invariant {
		return 1
	}
	for k := 0; k < last; k++ {
		if r.subs[k].Coeff(l) != 0 {
			return trip
		}
	}
	stride := abs64(r.subs[last].Coeff(l)) * r.sizes[last]
	if stride >= cls {
		return trip
	}
	bytes := satMul(trip, uint64(stride))
	lines := bytes / uint64(cls)
	if bytes%uint64(cls) != 0 {
		lines++
	}
	return lines
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func satAdd(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return s
}
