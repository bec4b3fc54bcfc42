package ir

import (
	"errors"
	"fmt"
)

// Verify checks the structural invariants of f: terminator shape, edge
// symmetry, phi placement and incoming blocks, and that every use is
// dominated by its definition.
func Verify(f *Func) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	inFunc := make(map[*Block]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		inFunc[b] = true
	}
	dom := NewDomTree(f)

	for _, b := range f.Blocks {
		switch b.Kind {
		case BlockPlain:
			if len(b.Succs) != 1 || b.Control != nil {
				fail("%s: plain block with %d successors", b, len(b.Succs))
			}
		case BlockIf:
			if len(b.Succs) != 2 || b.Control == nil {
				fail("%s: if block with %d successors", b, len(b.Succs))
			}
		case BlockReturn, BlockExit:
			if len(b.Succs) != 0 {
				fail("%s: %s block with successors", b, b.Kind)
			}
		default:
			fail("%s: invalid terminator", b)
		}

		for _, s := range b.Succs {
			if !inFunc[s] {
				fail("%s: successor %s not in function", b, s)
			}
			if count(s.Preds, b) != count(b.Succs, s) {
				fail("%s: edge to %s not mirrored in predecessors", b, s)
			}
		}
		for _, p := range b.Preds {
			if count(p.Succs, b) != count(b.Preds, p) {
				fail("%s: predecessor %s does not branch here", b, p)
			}
		}

		seenNonPhi := false
		for _, v := range b.Values {
			if v.Block != b {
				fail("%s: %s has block %v", b, v, v.Block)
			}
			if v.Op == OpPhi {
				if seenNonPhi {
					fail("%s: phi %s after non-phi", b, v)
				}
				if len(v.Args) != len(v.Incoming) {
					fail("%s: phi %s has %d args and %d blocks", b, v, len(v.Args), len(v.Incoming))
					continue
				}
				if !sameMultiset(v.Incoming, b.Preds) {
					fail("%s: phi %s incoming %v, predecessors %v", b, v, v.Incoming, b.Preds)
				}
			} else {
				seenNonPhi = true
			}
			for i, a := range v.Args {
				if a == nil {
					fail("%s: %s has nil arg %d", b, v, i)
					continue
				}
				checkDef(fail, dom, inFunc, a, Use{User: v, Block: b, Index: i})
			}
		}
		if b.Control != nil {
			checkDef(fail, dom, inFunc, b.Control, Use{Block: b})
		}
	}
	return errors.Join(errs...)
}

func checkDef(fail func(string, ...any), dom *DomTree, inFunc map[*Block]bool, def *Value, u Use) {
	if !def.IsInstr() {
		return
	}
	if def.Block == nil || !inFunc[def.Block] {
		fail("%s: uses %s which is not placed", u.Block, def)
		return
	}
	ub := u.UseBlock()
	if !dom.Reachable(ub) {
		return
	}
	if !dom.DominatesUse(def, u) {
		fail("%s: use of %s not dominated by its definition in %s", u.Block, def, def.Block)
	}
}

func count(bs []*Block, b *Block) int {
	n := 0
	for _, x := range bs {
		if x == b {
			n++
		}
	}
	return n
}

func sameMultiset(a, b []*Block) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[*Block]int, len(a))
	for _, x := range a {
		m[x]++
	}
	for _, x := range b {
		m[x]--
		if m[x] < 0 {
			return false
		}
	}
	return true
}
