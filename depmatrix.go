package interchange

import (
	"errors"
	"strings"

	"github.com/BlackVectorOps/loopinterchange/analysis"
	"github.com/BlackVectorOps/loopinterchange/ir"
)

// Direction symbols of a dependency matrix row. The last entry of a row
// is the order flag: '<' for a dependence known to run forward in
// program order, '*' otherwise.
const (
	DirLT    byte = '<'
	DirGT    byte = '>'
	DirEQ    byte = '='
	DirAll   byte = '*'
	DirIndep byte = 'I'
)

// DirectionVector is one row of a dependency matrix: a symbol per loop
// level, outermost first, followed by the order flag.
type DirectionVector []byte

func (v DirectionVector) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = string(c)
	}
	return strings.Join(parts, " ")
}

// Verdict is a three-valued decision.
type Verdict uint8

const (
	Unknown Verdict = iota
	Yes
	No
)

func (v Verdict) String() string {
	switch v {
	case Yes:
		return "yes"
	case No:
		return "no"
	}
	return "unknown"
}

func verdictOf(b bool) Verdict {
	if b {
		return Yes
	}
	return No
}

// IsLexicographicallyPositive scans v[begin:end] and returns Yes at the
// first '<', No at the first '>' or '*', and Unknown if neither occurs.
func IsLexicographicallyPositive(v DirectionVector, begin, end int) Verdict {
	for _, d := range v[begin:end] {
		switch d {
		case DirLT:
			return Yes
		case DirGT, DirAll:
			return No
		}
	}
	return Unknown
}

// DepMatrix holds the distinct direction vectors of a loop nest.
type DepMatrix struct {
	Depth int
	Rows  []DirectionVector

	seen map[string]int
}

// NewDepMatrix returns an empty matrix for a nest of the given depth.
func NewDepMatrix(depth int) *DepMatrix {
	return &DepMatrix{Depth: depth, seen: make(map[string]int)}
}

// Add records a row given its level symbols. Rows with identical level
// symbols are merged; the merged order flag is '*' if any of them is not
// known to be forward.
func (m *DepMatrix) Add(levels []byte, forward bool) {
	key := string(levels)
	idx, ok := m.seen[key]
	if !ok {
		row := make(DirectionVector, len(levels), len(levels)+1)
		copy(row, levels)
		row = append(row, DirLT)
		idx = len(m.Rows)
		m.Rows = append(m.Rows, row)
		m.seen[key] = idx
	}
	if !forward {
		m.Rows[idx][len(m.Rows[idx])-1] = DirAll
	}
}

// Interchange swaps the columns of levels i and j.
func (m *DepMatrix) Interchange(i, j int) {
	for _, row := range m.Rows {
		row[i], row[j] = row[j], row[i]
	}
	m.reindex()
}

func (m *DepMatrix) reindex() {
	m.seen = make(map[string]int, len(m.Rows))
	for i, row := range m.Rows {
		m.seen[string(row[:len(row)-1])] = i
	}
}

// IsLegalToInterchange checks that exchanging levels inner and outer
// keeps every row lexicographically non-negative.
func (m *DepMatrix) IsLegalToInterchange(inner, outer int) bool {
	for _, row := range m.Rows {
		// A dependence carried by a loop outside the pair is unaffected.
		if IsLexicographicallyPositive(row, 0, outer) == Yes {
			continue
		}
		last := len(row) - 1
		if IsLexicographicallyPositive(row, outer, last) == No {
			return false
		}
		swapped := append(DirectionVector(nil), row...)
		swapped[inner], swapped[outer] = swapped[outer], swapped[inner]
		if IsLexicographicallyPositive(swapped, outer, last) == No {
			return false
		}
	}
	return true
}

// CanVectorize reports whether no row carries a dependence at level that
// is not a known forward one.
func (m *DepMatrix) CanVectorize(level int) bool {
	for _, row := range m.Rows {
		dir, order := row[level], row[len(row)-1]
		if dir == DirEQ || dir == DirIndep {
			continue
		}
		if dir == DirLT && order == DirLT {
			continue
		}
		return false
	}
	return true
}

// String prints one row per line without the order flags.
func (m *DepMatrix) String() string {
	var sb strings.Builder
	for _, row := range m.Rows {
		sb.WriteString(row[:len(row)-1].String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

var (
	// ErrTooManyMemInstrs reports a nest over the memory operation cap.
	ErrTooManyMemInstrs = errors.New("interchange: too many loads and stores")
	// ErrUnsupportedMemInstr reports a volatile or atomic access.
	ErrUnsupportedMemInstr = errors.New("interchange: load or store is not simple")
)

func directionSymbol(d analysis.Direction) byte {
	switch d {
	case analysis.DirLT:
		return DirLT
	case analysis.DirGT:
		return DirGT
	case analysis.DirEQ:
		return DirEQ
	}
	// "<=" and ">=" have no symbol of their own.
	return DirAll
}

// BuildDependencyMatrix collects the loads and stores of the loop outer
// and builds the matrix of a nest of the given depth from pairwise
// dependence queries.
func BuildDependencyMatrix(lf *ir.LoopForest, outer ir.LoopID, depth int, deps DependenceOracle, maxMemInstrs int) (*DepMatrix, error) {
	var mem []*ir.Value
	for _, b := range lf.Loop(outer).Blocks {
		for _, v := range b.Values {
			if v.Op != ir.OpLoad && v.Op != ir.OpStore {
				continue
			}
			if !v.IsSimple() {
				return nil, ErrUnsupportedMemInstr
			}
			mem = append(mem, v)
		}
	}
	if len(mem) > maxMemInstrs {
		return nil, ErrTooManyMemInstrs
	}

	m := NewDepMatrix(depth)
	for i, src := range mem {
		for _, dst := range mem[i:] {
			if src.Op == ir.OpLoad && dst.Op == ir.OpLoad {
				continue
			}
			d := deps.Depends(src, dst)
			if d == nil {
				continue
			}
			d.Normalize()
			levels := make([]byte, 0, depth)
			if d.Confused {
				for len(levels) < depth {
					levels = append(levels, DirAll)
				}
			} else {
				for l := 0; l < d.Levels() && len(levels) < depth; l++ {
					levels = append(levels, directionSymbol(d.Direction(l)))
				}
			}
			for len(levels) < depth {
				levels = append(levels, DirIndep)
			}
			// Accesses in one block run in program order; mem preserves
			// it, so only a reversed dependence runs backwards.
			forward := src.Block == dst.Block && d.Src == src
			m.Add(levels, forward)
		}
	}
	return m, nil
}
