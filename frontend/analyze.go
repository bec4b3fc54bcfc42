package frontend

import (
	"fmt"
	"go/types"
	"sort"

	"golang.org/x/tools/go/ssa"

	"github.com/BlackVectorOps/loopinterchange/ir"
)

// Function is a lowered and canonicalized function, or the reason it
// could not be produced.
type Function struct {
	Name string
	IR   *ir.Func
	Err  error
}

// Functions returns the functions with bodies defined in pkgs: package
// functions, methods and the closures nested in them, sorted by name.
func Functions(prog *ssa.Program, pkgs []*ssa.Package) []*ssa.Function {
	var fns []*ssa.Function
	visited := make(map[*ssa.Function]bool)
	for _, pkg := range pkgs {
		for _, member := range pkg.Members {
			switch mem := member.(type) {
			case *ssa.Function:
				collectFunction(mem, &fns, visited)
			case *ssa.Type:
				named, ok := mem.Type().(*types.Named)
				if !ok {
					continue
				}
				for i := 0; i < named.NumMethods(); i++ {
					if fn := prog.FuncValue(named.Method(i)); fn != nil {
						collectFunction(fn, &fns, visited)
					}
				}
			}
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].String() < fns[j].String() })
	return fns
}

func collectFunction(fn *ssa.Function, fns *[]*ssa.Function, visited map[*ssa.Function]bool) {
	if visited[fn] {
		return
	}
	visited[fn] = true
	if len(fn.Blocks) > 0 && fn.Synthetic == "" {
		*fns = append(*fns, fn)
	}
	for _, anon := range fn.AnonFuncs {
		collectFunction(anon, fns, visited)
	}
}

// LowerFunction lowers fn and canonicalizes its loops.
func LowerFunction(fn *ssa.Function, opts CanonOptions) Function {
	out := Function{Name: fn.String()}
	f, err := Lower(fn)
	if err != nil {
		out.Err = err
		return out
	}
	if err := Canonicalize(f, opts); err != nil {
		out.Err = err
		return out
	}
	out.IR = f
	return out
}

// AnalyzePackages loads the packages matching patterns in dir and lowers
// every function they define.
func AnalyzePackages(dir string, patterns []string, opts CanonOptions) ([]Function, error) {
	pkgs, err := LoadPackages(dir, patterns...)
	if err != nil {
		return nil, err
	}
	prog, ssaPkgs, err := BuildSSAFromPackages(pkgs)
	if err != nil {
		return nil, fmt.Errorf("failed to build SSA: %w", err)
	}
	return lowerAll(Functions(prog, ssaPkgs), opts), nil
}

// AnalyzeSource compiles src as the content of filename, which must lie
// inside a module, and lowers every function of its package.
func AnalyzeSource(filename, src string, opts CanonOptions) ([]Function, error) {
	pkgs, err := loadSource(filename, src)
	if err != nil {
		return nil, err
	}
	prog, ssaPkgs, err := BuildSSAFromPackages(pkgs)
	if err != nil {
		return nil, fmt.Errorf("failed to build SSA: %w", err)
	}
	return lowerAll(Functions(prog, ssaPkgs), opts), nil
}

func lowerAll(fns []*ssa.Function, opts CanonOptions) []Function {
	out := make([]Function, 0, len(fns))
	for _, fn := range fns {
		out = append(out, LowerFunction(fn, opts))
	}
	return out
}
