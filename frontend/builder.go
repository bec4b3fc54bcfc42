package frontend

import (
	"fmt"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

const loadMode = packages.LoadAllSyntax

// HardenedEnv returns the process environment with the module and
// toolchain settings the loader runs under: no network, no toolchain
// switching, no workspace, no cgo.
func HardenedEnv() []string {
	env := make([]string, 0, len(os.Environ())+7)
	for _, e := range os.Environ() {
		upperE := strings.ToUpper(e)
		switch {
		case strings.HasPrefix(upperE, "CGO_ENABLED="),
			strings.HasPrefix(upperE, "GOPROXY="),
			strings.HasPrefix(upperE, "GOFLAGS="),
			strings.HasPrefix(upperE, "GONOSUMDB="),
			strings.HasPrefix(upperE, "GOWORK="),
			strings.HasPrefix(upperE, "GO111MODULE="),
			strings.HasPrefix(upperE, "GOTOOLCHAIN="):
			continue
		}
		env = append(env, e)
	}
	env = append(env, "CGO_ENABLED=0", "GOPROXY=off", "GOFLAGS=-mod=readonly", "GONOSUMDB=*", "GOWORK=off", "GO111MODULE=on", "GOTOOLCHAIN=local")
	return env
}

// LoadPackages loads the packages matching patterns, relative to dir.
func LoadPackages(dir string, patterns ...string) ([]*packages.Package, error) {
	if len(patterns) == 0 {
		patterns = []string{"."}
	}
	cfg := &packages.Config{
		Dir:  dir,
		Mode: loadMode,
		Fset: token.NewFileSet(),
		Env:  HardenedEnv(),
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute loader: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages match %v", patterns)
	}
	return pkgs, nil
}

// loadSource loads the package containing filename with its content
// replaced by src.
func loadSource(filename, src string) ([]*packages.Package, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("input source code is empty")
	}
	absFilename, err := filepath.Abs(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for %s: %w", filename, err)
	}

	cfg := &packages.Config{
		Dir:  filepath.Dir(absFilename),
		Mode: loadMode,
		Fset: token.NewFileSet(),
		Overlay: map[string][]byte{
			absFilename: []byte(src),
		},
		Env: HardenedEnv(),
	}
	pkgs, err := packages.Load(cfg, "file="+absFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to execute loader: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no package contains %s", filename)
	}
	return pkgs, nil
}

// BuildSSAFromPackages builds the SSA program for the loaded packages
// and returns it with the SSA form of each initial package.
func BuildSSAFromPackages(initialPkgs []*packages.Package) (*ssa.Program, []*ssa.Package, error) {
	if len(initialPkgs) == 0 {
		return nil, nil, fmt.Errorf("input packages list is empty")
	}

	var errorMessages strings.Builder
	packages.Visit(initialPkgs, nil, func(pkg *packages.Package) {
		for _, e := range pkg.Errors {
			errorMessages.WriteString(e.Error() + "\n")
		}
	})
	if errorMessages.Len() > 0 {
		return nil, nil, fmt.Errorf("packages contain errors: \n%s", errorMessages.String())
	}

	// Generic bodies are only built when instantiated.
	prog, pkgs := ssautil.AllPackages(initialPkgs, ssa.InstantiateGenerics)
	if prog == nil {
		return nil, nil, fmt.Errorf("failed to initialize SSA program builder")
	}
	prog.Build()

	var out []*ssa.Package
	for i, p := range pkgs {
		if p == nil && initialPkgs[i].Types != nil {
			p = prog.Package(initialPkgs[i].Types)
		}
		if p == nil {
			return nil, nil, fmt.Errorf("could not find SSA package for %s", initialPkgs[i].ID)
		}
		out = append(out, p)
	}
	return prog, out, nil
}
