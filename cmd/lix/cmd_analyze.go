package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ssa"

	interchange "github.com/BlackVectorOps/loopinterchange"
	"github.com/BlackVectorOps/loopinterchange/frontend"
)

type analyzeParams struct {
	opts    interchange.Options
	dir     string
	jobs    int
	debug   bool
	stats   bool
	printIR bool
	db      string
	label   string
}

func analyzeCommand() *cobra.Command {
	p := analyzeParams{opts: interchange.DefaultOptions()}
	c := &cobra.Command{
		Use:   "analyze [packages]",
		Short: "Run loop interchange on every function of the given packages",
		Long: `Loads the packages (default "."), lowers every function with a body,
canonicalizes its loops and runs loop interchange on each loop nest.

Prints one JSON document with the per-function outcome and remarks.
With --db the remarks are also recorded in a remark store under a new run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args, p)
		},
	}
	f := c.Flags()
	f.StringVarP(&p.dir, "dir", "C", ".", "directory to resolve package patterns in")
	f.IntVarP(&p.jobs, "jobs", "j", runtime.GOMAXPROCS(0), "number of functions processed concurrently")
	f.IntVar(&p.opts.CostThreshold, "threshold", p.opts.CostThreshold, "instruction-order cost threshold for interchange")
	f.IntVar(&p.opts.MinDepth, "min-depth", p.opts.MinDepth, "minimum depth of loop nests considered")
	f.IntVar(&p.opts.MaxDepth, "max-depth", p.opts.MaxDepth, "maximum depth of loop nests considered")
	f.IntVar(&p.opts.MaxMemInstrCount, "max-meminstr-count", p.opts.MaxMemInstrCount, "maximum number of loads and stores in a loop nest")
	f.Var(&p.opts.Rules, "profitabilities", "ordered profitability rules: cache, instorder, vectorize, or ignore alone")
	f.BoolVar(&p.opts.AssumeDisjointRows, "assume-disjoint-rows", false, "treat rows of [][]T matrices as distinct objects")
	f.Int64Var(&p.opts.CacheLineSize, "cache-line-size", p.opts.CacheLineSize, "cache line size in bytes for the cache cost model")
	f.BoolVar(&p.debug, "debug", false, "write debug traces to stderr")
	f.BoolVar(&p.stats, "stats", false, "print pass statistics to stderr")
	f.BoolVar(&p.printIR, "ir", false, "include the IR of transformed functions")
	f.StringVar(&p.db, "db", "", "remark store to record the run in (default: none)")
	f.StringVar(&p.label, "label", "", "label of the recorded run (default: the package patterns)")
	return c
}

func runAnalyze(cmd *cobra.Command, args []string, p analyzeParams) error {
	if err := p.opts.Validate(); err != nil {
		return err
	}
	if p.jobs < 1 {
		return fmt.Errorf("--jobs must be at least 1, got %d", p.jobs)
	}
	log := newLogger(cmd.ErrOrStderr(), p.debug)

	pkgs, err := frontend.LoadPackages(p.dir, args...)
	if err != nil {
		return err
	}
	prog, ssaPkgs, err := frontend.BuildSSAFromPackages(pkgs)
	if err != nil {
		return fmt.Errorf("failed to build SSA: %w", err)
	}
	fns := frontend.Functions(prog, ssaPkgs)
	log.Debug().Int("functions", len(fns)).Msg("loaded packages")

	reg := prometheus.NewRegistry()
	stats, err := interchange.NewStats(reg)
	if err != nil {
		return err
	}

	out := AnalyzeOutput{Functions: make([]FunctionOutput, len(fns))}
	var store *interchange.RemarkStore
	if p.db != "" {
		store, err = interchange.NewRemarkStore(p.db, interchange.DefaultRemarkStoreOptions())
		if err != nil {
			return err
		}
		defer store.Close()
		label := p.label
		if label == "" {
			label = strings.Join(args, " ")
		}
		if out.RunID, err = store.BeginRun(label); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(p.jobs)
	for i, fn := range fns {
		i, fn := i, fn
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := analyzeFunction(fn, p, log, stats, store)
			if err != nil {
				return err
			}
			out.Functions[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, fo := range out.Functions {
		if fo.Changed {
			out.Changed++
		}
	}

	if store != nil {
		if err := store.Err(); err != nil {
			return fmt.Errorf("recording remarks: %w", err)
		}
		if err := store.Flush(); err != nil {
			return fmt.Errorf("flushing remark store: %w", err)
		}
	}
	if p.stats {
		if err := printStats(cmd.ErrOrStderr(), reg); err != nil {
			return err
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("json encode failed: %w", err)
	}
	return nil
}

// analyzeFunction lowers fn and runs the pass on it. Lowering failures
// are reported in the output; only pass configuration errors abort.
func analyzeFunction(fn *ssa.Function, p analyzeParams, log zerolog.Logger, stats *interchange.Stats, store *interchange.RemarkStore) (FunctionOutput, error) {
	res := FunctionOutput{Function: fn.String(), Remarks: []interchange.Remark{}}
	flog := log.With().Str("func", res.Function).Logger()

	lowered := frontend.LowerFunction(fn, frontend.CanonOptions{Log: flog, Verify: true})
	if lowered.Err != nil {
		flog.Debug().Err(lowered.Err).Msg("skipping function")
		res.ErrorMessage = lowered.Err.Error()
		return res, nil
	}

	collector := &interchange.RemarkCollector{}
	sinks := []interchange.RemarkSink{collector}
	if store != nil {
		sinks = append(sinks, store)
	}
	pass, err := interchange.New(p.opts,
		interchange.WithLogger(flog),
		interchange.WithRemarks(sinks...),
		interchange.WithStats(stats),
	)
	if err != nil {
		return res, err
	}
	res.Changed = pass.RunOnFunction(lowered.IR)
	res.Remarks = append(res.Remarks, collector.Remarks()...)
	if p.printIR && res.Changed {
		res.IR = lowered.IR.String()
	}
	return res, nil
}

func printStats(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering statistics: %w", err)
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
		}
	}
	return nil
}
