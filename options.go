package interchange

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOptions is returned by Options.Validate and New.
var ErrInvalidOptions = errors.New("interchange: invalid options")

// Rule is a profitability heuristic.
type Rule uint8

const (
	// RuleCache ranks loops with the cache-cost analysis.
	RuleCache Rule = iota
	// RuleInstOrder counts induction variable orders in address computations.
	RuleInstOrder
	// RuleVectorize prefers an innermost loop without carried dependences.
	RuleVectorize
	// RuleIgnore skips the cost model and always interchanges. It cannot
	// be combined with other rules.
	RuleIgnore
)

var ruleNames = [...]string{
	RuleCache:     "cache",
	RuleInstOrder: "instorder",
	RuleVectorize: "vectorize",
	RuleIgnore:    "ignore",
}

func (r Rule) String() string {
	if int(r) < len(ruleNames) {
		return ruleNames[r]
	}
	return fmt.Sprintf("Rule(%d)", r)
}

// ParseRule maps a rule name to its Rule.
func ParseRule(s string) (Rule, error) {
	for r, name := range ruleNames {
		if name == s {
			return Rule(r), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown profitability rule %q", ErrInvalidOptions, s)
}

// Rules is an ordered rule list. It implements pflag.Value as a
// comma-separated list.
type Rules []Rule

// DefaultRules prefers cache locality, then instruction order, then
// vectorization.
func DefaultRules() Rules { return Rules{RuleCache, RuleInstOrder, RuleVectorize} }

// ParseRules parses a comma-separated rule list.
func ParseRules(s string) (Rules, error) {
	var rs Rules
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := ParseRule(part)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}

func (rs *Rules) String() string {
	if rs == nil {
		return ""
	}
	names := make([]string, len(*rs))
	for i, r := range *rs {
		names[i] = r.String()
	}
	return strings.Join(names, ",")
}

// Set replaces the list with the parsed value of s.
func (rs *Rules) Set(s string) error {
	parsed, err := ParseRules(s)
	if err != nil {
		return err
	}
	*rs = parsed
	return nil
}

// Type names the flag value type.
func (rs *Rules) Type() string { return "rules" }

// forcesInterchange reports whether the list is the lone ignore rule.
func (rs Rules) forcesInterchange() bool {
	return len(rs) == 1 && rs[0] == RuleIgnore
}

// Options configures the pass.
type Options struct {
	// CostThreshold bounds the instruction-order score: interchange is
	// profitable when the score is negative and below it.
	CostThreshold int
	// MinDepth and MaxDepth bound the depth of nests considered.
	MinDepth int
	MaxDepth int
	// MaxMemInstrCount caps the loads and stores entering the dependency
	// matrix. Values below 1 disable the pass.
	MaxMemInstrCount int
	Rules            Rules

	// AssumeDisjointRows treats the rows of [][]T matrices as distinct
	// objects in dependence and cache analysis.
	AssumeDisjointRows bool
	CacheLineSize      int64
	DefaultTripCount   int64
}

// DefaultOptions returns the standard configuration.
func DefaultOptions() Options {
	return Options{
		CostThreshold:    0,
		MinDepth:         2,
		MaxDepth:         10,
		MaxMemInstrCount: 64,
		Rules:            DefaultRules(),
		CacheLineSize:    64,
		DefaultTripCount: 100,
	}
}

// Validate checks the option invariants.
func (o Options) Validate() error {
	var errs []error
	seen := make(map[Rule]bool, len(o.Rules))
	for _, r := range o.Rules {
		if r > RuleIgnore {
			errs = append(errs, fmt.Errorf("unknown rule %s", r))
			continue
		}
		if seen[r] {
			errs = append(errs, fmt.Errorf("duplicate rule %s", r))
		}
		seen[r] = true
	}
	if seen[RuleIgnore] && len(o.Rules) > 1 {
		errs = append(errs, errors.New("rule ignore cannot be combined with other rules"))
	}
	if len(o.Rules) == 0 {
		errs = append(errs, errors.New("no profitability rules"))
	}
	if o.MaxMemInstrCount < 1 {
		errs = append(errs, fmt.Errorf("max memory instruction count %d is below 1", o.MaxMemInstrCount))
	}
	if o.MinDepth < 2 || o.MaxDepth < o.MinDepth {
		errs = append(errs, fmt.Errorf("depth range [%d, %d] is empty or below 2", o.MinDepth, o.MaxDepth))
	}
	if o.CacheLineSize <= 0 || o.DefaultTripCount <= 0 {
		errs = append(errs, errors.New("cache line size and default trip count must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}
