// Package policy plans enforcement actions with an OPA/rego policy.
//
// A policy is evaluated with the query data.tripwire.plan.result and must
// produce {"actions": [...], "independent": [...]}. The input document carries
// the case key, its severity and the scoring indicators.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

const query = "data.tripwire.plan.result"

//go:embed default.rego
var defaultPolicy string

// Input is the document a policy is evaluated against.
type Input struct {
	Subject     string   `json:"subject"`
	Violator    string   `json:"violator"`
	Kind        string   `json:"kind"`
	Severity    string   `json:"severity"`
	State       string   `json:"state"`
	Evidence    int      `json:"evidence"`
	Sources     int      `json:"sources"`
	Independent []string `json:"independent"`
}

type result struct {
	Actions     []string `json:"actions"`
	Independent []string `json:"independent"`
}

// Planner implements cases.Planner on a prepared rego query.
type Planner struct {
	query       rego.PreparedEvalQuery
	independent []cases.ActionType
}

// Default returns a planner running the built-in tier policy.
func Default(ctx context.Context, independent []cases.ActionType) (*Planner, error) {
	return New(ctx, "default.rego", defaultPolicy, independent)
}

// Load compiles the policy file at path.
func Load(ctx context.Context, path string, independent []cases.ActionType) (*Planner, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan policy: %w", err)
	}
	return New(ctx, path, string(src), independent)
}

// New compiles a policy module. independent is passed to the policy as
// input.independent; the policy decides which of them apply.
func New(ctx context.Context, name, src string, independent []cases.ActionType) (*Planner, error) {
	compiler := ast.NewCompiler()
	r := rego.New(
		rego.Query(query),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Module(name, src),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile plan policy %s: %w", name, err)
	}
	if err := assertDeterministic(compiler); err != nil {
		return nil, fmt.Errorf("plan policy %s: %w", name, err)
	}
	return &Planner{query: prepared, independent: slices.Clone(independent)}, nil
}

// Plan implements cases.Planner.
func (p *Planner) Plan(ctx context.Context, c *cases.Case) (cases.Plan, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(p.input(c)))
	if err != nil {
		return cases.Plan{}, fmt.Errorf("evaluate plan policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return cases.Plan{}, errors.New("plan policy produced no result")
	}
	res, err := decode(results[0].Expressions[0].Value)
	if err != nil {
		return cases.Plan{}, err
	}

	var plan cases.Plan
	for _, s := range res.Actions {
		a := cases.ActionType(s)
		if !a.Valid() {
			return cases.Plan{}, fmt.Errorf("plan policy returned unknown action %q", s)
		}
		if !slices.Contains(plan.Actions, a) {
			plan.Actions = append(plan.Actions, a)
		}
	}
	for _, s := range res.Independent {
		a := cases.ActionType(s)
		if slices.Contains(plan.Actions, a) && !slices.Contains(plan.Independent, a) {
			plan.Independent = append(plan.Independent, a)
		}
	}
	plan.Actions = plan.Ordered()
	return plan, nil
}

func (p *Planner) input(c *cases.Case) Input {
	evidence, sources := cases.Indicators(c)
	in := Input{
		Subject:     c.Key.Subject,
		Violator:    c.Key.Violator,
		Kind:        string(c.Key.Kind),
		Severity:    string(c.Severity),
		State:       string(c.State),
		Evidence:    evidence,
		Sources:     sources,
		Independent: make([]string, 0, len(p.independent)),
	}
	for _, a := range p.independent {
		in.Independent = append(in.Independent, string(a))
	}
	return in
}

func decode(value any) (result, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return result{}, fmt.Errorf("encode plan policy result: %w", err)
	}
	var res result
	if err := json.Unmarshal(payload, &res); err != nil {
		return result{}, fmt.Errorf("plan policy result has wrong shape: %w", err)
	}
	return res, nil
}

// assertDeterministic rejects policies that call nondeterministic builtins
// (http.send, time.now_ns, rand.intn, ...). A plan must be reproducible from
// the case alone.
func assertDeterministic(compiler *ast.Compiler) error {
	found := make(map[string]struct{})
	check := func(name string) {
		if b, ok := ast.BuiltinMap[name]; ok && b.Nondeterministic {
			found[name] = struct{}{}
		}
	}
	for _, module := range compiler.Modules {
		// Nested calls are Call terms; statement-level calls are call exprs.
		ast.WalkTerms(module, func(term *ast.Term) bool {
			if call, ok := term.Value.(ast.Call); ok && len(call) > 0 && call[0] != nil {
				check(call[0].Value.String())
			}
			return false
		})
		ast.WalkExprs(module, func(expr *ast.Expr) bool {
			if expr.IsCall() {
				check(expr.Operator().String())
			}
			return false
		})
	}
	if len(found) == 0 {
		return nil
	}
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("nondeterministic builtins not allowed: %s", strings.Join(names, ", "))
}

var _ cases.Planner = (*Planner)(nil)
