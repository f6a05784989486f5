// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/fundguard/internal/domain"
)

// Outcome is the per-rule result of an evaluation.
type Outcome string

const (
	OutcomeHit   Outcome = "hit"
	OutcomePass  Outcome = "pass"
	OutcomeError Outcome = "error"
)

// Rule is a heuristic: a CEL condition over inputs pulled from the campaign
// and user by Extract.
type Rule struct {
	Name       string
	Severity   domain.Severity
	Reason     string
	Expression string

	// Extract builds the CEL activation. An error marks the rule as errored.
	Extract func(in *Input) (map[string]any, error)

	// Value builds the hit's value from the activation. Optional.
	Value func(act map[string]any) any

	// Explain overrides Reason with a message built from the activation.
	Explain func(act map[string]any) string
}

// Input is what every rule sees.
type Input struct {
	Campaign domain.Record
	User     domain.Record
	Now      time.Time
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *Rule
	Program cel.Program
}

// Result records how a single rule fared.
type Result struct {
	Rule    string
	Outcome Outcome
	Err     error
}

// Evaluation is the detailed output of a run over all rules.
type Evaluation struct {
	Hits    []domain.RuleHit
	Results []Result
}

// Engine evaluates the ordered rule set. It is immutable after construction
// and safe for concurrent use.
type Engine struct {
	env   *cel.Env
	rules []*CompiledRule
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for account age.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine loaded with the built-in fraud heuristics.
func NewEngine(opts ...Option) (*Engine, error) {
	return NewEngineWithRules(BuiltinRules(), opts...)
}

// NewEngineWithRules compiles rules, in order, into a new engine.
func NewEngineWithRules(rules []*Rule, opts ...Option) (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env: env,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, r := range rules {
		compiled, err := e.compileRule(r)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)
	}
	return e, nil
}

// newEnv declares every variable the rules may reference.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("has_user", cel.BoolType),
		cel.Variable("campaigns_24h", cel.IntType),
		cel.Variable("has_age", cel.BoolType),
		cel.Variable("age_days", cel.IntType),
		cel.Variable("goal", cel.DoubleType),
		cel.Variable("donations", cel.IntType),
		cel.Variable("refunds", cel.IntType),
		cel.Variable("title", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("phrases", cel.ListType(cel.StringType)),
		cel.Variable("payout_country", cel.StringType),
		cel.Variable("user_country", cel.StringType),
		cel.Variable("email_domain", cel.StringType),
		cel.Variable("disposable_domains", cel.ListType(cel.StringType)),
	)
}

// Evaluate returns the rule hits for a campaign and its creator, in rule order.
func (e *Engine) Evaluate(campaign, user domain.Record) []domain.RuleHit {
	return e.EvaluateDetailed(campaign, user).Hits
}

// EvaluateDetailed runs every rule and reports each rule's outcome alongside
// the hits. A failing rule never affects the others.
func (e *Engine) EvaluateDetailed(campaign, user domain.Record) Evaluation {
	return e.EvaluateDetailedAt(campaign, user, e.now())
}

// EvaluateDetailedAt is EvaluateDetailed with account age measured at now.
func (e *Engine) EvaluateDetailedAt(campaign, user domain.Record, now time.Time) Evaluation {
	in := &Input{Campaign: campaign, User: user, Now: now}

	ev := Evaluation{
		Hits:    []domain.RuleHit{},
		Results: make([]Result, 0, len(e.rules)),
	}
	for _, r := range e.rules {
		hit, res := e.evaluateRule(r, in)
		if res.Outcome == OutcomeError {
			slog.Debug("rule evaluation failed", "rule", res.Rule, "error", res.Err)
		}
		if hit != nil {
			ev.Hits = append(ev.Hits, *hit)
		}
		ev.Results = append(ev.Results, res)
	}
	return ev
}

// evaluateRule evaluates a single rule and returns its hit, if any.
func (e *Engine) evaluateRule(r *CompiledRule, in *Input) (hit *domain.RuleHit, res Result) {
	res = Result{Rule: r.Rule.Name}
	defer func() {
		if p := recover(); p != nil {
			hit = nil
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("panic: %v", p)
		}
	}()

	act, err := r.Rule.Extract(in)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		return nil, res
	}

	out, _, err := r.Program.Eval(act)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("evaluation error: %w", err)
		return nil, res
	}

	matched, ok := out.(types.Bool)
	if !ok {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("rule %s returned %v, want bool", r.Rule.Name, out.Type())
		return nil, res
	}
	if !matched {
		res.Outcome = OutcomePass
		return nil, res
	}

	hit = &domain.RuleHit{
		Rule:     r.Rule.Name,
		Severity: r.Rule.Severity,
		Reason:   r.Rule.Reason,
	}
	if r.Rule.Value != nil {
		hit.Value = r.Rule.Value(act)
	}
	if r.Rule.Explain != nil {
		hit.Reason = r.Rule.Explain(act)
	}
	res.Outcome = OutcomeHit
	return hit, res
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// RuleNames returns the loaded rule names in evaluation order.
func (e *Engine) RuleNames() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Rule.Name
	}
	return names
}

func (e *Engine) compileRule(r *Rule) (*CompiledRule, error) {
	if r == nil || r.Extract == nil {
		return nil, fmt.Errorf("rule is missing an extractor")
	}

	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.Name, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.Name, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.Name, err)
	}

	return &CompiledRule{
		Rule:    r,
		Program: program,
	}, nil
}
