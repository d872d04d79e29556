// Package rulecheck turns declarative rule definitions into executable
// checks. The store records rules as audit metadata and never evaluates them;
// this package is for the client side of the pipeline, where the same rules a
// step declares can drive the actual filtering. Expressions are compiled once
// with CEL and cached per rule.
package rulecheck

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/xraylabs/xray/xray"
)

// Binding ties a rule definition to the entity field its operator and value
// apply to. The field name is a Binding concern because RuleDefinition itself
// is free-form audit metadata and does not name a field.
type Binding struct {
	Field string
	Rule  xray.RuleDefinition
}

// Result is the outcome of checking one rule against one entity.
type Result struct {
	RuleID string
	Passed bool
	Reason string
	Err    error
}

// Checker evaluates a fixed set of rule bindings against entities.
// Thread-safe for concurrent Check calls; programs are compiled up front.
type Checker struct {
	env      *cel.Env
	bindings []Binding
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// Supported comparison operators.
var operators = map[string]bool{
	"==": true, "!=": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"in": true, "contains": true,
}

// NewChecker compiles every binding's rule into a CEL program. A rule with an
// unknown operator or an unrepresentable value fails construction, not Check.
func NewChecker(bindings []Binding) (*Checker, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	c := &Checker{
		env:      env,
		bindings: bindings,
		programs: make(map[string]cel.Program, len(bindings)),
	}

	for _, b := range bindings {
		if err := c.compile(b); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Rules returns the rule definitions behind the bindings, in binding order,
// ready to attach to a step.
func (c *Checker) Rules() []xray.RuleDefinition {
	rules := make([]xray.RuleDefinition, len(c.bindings))
	for i, b := range c.bindings {
		rules[i] = b.Rule
	}
	return rules
}

// compile builds and caches the CEL program for one binding.
func (c *Checker) compile(b Binding) error {
	expr, err := expression(b)
	if err != nil {
		return fmt.Errorf("rule %s: %w", b.Rule.RuleID, err)
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("rule %s: compile error: %w", b.Rule.RuleID, issues.Err())
	}

	// Cost limit prevents resource exhaustion from pathological values.
	prog, err := c.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return fmt.Errorf("rule %s: program creation error: %w", b.Rule.RuleID, err)
	}

	c.mu.Lock()
	c.programs[b.Rule.RuleID] = prog
	c.mu.Unlock()
	return nil
}

// Check evaluates every rule against the entity, in binding order.
// Evaluation errors (missing field, type mismatch) are captured per rule and
// count as a fail, matching how a rule that cannot be checked should read in
// an audit trail.
func (c *Checker) Check(entity map[string]any) []Result {
	results := make([]Result, 0, len(c.bindings))
	for _, b := range c.bindings {
		results = append(results, c.checkOne(b, entity))
	}
	return results
}

// Passes reports whether the entity satisfies every rule.
func (c *Checker) Passes(entity map[string]any) bool {
	for _, r := range c.Check(entity) {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (c *Checker) checkOne(b Binding, entity map[string]any) Result {
	c.mu.RLock()
	prog := c.programs[b.Rule.RuleID]
	c.mu.RUnlock()

	out, _, err := prog.Eval(map[string]any{"entity": entity})
	if err != nil {
		return Result{
			RuleID: b.Rule.RuleID,
			Passed: false,
			Reason: fmt.Sprintf("%s: check failed: %v", b.Rule.RuleID, err),
			Err:    err,
		}
	}

	// Non-boolean results are treated as a fail, never a crash.
	passed := false
	if v, ok := out.Value().(bool); ok {
		passed = v
	}

	verdict := "failed"
	if passed {
		verdict = "passed"
	}
	return Result{
		RuleID: b.Rule.RuleID,
		Passed: passed,
		Reason: fmt.Sprintf("%s %s %v (%v): %s", b.Field, b.Rule.Operator, b.Rule.Value, entity[b.Field], verdict),
	}
}

// expression renders a binding as CEL source, e.g.
// `entity.price <= 40000` or `entity.cabin in ["economy", "premium"]`.
func expression(b Binding) (string, error) {
	if b.Field == "" {
		return "", fmt.Errorf("binding has no field")
	}
	if !operators[b.Rule.Operator] {
		return "", fmt.Errorf("unsupported operator %q", b.Rule.Operator)
	}

	lit, err := literal(b.Rule.Value)
	if err != nil {
		return "", err
	}

	field := fmt.Sprintf("entity[%s]", strconv.Quote(b.Field))
	if b.Rule.Operator == "contains" {
		return fmt.Sprintf("%s.contains(%s)", field, lit), nil
	}
	return fmt.Sprintf("%s %s %s", field, b.Rule.Operator, lit), nil
}

// literal renders a rule value as a CEL literal.
func literal(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(val), nil
	case string:
		return strconv.Quote(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			lit, err := literal(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, lit)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case []string:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, strconv.Quote(item))
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", fmt.Errorf("unrepresentable rule value %T", v)
	}
}
