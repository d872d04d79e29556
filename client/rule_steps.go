package client

import (
	"strings"

	"github.com/xraylabs/xray/rulecheck"
)

// RuleFilterStep is a filter step driven by compiled rule checks: each item
// is evaluated against every bound rule and passes only when all rules pass.
// The recorded reason is the per-rule verdicts joined together, and the
// checker's rule definitions are attached to the step, so the audit trail
// shows exactly the policy that filtered the data.
func RuleFilterStep(c *Client, name string, items []map[string]any, checker *rulecheck.Checker, opts *StepOptions) ([]map[string]any, error) {
	rules := checker.Rules()
	if opts != nil {
		rules = append(rules, opts.Rules...)
	}

	var filtered []map[string]any
	err := c.WithStep(name, "filter", opts.input(), rules, func(sc *StepContext) error {
		for _, item := range items {
			passed := true
			results := checker.Check(item)
			reasons := make([]string, 0, len(results))
			for _, r := range results {
				if !r.Passed {
					passed = false
				}
				reasons = append(reasons, r.Reason)
			}

			if err := sc.LogEvaluation(opts.entityID(item), item, passed, strings.Join(reasons, "; ")); err != nil {
				return err
			}
			if passed {
				filtered = append(filtered, item)
			}
		}

		sc.SetOutput(map[string]any{
			"total_evaluated": len(items),
			"passed":          len(filtered),
			"failed":          len(items) - len(filtered),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filtered, nil
}
