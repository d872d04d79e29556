package client

import (
	"fmt"

	"github.com/xraylabs/xray/xray"
)

// StepContext is the handle passed to the function running inside a scoped
// step. It records evaluations against that step and accumulates the output
// the step will close with.
type StepContext struct {
	client *Client
	output map[string]any
}

// LogEvaluation records one evaluation within this step.
func (sc *StepContext) LogEvaluation(entityID string, value any, passed bool, reason string) error {
	return sc.client.RecordEvaluation(entityID, value, passed, reason)
}

// Evaluate records an evaluation with an automatic pass/fail reason when none
// is given, and returns the condition so it can be used inline.
func (sc *StepContext) Evaluate(entityID string, value any, condition bool, reason string) (bool, error) {
	if reason == "" {
		if condition {
			reason = "Evaluation passed"
		} else {
			reason = "Evaluation failed"
		}
	}
	if err := sc.LogEvaluation(entityID, value, condition, reason); err != nil {
		return condition, err
	}
	return condition, nil
}

// SetOutput replaces the output the step will close with.
func (sc *StepContext) SetOutput(output map[string]any) {
	sc.output = map[string]any{}
	for k, v := range output {
		sc.output[k] = v
	}
}

// WithStep runs fn inside a step and guarantees the step is closed on every
// exit path: normal return, error return, or panic. When fn fails, the step
// output gains an "error" entry describing the failure before the step is
// closed; a panic is re-raised after the close.
// Satisfies REQ-CLIENT-003: scoped steps close exactly once on all exits
func (c *Client) WithStep(name, stepType string, input map[string]any, rules []xray.RuleDefinition, fn func(*StepContext) error) error {
	if _, err := c.StartStep(name, stepType, input, rules); err != nil {
		return err
	}

	sc := &StepContext{client: c, output: map[string]any{}}
	defer func() {
		if r := recover(); r != nil {
			sc.output["error"] = fmt.Sprint(r)
			_ = c.EndStep(sc.output)
			panic(r)
		}
	}()

	ferr := fn(sc)
	if ferr != nil {
		sc.output["error"] = ferr.Error()
	}
	if err := c.EndStep(sc.output); err != nil && ferr == nil {
		return err
	}
	return ferr
}

// Traced is a unit of work wrapped by TraceFunc: it receives an input map and
// produces an output map.
type Traced func(input map[string]any) (map[string]any, error)

// TraceFunc wraps a unit of work so every invocation runs inside its own
// step: the input map is recorded as the step input and fn's returned map
// becomes the step output. The wrapped function behaves exactly like fn.
func (c *Client) TraceFunc(name, stepType string, fn Traced) Traced {
	return func(input map[string]any) (map[string]any, error) {
		var result map[string]any
		err := c.WithStep(name, stepType, input, nil, func(sc *StepContext) error {
			out, err := fn(input)
			if err != nil {
				return err
			}
			result = out
			sc.SetOutput(out)
			return nil
		})
		return result, err
	}
}
