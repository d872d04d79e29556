package client

import (
	"fmt"

	"github.com/xraylabs/xray/xray"
)

// Handler executes one step type. It receives the step's input and rules and
// returns the step output plus any evaluations to record.
type Handler func(input map[string]any, rules []xray.RuleDefinition) (map[string]any, []xray.Evaluation, error)

// StepConfig describes one step of a data-driven pipeline. The zero values
// fall back to "Unnamed Step" and the default step type.
type StepConfig struct {
	Name  string                `json:"name"`
	Type  string                `json:"type"`
	Input map[string]any        `json:"input,omitempty"`
	Rules []xray.RuleDefinition `json:"rules,omitempty"`
}

// StepRunner executes steps from configuration instead of code: each step
// type is bound to a registered Handler and every run is traced as a scoped
// step.
type StepRunner struct {
	client   *Client
	handlers map[string]Handler
}

// NewStepRunner creates a runner bound to a tracing session.
func NewStepRunner(c *Client) *StepRunner {
	return &StepRunner{
		client:   c,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a step type, replacing any previous one.
func (r *StepRunner) RegisterHandler(stepType string, handler Handler) {
	r.handlers[stepType] = handler
}

// ExecuteStep runs one configured step inside a scoped step and returns the
// handler's output. An unregistered step type is an error before any step is
// opened.
func (r *StepRunner) ExecuteStep(cfg StepConfig) (map[string]any, error) {
	name := cfg.Name
	if name == "" {
		name = "Unnamed Step"
	}
	stepType := cfg.Type
	if stepType == "" {
		stepType = xray.DefaultStepType
	}

	handler, ok := r.handlers[stepType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step type %q", stepType)
	}

	var output map[string]any
	err := r.client.WithStep(name, stepType, cfg.Input, cfg.Rules, func(sc *StepContext) error {
		out, evals, err := handler(cfg.Input, cfg.Rules)
		if err != nil {
			return err
		}
		for _, e := range evals {
			if err := sc.LogEvaluation(e.EntityID, e.Value, e.Passed, e.Reason); err != nil {
				return err
			}
		}
		output = out
		sc.SetOutput(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

// ExecutePipeline runs the configured steps in order and stops at the first
// failure, returning the outputs of the steps that completed.
func (r *StepRunner) ExecutePipeline(steps []StepConfig) ([]map[string]any, error) {
	outputs := make([]map[string]any, 0, len(steps))
	for _, cfg := range steps {
		out, err := r.ExecuteStep(cfg)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}
