package client

import (
	"fmt"
	"time"

	"github.com/xraylabs/xray/xray"
)

// Client is a stateful tracing session. It tracks the current execution and
// the current step so callers never thread identifiers by hand, and it
// enforces the legal call order:
//
//	StartExecution -> StartStep -> RecordEvaluation* -> EndStep -> EndExecution
//
// A Client is single-writer state by design: it must not be shared between
// goroutines without external synchronization.
// Satisfies REQ-CLIENT-001: session state machine
type Client struct {
	backend       Backend
	executionName string
	executionID   string
	stepID        string
}

// New creates a tracing session for one named execution.
func New(executionName string, backend Backend) *Client {
	return &Client{backend: backend, executionName: executionName}
}

// ExecutionID returns the active execution id, or "" when idle.
func (c *Client) ExecutionID() string {
	return c.executionID
}

// StepID returns the currently open step id, or "" when no step is open.
func (c *Client) StepID() string {
	return c.stepID
}

// StartExecution begins the session's execution. Only legal from the idle
// state; one Client traces one execution at a time.
func (c *Client) StartExecution(metadata map[string]any) (string, error) {
	if c.executionID != "" {
		return "", fmt.Errorf("execution already active: %w", xray.ErrInvalidState)
	}

	exe, err := c.backend.CreateExecution(c.executionName, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to start execution: %w", err)
	}
	c.executionID = exe.ExecutionID
	return c.executionID, nil
}

// StartStep opens a new step. Only legal while an execution is active and no
// step is open; nested steps are rejected rather than stacked.
// Satisfies REQ-CLIENT-002: a second StartStep before EndStep is InvalidState
func (c *Client) StartStep(name, stepType string, input map[string]any, rules []xray.RuleDefinition) (string, error) {
	if c.executionID == "" {
		return "", fmt.Errorf("must start execution first: %w", xray.ErrInvalidState)
	}
	if c.stepID != "" {
		return "", fmt.Errorf("step %s still open: %w", c.stepID, xray.ErrInvalidState)
	}

	step, err := c.backend.CreateStep(c.executionID, name, stepType, input, rules)
	if err != nil {
		return "", fmt.Errorf("failed to start step: %w", err)
	}
	c.stepID = step.StepID
	return c.stepID, nil
}

// RecordEvaluation appends one per-entity verdict to the open step.
func (c *Client) RecordEvaluation(entityID string, value any, passed bool, reason string) error {
	if c.stepID == "" {
		return fmt.Errorf("must start step first: %w", xray.ErrInvalidState)
	}

	_, err := c.backend.AddEvaluation(c.stepID, xray.Evaluation{
		EntityID: entityID,
		Value:    value,
		Passed:   passed,
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}
	return nil
}

// EndStep closes the open step with the given output map and stamps ended_at
// to now. The current-step state is cleared only on success, so a transient
// failure can be retried.
func (c *Client) EndStep(output map[string]any) error {
	if c.stepID == "" {
		return fmt.Errorf("no active step to end: %w", xray.ErrInvalidState)
	}

	out := xray.OutputFromMap(output)
	now := time.Now().UTC()
	_, err := c.backend.UpdateStep(c.stepID, xray.StepUpdate{Output: &out, EndedAt: &now})
	if err != nil {
		return fmt.Errorf("failed to end step: %w", err)
	}
	c.stepID = ""
	return nil
}

// EndExecution finishes the session's execution with the given terminal
// status (StatusCompleted when empty) and stamps ended_at to now. A still-open
// step is a caller error: close steps before ending the execution.
func (c *Client) EndExecution(status string) error {
	if c.executionID == "" {
		return fmt.Errorf("no active execution to end: %w", xray.ErrInvalidState)
	}
	if c.stepID != "" {
		return fmt.Errorf("step %s still open: %w", c.stepID, xray.ErrInvalidState)
	}
	if status == "" {
		status = xray.StatusCompleted
	}

	now := time.Now().UTC()
	_, err := c.backend.UpdateExecution(c.executionID, xray.ExecutionUpdate{Status: &status, EndedAt: &now})
	if err != nil {
		return fmt.Errorf("failed to end execution: %w", err)
	}
	c.executionID = ""
	return nil
}
