package main

import (
	"time"

	"github.com/xraylabs/xray/xray"
)

// API request and response models.

// CreateExecutionRequest represents the request body for creating an execution
type CreateExecutionRequest struct {
	Name     string         `json:"name" example:"flight_eval"`
	Metadata map[string]any `json:"metadata,omitempty"`
} // @name CreateExecutionRequest

// UpdateExecutionRequest represents a partial execution update
type UpdateExecutionRequest struct {
	Status  *string    `json:"status,omitempty" example:"completed"`
	EndedAt *time.Time `json:"ended_at,omitempty" example:"2024-01-15T10:30:00Z"`
} // @name UpdateExecutionRequest

// CreateStepRequest represents the request body for creating a step
type CreateStepRequest struct {
	Name  string                `json:"name" example:"Filter by Route"`
	Type  string                `json:"type,omitempty" example:"filter"`
	Input map[string]any        `json:"input,omitempty"`
	Rules []xray.RuleDefinition `json:"rules,omitempty"`
} // @name CreateStepRequest

// UpdateStepRequest represents a partial step update
type UpdateStepRequest struct {
	Output  *xray.StepOutput `json:"output,omitempty"`
	EndedAt *time.Time       `json:"ended_at,omitempty" example:"2024-01-15T10:31:00Z"`
} // @name UpdateStepRequest

// CreateEvaluationRequest represents the request body for adding an evaluation
type CreateEvaluationRequest struct {
	EntityID string `json:"entity_id" example:"AI-202"`
	Value    any    `json:"value"`
	Passed   bool   `json:"passed" example:"true"`
	Reason   string `json:"reason" example:"Price Rs. 38,500 <= Rs. 40,000"`
} // @name CreateEvaluationRequest

// ExecutionListResponse represents the response for listing executions
type ExecutionListResponse struct {
	Executions []*xray.Execution `json:"executions"`
} // @name ExecutionListResponse

// StepListResponse represents the response for listing steps
type StepListResponse struct {
	Steps []*xray.Step `json:"steps"`
} // @name StepListResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"not found"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
} // @name HealthResponse
