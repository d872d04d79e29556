package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xraylabs/xray/xray"
)

func newTestServer() *httptest.Server {
	return httptest.NewServer(NewServer(xray.NewInMemoryTraceStore(), nil))
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func patchJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}

	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to build PATCH request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH %s failed: %v", url, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// TestHealthEndpoint verifies the health check responds ok without a database
func TestHealthEndpoint(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}

	var health HealthResponse
	decodeInto(t, resp, &health)

	if health.Status != "ok" {
		t.Errorf("Status = %s, want 'ok'", health.Status)
	}
}

// TestCreateExecutionEndpoint verifies POST /executions creates a running execution
func TestCreateExecutionEndpoint(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{
		Name:     "flight_eval",
		Metadata: map[string]any{"route": "DEL-BOM"},
	})

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Status = %d, want 201", resp.StatusCode)
	}

	var exe xray.Execution
	decodeInto(t, resp, &exe)

	if exe.ExecutionID == "" {
		t.Error("execution_id should be set")
	}

	if exe.Status != xray.StatusRunning {
		t.Errorf("status = %s, want running", exe.Status)
	}

	if exe.Metadata["route"] != "DEL-BOM" {
		t.Errorf("metadata route = %v, want 'DEL-BOM'", exe.Metadata["route"])
	}
}

// TestCreateExecutionRequiresName verifies a missing name is a 400
func TestCreateExecutionRequiresName(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for missing name", resp.StatusCode)
	}
}

// TestGetExecutionNotFound verifies unknown ids are a 404
func TestGetExecutionNotFound(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/executions/no-such-id")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", resp.StatusCode)
	}
}

// TestListExecutionsEndpoint verifies listing with and without a limit
func TestListExecutionsEndpoint(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	for i := 1; i <= 3; i++ {
		resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{
			Name: fmt.Sprintf("run-%d", i),
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Failed to create execution %d: status %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(server.URL + "/api/v1/executions")
	if err != nil {
		t.Fatalf("GET /executions failed: %v", err)
	}

	var list ExecutionListResponse
	decodeInto(t, resp, &list)

	if len(list.Executions) != 3 {
		t.Fatalf("Executions length = %d, want 3", len(list.Executions))
	}

	resp, err = http.Get(server.URL + "/api/v1/executions?limit=2")
	if err != nil {
		t.Fatalf("GET /executions?limit=2 failed: %v", err)
	}

	decodeInto(t, resp, &list)
	if len(list.Executions) != 2 {
		t.Errorf("Executions length with limit=2 = %d, want 2", len(list.Executions))
	}
}

// TestListExecutionsBadLimit verifies a malformed limit is a 400
func TestListExecutionsBadLimit(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	for _, raw := range []string{"abc", "-5"} {
		resp, err := http.Get(server.URL + "/api/v1/executions?limit=" + raw)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s: Status = %d, want 400", raw, resp.StatusCode)
		}
	}
}

// TestUpdateExecutionInvalidStatus verifies unknown statuses are a 400
func TestUpdateExecutionInvalidStatus(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{Name: "run"})
	var exe xray.Execution
	decodeInto(t, resp, &exe)

	bogus := "paused"
	resp = patchJSON(t, server.URL+"/api/v1/executions/"+exe.ExecutionID, UpdateExecutionRequest{Status: &bogus})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for invalid status", resp.StatusCode)
	}
}

// TestUpdateFinishedExecutionConflict verifies the terminal lock surfaces as 409
func TestUpdateFinishedExecutionConflict(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{Name: "run"})
	var exe xray.Execution
	decodeInto(t, resp, &exe)

	completed := xray.StatusCompleted
	resp = patchJSON(t, server.URL+"/api/v1/executions/"+exe.ExecutionID, UpdateExecutionRequest{Status: &completed})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("First update status = %d, want 200", resp.StatusCode)
	}

	running := xray.StatusRunning
	resp = patchJSON(t, server.URL+"/api/v1/executions/"+exe.ExecutionID, UpdateExecutionRequest{Status: &running})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Status = %d, want 409 for a finished execution", resp.StatusCode)
	}

	var errResp ErrorResponse
	decodeInto(t, resp, &errResp)
	if errResp.Error == "" {
		t.Error("Error response should carry a message")
	}
}

// TestStepEndpoints verifies the step create/list/get/update routes
func TestStepEndpoints(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{Name: "with-steps"})
	var exe xray.Execution
	decodeInto(t, resp, &exe)

	// Create a step; omitted type falls back to the default
	resp = postJSON(t, server.URL+"/api/v1/executions/"+exe.ExecutionID+"/steps", CreateStepRequest{
		Name:  "Filter by Price",
		Input: map[string]any{"cap": 40000},
		Rules: []xray.RuleDefinition{
			{RuleID: "max_price", Description: "Price cap", Operator: "<=", Value: 40000},
		},
	})

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create step status = %d, want 201", resp.StatusCode)
	}

	var step xray.Step
	decodeInto(t, resp, &step)

	if step.Type != xray.DefaultStepType {
		t.Errorf("type = %s, want the default", step.Type)
	}

	if len(step.Rules) != 1 || step.Rules[0].Source != xray.DefaultRuleSource {
		t.Errorf("rules = %+v, want source defaulted", step.Rules)
	}

	// List steps
	resp, err := http.Get(server.URL + "/api/v1/executions/" + exe.ExecutionID + "/steps")
	if err != nil {
		t.Fatalf("GET steps failed: %v", err)
	}

	var list StepListResponse
	decodeInto(t, resp, &list)
	if len(list.Steps) != 1 {
		t.Fatalf("Steps length = %d, want 1", len(list.Steps))
	}

	// Get the step directly
	resp, err = http.Get(server.URL + "/api/v1/steps/" + step.StepID)
	if err != nil {
		t.Fatalf("GET step failed: %v", err)
	}

	var fetched xray.Step
	decodeInto(t, resp, &fetched)
	if fetched.StepID != step.StepID {
		t.Errorf("step_id = %s, want %s", fetched.StepID, step.StepID)
	}

	// Close the step with an output
	passed := 2
	resp = patchJSON(t, server.URL+"/api/v1/steps/"+step.StepID, UpdateStepRequest{
		Output: &xray.StepOutput{Passed: &passed},
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Update step status = %d, want 200", resp.StatusCode)
	}

	var updated xray.Step
	decodeInto(t, resp, &updated)
	if updated.Output.Passed == nil || *updated.Output.Passed != 2 {
		t.Errorf("output.passed = %v, want 2", updated.Output.Passed)
	}
}

// TestCreateStepRequiresName verifies a step without a name is a 400
func TestCreateStepRequiresName(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{Name: "run"})
	var exe xray.Execution
	decodeInto(t, resp, &exe)

	resp = postJSON(t, server.URL+"/api/v1/executions/"+exe.ExecutionID+"/steps", CreateStepRequest{})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for missing step name", resp.StatusCode)
	}
}

// TestCreateStepOnMissingExecution verifies a 404 for an unknown execution
func TestCreateStepOnMissingExecution(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions/no-such-id/steps", CreateStepRequest{Name: "Step"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", resp.StatusCode)
	}
}

// TestEvaluationEndpoint verifies POST /steps/{id}/evaluations appends verdicts
func TestEvaluationEndpoint(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/executions", CreateExecutionRequest{Name: "evals"})
	var exe xray.Execution
	decodeInto(t, resp, &exe)

	resp = postJSON(t, server.URL+"/api/v1/executions/"+exe.ExecutionID+"/steps", CreateStepRequest{Name: "Filter"})
	var step xray.Step
	decodeInto(t, resp, &step)

	resp = postJSON(t, server.URL+"/api/v1/steps/"+step.StepID+"/evaluations", CreateEvaluationRequest{
		EntityID: "AI-202",
		Value:    38500,
		Passed:   true,
		Reason:   "Price Rs. 38,500 <= Rs. 40,000",
	})

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Add evaluation status = %d, want 201", resp.StatusCode)
	}

	var updated xray.Step
	decodeInto(t, resp, &updated)

	if len(updated.Evaluations) != 1 {
		t.Fatalf("Evaluations length = %d, want 1", len(updated.Evaluations))
	}

	if updated.Evaluations[0].EntityID != "AI-202" {
		t.Errorf("entity_id = %s, want 'AI-202'", updated.Evaluations[0].EntityID)
	}

	// entity_id is required
	resp = postJSON(t, server.URL+"/api/v1/steps/"+step.StepID+"/evaluations", CreateEvaluationRequest{
		Passed: true,
	})
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for missing entity_id", resp.StatusCode)
	}
}

// TestEndToEndWorkflow walks the full trace lifecycle over HTTP
func TestEndToEndWorkflow(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	base := server.URL + "/api/v1"

	// 1. Start an execution
	resp := postJSON(t, base+"/executions", CreateExecutionRequest{
		Name:     "flight_eval",
		Metadata: map[string]any{"route": "DEL-BOM"},
	})
	var exe xray.Execution
	decodeInto(t, resp, &exe)

	// 2. Open a step with rules
	resp = postJSON(t, base+"/executions/"+exe.ExecutionID+"/steps", CreateStepRequest{
		Name: "Filter by Route",
		Type: "filter",
		Rules: []xray.RuleDefinition{
			{RuleID: "max_price", Description: "Price cap", Operator: "<=", Value: 40000},
		},
	})
	var step xray.Step
	decodeInto(t, resp, &step)

	// 3. Record evaluations
	evals := []CreateEvaluationRequest{
		{EntityID: "AI-202", Value: 38500, Passed: true, Reason: "under cap"},
		{EntityID: "6E-101", Value: 36200, Passed: true, Reason: "under cap"},
		{EntityID: "UK-955", Value: 44100, Passed: false, Reason: "over cap"},
	}
	for _, eval := range evals {
		resp = postJSON(t, base+"/steps/"+step.StepID+"/evaluations", eval)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Add evaluation status = %d, want 201", resp.StatusCode)
		}
	}

	// 4. Close the step with counts
	passed, failed := 2, 1
	resp = patchJSON(t, base+"/steps/"+step.StepID, UpdateStepRequest{
		Output: &xray.StepOutput{
			Passed:      &passed,
			Failed:      &failed,
			SelectedIDs: []string{"AI-202", "6E-101"},
		},
	})
	resp.Body.Close()

	// 5. Finish the execution
	completed := xray.StatusCompleted
	resp = patchJSON(t, base+"/executions/"+exe.ExecutionID, UpdateExecutionRequest{Status: &completed})
	resp.Body.Close()

	// 6. Read the whole trace back
	getResp, err := http.Get(base + "/executions/" + exe.ExecutionID)
	if err != nil {
		t.Fatalf("GET execution failed: %v", err)
	}

	var final xray.Execution
	decodeInto(t, getResp, &final)

	if final.Status != xray.StatusCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}

	if len(final.Steps) != 1 {
		t.Fatalf("steps length = %d, want 1", len(final.Steps))
	}

	finalStep := final.Steps[0]
	if len(finalStep.Evaluations) != 3 {
		t.Errorf("evaluations length = %d, want 3", len(finalStep.Evaluations))
	}

	if finalStep.Output.Passed == nil || *finalStep.Output.Passed != 2 {
		t.Errorf("output.passed = %v, want 2", finalStep.Output.Passed)
	}

	if len(finalStep.Output.SelectedIDs) != 2 {
		t.Errorf("output.selected_ids = %v, want 2 ids", finalStep.Output.SelectedIDs)
	}
}
