package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xraylabs/xray/xray"
)

// HTTPBackend talks to a tracing server over its JSON REST API.
//
// Error mapping: HTTP 404 becomes xray.ErrNotFound, 409 becomes
// xray.ErrExecutionFinished, 400 becomes xray.ErrValidation, and anything
// else that goes wrong on the wire becomes xray.ErrTransport.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBackend creates a backend for the server at baseURL
// (e.g. "http://localhost:8080"). Requests time out after 30 seconds.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return NewHTTPBackendWithClient(baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewHTTPBackendWithClient creates a backend using the caller's http.Client,
// for custom timeouts or transports.
func NewHTTPBackendWithClient(baseURL string, httpClient *http.Client) *HTTPBackend {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &HTTPBackend{baseURL: baseURL, httpClient: httpClient}
}

type createExecutionRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type updateExecutionRequest struct {
	Status  *string    `json:"status,omitempty"`
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

type createStepRequest struct {
	Name  string                `json:"name"`
	Type  string                `json:"type,omitempty"`
	Input map[string]any        `json:"input,omitempty"`
	Rules []xray.RuleDefinition `json:"rules,omitempty"`
}

type updateStepRequest struct {
	Output  *xray.StepOutput `json:"output,omitempty"`
	EndedAt *time.Time       `json:"ended_at,omitempty"`
}

type executionListResponse struct {
	Executions []*xray.Execution `json:"executions"`
}

type stepListResponse struct {
	Steps []*xray.Step `json:"steps"`
}

// CreateExecution starts a new execution on the server.
func (b *HTTPBackend) CreateExecution(name string, metadata map[string]any) (*xray.Execution, error) {
	var exe xray.Execution
	err := b.do(http.MethodPost, "/api/v1/executions", nil,
		createExecutionRequest{Name: name, Metadata: metadata}, &exe)
	if err != nil {
		return nil, err
	}
	return &exe, nil
}

// GetExecution fetches an execution with its full step list.
func (b *HTTPBackend) GetExecution(executionID string) (*xray.Execution, error) {
	var exe xray.Execution
	err := b.do(http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID), nil, nil, &exe)
	if err != nil {
		return nil, err
	}
	return &exe, nil
}

// ListExecutions fetches executions most recent first.
func (b *HTTPBackend) ListExecutions(limit int) ([]*xray.Execution, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp executionListResponse
	if err := b.do(http.MethodGet, "/api/v1/executions", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// UpdateExecution applies a partial update.
func (b *HTTPBackend) UpdateExecution(executionID string, update xray.ExecutionUpdate) (*xray.Execution, error) {
	var exe xray.Execution
	err := b.do(http.MethodPatch, "/api/v1/executions/"+url.PathEscape(executionID), nil,
		updateExecutionRequest{Status: update.Status, EndedAt: update.EndedAt}, &exe)
	if err != nil {
		return nil, err
	}
	return &exe, nil
}

// CreateStep appends a step to an execution.
func (b *HTTPBackend) CreateStep(executionID, name, stepType string, input map[string]any, rules []xray.RuleDefinition) (*xray.Step, error) {
	var step xray.Step
	err := b.do(http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/steps", nil,
		createStepRequest{Name: name, Type: stepType, Input: input, Rules: rules}, &step)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// GetStep fetches a single step.
func (b *HTTPBackend) GetStep(stepID string) (*xray.Step, error) {
	var step xray.Step
	err := b.do(http.MethodGet, "/api/v1/steps/"+url.PathEscape(stepID), nil, nil, &step)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// ListSteps fetches an execution's steps in creation order.
func (b *HTTPBackend) ListSteps(executionID string) ([]*xray.Step, error) {
	var resp stepListResponse
	err := b.do(http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID)+"/steps", nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

// UpdateStep applies a partial update.
func (b *HTTPBackend) UpdateStep(stepID string, update xray.StepUpdate) (*xray.Step, error) {
	var step xray.Step
	err := b.do(http.MethodPatch, "/api/v1/steps/"+url.PathEscape(stepID), nil,
		updateStepRequest{Output: update.Output, EndedAt: update.EndedAt}, &step)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// AddEvaluation appends one evaluation to a step.
func (b *HTTPBackend) AddEvaluation(stepID string, eval xray.Evaluation) (*xray.Step, error) {
	var step xray.Step
	err := b.do(http.MethodPost, "/api/v1/steps/"+url.PathEscape(stepID)+"/evaluations", nil, eval, &step)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// Health checks the server's liveness endpoint.
func (b *HTTPBackend) Health() error {
	return b.do(http.MethodGet, "/api/v1/health", nil, nil, nil)
}

// do sends one JSON request and decodes the JSON response into out.
func (b *HTTPBackend) do(method, path string, query url.Values, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("%s %s: encode request: %w", method, path, xray.ErrTransport)
		}
	}

	fullURL := b.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var req *http.Request
	var err error
	if reqBody != nil {
		req, err = http.NewRequest(method, fullURL, reqBody)
	} else {
		req, err = http.NewRequest(method, fullURL, nil)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, xray.ErrTransport)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, xray.ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail := decodeErrorDetail(resp)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %s: %w", method, path, detail, xray.ErrNotFound)
		case http.StatusConflict:
			return fmt.Errorf("%s %s: %s: %w", method, path, detail, xray.ErrExecutionFinished)
		case http.StatusBadRequest:
			return fmt.Errorf("%s %s: %s: %w", method, path, detail, xray.ErrValidation)
		default:
			return fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, detail, xray.ErrTransport)
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %v: %w", method, path, err, xray.ErrTransport)
		}
	}
	return nil
}

func decodeErrorDetail(resp *http.Response) string {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return resp.Status
	}
	if body.Details != "" {
		return body.Error + ": " + body.Details
	}
	return body.Error
}
