package xray

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceStore is the authoritative keeper of all execution and step state. It
// generates every identifier and guarantees ordered, torn-read-free snapshots.
// Satisfies REQ-STORE-001: TraceStore interface with required operations
type TraceStore interface {
	// CreateExecution starts a new execution in StatusRunning with a fresh id.
	CreateExecution(name string, metadata map[string]any) (*Execution, error)

	// GetExecution returns the execution with its full step list, reflecting
	// all writes ordered before this read.
	GetExecution(executionID string) (*Execution, error)

	// ListExecutions returns executions sorted by started_at descending,
	// truncated to limit. A limit <= 0 means no truncation.
	ListExecutions(limit int) ([]*Execution, error)

	// UpdateExecution applies a partial update. Unset fields are untouched.
	// It does not stamp ended_at on behalf of the caller.
	UpdateExecution(executionID string, update ExecutionUpdate) (*Execution, error)

	// CreateStep appends a new step to the execution's step list.
	CreateStep(executionID, name, stepType string, input map[string]any, rules []RuleDefinition) (*Step, error)

	// GetStep returns a single step by id.
	GetStep(stepID string) (*Step, error)

	// ListSteps returns the execution's steps in creation order.
	ListSteps(executionID string) ([]*Step, error)

	// UpdateStep applies a partial update. The store performs no implicit
	// ended_at defaulting; that is the client layer's job.
	UpdateStep(stepID string, update StepUpdate) (*Step, error)

	// AddEvaluation appends one evaluation to the step's sequence and returns
	// the updated step.
	AddEvaluation(stepID string, eval Evaluation) (*Step, error)
}

// ExecutionUpdate is a partial update for an execution. Nil fields are left
// untouched.
type ExecutionUpdate struct {
	Status  *string
	EndedAt *time.Time
}

// StepUpdate is a partial update for a step. Nil fields are left untouched.
type StepUpdate struct {
	Output  *StepOutput
	EndedAt *time.Time
}

// executionRecord is the live state for one execution. Its mutex serializes
// every mutation and snapshot of the execution and all its steps, so
// unrelated executions never contend.
type executionRecord struct {
	mu  sync.Mutex
	exe Execution
}

// stepRecord locates a step inside its owning execution. Steps are
// append-only, so the index never moves.
type stepRecord struct {
	owner *executionRecord
	idx   int
}

// InMemoryTraceStore implements TraceStore with in-process maps.
// Satisfies REQ-STORE-002: In-memory TraceStore implementation
// Satisfies REQ-CONCUR-001: store-level RWMutex guards the id indexes only
// Satisfies REQ-CONCUR-002: per-execution mutex serializes entity mutation
//
// Lock order is record mutex before store mutex; lookups release the store
// mutex before locking a record. Records are never removed, so a looked-up
// pointer stays valid.
type InMemoryTraceStore struct {
	mu         sync.RWMutex
	executions map[string]*executionRecord
	steps      map[string]*stepRecord
}

// NewInMemoryTraceStore creates an empty in-memory trace store.
func NewInMemoryTraceStore() *InMemoryTraceStore {
	return &InMemoryTraceStore{
		executions: make(map[string]*executionRecord),
		steps:      make(map[string]*stepRecord),
	}
}

// CreateExecution starts a new execution.
// Satisfies REQ-STORE-003: ids are store-generated, never client-chosen
func (s *InMemoryTraceStore) CreateExecution(name string, metadata map[string]any) (*Execution, error) {
	rec := &executionRecord{
		exe: Execution{
			ExecutionID: uuid.NewString(),
			Name:        name,
			Status:      StatusRunning,
			StartedAt:   time.Now().UTC(),
			Metadata:    cloneAnyMap(metadata),
			Steps:       []Step{},
		},
	}
	if rec.exe.Metadata == nil {
		rec.exe.Metadata = map[string]any{}
	}

	s.mu.Lock()
	s.executions[rec.exe.ExecutionID] = rec
	s.mu.Unlock()

	snap := cloneExecution(&rec.exe)
	return &snap, nil
}

// GetExecution returns a snapshot of the execution with its full step list.
func (s *InMemoryTraceStore) GetExecution(executionID string) (*Execution, error) {
	rec, err := s.lookupExecution(executionID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	snap := cloneExecution(&rec.exe)
	rec.mu.Unlock()
	return &snap, nil
}

// ListExecutions returns executions most recent first.
func (s *InMemoryTraceStore) ListExecutions(limit int) ([]*Execution, error) {
	s.mu.RLock()
	records := make([]*executionRecord, 0, len(s.executions))
	for _, rec := range s.executions {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	// Snapshot each execution under its own lock; per-execution consistency
	// is guaranteed, cross-execution ordering uses the snapshot timestamps.
	executions := make([]*Execution, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		snap := cloneExecution(&rec.exe)
		rec.mu.Unlock()
		executions = append(executions, &snap)
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})

	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

// UpdateExecution applies a partial update.
// Satisfies REQ-STORE-006: terminal statuses are locked; further status
// changes are rejected with ErrExecutionFinished
func (s *InMemoryTraceStore) UpdateExecution(executionID string, update ExecutionUpdate) (*Execution, error) {
	rec, err := s.lookupExecution(executionID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.exe.Finished() {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionFinished)
	}

	if update.Status != nil {
		rec.exe.Status = *update.Status
	}
	if update.EndedAt != nil {
		t := *update.EndedAt
		rec.exe.EndedAt = &t
	}

	snap := cloneExecution(&rec.exe)
	return &snap, nil
}

// CreateStep appends a step to the execution. The step list append and the
// step index insert happen in one critical section, so no reader can observe
// the step in one index and not the other.
// Satisfies REQ-STORE-004: CreateStep is NotFound on a missing execution
func (s *InMemoryTraceStore) CreateStep(executionID, name, stepType string, input map[string]any, rules []RuleDefinition) (*Step, error) {
	rec, err := s.lookupExecution(executionID)
	if err != nil {
		return nil, err
	}

	if stepType == "" {
		stepType = DefaultStepType
	}

	step := Step{
		StepID:      uuid.NewString(),
		ExecutionID: executionID,
		Name:        name,
		Type:        stepType,
		Input:       cloneAnyMap(input),
		Rules:       cloneRules(rules),
		Evaluations: []Evaluation{},
		StartedAt:   time.Now().UTC(),
	}
	if step.Input == nil {
		step.Input = map[string]any{}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.exe.Finished() {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionFinished)
	}

	rec.exe.Steps = append(rec.exe.Steps, step)
	s.mu.Lock()
	s.steps[step.StepID] = &stepRecord{owner: rec, idx: len(rec.exe.Steps) - 1}
	s.mu.Unlock()

	snap := cloneStep(&rec.exe.Steps[len(rec.exe.Steps)-1])
	return &snap, nil
}

// GetStep returns a snapshot of a single step.
func (s *InMemoryTraceStore) GetStep(stepID string) (*Step, error) {
	sr, err := s.lookupStep(stepID)
	if err != nil {
		return nil, err
	}

	sr.owner.mu.Lock()
	snap := cloneStep(&sr.owner.exe.Steps[sr.idx])
	sr.owner.mu.Unlock()
	return &snap, nil
}

// ListSteps returns the execution's steps in creation order.
func (s *InMemoryTraceStore) ListSteps(executionID string) ([]*Step, error) {
	rec, err := s.lookupExecution(executionID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	steps := make([]*Step, 0, len(rec.exe.Steps))
	for i := range rec.exe.Steps {
		snap := cloneStep(&rec.exe.Steps[i])
		steps = append(steps, &snap)
	}
	return steps, nil
}

// UpdateStep applies a partial update. A new output replaces the previous one
// wholesale (last write wins).
func (s *InMemoryTraceStore) UpdateStep(stepID string, update StepUpdate) (*Step, error) {
	sr, err := s.lookupStep(stepID)
	if err != nil {
		return nil, err
	}

	sr.owner.mu.Lock()
	defer sr.owner.mu.Unlock()

	if sr.owner.exe.Finished() {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrExecutionFinished)
	}

	step := &sr.owner.exe.Steps[sr.idx]
	if update.Output != nil {
		step.Output = *update.Output
	}
	if update.EndedAt != nil {
		t := *update.EndedAt
		step.EndedAt = &t
	}

	snap := cloneStep(step)
	return &snap, nil
}

// AddEvaluation appends one evaluation to the step.
// Satisfies REQ-STORE-005: every concurrent call appends exactly one entry
func (s *InMemoryTraceStore) AddEvaluation(stepID string, eval Evaluation) (*Step, error) {
	sr, err := s.lookupStep(stepID)
	if err != nil {
		return nil, err
	}

	sr.owner.mu.Lock()
	defer sr.owner.mu.Unlock()

	if sr.owner.exe.Finished() {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrExecutionFinished)
	}

	step := &sr.owner.exe.Steps[sr.idx]
	step.Evaluations = append(step.Evaluations, eval)

	snap := cloneStep(step)
	return &snap, nil
}

func (s *InMemoryTraceStore) lookupExecution(executionID string) (*executionRecord, error) {
	s.mu.RLock()
	rec, exists := s.executions[executionID]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return rec, nil
}

func (s *InMemoryTraceStore) lookupStep(stepID string) (*stepRecord, error) {
	s.mu.RLock()
	sr, exists := s.steps[stepID]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	return sr, nil
}

// Snapshot helpers. Slices and top-level maps are copied so callers can never
// mutate store state through a returned value; nested payload values are
// treated as immutable once handed to the store.

func cloneExecution(e *Execution) Execution {
	snap := *e
	snap.Metadata = cloneAnyMap(e.Metadata)
	snap.EndedAt = cloneTime(e.EndedAt)
	snap.Steps = make([]Step, len(e.Steps))
	for i := range e.Steps {
		snap.Steps[i] = cloneStep(&e.Steps[i])
	}
	return snap
}

func cloneStep(s *Step) Step {
	snap := *s
	snap.Input = cloneAnyMap(s.Input)
	snap.Rules = cloneRules(s.Rules)
	snap.Evaluations = append([]Evaluation{}, s.Evaluations...)
	snap.EndedAt = cloneTime(s.EndedAt)
	snap.Output = s.Output
	snap.Output.SelectedIDs = append([]string(nil), s.Output.SelectedIDs...)
	snap.Output.Data = cloneAnyMap(s.Output.Data)
	if s.Output.Passed != nil {
		n := *s.Output.Passed
		snap.Output.Passed = &n
	}
	if s.Output.Failed != nil {
		n := *s.Output.Failed
		snap.Output.Failed = &n
	}
	return snap
}

func cloneRules(rules []RuleDefinition) []RuleDefinition {
	if rules == nil {
		return []RuleDefinition{}
	}
	out := make([]RuleDefinition, len(rules))
	for i, r := range rules {
		if r.Source == "" {
			r.Source = DefaultRuleSource
		}
		out[i] = r
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
