package xray

import "time"

// Execution status values. An execution starts in StatusRunning and moves to
// exactly one terminal status.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Defaults applied at creation time when the caller leaves the field empty.
const (
	DefaultStepType   = "default"
	DefaultRuleSource = "config"
)

// RuleDefinition describes a policy a step claims to enforce. Rules are audit
// metadata: the store records them verbatim and never evaluates them.
// Satisfies REQ-MODEL-004: RuleDefinition SHALL contain all required fields
type RuleDefinition struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Operator    string `json:"operator"`
	Value       any    `json:"value"`
	Source      string `json:"source"`
}

// Evaluation is a single per-entity verdict recorded within a step.
// Evaluations are immutable once appended; there is no update or delete.
// Satisfies REQ-MODEL-003: Evaluation SHALL contain all required fields
type Evaluation struct {
	EntityID string `json:"entity_id"`
	Value    any    `json:"value"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason"`
}

// StepOutput is the structured summary a step produces. A step holds at most
// one output; repeated writes replace it (last write wins).
type StepOutput struct {
	Passed      *int           `json:"passed,omitempty"`
	Failed      *int           `json:"failed,omitempty"`
	SelectedIDs []string       `json:"selected_ids,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Step is one stage of a traced pipeline. A step belongs to exactly one
// execution and cannot outlive it.
// Satisfies REQ-MODEL-002: Step SHALL contain all required fields
type Step struct {
	StepID      string           `json:"step_id"`
	ExecutionID string           `json:"execution_id"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	Input       map[string]any   `json:"input"`
	Rules       []RuleDefinition `json:"rules"`
	Evaluations []Evaluation     `json:"evaluations"`
	Output      StepOutput       `json:"output"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
}

// Ended reports whether the step has been closed.
func (s *Step) Ended() bool {
	return s.EndedAt != nil
}

// Execution is a top-level traced run: a root container of steps with overall
// status and timing. Steps are kept in creation order, append-only.
// Satisfies REQ-MODEL-001: Execution SHALL contain all required fields
type Execution struct {
	ExecutionID string         `json:"execution_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	Steps       []Step         `json:"steps"`
}

// Finished reports whether the execution has left StatusRunning. A finished
// execution and all its steps are frozen.
func (e *Execution) Finished() bool {
	return e.Status != StatusRunning
}

// OutputFromMap builds a StepOutput from an open key/value map. The keys
// "passed", "failed", "selected_ids" and "data" populate the corresponding
// fields; every other key lands in Data so nothing the caller recorded is
// silently dropped.
func OutputFromMap(m map[string]any) StepOutput {
	var out StepOutput
	for key, val := range m {
		switch key {
		case "passed":
			if n, ok := toInt(val); ok {
				out.Passed = &n
				continue
			}
		case "failed":
			if n, ok := toInt(val); ok {
				out.Failed = &n
				continue
			}
		case "selected_ids":
			if ids, ok := toStringSlice(val); ok {
				out.SelectedIDs = ids
				continue
			}
		case "data":
			if data, ok := val.(map[string]any); ok {
				if out.Data == nil {
					out.Data = make(map[string]any, len(data))
				}
				for k, v := range data {
					out.Data[k] = v
				}
				continue
			}
		}
		if out.Data == nil {
			out.Data = make(map[string]any)
		}
		out.Data[key] = val
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toStringSlice(v any) ([]string, bool) {
	switch ids := v.(type) {
	case []string:
		return append([]string(nil), ids...), true
	case []any:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			s, ok := id.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
