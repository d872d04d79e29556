package xray

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresTraceStore implements TraceStore backed by PostgreSQL. Step order
// and evaluation order are preserved with monotonically increasing seq
// columns; open payloads live in JSONB columns.
type PostgresTraceStore struct {
	db *sql.DB
}

// NewPostgresTraceStore creates a new PostgreSQL-backed trace store. The
// schema is managed by cmd/migrate.
func NewPostgresTraceStore(db *sql.DB) *PostgresTraceStore {
	return &PostgresTraceStore{db: db}
}

// CreateExecution inserts a new execution in running status.
func (s *PostgresTraceStore) CreateExecution(name string, metadata map[string]any) (*Execution, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	id := uuid.NewString()
	var startedAt time.Time
	err = s.db.QueryRow(`
		INSERT INTO executions (id, name, status, started_at, metadata)
		VALUES ($1, $2, $3, NOW(), $4)
		RETURNING started_at
	`, id, name, StatusRunning, metaJSON).Scan(&startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}

	return &Execution{
		ExecutionID: id,
		Name:        name,
		Status:      StatusRunning,
		StartedAt:   startedAt,
		Metadata:    metadata,
		Steps:       []Step{},
	}, nil
}

// GetExecution returns the execution with its full step and evaluation lists.
func (s *PostgresTraceStore) GetExecution(executionID string) (*Execution, error) {
	exe, err := s.scanExecution(executionID)
	if err != nil {
		return nil, err
	}

	steps, err := s.loadSteps([]string{executionID})
	if err != nil {
		return nil, err
	}
	exe.Steps = steps[executionID]
	if exe.Steps == nil {
		exe.Steps = []Step{}
	}
	return exe, nil
}

// ListExecutions returns executions most recent first, steps included.
func (s *PostgresTraceStore) ListExecutions(limit int) ([]*Execution, error) {
	query := `
		SELECT id, name, status, started_at, ended_at, metadata
		FROM executions
		ORDER BY started_at DESC
	`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*Execution
	var ids []string
	for rows.Next() {
		exe, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exe)
		ids = append(ids, exe.ExecutionID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	steps, err := s.loadSteps(ids)
	if err != nil {
		return nil, err
	}
	for _, exe := range executions {
		exe.Steps = steps[exe.ExecutionID]
		if exe.Steps == nil {
			exe.Steps = []Step{}
		}
	}
	return executions, nil
}

// UpdateExecution applies a partial update. The WHERE clause carries the
// running-status guard, so a terminal execution is never mutated.
func (s *PostgresTraceStore) UpdateExecution(executionID string, update ExecutionUpdate) (*Execution, error) {
	result, err := s.db.Exec(`
		UPDATE executions
		SET status = COALESCE($2::varchar, status),
		    ended_at = COALESCE($3::timestamptz, ended_at)
		WHERE id = $1 AND status = $4
	`, executionID, update.Status, update.EndedAt, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if err := s.checkExecutionWritable(executionID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}

	return s.GetExecution(executionID)
}

// CreateStep appends a step to the execution. The INSERT only matches when
// the owning execution is still running, so the existence check and the
// append are one atomic statement.
func (s *PostgresTraceStore) CreateStep(executionID, name, stepType string, input map[string]any, rules []RuleDefinition) (*Step, error) {
	if stepType == "" {
		stepType = DefaultStepType
	}
	if input == nil {
		input = map[string]any{}
	}
	rules = cloneRules(rules)

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}

	id := uuid.NewString()
	var startedAt time.Time
	err = s.db.QueryRow(`
		INSERT INTO steps (id, execution_id, name, type, input, rules, output, started_at)
		SELECT $1, e.id, $3, $4, $5, $6, '{}', NOW()
		FROM executions e
		WHERE e.id = $2 AND e.status = $7
		RETURNING started_at
	`, id, executionID, name, stepType, inputJSON, rulesJSON, StatusRunning).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.checkExecutionWritable(executionID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert step: %w", err)
	}

	return &Step{
		StepID:      id,
		ExecutionID: executionID,
		Name:        name,
		Type:        stepType,
		Input:       input,
		Rules:       rules,
		Evaluations: []Evaluation{},
		StartedAt:   startedAt,
	}, nil
}

// GetStep returns a single step with its evaluations.
func (s *PostgresTraceStore) GetStep(stepID string) (*Step, error) {
	row := s.db.QueryRow(`
		SELECT id, execution_id, name, type, input, rules, output, started_at, ended_at
		FROM steps
		WHERE id = $1
	`, stepID)

	step, err := scanStepRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	evals, err := s.loadEvaluations([]string{stepID})
	if err != nil {
		return nil, err
	}
	step.Evaluations = evals[stepID]
	if step.Evaluations == nil {
		step.Evaluations = []Evaluation{}
	}
	return step, nil
}

// ListSteps returns the execution's steps in creation order.
func (s *PostgresTraceStore) ListSteps(executionID string) ([]*Step, error) {
	if _, err := s.scanExecution(executionID); err != nil {
		return nil, err
	}

	steps, err := s.loadSteps([]string{executionID})
	if err != nil {
		return nil, err
	}

	list := make([]*Step, 0, len(steps[executionID]))
	for i := range steps[executionID] {
		list = append(list, &steps[executionID][i])
	}
	return list, nil
}

// UpdateStep applies a partial update (output replace, ended_at stamp).
func (s *PostgresTraceStore) UpdateStep(stepID string, update StepUpdate) (*Step, error) {
	var outputJSON []byte
	if update.Output != nil {
		var err error
		outputJSON, err = json.Marshal(update.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to encode output: %w", err)
		}
	}

	result, err := s.db.Exec(`
		UPDATE steps s
		SET output = COALESCE($2::jsonb, s.output),
		    ended_at = COALESCE($3::timestamptz, s.ended_at)
		FROM executions e
		WHERE s.id = $1 AND e.id = s.execution_id AND e.status = $4
	`, stepID, outputJSON, update.EndedAt, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if err := s.checkStepWritable(stepID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}

	return s.GetStep(stepID)
}

// AddEvaluation appends one evaluation; order is the BIGSERIAL insert order.
func (s *PostgresTraceStore) AddEvaluation(stepID string, eval Evaluation) (*Step, error) {
	valueJSON, err := json.Marshal(eval.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO evaluations (step_id, entity_id, value, passed, reason)
		SELECT s.id, $2, $3, $4, $5
		FROM steps s
		JOIN executions e ON e.id = s.execution_id
		WHERE s.id = $1 AND e.status = $6
	`, stepID, eval.EntityID, valueJSON, eval.Passed, eval.Reason, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to insert evaluation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if err := s.checkStepWritable(stepID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}

	return s.GetStep(stepID)
}

// checkExecutionWritable distinguishes a missing execution from a frozen one.
func (s *PostgresTraceStore) checkExecutionWritable(executionID string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM executions WHERE id = $1`, executionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}
	if status != StatusRunning {
		return fmt.Errorf("execution %s: %w", executionID, ErrExecutionFinished)
	}
	return nil
}

func (s *PostgresTraceStore) checkStepWritable(stepID string) error {
	var executionID string
	err := s.db.QueryRow(`SELECT execution_id FROM steps WHERE id = $1`, stepID).Scan(&executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check step: %w", err)
	}
	return s.checkExecutionWritable(executionID)
}

func (s *PostgresTraceStore) scanExecution(executionID string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, name, status, started_at, ended_at, metadata
		FROM executions
		WHERE id = $1
	`, executionID)

	exe, err := scanExecutionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return exe, err
}

// loadSteps fetches the steps for a batch of executions in one query, keyed
// by execution id, ordered by seq.
func (s *PostgresTraceStore) loadSteps(executionIDs []string) (map[string][]Step, error) {
	if len(executionIDs) == 0 {
		return map[string][]Step{}, nil
	}

	rows, err := s.db.Query(`
		SELECT id, execution_id, name, type, input, rules, output, started_at, ended_at
		FROM steps
		WHERE execution_id = ANY($1)
		ORDER BY seq ASC
	`, pq.Array(executionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	steps := make(map[string][]Step)
	var stepIDs []string
	index := make(map[string]*Step)
	for rows.Next() {
		step, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		steps[step.ExecutionID] = append(steps[step.ExecutionID], *step)
		list := steps[step.ExecutionID]
		index[step.StepID] = &list[len(list)-1]
		stepIDs = append(stepIDs, step.StepID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	evals, err := s.loadEvaluations(stepIDs)
	if err != nil {
		return nil, err
	}
	for stepID, list := range evals {
		if step, ok := index[stepID]; ok {
			step.Evaluations = list
		}
	}
	return steps, nil
}

// loadEvaluations fetches evaluations for a batch of steps in append order.
func (s *PostgresTraceStore) loadEvaluations(stepIDs []string) (map[string][]Evaluation, error) {
	if len(stepIDs) == 0 {
		return map[string][]Evaluation{}, nil
	}

	rows, err := s.db.Query(`
		SELECT step_id, entity_id, value, passed, reason
		FROM evaluations
		WHERE step_id = ANY($1)
		ORDER BY id ASC
	`, pq.Array(stepIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluations: %w", err)
	}
	defer rows.Close()

	evals := make(map[string][]Evaluation)
	for rows.Next() {
		var stepID string
		var valueJSON []byte
		var e Evaluation
		if err := rows.Scan(&stepID, &e.EntityID, &valueJSON, &e.Passed, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if len(valueJSON) > 0 {
			if err := json.Unmarshal(valueJSON, &e.Value); err != nil {
				return nil, fmt.Errorf("failed to decode value: %w", err)
			}
		}
		evals[stepID] = append(evals[stepID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluations: %w", err)
	}
	return evals, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecutionRow(row rowScanner) (*Execution, error) {
	var exe Execution
	var endedAt sql.NullTime
	var metaJSON []byte
	err := row.Scan(&exe.ExecutionID, &exe.Name, &exe.Status, &exe.StartedAt, &endedAt, &metaJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	if endedAt.Valid {
		exe.EndedAt = &endedAt.Time
	}
	exe.Metadata = map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &exe.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	exe.Steps = []Step{}
	return &exe, nil
}

func scanStepRow(row rowScanner) (*Step, error) {
	var step Step
	var endedAt sql.NullTime
	var inputJSON, rulesJSON, outputJSON []byte
	err := row.Scan(&step.StepID, &step.ExecutionID, &step.Name, &step.Type,
		&inputJSON, &rulesJSON, &outputJSON, &step.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}
	if endedAt.Valid {
		step.EndedAt = &endedAt.Time
	}
	step.Input = map[string]any{}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &step.Input); err != nil {
			return nil, fmt.Errorf("failed to decode input: %w", err)
		}
	}
	step.Rules = []RuleDefinition{}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &step.Rules); err != nil {
			return nil, fmt.Errorf("failed to decode rules: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &step.Output); err != nil {
			return nil, fmt.Errorf("failed to decode output: %w", err)
		}
	}
	step.Evaluations = []Evaluation{}
	return &step, nil
}
