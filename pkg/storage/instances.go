package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

type instanceRow struct {
	ID                  string         `db:"id"`
	VersionID           string         `db:"version_id"`
	Status              string         `db:"status"`
	CurrentStep         sql.NullString `db:"current_step"`
	CurrentStepAttempts int            `db:"current_step_attempts"`
	Data                workflow.Data  `db:"data"`
	RequestID           sql.NullString `db:"request_id"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r instanceRow) toInstance() workflow.Instance {
	return workflow.Instance{
		ID:                  r.ID,
		VersionID:           r.VersionID,
		Status:              workflow.Status(r.Status),
		CurrentStep:         r.CurrentStep.String,
		CurrentStepAttempts: r.CurrentStepAttempts,
		Data:                r.Data,
		RequestID:           r.RequestID.String,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

const instanceColumns = `i.id, i.version_id, i.status, i.current_step, i.current_step_attempts,
	i.data, i.request_id, i.created_at, i.updated_at`

// CreateInstance inserts a pending instance and returns its id.
func (t *Tx) CreateInstance(ctx context.Context, versionID string, data workflow.Data, requestID string) (string, error) {
	id := uuid.NewString()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, version_id, status, data, request_id)
		VALUES ($1, $2, 'pending', $3, NULLIF($4, ''))`,
		id, versionID, data, requestID)
	if err != nil {
		return "", fmt.Errorf("creating instance: %w", err)
	}
	return id, nil
}

// FindInstance loads an instance together with its version definition.
func (t *Tx) FindInstance(ctx context.Context, instanceID string) (workflow.Instance, workflow.Version, error) {
	var row struct {
		instanceRow
		VID           string    `db:"v_id"`
		WorkflowID    string    `db:"workflow_id"`
		VersionNumber int       `db:"version"`
		Active        bool      `db:"active"`
		Definition    []byte    `db:"definition"`
		VCreatedAt    time.Time `db:"v_created_at"`
	}
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+instanceColumns+`,
			v.id AS v_id, v.workflow_id, v.version, v.active, v.definition, v.created_at AS v_created_at
		FROM workflow_instances i
		JOIN workflow_versions v ON v.id = i.version_id
		WHERE i.id = $1`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Instance{}, workflow.Version{}, ErrNotFound
	}
	if err != nil {
		return workflow.Instance{}, workflow.Version{}, fmt.Errorf("loading instance: %w", err)
	}

	version := workflow.Version{
		ID:         row.VID,
		WorkflowID: row.WorkflowID,
		Number:     row.VersionNumber,
		Active:     row.Active,
		CreatedAt:  row.VCreatedAt,
	}
	if err := json.Unmarshal(row.Definition, &version.Definition); err != nil {
		return workflow.Instance{}, workflow.Version{}, fmt.Errorf("decoding definition: %w", err)
	}
	return row.toInstance(), version, nil
}

// GetInstance loads an instance without its definition.
func (t *Tx) GetInstance(ctx context.Context, instanceID string) (workflow.Instance, error) {
	var row instanceRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+instanceColumns+`
		FROM workflow_instances i
		WHERE i.id = $1`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Instance{}, ErrNotFound
	}
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("loading instance: %w", err)
	}
	return row.toInstance(), nil
}

// SaveInstance persists the mutable instance fields and bumps updated_at.
func (t *Tx) SaveInstance(ctx context.Context, inst workflow.Instance) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = $2, current_step = NULLIF($3, ''), current_step_attempts = $4,
			data = $5, updated_at = now()
		WHERE id = $1`,
		inst.ID, string(inst.Status), inst.CurrentStep, inst.CurrentStepAttempts, inst.Data)
	if err != nil {
		return fmt.Errorf("saving instance: %w", err)
	}
	return nil
}

// UpdateInstanceStatus flips only the status, used by cancellation.
func (t *Tx) UpdateInstanceStatus(ctx context.Context, instanceID string, status workflow.Status) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE workflow_instances SET status = $2, updated_at = now() WHERE id = $1`,
		instanceID, string(status))
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}
	return nil
}

// ListInstances returns instances filtered by status and workflow,
// newest first.
func (t *Tx) ListInstances(ctx context.Context, status, workflowID string, limit, offset int) ([]workflow.Instance, error) {
	rows := []instanceRow{}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+instanceColumns+`
		FROM workflow_instances i
		JOIN workflow_versions v ON v.id = i.version_id
		WHERE ($1 = '' OR i.status = $1)
		  AND ($2 = '' OR v.workflow_id = $2::uuid)
		ORDER BY i.created_at DESC
		LIMIT $3 OFFSET $4`,
		status, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	out := make([]workflow.Instance, len(rows))
	for i, r := range rows {
		out[i] = r.toInstance()
	}
	return out, nil
}

// StuckInstance is a non-terminal instance that stopped making progress.
type StuckInstance struct {
	Instance   workflow.Instance
	Definition workflow.Definition
}

// FindStuckInstances selects pending/running instances whose updated_at
// is older than the staleness window.
func (t *Tx) FindStuckInstances(ctx context.Context, staleFor time.Duration, limit int) ([]StuckInstance, error) {
	var rows []struct {
		instanceRow
		Definition []byte `db:"definition"`
	}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+instanceColumns+`, v.definition
		FROM workflow_instances i
		JOIN workflow_versions v ON v.id = i.version_id
		WHERE i.status IN ('pending', 'running')
		  AND i.updated_at < now() - ($1 * interval '1 second')
		ORDER BY i.updated_at
		LIMIT $2`,
		int(staleFor.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("finding stuck instances: %w", err)
	}

	out := make([]StuckInstance, 0, len(rows))
	for _, r := range rows {
		stuck := StuckInstance{Instance: r.toInstance()}
		if err := json.Unmarshal(r.Definition, &stuck.Definition); err != nil {
			return nil, fmt.Errorf("decoding definition for instance %s: %w", r.ID, err)
		}
		out = append(out, stuck)
	}
	return out, nil
}

type stepExecutionRow struct {
	ID           string         `db:"id"`
	InstanceID   string         `db:"instance_id"`
	StepName     string         `db:"step_name"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
	InputData    workflow.Data  `db:"input_data"`
	OutputData   workflow.Data  `db:"output_data"`
	ErrorDetails sql.NullString `db:"error_details"`
}

func (r stepExecutionRow) toStepExecution() workflow.StepExecution {
	return workflow.StepExecution{
		ID:           r.ID,
		InstanceID:   r.InstanceID,
		StepName:     r.StepName,
		Status:       workflow.StepStatus(r.Status),
		Attempts:     r.Attempts,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		InputData:    r.InputData,
		OutputData:   r.OutputData,
		ErrorDetails: r.ErrorDetails.String,
	}
}

const stepExecutionColumns = `id, instance_id, step_name, status, attempts, started_at,
	completed_at, input_data, output_data, error_details`

// AddStepExecution inserts a fresh step execution attempt.
func (t *Tx) AddStepExecution(ctx context.Context, exec workflow.StepExecution) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_step_executions
			(id, instance_id, step_name, status, attempts, started_at, input_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.InstanceID, exec.StepName, string(exec.Status),
		exec.Attempts, exec.StartedAt, exec.InputData)
	if err != nil {
		return fmt.Errorf("adding step execution: %w", err)
	}
	return nil
}

// SaveStepExecution persists the mutable step execution fields.
func (t *Tx) SaveStepExecution(ctx context.Context, exec workflow.StepExecution) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE workflow_step_executions
		SET status = $2, attempts = $3, completed_at = $4, output_data = $5,
			error_details = NULLIF($6, '')
		WHERE id = $1`,
		exec.ID, string(exec.Status), exec.Attempts, exec.CompletedAt,
		exec.OutputData, exec.ErrorDetails)
	if err != nil {
		return fmt.Errorf("saving step execution: %w", err)
	}
	return nil
}

// LatestStepExecution returns the most recent attempt at a step for an
// instance, or ErrNotFound.
func (t *Tx) LatestStepExecution(ctx context.Context, instanceID, stepName string) (workflow.StepExecution, error) {
	var row stepExecutionRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+stepExecutionColumns+`
		FROM workflow_step_executions
		WHERE instance_id = $1 AND step_name = $2
		ORDER BY started_at DESC
		LIMIT 1`, instanceID, stepName)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.StepExecution{}, ErrNotFound
	}
	if err != nil {
		return workflow.StepExecution{}, fmt.Errorf("loading step execution: %w", err)
	}
	return row.toStepExecution(), nil
}

// ListStepExecutions returns all attempts for an instance in start order.
func (t *Tx) ListStepExecutions(ctx context.Context, instanceID string) ([]workflow.StepExecution, error) {
	rows := []stepExecutionRow{}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+stepExecutionColumns+`
		FROM workflow_step_executions
		WHERE instance_id = $1
		ORDER BY started_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing step executions: %w", err)
	}
	out := make([]workflow.StepExecution, len(rows))
	for i, r := range rows {
		out[i] = r.toStepExecution()
	}
	return out, nil
}
