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

// CreateWorkflow inserts a named workflow container.
func (t *Tx) CreateWorkflow(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name) VALUES ($1, $2)`, id, name)
	if err != nil {
		return "", fmt.Errorf("creating workflow: %w", err)
	}
	return id, nil
}

// GetWorkflow loads a workflow by id.
func (t *Tx) GetWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error) {
	var w workflow.Workflow
	err := t.tx.GetContext(ctx, &w,
		`SELECT id, name, created_at FROM workflows WHERE id = $1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, ErrNotFound
	}
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("loading workflow: %w", err)
	}
	return w, nil
}

// ListWorkflows returns all workflows, newest first.
func (t *Tx) ListWorkflows(ctx context.Context) ([]workflow.Workflow, error) {
	out := []workflow.Workflow{}
	err := t.tx.SelectContext(ctx, &out,
		`SELECT id, name, created_at FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return out, nil
}

type versionRow struct {
	ID         string    `db:"id"`
	WorkflowID string    `db:"workflow_id"`
	Number     int       `db:"version"`
	Active     bool      `db:"active"`
	Definition []byte    `db:"definition"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r versionRow) toVersion() (workflow.Version, error) {
	v := workflow.Version{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Number:     r.Number,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
	}
	if err := json.Unmarshal(r.Definition, &v.Definition); err != nil {
		return v, fmt.Errorf("decoding definition: %w", err)
	}
	return v, nil
}

// CreateVersion inserts an active version snapshot.
func (t *Tx) CreateVersion(ctx context.Context, workflowID string, number int, def workflow.Definition) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("encoding definition: %w", err)
	}
	id := uuid.NewString()
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workflow_versions (id, workflow_id, version, active, definition)
		VALUES ($1, $2, $3, TRUE, $4)`,
		id, workflowID, number, raw)
	if err != nil {
		return "", fmt.Errorf("creating version: %w", err)
	}
	return id, nil
}

// DeactivateVersions retires every active version of a workflow, making
// room for the next one.
func (t *Tx) DeactivateVersions(ctx context.Context, workflowID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_versions SET active = FALSE WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("deactivating versions: %w", err)
	}
	return nil
}

// MaxVersion returns the highest version number for a workflow, 0 when
// none exist.
func (t *Tx) MaxVersion(ctx context.Context, workflowID string) (int, error) {
	var max int
	err := t.tx.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_versions WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("finding max version: %w", err)
	}
	return max, nil
}

// ActiveVersion returns the active version of a workflow.
func (t *Tx) ActiveVersion(ctx context.Context, workflowID string) (workflow.Version, error) {
	var row versionRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, workflow_id, version, active, definition, created_at
		FROM workflow_versions
		WHERE workflow_id = $1 AND active`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Version{}, ErrNotFound
	}
	if err != nil {
		return workflow.Version{}, fmt.Errorf("loading active version: %w", err)
	}
	return row.toVersion()
}

// ActiveVersionByName resolves a workflow name to its active version.
func (t *Tx) ActiveVersionByName(ctx context.Context, name string) (workflow.Version, error) {
	var row versionRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT v.id, v.workflow_id, v.version, v.active, v.definition, v.created_at
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE w.name = $1 AND v.active`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Version{}, ErrNotFound
	}
	if err != nil {
		return workflow.Version{}, fmt.Errorf("loading active version by name: %w", err)
	}
	return row.toVersion()
}

// TriggeredVersion pairs a matched version with its workflow name.
type TriggeredVersion struct {
	Version      workflow.Version
	WorkflowName string
}

// ActiveVersionsByTrigger finds every active version bound to a
// connector trigger, used by external trigger fan-out.
func (t *Tx) ActiveVersionsByTrigger(ctx context.Context, connectorID, triggerID string) ([]TriggeredVersion, error) {
	var rows []struct {
		versionRow
		WorkflowName string `db:"workflow_name"`
	}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT v.id, v.workflow_id, v.version, v.active, v.definition, v.created_at,
			w.name AS workflow_name
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE v.active
		  AND v.definition -> 'trigger' ->> 'connector_id' = $1
		  AND v.definition -> 'trigger' ->> 'trigger_id' = $2`,
		connectorID, triggerID)
	if err != nil {
		return nil, fmt.Errorf("finding triggered versions: %w", err)
	}

	out := make([]TriggeredVersion, 0, len(rows))
	for _, r := range rows {
		v, err := r.toVersion()
		if err != nil {
			return nil, err
		}
		out = append(out, TriggeredVersion{Version: v, WorkflowName: r.WorkflowName})
	}
	return out, nil
}
