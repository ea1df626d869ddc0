package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// CreateConnection stores a credential bundle for a connector.
func (t *Tx) CreateConnection(ctx context.Context, connectorID, name string, config workflow.Data) (string, error) {
	id := uuid.NewString()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO connections (id, connector_id, name, config)
		VALUES ($1, $2, $3, $4)`,
		id, connectorID, name, config)
	if err != nil {
		return "", fmt.Errorf("creating connection: %w", err)
	}
	return id, nil
}

// GetConnection loads a connection by id.
func (t *Tx) GetConnection(ctx context.Context, connectionID string) (workflow.Connection, error) {
	var c workflow.Connection
	err := t.tx.GetContext(ctx, &c, `
		SELECT id, connector_id, name, config, created_at, updated_at
		FROM connections WHERE id = $1`, connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Connection{}, ErrNotFound
	}
	if err != nil {
		return workflow.Connection{}, fmt.Errorf("loading connection: %w", err)
	}
	return c, nil
}

// ListConnections returns connections, optionally filtered by connector.
func (t *Tx) ListConnections(ctx context.Context, connectorID string) ([]workflow.Connection, error) {
	out := []workflow.Connection{}
	err := t.tx.SelectContext(ctx, &out, `
		SELECT id, connector_id, name, config, created_at, updated_at
		FROM connections
		WHERE ($1 = '' OR connector_id = $1)
		ORDER BY connector_id, name`, connectorID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return out, nil
}

// UpdateConnection renames and reconfigures a connection.
func (t *Tx) UpdateConnection(ctx context.Context, connectionID, name string, config workflow.Data) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE connections SET name = $2, config = $3, updated_at = now()
		WHERE id = $1`, connectionID, name, config)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	return nil
}

// DeleteConnection removes a connection.
func (t *Tx) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM connections WHERE id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}
