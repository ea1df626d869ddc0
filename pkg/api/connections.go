package api

import (
	"context"
	"fmt"

	"github.com/aksbuzz/clickless/pkg/connectors"
	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// CreateConnection stores a credential bundle for a catalog connector.
func (s *Service) CreateConnection(ctx context.Context, connectorID, name string, config workflow.Data) (string, error) {
	if !connectors.KnownConnector(connectorID) {
		return "", &ValidationError{Problems: []string{fmt.Sprintf("unknown connector %q", connectorID)}}
	}
	if name == "" {
		return "", &ValidationError{Problems: []string{"connection name is required"}}
	}
	if len(config) == 0 {
		config = workflow.EmptyData()
	}

	var id string
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		id, err = repo.CreateConnection(ctx, connectorID, name, config)
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("connection %q already exists for connector %q: %w", name, connectorID, ErrConflict)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("connection_id", id).Str("connector_id", connectorID).Msg("connection created")
	return id, nil
}

// GetConnection loads a connection.
func (s *Service) GetConnection(ctx context.Context, connectionID string) (workflow.Connection, error) {
	var conn workflow.Connection
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		conn, err = repo.GetConnection(ctx, connectionID)
		return err
	})
	return conn, err
}

// ListConnections lists connections, optionally for one connector.
func (s *Service) ListConnections(ctx context.Context, connectorID string) ([]workflow.Connection, error) {
	var out []workflow.Connection
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		out, err = repo.ListConnections(ctx, connectorID)
		return err
	})
	return out, err
}

// UpdateConnection renames and reconfigures a connection.
func (s *Service) UpdateConnection(ctx context.Context, connectionID, name string, config workflow.Data) error {
	if name == "" {
		return &ValidationError{Problems: []string{"connection name is required"}}
	}
	return s.uow.WithinTx(ctx, func(repo Repository) error {
		if _, err := repo.GetConnection(ctx, connectionID); err != nil {
			return err
		}
		err := repo.UpdateConnection(ctx, connectionID, name, config)
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("connection name %q already taken: %w", name, ErrConflict)
		}
		return err
	})
}

// DeleteConnection removes a connection. Steps referencing it will fail
// at execution time with a missing-connection error.
func (s *Service) DeleteConnection(ctx context.Context, connectionID string) error {
	return s.uow.WithinTx(ctx, func(repo Repository) error {
		if _, err := repo.GetConnection(ctx, connectionID); err != nil {
			return err
		}
		return repo.DeleteConnection(ctx, connectionID)
	})
}
