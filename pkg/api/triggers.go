package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aksbuzz/clickless/pkg/connectors"
	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// TriggerOutcome is the result of an inbound trigger request. Challenge
// is set for provider handshakes; InstanceIDs lists what was started.
type TriggerOutcome struct {
	InstanceIDs []string `json:"instance_ids,omitempty"`
	Challenge   string   `json:"challenge,omitempty"`
}

// TriggerWorkflow starts one workflow from an inbound webhook aimed at
// it. The request is verified with the secret of the connection bound in
// the trigger config.
func (s *Service) TriggerWorkflow(ctx context.Context, workflowID string, r *http.Request, body []byte, requestID string) (TriggerOutcome, error) {
	var outcome TriggerOutcome
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		version, err := repo.ActiveVersion(ctx, workflowID)
		if err != nil {
			return err
		}
		trigger := version.Definition.Trigger
		if trigger == nil {
			return fmt.Errorf("workflow %s has no trigger binding: %w", workflowID, ErrInvalidState)
		}

		result, matched, err := s.handleTrigger(ctx, repo, trigger.ConnectorID, trigger.Config, r, body)
		if err != nil {
			return err
		}
		if result.Challenge != "" {
			outcome.Challenge = result.Challenge
			return nil
		}
		if !matched {
			s.logger.Debug().Str("workflow_id", workflowID).Msg("trigger event does not match workflow config")
			return nil
		}

		instanceID, err := s.startTriggered(ctx, repo, version.ID, result, requestID)
		if err != nil {
			return err
		}
		outcome.InstanceIDs = []string{instanceID}
		return nil
	})
	return outcome, err
}

// FanOutTrigger starts every workflow whose active version binds the
// given connector trigger. Each binding verifies with its own secret, so
// one workflow's misconfiguration does not block the rest.
func (s *Service) FanOutTrigger(ctx context.Context, connectorID, triggerID string, r *http.Request, body []byte, requestID string) (TriggerOutcome, error) {
	var outcome TriggerOutcome
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		versions, err := repo.ActiveVersionsByTrigger(ctx, connectorID, triggerID)
		if err != nil {
			return err
		}
		for _, tv := range versions {
			result, matched, err := s.handleTrigger(ctx, repo, connectorID, tv.Version.Definition.Trigger.Config, r, body)
			if errors.Is(err, ErrUnauthorized) {
				s.logger.Warn().
					Str("workflow", tv.WorkflowName).
					Err(err).
					Msg("trigger verification failed, workflow skipped")
				continue
			}
			if err != nil {
				return err
			}
			if result.Challenge != "" {
				outcome.Challenge = result.Challenge
				return nil
			}
			if !matched {
				s.logger.Debug().Str("workflow", tv.WorkflowName).Msg("trigger event does not match workflow config")
				continue
			}
			instanceID, err := s.startTriggered(ctx, repo, tv.Version.ID, result, requestID)
			if err != nil {
				return err
			}
			outcome.InstanceIDs = append(outcome.InstanceIDs, instanceID)
		}
		return nil
	})
	return outcome, err
}

// handleTrigger verifies and parses one inbound request against a
// trigger binding. matched reports whether the event passes the
// binding's config filter.
func (s *Service) handleTrigger(ctx context.Context, repo Repository, connectorID string, config map[string]any, r *http.Request, body []byte) (result connectors.TriggerResult, matched bool, err error) {
	handler, ok := connectors.TriggerHandlerFor(connectorID)
	if !ok {
		return connectors.TriggerResult{}, false, fmt.Errorf("connector %q has no trigger handler: %w", connectorID, ErrInvalidState)
	}

	secret := ""
	if connectionID, ok := config["connection_id"].(string); ok && connectionID != "" {
		conn, err := repo.GetConnection(ctx, connectionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return connectors.TriggerResult{}, false, err
		}
		if err == nil {
			secret = conn.Config.Resolve("secret").String()
			if secret == "" {
				secret = conn.Config.Resolve("signing_secret").String()
			}
		}
	}

	result, err = handler.Handle(r, body, secret)
	if err != nil {
		return connectors.TriggerResult{}, false, fmt.Errorf("%s: %w", err, ErrUnauthorized)
	}
	if result.Challenge != "" {
		return result, true, nil
	}
	return result, handler.Matches(result, config), nil
}

func (s *Service) startTriggered(ctx context.Context, repo Repository, versionID string, result connectors.TriggerResult, requestID string) (string, error) {
	instanceID, err := repo.CreateInstance(ctx, versionID, result.Data, requestID)
	if err != nil {
		return "", err
	}
	if err := repo.ScheduleMessage(ctx, events.OrchestrationQueue, events.WorkflowEvent{
		Type:       events.StartWorkflow,
		InstanceID: instanceID,
		RequestID:  requestID,
	}, time.Time{}, requestID); err != nil {
		return "", err
	}
	return instanceID, nil
}
