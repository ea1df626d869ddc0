package connectors

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// LogAction writes a message from the step config to the engine log.
type LogAction struct {
	logger zerolog.Logger
}

// NewLogAction builds the log handler.
func NewLogAction(logger zerolog.Logger) *LogAction {
	return &LogAction{logger: logger.With().Str("action", "log").Logger()}
}

// Execute implements ActionHandler.
func (a *LogAction) Execute(_ context.Context, req ActionRequest) (workflow.Data, error) {
	message := stringConfig(req.Config, "message", "")
	event := a.logger.Info()
	if stringConfig(req.Config, "level", "info") == "warn" {
		event = a.logger.Warn()
	}
	event.
		Str("instance_id", req.InstanceID).
		Str("step", req.StepName).
		Msg(message)
	return workflow.EmptyData(), nil
}

// TransformAction sets computed keys on the instance data. The values in
// the "set" map arrive already template-rendered, so this is the step
// authors reach for to reshape data between integrations.
type TransformAction struct{}

// Execute implements ActionHandler.
func (TransformAction) Execute(_ context.Context, req ActionRequest) (workflow.Data, error) {
	set, ok := req.Config["set"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transform_data requires a 'set' object")
	}
	return workflow.DataFrom(set)
}

func stringConfig(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func requiredString(config map[string]any, key string) (string, error) {
	v, ok := config[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("config key %q is required", key)
	}
	return v, nil
}
