package connectors

import (
	"context"
	"fmt"
	"sort"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// ActionRequest is everything a handler gets for one invocation. Config
// arrives already template-rendered.
type ActionRequest struct {
	Action     string
	StepName   string
	InstanceID string
	Config     map[string]any
	Connection workflow.Data
	Data       workflow.Data
}

// ActionHandler executes one action. The returned document merges into
// the instance data; an error fails the step and feeds the retry policy.
type ActionHandler interface {
	Execute(ctx context.Context, req ActionRequest) (workflow.Data, error)
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, req ActionRequest) (workflow.Data, error)

// Execute implements ActionHandler.
func (f ActionFunc) Execute(ctx context.Context, req ActionRequest) (workflow.Data, error) {
	return f(ctx, req)
}

// Registry maps action ids to handlers.
type Registry struct {
	handlers map[string]ActionHandler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]ActionHandler{}}
}

// Register binds an action id. Re-registering panics: two handlers for
// one id is a wiring bug, not a runtime condition.
func (r *Registry) Register(actionID string, handler ActionHandler) {
	if _, exists := r.handlers[actionID]; exists {
		panic(fmt.Sprintf("action %q registered twice", actionID))
	}
	r.handlers[actionID] = handler
}

// Lookup resolves an action id.
func (r *Registry) Lookup(actionID string) (ActionHandler, bool) {
	h, ok := r.handlers[actionID]
	return h, ok
}

// Known reports whether an action id is registered.
func (r *Registry) Known(actionID string) bool {
	_, ok := r.handlers[actionID]
	return ok
}

// Actions lists registered ids in stable order.
func (r *Registry) Actions() []string {
	out := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
