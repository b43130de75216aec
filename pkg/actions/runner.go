package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/engine"
	"github.com/stateline/stateline/pkg/eventbus"
	"github.com/stateline/stateline/pkg/model"
)

// EntityWriter mutates entity attribute documents on behalf of update_field
// and create_record actions.
type EntityWriter interface {
	UpdateField(ctx context.Context, entityType, entityID, field string, value interface{}) error
	CreateRecord(ctx context.Context, entityType, entityID string, attributes map[string]interface{}) error
}

// DispatchEnqueuer hands a job dispatch to the outbox for relay to the
// broker. The enqueue is the action's success; delivery is the relay's job.
type DispatchEnqueuer interface {
	Enqueue(ctx context.Context, dispatch *model.ActionDispatch) error
}

// Publisher is the event fan-out used by notification and approval actions.
// *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

// HookFunc is a custom action handler registered by the embedding
// application under a name referenced from the action's config.
type HookFunc func(ctx context.Context, req engine.ActionRequest) error

// HandlerFunc executes one action kind.
type HandlerFunc func(ctx context.Context, req engine.ActionRequest) error

// Registry dispatches the closed set of action kinds to their handlers.
// Adding a kind means adding a handler, not subclassing anything.
type Registry struct {
	handlers map[model.ActionKind]HandlerFunc
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[model.ActionKind]HandlerFunc),
		logger:   logger,
	}
}

func (r *Registry) Register(kind model.ActionKind, handler HandlerFunc) {
	r.handlers[kind] = handler
}

// Run implements engine.ActionRunner.
func (r *Registry) Run(ctx context.Context, req engine.ActionRequest) error {
	handler, ok := r.handlers[req.Action.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for action kind %q", req.Action.Kind)
	}
	r.logger.Debug("running action",
		zap.String("kind", string(req.Action.Kind)),
		zap.String("entity_type", req.EntityType),
		zap.String("entity_id", req.EntityID),
	)
	return handler(ctx, req)
}

// Deps wires the default handler set.
type Deps struct {
	Entities   EntityWriter
	Dispatches DispatchEnqueuer
	Events     Publisher
	Webhooks   *WebhookClient
	Hooks      map[string]HookFunc
}

// NewDefaultRegistry registers a handler for each of the seven action kinds.
func NewDefaultRegistry(deps Deps, logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(model.ActionUpdateField, updateFieldHandler(deps.Entities))
	r.Register(model.ActionCreateRecord, createRecordHandler(deps.Entities))
	r.Register(model.ActionSendNotification, notificationHandler(deps.Events))
	r.Register(model.ActionDispatchJob, dispatchJobHandler(deps.Dispatches))
	r.Register(model.ActionTriggerApproval, approvalHandler(deps.Events))
	r.Register(model.ActionWebhook, webhookHandler(deps.Webhooks))
	r.Register(model.ActionCustom, customHandler(deps.Hooks))
	return r
}

func decodeConfig(config model.JSONB, out interface{}) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
