package actions

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stateline/stateline/pkg/engine"
	"github.com/stateline/stateline/pkg/eventbus"
	"github.com/stateline/stateline/pkg/model"
)

type updateFieldConfig struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

func updateFieldHandler(entities EntityWriter) HandlerFunc {
	return func(ctx context.Context, req engine.ActionRequest) error {
		var cfg updateFieldConfig
		if err := decodeConfig(req.Action.Config, &cfg); err != nil {
			return fmt.Errorf("invalid update_field config: %w", err)
		}
		if cfg.Field == "" {
			return fmt.Errorf("update_field config requires a field")
		}
		return entities.UpdateField(ctx, req.EntityType, req.EntityID, cfg.Field, cfg.Value)
	}
}

type createRecordConfig struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Attributes map[string]interface{} `json:"attributes"`
}

func createRecordHandler(entities EntityWriter) HandlerFunc {
	return func(ctx context.Context, req engine.ActionRequest) error {
		var cfg createRecordConfig
		if err := decodeConfig(req.Action.Config, &cfg); err != nil {
			return fmt.Errorf("invalid create_record config: %w", err)
		}
		if cfg.EntityType == "" {
			return fmt.Errorf("create_record config requires an entity type")
		}
		entityID := cfg.EntityID
		if entityID == "" {
			entityID = uuid.New().String()
		}
		return entities.CreateRecord(ctx, cfg.EntityType, entityID, cfg.Attributes)
	}
}

type notificationConfig struct {
	Channel    string                 `json:"channel"`
	Recipients []string               `json:"recipients"`
	Message    string                 `json:"message"`
	Payload    map[string]interface{} `json:"payload"`
}

func notificationHandler(events Publisher) HandlerFunc {
	return func(ctx context.Context, req engine.ActionRequest) error {
		var cfg notificationConfig
		if err := decodeConfig(req.Action.Config, &cfg); err != nil {
			return fmt.Errorf("invalid send_notification config: %w", err)
		}
		event, err := eventbus.NewEvent("notification", eventbus.NotificationEvent{
			Channel:    cfg.Channel,
			Recipients: cfg.Recipients,
			Message:    cfg.Message,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Payload:    cfg.Payload,
		})
		if err != nil {
			return err
		}
		return events.Publish(ctx, eventbus.ChannelNotification, event)
	}
}

// dispatchJobHandler enqueues the job as an outbox row even when the action
// runs synchronously: the engine's responsibility ends at submission.
func dispatchJobHandler(dispatches DispatchEnqueuer) HandlerFunc {
	return func(ctx context.Context, req engine.ActionRequest) error {
		return dispatches.Enqueue(ctx, &model.ActionDispatch{
			TransitionID: req.Action.TransitionID,
			ActionID:     req.Action.ID,
			PipelineID:   req.PipelineID,
			EntityType:   req.EntityType,
			EntityID:     req.EntityID,
			Kind:         model.ActionDispatchJob,
			Config:       req.Action.Config,
			Snapshot:     model.JSONB(req.Snapshot),
			Status:       model.DispatchStatusPending,
		})
	}
}

func approvalHandler(events Publisher) HandlerFunc {
	return func(ctx context.Context, req engine.ActionRequest) error {
		event, err := eventbus.NewEvent("approval_requested", eventbus.ApprovalEvent{
			PipelineID:   req.PipelineID.String(),
			TransitionID: req.Action.TransitionID.String(),
			EntityType:   req.EntityType,
			EntityID:     req.EntityID,
			RequestedBy:  req.Context.ActorID,
		})
		if err != nil {
			return err
		}
		return events.Publish(ctx, eventbus.ChannelApproval, event)
	}
}

type customConfig struct {
	Hook string `json:"hook"`
}

func customHandler(hooks map[string]HookFunc) HandlerFunc {
	return func(ctx context.Context, req engine.ActionRequest) error {
		var cfg customConfig
		if err := decodeConfig(req.Action.Config, &cfg); err != nil {
			return fmt.Errorf("invalid custom action config: %w", err)
		}
		hook, ok := hooks[cfg.Hook]
		if !ok {
			return fmt.Errorf("no custom hook registered under %q", cfg.Hook)
		}
		return hook(ctx, req)
	}
}
