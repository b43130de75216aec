package apiserver

import (
	"context"

	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/engine"
	"github.com/stateline/stateline/pkg/eventbus"
	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

// busEvents fans committed transitions and approval requests out to the redis
// event bus, and mirrors audit entries into the reporting backend when one is
// configured. Failures are logged, never propagated: the transition has
// already committed.
type busEvents struct {
	bus    *eventbus.Bus
	mirror store.AuditStore
	logger *zap.Logger
}

var _ engine.Events = (*busEvents)(nil)

func (e *busEvents) TransitionCommitted(ctx context.Context, state *model.EntityState, entry *model.StateLog) {
	if e.mirror != nil {
		if err := e.mirror.Append(ctx, entry); err != nil {
			e.logger.Warn("failed to mirror audit entry", zap.Error(err))
		}
	}
	if e.bus == nil {
		return
	}

	payload := eventbus.TransitionEvent{
		PipelineID: entry.PipelineID.String(),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		ToState:    entry.ToStateID.String(),
		Actor:      entry.PerformedBy,
	}
	if entry.FromStateID != nil {
		payload.FromState = entry.FromStateID.String()
	}
	if entry.TransitionID != nil {
		payload.Transition = entry.TransitionID.String()
	}

	event, err := eventbus.NewEvent("transition_committed", payload)
	if err != nil {
		e.logger.Warn("failed to build transition event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, eventbus.ChannelTransition, event); err != nil {
		e.logger.Warn("failed to publish transition event", zap.Error(err))
	}
}

func (e *busEvents) EntityEnrolled(ctx context.Context, state *model.EntityState, entry *model.StateLog) {
	if e.mirror != nil {
		if err := e.mirror.Append(ctx, entry); err != nil {
			e.logger.Warn("failed to mirror enrollment entry", zap.Error(err))
		}
	}
	if e.bus == nil {
		return
	}

	event, err := eventbus.NewEvent("entity_enrolled", eventbus.TransitionEvent{
		PipelineID: entry.PipelineID.String(),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		ToState:    entry.ToStateID.String(),
		Actor:      entry.PerformedBy,
	})
	if err != nil {
		e.logger.Warn("failed to build enrollment event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, eventbus.ChannelTransition, event); err != nil {
		e.logger.Warn("failed to publish enrollment event", zap.Error(err))
	}
}

func (e *busEvents) ApprovalRequested(ctx context.Context, transition *model.Transition, state *model.EntityState, rc engine.RequestContext) {
	if e.bus == nil {
		return
	}

	event, err := eventbus.NewEvent("approval_requested", eventbus.ApprovalEvent{
		PipelineID:   transition.PipelineID.String(),
		TransitionID: transition.ID.String(),
		Transition:   transition.Code,
		EntityType:   state.EntityType,
		EntityID:     state.EntityID,
		RequestedBy:  rc.ActorID,
	})
	if err != nil {
		e.logger.Warn("failed to build approval event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, eventbus.ChannelApproval, event); err != nil {
		e.logger.Warn("failed to publish approval event", zap.Error(err))
	}
}
