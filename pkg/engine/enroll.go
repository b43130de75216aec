package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/guard"
	"github.com/stateline/stateline/pkg/metrics"
	"github.com/stateline/stateline/pkg/model"
)

// InitialAssignmentComment is the fixed comment on the state log entry that
// records an entity's enrollment into a pipeline.
const InitialAssignmentComment = "initial pipeline assignment"

// Enroll places a newly created entity into the active pipeline for its type
// when the pipeline's eligibility expression passes against the entity's
// snapshot. It writes the entity state row and an initial-assignment audit
// entry (from-state null). Returns (nil, nil) when no pipeline matches or the
// entity is not eligible.
func (x *Executor) Enroll(
	ctx context.Context,
	entityType, entityID string,
	snapshot map[string]interface{},
	rc RequestContext,
) (*model.EntityState, error) {
	pipeline, err := x.definitions.FindActivePipeline(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, nil
	}

	if eligible, _ := guard.Evaluate(pipeline.Eligibility, snapshot); !eligible {
		return nil, nil
	}

	initial, err := x.definitions.FindInitialState(ctx, pipeline.ID)
	if err != nil {
		return nil, err
	}

	now := x.now()
	state := &model.EntityState{
		PipelineID:         pipeline.ID,
		EntityType:         entityType,
		EntityID:           entityID,
		CurrentStateID:     initial.ID,
		LastTransitionedAt: now,
	}
	entry := &model.StateLog{
		PipelineID:  pipeline.ID,
		EntityType:  entityType,
		EntityID:    entityID,
		FromStateID: nil,
		ToStateID:   initial.ID,
		PerformedBy: rc.ActorID,
		Comment:     InitialAssignmentComment,
		Metadata:    model.JSONB{},
		IPAddress:   rc.IPAddress,
		UserAgent:   rc.UserAgent,
		CreatedAt:   now,
	}

	if err := x.entities.CreateInitialAssignment(ctx, state, entry); err != nil {
		return nil, err
	}

	if x.events != nil {
		x.events.EntityEnrolled(ctx, state, entry)
	}
	metrics.EnrollmentsTotal.WithLabelValues(pipeline.ID.String()).Inc()
	x.logger.Info("entity enrolled",
		zap.String("pipeline", pipeline.Code),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("initial_state", initial.Code),
	)

	return state, nil
}
