package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stateline/stateline/pkg/model"
)

// RequestContext carries the per-call audit identity. It is supplied by the
// transport layer and persisted verbatim into state log entries.
type RequestContext struct {
	ActorID   string
	Timestamp time.Time
	IPAddress string
	UserAgent string
}

// Definitions is the read surface of the definition store used during
// transition execution.
type Definitions interface {
	// GetTransition returns the transition or store.ErrNotFound.
	GetTransition(ctx context.Context, transitionID uuid.UUID) (*model.Transition, error)
	// ListActiveActions returns the transition's active actions ordered by
	// execution order, insertion order as tiebreak.
	ListActiveActions(ctx context.Context, transitionID uuid.UUID) ([]model.TransitionAction, error)
	// FindActivePipeline returns the single active pipeline for the entity
	// type, or nil when none exists.
	FindActivePipeline(ctx context.Context, entityType string) (*model.Pipeline, error)
	// FindInitialState returns the pipeline's initial state.
	FindInitialState(ctx context.Context, pipelineID uuid.UUID) (*model.State, error)
}

// CommitRequest is the atomic tail of a transition: compare-and-advance the
// entity state, append the audit entry, and persist any async dispatch rows,
// all in one transaction.
type CommitRequest struct {
	EntityStateID       uuid.UUID
	ExpectedFromStateID uuid.UUID
	ToStateID           uuid.UUID
	Now                 time.Time
	Log                 *model.StateLog
	Dispatches          []*model.ActionDispatch
}

// EntityStates is the per-entity current-state store.
type EntityStates interface {
	Get(ctx context.Context, pipelineID uuid.UUID, entityType, entityID string) (*model.EntityState, error)
	CreateInitialAssignment(ctx context.Context, state *model.EntityState, entry *model.StateLog) error
	// Commit fails with store.ErrConcurrentModification when the stored
	// current state no longer equals ExpectedFromStateID.
	Commit(ctx context.Context, req CommitRequest) (*model.EntityState, error)
}

// Authorizer answers "does this actor hold this permission?".
type Authorizer interface {
	HasPermission(ctx context.Context, actorID, permission string) (bool, error)
}

// SnapshotProvider returns a flat attribute map for an entity, used by guard
// evaluation and handed to actions. Owned by the domain-object collaborator.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, entityType, entityID string) (map[string]interface{}, error)
}

// ActionRequest is one synchronous action invocation.
type ActionRequest struct {
	Action     model.TransitionAction
	PipelineID uuid.UUID
	EntityType string
	EntityID   string
	Snapshot   map[string]interface{}
	Context    RequestContext
}

// ActionRunner executes one configured action against one entity. A non-nil
// error is the action's failure, handled per its on-failure policy.
type ActionRunner interface {
	Run(ctx context.Context, req ActionRequest) error
}

// Events receives engine notifications after the fact. Implementations must
// not block transition completion; failures are their own concern.
type Events interface {
	TransitionCommitted(ctx context.Context, state *model.EntityState, entry *model.StateLog)
	EntityEnrolled(ctx context.Context, state *model.EntityState, entry *model.StateLog)
	ApprovalRequested(ctx context.Context, transition *model.Transition, state *model.EntityState, rc RequestContext)
}
