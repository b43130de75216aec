package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stateline/stateline/pkg/guard"
	"github.com/stateline/stateline/pkg/model"
)

// UnknownTransitionError: the transition does not exist or is inactive.
type UnknownTransitionError struct {
	TransitionID uuid.UUID
}

func (e *UnknownTransitionError) Error() string {
	return fmt.Sprintf("unknown or inactive transition %s", e.TransitionID)
}

// InvalidTransitionError: the entity is not in the transition's from-state.
type InvalidTransitionError struct {
	TransitionID   uuid.UUID
	FromStateID    uuid.UUID
	CurrentStateID uuid.UUID
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s requires state %s but entity is in %s",
		e.TransitionID, e.FromStateID, e.CurrentStateID)
}

type PermissionDeniedError struct {
	ActorID    string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %s lacks permission %s", e.ActorID, e.Permission)
}

type CommentRequiredError struct {
	TransitionCode string
}

func (e *CommentRequiredError) Error() string {
	return fmt.Sprintf("transition %s requires a comment", e.TransitionCode)
}

// GuardConditionError carries the leaf predicates that did not hold.
type GuardConditionError struct {
	Failed []guard.Predicate
}

func (e *GuardConditionError) Error() string {
	return fmt.Sprintf("guard conditions failed: %d predicate(s) did not hold", len(e.Failed))
}

// TransitionAbortedError: an action with the abort policy failed. Nothing was
// committed.
type TransitionAbortedError struct {
	Action model.TransitionAction
	Cause  error
}

func (e *TransitionAbortedError) Error() string {
	return fmt.Sprintf("transition aborted by %s action (order %d): %v",
		e.Action.Kind, e.Action.ExecOrder, e.Cause)
}

func (e *TransitionAbortedError) Unwrap() error { return e.Cause }

// NotEnrolledError: the entity has no state row in the transition's pipeline.
type NotEnrolledError struct {
	PipelineID uuid.UUID
	EntityType string
	EntityID   string
}

func (e *NotEnrolledError) Error() string {
	return fmt.Sprintf("entity %s/%s is not enrolled in pipeline %s",
		e.EntityType, e.EntityID, e.PipelineID)
}
