package engine

import (
	"github.com/google/uuid"

	"github.com/stateline/stateline/pkg/model"
)

type Status string

const (
	// StatusCompleted: the entity advanced and every action succeeded.
	StatusCompleted Status = "completed"
	// StatusPartiallyCompleted: the entity advanced but one or more actions
	// under continue/log_and_continue policies failed.
	StatusPartiallyCompleted Status = "partially_completed"
	// StatusApprovalRequired: a routing signal, not a failure. Nothing was
	// mutated; the caller must route the request to an approval workflow.
	StatusApprovalRequired Status = "approval_required"
)

// ActionReport is the per-action execution record returned to the caller.
type ActionReport struct {
	ActionID uuid.UUID        `json:"action_id"`
	Kind     model.ActionKind `json:"kind"`
	Order    int              `json:"order"`
	Async    bool             `json:"async"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
}

// Result is the outcome of a committed (or approval-deferred) transition.
type Result struct {
	Status      Status             `json:"status"`
	EntityState *model.EntityState `json:"entity_state"`
	Reports     []ActionReport     `json:"actions"`
}
