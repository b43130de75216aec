package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/stateline/stateline/pkg/guard"
)

type StateKind string

const (
	StateInitial      StateKind = "initial"
	StateIntermediate StateKind = "intermediate"
	StateFinal        StateKind = "final"
)

type ActionKind string

const (
	ActionUpdateField      ActionKind = "update_field"
	ActionCreateRecord     ActionKind = "create_record"
	ActionSendNotification ActionKind = "send_notification"
	ActionDispatchJob      ActionKind = "dispatch_job"
	ActionTriggerApproval  ActionKind = "trigger_approval"
	ActionWebhook          ActionKind = "webhook"
	ActionCustom           ActionKind = "custom"
)

type FailurePolicy string

const (
	FailureAbort          FailurePolicy = "abort"
	FailureContinue       FailurePolicy = "continue"
	FailureLogAndContinue FailurePolicy = "log_and_continue"
)

// Pipeline is a named workflow definition governing one entity type. At most
// one active pipeline may exist per entity type so enrollment is unambiguous.
type Pipeline struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Code        string    `gorm:"uniqueIndex;not null"`
	EntityType  string    `gorm:"not null;index"`
	Description string
	Version     int               `gorm:"default:1"`
	Active      bool              `gorm:"default:false;index"`
	Eligibility *guard.Expression `gorm:"type:jsonb"`
	Tags        pq.StringArray    `gorm:"type:text[]"`
	CreatedBy   string
	States      []State      `gorm:"foreignKey:PipelineID"`
	Transitions []Transition `gorm:"foreignKey:PipelineID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// State is one node of a pipeline's graph.
type State struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PipelineID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_pipeline_state_code"`
	Code       string    `gorm:"not null;uniqueIndex:idx_pipeline_state_code"`
	Name       string    `gorm:"not null"`
	Kind       StateKind `gorm:"type:varchar(20);not null"`
	Color      string
	Icon       string
	SortOrder  int   `gorm:"default:0"`
	Metadata   JSONB `gorm:"type:jsonb;default:'{}'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transition is a directed edge between two distinct states of the same
// pipeline. At most one transition may connect a given (from, to) pair.
type Transition struct {
	ID                   uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PipelineID           uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_pipeline_transition_code;uniqueIndex:idx_pipeline_edge"`
	Code                 string    `gorm:"not null;uniqueIndex:idx_pipeline_transition_code"`
	Name                 string    `gorm:"not null"`
	Description          string
	FromStateID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_pipeline_edge"`
	ToStateID            uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_pipeline_edge"`
	RequiredPermission   string
	Guards               *guard.Expression `gorm:"type:jsonb"`
	RequiresConfirmation bool              `gorm:"default:false"`
	RequiresComment      bool              `gorm:"default:false"`
	RequiresApproval     bool              `gorm:"default:false"`
	SortOrder            int               `gorm:"default:0"`
	Active               bool              `gorm:"default:true;index"`
	Actions              []TransitionAction `gorm:"foreignKey:TransitionID"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TransitionAction is one ordered side-effect step of a transition. ExecOrder
// ties are resolved by insertion order (CreatedAt, then ID).
type TransitionAction struct {
	ID           uuid.UUID     `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TransitionID uuid.UUID     `gorm:"type:uuid;not null;index"`
	Kind         ActionKind    `gorm:"type:varchar(30);not null"`
	ExecOrder    int           `gorm:"not null;default:1"`
	Config       JSONB         `gorm:"type:jsonb;default:'{}'"`
	Async        bool          `gorm:"default:false"`
	OnFailure    FailurePolicy `gorm:"type:varchar(20);default:'abort'"`
	Active       bool          `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func IsValidActionKind(kind ActionKind) bool {
	switch kind {
	case ActionUpdateField, ActionCreateRecord, ActionSendNotification,
		ActionDispatchJob, ActionTriggerApproval, ActionWebhook, ActionCustom:
		return true
	default:
		return false
	}
}

func IsValidFailurePolicy(policy FailurePolicy) bool {
	switch policy {
	case FailureAbort, FailureContinue, FailureLogAndContinue:
		return true
	default:
		return false
	}
}

func IsValidStateKind(kind StateKind) bool {
	switch kind {
	case StateInitial, StateIntermediate, StateFinal:
		return true
	default:
		return false
	}
}
