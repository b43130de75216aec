package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityState is the current position of one tracked entity within one
// pipeline. Exactly one row exists per (pipeline, entity type, entity id);
// the current state is mutated only through the compare-and-advance primitive.
type EntityState struct {
	ID                 uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PipelineID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_entity_enrollment"`
	EntityType         string    `gorm:"not null;uniqueIndex:idx_entity_enrollment"`
	EntityID           string    `gorm:"not null;uniqueIndex:idx_entity_enrollment"`
	CurrentStateID     uuid.UUID `gorm:"type:uuid;not null;index"`
	CurrentState       *State    `gorm:"foreignKey:CurrentStateID"`
	LastTransitionedAt time.Time `gorm:"not null;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StateLog is one immutable audit record of a state change. FromStateID is
// null for the initial pipeline assignment. Rows are never updated or deleted.
type StateLog struct {
	ID            uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	EntityStateID uuid.UUID  `gorm:"type:uuid;not null;index"`
	PipelineID    uuid.UUID  `gorm:"type:uuid;not null;index:idx_log_pipeline_time"`
	EntityType    string     `gorm:"not null;index"`
	EntityID      string     `gorm:"not null;index"`
	FromStateID   *uuid.UUID `gorm:"type:uuid"`
	ToStateID     uuid.UUID  `gorm:"type:uuid;not null"`
	TransitionID  *uuid.UUID `gorm:"type:uuid"`
	PerformedBy   string     `gorm:"not null;index"`
	Comment       string     `gorm:"type:text"`
	Metadata      JSONB      `gorm:"type:jsonb;default:'{}'"`
	IPAddress     string
	UserAgent     string
	CreatedAt     time.Time `gorm:"autoCreateTime;not null;index:idx_log_pipeline_time"`
}

func (StateLog) TableName() string {
	return "state_logs"
}

// StaleEntity is one FindStale result row: an entity whose time in its
// current state exceeds the caller's threshold.
type StaleEntity struct {
	EntityState EntityState
	StateCode   string
	Elapsed     time.Duration
}
