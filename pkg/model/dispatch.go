package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	DispatchStatusPending   = "pending"
	DispatchStatusPublished = "published"
	DispatchStatusFailed    = "failed"
)

// ActionDispatch is the outbox row for one asynchronous transition action.
// The engine writes it in the same transaction that commits the transition;
// the relay publishes it to Kafka and marks it published or failed.
type ActionDispatch struct {
	ID           uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TransitionID uuid.UUID  `gorm:"type:uuid;not null;index"`
	ActionID     uuid.UUID  `gorm:"type:uuid;not null"`
	PipelineID   uuid.UUID  `gorm:"type:uuid;not null"`
	EntityType   string     `gorm:"not null"`
	EntityID     string     `gorm:"not null"`
	Kind         ActionKind `gorm:"type:varchar(30);not null"`
	Config       JSONB      `gorm:"type:jsonb;not null"`
	Snapshot     JSONB      `gorm:"type:jsonb;default:'{}'"`
	Status       string     `gorm:"not null;default:'pending';index"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;not null"`
	PublishedAt  *time.Time
}

func (ActionDispatch) TableName() string {
	return "action_dispatches"
}
