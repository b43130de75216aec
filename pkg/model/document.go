package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityDocument is the generic attribute document for one tracked entity.
// It backs the snapshot provider for guard evaluation and is the target of
// update_field / create_record actions. Domain collaborators that own richer
// entity storage can replace it behind the same ports.
type EntityDocument struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	EntityType string    `gorm:"not null;uniqueIndex:idx_document_entity"`
	EntityID   string    `gorm:"not null;uniqueIndex:idx_document_entity"`
	Attributes JSONB     `gorm:"type:jsonb;default:'{}'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (EntityDocument) TableName() string {
	return "entity_documents"
}
