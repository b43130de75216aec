package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/stateline/stateline/pkg/model"
)

// DocumentRepository stores flat attribute documents for tracked entities.
// It implements the engine's snapshot provider and is the write target of
// update_field and create_record actions.
type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Snapshot(ctx context.Context, entityType, entityID string) (map[string]interface{}, error) {
	var doc model.EntityDocument
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&doc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			// Guard evaluation is total over missing entities: an empty
			// snapshot makes comparisons false and is_null true.
			return map[string]interface{}{}, nil
		}
		return nil, err
	}
	return map[string]interface{}(doc.Attributes), nil
}

// UpdateField merges one attribute into the document with a JSONB merge,
// creating the document when it does not exist yet.
func (r *DocumentRepository) UpdateField(ctx context.Context, entityType, entityID, field string, value interface{}) error {
	patch, err := json.Marshal(map[string]interface{}{field: value})
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(`
			UPDATE entity_documents
			SET attributes = attributes || ?::jsonb, updated_at = NOW()
			WHERE entity_type = ? AND entity_id = ?
		`, string(patch), entityType, entityID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&model.EntityDocument{
			EntityType: entityType,
			EntityID:   entityID,
			Attributes: model.JSONB{field: value},
		}).Error
	})
}

// CreateRecord inserts a new attribute document for a freshly created entity.
func (r *DocumentRepository) CreateRecord(ctx context.Context, entityType, entityID string, attributes map[string]interface{}) error {
	if entityType == "" || entityID == "" {
		return fmt.Errorf("record requires an entity type and id")
	}
	return r.db.WithContext(ctx).Create(&model.EntityDocument{
		EntityType: entityType,
		EntityID:   entityID,
		Attributes: model.JSONB(attributes),
	}).Error
}
