package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stateline/stateline/pkg/engine"
	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

// EntityStateRepository is the per-entity current-state store. All state
// mutation flows through the conditional UPDATE in compareAndAdvance, scoped
// to a single row; transitions on unrelated entities never contend.
type EntityStateRepository struct {
	db *gorm.DB
}

func NewEntityStateRepository(db *gorm.DB) *EntityStateRepository {
	return &EntityStateRepository{db: db}
}

func (r *EntityStateRepository) Get(ctx context.Context, pipelineID uuid.UUID, entityType, entityID string) (*model.EntityState, error) {
	var state model.EntityState
	err := r.db.WithContext(ctx).
		Where("pipeline_id = ? AND entity_type = ? AND entity_id = ?", pipelineID, entityType, entityID).
		First(&state).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &state, nil
}

// GetByEntity looks the entity up without a pipeline reference, for read
// endpoints that only know the entity.
func (r *EntityStateRepository) GetByEntity(ctx context.Context, entityType, entityID string) (*model.EntityState, error) {
	var state model.EntityState
	err := r.db.WithContext(ctx).
		Preload("CurrentState").
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&state).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &state, nil
}

func (r *EntityStateRepository) CreateInitialAssignment(ctx context.Context, state *model.EntityState, entry *model.StateLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.EntityState{}).
			Where("pipeline_id = ? AND entity_type = ? AND entity_id = ?",
				state.PipelineID, state.EntityType, state.EntityID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("entity %s/%s already enrolled: %w",
				state.EntityType, state.EntityID, store.ErrDuplicate)
		}

		if err := tx.Create(state).Error; err != nil {
			return err
		}
		entry.EntityStateID = state.ID
		return tx.Create(entry).Error
	})
}

// Commit atomically advances the entity state, appends the audit entry and
// persists any async dispatch rows. The conditional UPDATE is the concurrency
// guard: losing the race surfaces as ErrConcurrentModification and nothing is
// written.
func (r *EntityStateRepository) Commit(ctx context.Context, req engine.CommitRequest) (*model.EntityState, error) {
	var updated model.EntityState
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.compareAndAdvance(tx, req.EntityStateID, req.ExpectedFromStateID, req.ToStateID, req.Now); err != nil {
			return err
		}
		if err := tx.Create(req.Log).Error; err != nil {
			return err
		}
		if len(req.Dispatches) > 0 {
			if err := tx.Create(req.Dispatches).Error; err != nil {
				return err
			}
		}
		return tx.First(&updated, "id = ?", req.EntityStateID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *EntityStateRepository) compareAndAdvance(tx *gorm.DB, stateID, expectedFrom, to uuid.UUID, now time.Time) error {
	result := tx.Model(&model.EntityState{}).
		Where("id = ? AND current_state_id = ?", stateID, expectedFrom).
		Updates(map[string]interface{}{
			"current_state_id":     to,
			"last_transitioned_at": now,
			"updated_at":           now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&model.EntityState{}).Where("id = ?", stateID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return store.ErrNotFound
		}
		return store.ErrConcurrentModification
	}
	return nil
}

// FindStale returns entities whose last transition is older than the
// threshold, with their current state code and elapsed duration.
func (r *EntityStateRepository) FindStale(ctx context.Context, pipelineID uuid.UUID, threshold time.Duration) ([]model.StaleEntity, error) {
	cutoff := time.Now().Add(-threshold)

	var states []model.EntityState
	err := r.db.WithContext(ctx).
		Preload("CurrentState").
		Where("pipeline_id = ? AND last_transitioned_at < ?", pipelineID, cutoff).
		Order("last_transitioned_at ASC").
		Find(&states).Error
	if err != nil {
		return nil, err
	}

	stale := make([]model.StaleEntity, 0, len(states))
	for _, state := range states {
		entry := model.StaleEntity{
			EntityState: state,
			Elapsed:     time.Since(state.LastTransitionedAt),
		}
		if state.CurrentState != nil {
			entry.StateCode = state.CurrentState.Code
		}
		stale = append(stale, entry)
	}
	return stale, nil
}
