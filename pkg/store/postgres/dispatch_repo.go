package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stateline/stateline/pkg/model"
)

// DispatchRepository is the outbox for asynchronous transition actions.
type DispatchRepository struct {
	db *gorm.DB
}

func NewDispatchRepository(db *gorm.DB) *DispatchRepository {
	return &DispatchRepository{db: db}
}

func (r *DispatchRepository) Enqueue(ctx context.Context, dispatch *model.ActionDispatch) error {
	return r.db.WithContext(ctx).Create(dispatch).Error
}

func (r *DispatchRepository) ListPending(ctx context.Context, limit int) ([]model.ActionDispatch, error) {
	if limit <= 0 {
		limit = 100
	}
	var dispatches []model.ActionDispatch
	err := r.db.WithContext(ctx).
		Where("status = ?", model.DispatchStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&dispatches).Error
	return dispatches, err
}

func (r *DispatchRepository) MarkPublished(ctx context.Context, dispatchID uuid.UUID, publishedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.ActionDispatch{}).
		Where("id = ?", dispatchID).
		Updates(map[string]interface{}{
			"status":       model.DispatchStatusPublished,
			"published_at": publishedAt,
		}).Error
}

func (r *DispatchRepository) MarkFailed(ctx context.Context, dispatchID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&model.ActionDispatch{}).
		Where("id = ?", dispatchID).
		Update("status", model.DispatchStatusFailed).Error
}
