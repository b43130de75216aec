package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

// AuditRepository is the PostgreSQL audit trail backend. Transition commits
// write state_logs rows inside the commit transaction, so Append here only
// serves the initial-assignment and mirror paths; the table is append-only
// either way.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, entry *model.StateLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) Query(ctx context.Context, query store.AuditQuery) ([]model.StateLog, int64, error) {
	dbQuery := r.db.WithContext(ctx).Model(&model.StateLog{})

	if query.PipelineID != "" {
		dbQuery = dbQuery.Where("pipeline_id = ?", query.PipelineID)
	}
	if query.EntityType != "" {
		dbQuery = dbQuery.Where("entity_type = ?", query.EntityType)
	}
	if query.EntityID != "" {
		dbQuery = dbQuery.Where("entity_id = ?", query.EntityID)
	}
	if query.PerformedBy != "" {
		dbQuery = dbQuery.Where("performed_by = ?", query.PerformedBy)
	}
	if query.Search != "" {
		dbQuery = dbQuery.Where("comment ILIKE ?", "%"+query.Search+"%")
	}
	if query.From != nil {
		dbQuery = dbQuery.Where("created_at >= ?", *query.From)
	}
	if query.To != nil {
		dbQuery = dbQuery.Where("created_at <= ?", *query.To)
	}

	var total int64
	if err := dbQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []model.StateLog
	err := dbQuery.
		Order("created_at DESC").
		Limit(limit).
		Offset(query.Offset).
		Find(&entries).Error
	return entries, total, err
}

func (r *AuditRepository) Close() error {
	// The shared gorm pool is closed by the owning Store.
	return nil
}
