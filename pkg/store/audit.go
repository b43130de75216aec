package store

import (
	"context"
	"time"

	"github.com/stateline/stateline/pkg/model"
)

// AuditQuery filters the append-only state log read path.
type AuditQuery struct {
	PipelineID  string
	EntityType  string
	EntityID    string
	PerformedBy string
	Search      string // free-text match against the comment
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// AuditStore is the append-only audit trail backend (PostgreSQL or
// ClickHouse). Entries are never updated or deleted.
type AuditStore interface {
	Append(ctx context.Context, entry *model.StateLog) error
	Query(ctx context.Context, query AuditQuery) ([]model.StateLog, int64, error)
	Close() error
}
