package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

// AuditStore is the ClickHouse audit-trail backend. State log entries are
// mirrored here after commit; the table is append-only and never mutated.
type AuditStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewAuditStore(addr string, database string, username string, password string, logger *zap.Logger) (*AuditStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &AuditStore{conn: conn, logger: logger}, nil
}

func (s *AuditStore) Append(ctx context.Context, entry *model.StateLog) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}

	var fromState uuid.UUID
	if entry.FromStateID != nil {
		fromState = *entry.FromStateID
	}
	var transition uuid.UUID
	if entry.TransitionID != nil {
		transition = *entry.TransitionID
	}

	return s.conn.Exec(ctx, `
		INSERT INTO state_logs
			(id, entity_state_id, pipeline_id, entity_type, entity_id,
			 from_state_id, to_state_id, transition_id, performed_by,
			 comment, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityStateID, entry.PipelineID, entry.EntityType, entry.EntityID,
		fromState, entry.ToStateID, transition, entry.PerformedBy,
		entry.Comment, string(metadata), entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	)
}

func (s *AuditStore) Query(ctx context.Context, query store.AuditQuery) ([]model.StateLog, int64, error) {
	where := " WHERE 1 = 1"
	var args []interface{}

	if query.PipelineID != "" {
		pipelineUUID, err := uuid.Parse(query.PipelineID)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid pipeline id: %w", err)
		}
		where += " AND pipeline_id = ?"
		args = append(args, pipelineUUID)
	}
	if query.EntityType != "" {
		where += " AND entity_type = ?"
		args = append(args, query.EntityType)
	}
	if query.EntityID != "" {
		where += " AND entity_id = ?"
		args = append(args, query.EntityID)
	}
	if query.PerformedBy != "" {
		where += " AND performed_by = ?"
		args = append(args, query.PerformedBy)
	}
	if query.Search != "" {
		where += " AND comment ILIKE ?"
		args = append(args, "%"+query.Search+"%")
	}
	if query.From != nil {
		where += " AND created_at >= ?"
		args = append(args, *query.From)
	}
	if query.To != nil {
		where += " AND created_at <= ?"
		args = append(args, *query.To)
	}

	var total uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM state_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	queryText := `SELECT id, entity_state_id, pipeline_id, entity_type, entity_id,
		from_state_id, to_state_id, transition_id, performed_by,
		comment, metadata, ip_address, user_agent, created_at
		FROM state_logs` + where + " ORDER BY created_at DESC"

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	queryText += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, query.Offset)

	rows, err := s.conn.Query(ctx, queryText, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []model.StateLog
	for rows.Next() {
		var entry model.StateLog
		var fromState, transition uuid.UUID
		var metadata string
		if err := rows.Scan(
			&entry.ID, &entry.EntityStateID, &entry.PipelineID, &entry.EntityType, &entry.EntityID,
			&fromState, &entry.ToStateID, &transition, &entry.PerformedBy,
			&entry.Comment, &metadata, &entry.IPAddress, &entry.UserAgent, &entry.CreatedAt,
		); err != nil {
			return nil, 0, err
		}
		if fromState != uuid.Nil {
			entry.FromStateID = &fromState
		}
		if transition != uuid.Nil {
			entry.TransitionID = &transition
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
				s.logger.Warn("failed to decode audit metadata", zap.Error(err))
			}
		}
		entries = append(entries, entry)
	}

	return entries, int64(total), nil
}

func (s *AuditStore) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the table if not exists.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS state_logs (
		id UUID,
		entity_state_id UUID,
		pipeline_id UUID,
		entity_type LowCardinality(String),
		entity_id String,
		from_state_id UUID,
		to_state_id UUID,
		transition_id UUID,
		performed_by String,
		comment String Codec(ZSTD),
		metadata String Codec(ZSTD),
		ip_address String,
		user_agent String,
		created_at DateTime DEFAULT now()
	)
	ENGINE = MergeTree()
	ORDER BY (pipeline_id, created_at)
	PARTITION BY toYYYYMM(created_at)
	`
	return s.conn.Exec(ctx, query)
}

var _ store.AuditStore = (*AuditStore)(nil)
