package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

// AuditHandler reads the append-only state log through whichever backend the
// server was configured with.
type AuditHandler struct {
	audit  store.AuditStore
	logger *zap.Logger
}

func NewAuditHandler(audit store.AuditStore, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

type auditEntryResponse struct {
	ID           string      `json:"id"`
	PipelineID   string      `json:"pipeline_id"`
	EntityType   string      `json:"entity_type"`
	EntityID     string      `json:"entity_id"`
	FromStateID  *string     `json:"from_state_id,omitempty"`
	ToStateID    string      `json:"to_state_id"`
	TransitionID *string     `json:"transition_id,omitempty"`
	PerformedBy  string      `json:"performed_by"`
	Comment      string      `json:"comment,omitempty"`
	Metadata     model.JSONB `json:"metadata,omitempty"`
	IPAddress    string      `json:"ip_address,omitempty"`
	UserAgent    string      `json:"user_agent,omitempty"`
	CreatedAt    string      `json:"created_at"`
}

func (h *AuditHandler) Query(c *gin.Context) {
	query := store.AuditQuery{
		PipelineID:  strings.TrimSpace(c.Query("pipeline_id")),
		EntityType:  strings.TrimSpace(c.Query("entity_type")),
		EntityID:    strings.TrimSpace(c.Query("entity_id")),
		PerformedBy: strings.TrimSpace(c.Query("performed_by")),
		Search:      strings.TrimSpace(c.Query("search")),
		Limit:       parseLimit(c.Query("limit"), 50),
		Offset:      parseOffset(c.Query("offset")),
	}

	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		query.From = &parsed
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		query.To = &parsed
	}

	entries, total, err := h.audit.Query(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit log"})
		return
	}

	response := make([]auditEntryResponse, 0, len(entries))
	for i := range entries {
		response = append(response, mapAuditEntry(&entries[i]))
	}

	c.JSON(http.StatusOK, gin.H{"entries": response, "total": total})
}

func mapAuditEntry(entry *model.StateLog) auditEntryResponse {
	response := auditEntryResponse{
		ID:          entry.ID.String(),
		PipelineID:  entry.PipelineID.String(),
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		ToStateID:   entry.ToStateID.String(),
		PerformedBy: entry.PerformedBy,
		Comment:     entry.Comment,
		Metadata:    entry.Metadata,
		IPAddress:   entry.IPAddress,
		UserAgent:   entry.UserAgent,
		CreatedAt:   entry.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
	if entry.FromStateID != nil {
		from := entry.FromStateID.String()
		response.FromStateID = &from
	}
	if entry.TransitionID != nil {
		transition := entry.TransitionID.String()
		response.TransitionID = &transition
	}
	return response
}
