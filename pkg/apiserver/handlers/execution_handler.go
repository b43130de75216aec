package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/apiserver/middleware"
	"github.com/stateline/stateline/pkg/engine"
	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
	"github.com/stateline/stateline/pkg/store/postgres"
)

// ExecutionHandler is the runtime surface: executing transitions, enrolling
// entities, and reading current state.
type ExecutionHandler struct {
	db       *postgres.Store
	executor *engine.Executor
	logger   *zap.Logger
}

func NewExecutionHandler(db *postgres.Store, executor *engine.Executor, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{db: db, executor: executor, logger: logger}
}

func (h *ExecutionHandler) requestContext(c *gin.Context) engine.RequestContext {
	return engine.RequestContext{
		ActorID:   c.GetString(middleware.ActorKey),
		Timestamp: time.Now().UTC(),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

type transitionExecuteRequest struct {
	TransitionID string      `json:"transition_id" binding:"required"`
	Comment      string      `json:"comment"`
	Metadata     model.JSONB `json:"metadata"`
	Confirmed    bool        `json:"confirmed"`
}

func (h *ExecutionHandler) ExecuteTransition(c *gin.Context) {
	var req transitionExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	transitionID, err := uuid.Parse(req.TransitionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transition_id"})
		return
	}

	result, err := h.executor.ExecuteTransition(c.Request.Context(), engine.ExecuteRequest{
		EntityType:   c.Param("type"),
		EntityID:     c.Param("id"),
		TransitionID: transitionID,
		Comment:      req.Comment,
		Metadata:     req.Metadata,
		Confirmed:    req.Confirmed,
	}, h.requestContext(c))
	if err != nil {
		h.respondExecutionError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == engine.StatusApprovalRequired {
		status = http.StatusAccepted
	}
	c.JSON(status, mapResult(result))
}

func (h *ExecutionHandler) respondExecutionError(c *gin.Context, err error) {
	var unknown *engine.UnknownTransitionError
	var notEnrolled *engine.NotEnrolledError
	var invalid *engine.InvalidTransitionError
	var denied *engine.PermissionDeniedError
	var comment *engine.CommentRequiredError
	var guardErr *engine.GuardConditionError
	var aborted *engine.TransitionAbortedError

	switch {
	case errors.As(err, &unknown):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &notEnrolled):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &comment):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &guardErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":             "guard conditions failed",
			"failed_conditions": mapPredicates(guardErr),
		})
	case errors.As(err, &aborted):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "transition aborted",
			"action": gin.H{
				"id":    aborted.Action.ID.String(),
				"kind":  string(aborted.Action.Kind),
				"order": aborted.Action.ExecOrder,
			},
			"details": aborted.Cause.Error(),
		})
	case errors.Is(err, store.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "entity state changed concurrently, re-read and retry"})
	default:
		h.logger.Error("transition execution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to execute transition"})
	}
}

func mapPredicates(guardErr *engine.GuardConditionError) []gin.H {
	failed := make([]gin.H, 0, len(guardErr.Failed))
	for _, predicate := range guardErr.Failed {
		failed = append(failed, gin.H{
			"field":    predicate.Field,
			"operator": string(predicate.Operator),
			"value":    predicate.Value,
		})
	}
	return failed
}

type enrollRequest struct {
	Attributes map[string]interface{} `json:"attributes"`
}

// Enroll places the entity into the active pipeline for its type, writing the
// provided attributes as the entity's document first so eligibility evaluates
// against them.
func (h *ExecutionHandler) Enroll(c *gin.Context) {
	entityType := c.Param("type")
	entityID := c.Param("id")

	var req enrollRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
			return
		}
	}

	documents := postgres.NewDocumentRepository(h.db.DB())
	snapshot := req.Attributes
	if len(snapshot) > 0 {
		if err := documents.CreateRecord(c.Request.Context(), entityType, entityID, snapshot); err != nil {
			respondWriteError(c, err, "entity document")
			return
		}
	} else {
		var err error
		snapshot, err = documents.Snapshot(c.Request.Context(), entityType, entityID)
		if err != nil {
			respondStoreError(c, h.logger, err, "load entity snapshot")
			return
		}
	}

	state, err := h.executor.Enroll(c.Request.Context(), entityType, entityID, snapshot, h.requestContext(c))
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "entity already enrolled"})
			return
		}
		respondStoreError(c, h.logger, err, "enroll entity")
		return
	}
	if state == nil {
		c.JSON(http.StatusOK, gin.H{"enrolled": false})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"enrolled": true, "entity_state": mapEntityState(state)})
}

func (h *ExecutionHandler) GetEntityState(c *gin.Context) {
	repo := postgres.NewEntityStateRepository(h.db.DB())
	state, err := repo.GetByEntity(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		respondStoreError(c, h.logger, err, "get entity state")
		return
	}

	c.JSON(http.StatusOK, mapEntityState(state))
}

// ListStale reports entities whose time in their current state exceeds the
// threshold (default from configuration, override via ?threshold=72h).
func (h *ExecutionHandler) ListStale(defaultThreshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		pipelineID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
			return
		}

		threshold := defaultThreshold
		if raw := c.Query("threshold"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold"})
				return
			}
			threshold = parsed
		}

		repo := postgres.NewEntityStateRepository(h.db.DB())
		stale, err := repo.FindStale(c.Request.Context(), pipelineID, threshold)
		if err != nil {
			respondStoreError(c, h.logger, err, "list stale entities")
			return
		}

		response := make([]gin.H, 0, len(stale))
		for _, entry := range stale {
			response = append(response, gin.H{
				"entity_type":          entry.EntityState.EntityType,
				"entity_id":            entry.EntityState.EntityID,
				"state":                entry.StateCode,
				"last_transitioned_at": entry.EntityState.LastTransitionedAt.UTC().Format(timeRFC3339Nano),
				"elapsed_seconds":      int64(entry.Elapsed.Seconds()),
			})
		}

		c.JSON(http.StatusOK, gin.H{"stale": response, "threshold": threshold.String()})
	}
}

type entityStateResponse struct {
	ID                 string `json:"id"`
	PipelineID         string `json:"pipeline_id"`
	EntityType         string `json:"entity_type"`
	EntityID           string `json:"entity_id"`
	CurrentStateID     string `json:"current_state_id"`
	CurrentState       string `json:"current_state,omitempty"`
	LastTransitionedAt string `json:"last_transitioned_at"`
}

func mapEntityState(state *model.EntityState) entityStateResponse {
	response := entityStateResponse{
		ID:                 state.ID.String(),
		PipelineID:         state.PipelineID.String(),
		EntityType:         state.EntityType,
		EntityID:           state.EntityID,
		CurrentStateID:     state.CurrentStateID.String(),
		LastTransitionedAt: state.LastTransitionedAt.UTC().Format(timeRFC3339Nano),
	}
	if state.CurrentState != nil {
		response.CurrentState = state.CurrentState.Code
	}
	return response
}

type resultResponse struct {
	Status      string                `json:"status"`
	EntityState entityStateResponse   `json:"entity_state"`
	Actions     []engine.ActionReport `json:"actions,omitempty"`
}

func mapResult(result *engine.Result) resultResponse {
	return resultResponse{
		Status:      string(result.Status),
		EntityState: mapEntityState(result.EntityState),
		Actions:     result.Reports,
	}
}
