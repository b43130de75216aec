package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/apiserver/middleware"
	"github.com/stateline/stateline/pkg/guard"
	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store/postgres"
)

// PipelineHandler owns the definition surface: pipelines, their states,
// transitions and actions.
type PipelineHandler struct {
	db     *postgres.Store
	logger *zap.Logger
}

func NewPipelineHandler(db *postgres.Store, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{db: db, logger: logger}
}

func (h *PipelineHandler) repo() *postgres.DefinitionRepository {
	return postgres.NewDefinitionRepository(h.db.DB())
}

type pipelineCreateRequest struct {
	Code        string            `json:"code" binding:"required"`
	EntityType  string            `json:"entity_type" binding:"required"`
	Description string            `json:"description"`
	Eligibility *guard.Expression `json:"eligibility"`
	Tags        []string          `json:"tags"`
	Active      bool              `json:"active"`
}

type pipelineUpdateRequest struct {
	Description string            `json:"description"`
	Eligibility *guard.Expression `json:"eligibility"`
	Tags        []string          `json:"tags"`
	Version     int               `json:"version"`
}

type pipelineResponse struct {
	ID          string            `json:"id"`
	Code        string            `json:"code"`
	EntityType  string            `json:"entity_type"`
	Description string            `json:"description,omitempty"`
	Version     int               `json:"version"`
	Active      bool              `json:"active"`
	Eligibility *guard.Expression `json:"eligibility,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

type pipelineDetailResponse struct {
	pipelineResponse
	States      []stateResponse      `json:"states"`
	Transitions []transitionResponse `json:"transitions"`
}

type stateResponse struct {
	ID        string      `json:"id"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Kind      string      `json:"kind"`
	Color     string      `json:"color,omitempty"`
	Icon      string      `json:"icon,omitempty"`
	SortOrder int         `json:"sort_order"`
	Metadata  model.JSONB `json:"metadata,omitempty"`
}

type transitionResponse struct {
	ID                   string            `json:"id"`
	Code                 string            `json:"code"`
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	FromStateID          string            `json:"from_state_id"`
	ToStateID            string            `json:"to_state_id"`
	RequiredPermission   string            `json:"required_permission,omitempty"`
	Guards               *guard.Expression `json:"guards,omitempty"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	RequiresComment      bool              `json:"requires_comment"`
	RequiresApproval     bool              `json:"requires_approval"`
	SortOrder            int               `json:"sort_order"`
	Active               bool              `json:"active"`
	Actions              []actionResponse  `json:"actions,omitempty"`
}

type actionResponse struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	ExecOrder int         `json:"exec_order"`
	Config    model.JSONB `json:"config"`
	Async     bool        `json:"async"`
	OnFailure string      `json:"on_failure"`
	Active    bool        `json:"active"`
}

func (h *PipelineHandler) Create(c *gin.Context) {
	var req pipelineCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	pipeline := &model.Pipeline{
		Code:        req.Code,
		EntityType:  req.EntityType,
		Description: req.Description,
		Version:     1,
		Active:      req.Active,
		Eligibility: req.Eligibility,
		Tags:        pq.StringArray(req.Tags),
		CreatedBy:   c.GetString(middleware.ActorKey),
	}

	if err := h.repo().CreatePipeline(c.Request.Context(), pipeline); err != nil {
		respondWriteError(c, err, "pipeline")
		return
	}

	c.JSON(http.StatusCreated, mapPipeline(pipeline))
}

func (h *PipelineHandler) List(c *gin.Context) {
	entityType := strings.TrimSpace(c.Query("entity_type"))
	limit := parseLimit(c.Query("limit"), 20)
	offset := parseOffset(c.Query("offset"))

	pipelines, total, err := h.repo().ListPipelines(c.Request.Context(), entityType, limit, offset)
	if err != nil {
		respondStoreError(c, h.logger, err, "list pipelines")
		return
	}

	response := make([]pipelineResponse, 0, len(pipelines))
	for i := range pipelines {
		response = append(response, mapPipeline(&pipelines[i]))
	}

	c.JSON(http.StatusOK, gin.H{"pipelines": response, "total": total})
}

func (h *PipelineHandler) Get(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	pipeline, err := h.repo().GetPipeline(c.Request.Context(), pipelineID)
	if err != nil {
		respondStoreError(c, h.logger, err, "get pipeline")
		return
	}

	detail := pipelineDetailResponse{pipelineResponse: mapPipeline(pipeline)}
	for _, state := range pipeline.States {
		detail.States = append(detail.States, mapState(&state))
	}
	for i := range pipeline.Transitions {
		detail.Transitions = append(detail.Transitions, mapTransition(&pipeline.Transitions[i]))
	}

	c.JSON(http.StatusOK, detail)
}

func (h *PipelineHandler) Update(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	var req pipelineUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	pipeline := &model.Pipeline{
		ID:          pipelineID,
		Description: req.Description,
		Eligibility: req.Eligibility,
		Tags:        pq.StringArray(req.Tags),
		Version:     req.Version,
	}
	if err := h.repo().UpdatePipeline(c.Request.Context(), pipeline); err != nil {
		respondWriteError(c, err, "pipeline")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *PipelineHandler) Activate(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	if err := h.repo().ActivatePipeline(c.Request.Context(), pipelineID); err != nil {
		respondWriteError(c, err, "pipeline")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (h *PipelineHandler) Deactivate(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	if err := h.repo().DeactivatePipeline(c.Request.Context(), pipelineID); err != nil {
		respondStoreError(c, h.logger, err, "deactivate pipeline")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "inactive"})
}

type stateCreateRequest struct {
	Code      string      `json:"code" binding:"required"`
	Name      string      `json:"name" binding:"required"`
	Kind      string      `json:"kind" binding:"required"`
	Color     string      `json:"color"`
	Icon      string      `json:"icon"`
	SortOrder int         `json:"sort_order"`
	Metadata  model.JSONB `json:"metadata"`
}

func (h *PipelineHandler) CreateState(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	var req stateCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	state := &model.State{
		PipelineID: pipelineID,
		Code:       req.Code,
		Name:       req.Name,
		Kind:       model.StateKind(req.Kind),
		Color:      req.Color,
		Icon:       req.Icon,
		SortOrder:  req.SortOrder,
		Metadata:   req.Metadata,
	}
	if err := h.repo().CreateState(c.Request.Context(), state); err != nil {
		respondWriteError(c, err, "state")
		return
	}

	c.JSON(http.StatusCreated, mapState(state))
}

type stateUpdateRequest struct {
	Name      string      `json:"name"`
	Color     string      `json:"color"`
	Icon      string      `json:"icon"`
	SortOrder int         `json:"sort_order"`
	Metadata  model.JSONB `json:"metadata"`
}

func (h *PipelineHandler) UpdateState(c *gin.Context) {
	stateID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state id"})
		return
	}

	var req stateUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	state := &model.State{
		ID:        stateID,
		Name:      req.Name,
		Color:     req.Color,
		Icon:      req.Icon,
		SortOrder: req.SortOrder,
		Metadata:  req.Metadata,
	}
	if err := h.repo().UpdateState(c.Request.Context(), state); err != nil {
		respondWriteError(c, err, "state")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *PipelineHandler) DeleteState(c *gin.Context) {
	stateID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state id"})
		return
	}

	if err := h.repo().DeleteState(c.Request.Context(), stateID); err != nil {
		respondStoreError(c, h.logger, err, "delete state")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type transitionCreateRequest struct {
	Code                 string            `json:"code" binding:"required"`
	Name                 string            `json:"name" binding:"required"`
	Description          string            `json:"description"`
	FromStateID          string            `json:"from_state_id" binding:"required"`
	ToStateID            string            `json:"to_state_id" binding:"required"`
	RequiredPermission   string            `json:"required_permission"`
	Guards               *guard.Expression `json:"guards"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	RequiresComment      bool              `json:"requires_comment"`
	RequiresApproval     bool              `json:"requires_approval"`
	SortOrder            int               `json:"sort_order"`
}

func (h *PipelineHandler) CreateTransition(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	var req transitionCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	fromStateID, err := uuid.Parse(req.FromStateID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from_state_id"})
		return
	}
	toStateID, err := uuid.Parse(req.ToStateID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to_state_id"})
		return
	}

	transition := &model.Transition{
		PipelineID:           pipelineID,
		Code:                 req.Code,
		Name:                 req.Name,
		Description:          req.Description,
		FromStateID:          fromStateID,
		ToStateID:            toStateID,
		RequiredPermission:   req.RequiredPermission,
		Guards:               req.Guards,
		RequiresConfirmation: req.RequiresConfirmation,
		RequiresComment:      req.RequiresComment,
		RequiresApproval:     req.RequiresApproval,
		SortOrder:            req.SortOrder,
		Active:               true,
	}
	if err := h.repo().CreateTransition(c.Request.Context(), transition); err != nil {
		respondWriteError(c, err, "transition")
		return
	}

	c.JSON(http.StatusCreated, mapTransition(transition))
}

type transitionUpdateRequest struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	RequiredPermission   string            `json:"required_permission"`
	Guards               *guard.Expression `json:"guards"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	RequiresComment      bool              `json:"requires_comment"`
	RequiresApproval     bool              `json:"requires_approval"`
	SortOrder            int               `json:"sort_order"`
	Active               bool              `json:"active"`
}

func (h *PipelineHandler) UpdateTransition(c *gin.Context) {
	transitionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transition id"})
		return
	}

	var req transitionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	transition := &model.Transition{
		ID:                   transitionID,
		Name:                 req.Name,
		Description:          req.Description,
		RequiredPermission:   req.RequiredPermission,
		Guards:               req.Guards,
		RequiresConfirmation: req.RequiresConfirmation,
		RequiresComment:      req.RequiresComment,
		RequiresApproval:     req.RequiresApproval,
		SortOrder:            req.SortOrder,
		Active:               req.Active,
	}
	if err := h.repo().UpdateTransition(c.Request.Context(), transition); err != nil {
		respondWriteError(c, err, "transition")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *PipelineHandler) DeleteTransition(c *gin.Context) {
	transitionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transition id"})
		return
	}

	if err := h.repo().DeleteTransition(c.Request.Context(), transitionID); err != nil {
		respondStoreError(c, h.logger, err, "delete transition")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type actionCreateRequest struct {
	Kind      string      `json:"kind" binding:"required"`
	ExecOrder int         `json:"exec_order" binding:"required"`
	Config    model.JSONB `json:"config"`
	Async     bool        `json:"async"`
	OnFailure string      `json:"on_failure"`
}

func (h *PipelineHandler) CreateAction(c *gin.Context) {
	transitionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transition id"})
		return
	}

	var req actionCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	action := &model.TransitionAction{
		TransitionID: transitionID,
		Kind:         model.ActionKind(req.Kind),
		ExecOrder:    req.ExecOrder,
		Config:       req.Config,
		Async:        req.Async,
		OnFailure:    model.FailurePolicy(req.OnFailure),
		Active:       true,
	}
	if err := h.repo().CreateAction(c.Request.Context(), action); err != nil {
		respondWriteError(c, err, "action")
		return
	}

	c.JSON(http.StatusCreated, mapAction(action))
}

type actionUpdateRequest struct {
	ExecOrder int         `json:"exec_order"`
	Config    model.JSONB `json:"config"`
	Async     bool        `json:"async"`
	OnFailure string      `json:"on_failure"`
	Active    bool        `json:"active"`
}

func (h *PipelineHandler) UpdateAction(c *gin.Context) {
	actionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
		return
	}

	var req actionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	action := &model.TransitionAction{
		ID:        actionID,
		ExecOrder: req.ExecOrder,
		Config:    req.Config,
		Async:     req.Async,
		OnFailure: model.FailurePolicy(req.OnFailure),
		Active:    req.Active,
	}
	if err := h.repo().UpdateAction(c.Request.Context(), action); err != nil {
		respondWriteError(c, err, "action")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *PipelineHandler) DeleteAction(c *gin.Context) {
	actionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
		return
	}

	if err := h.repo().DeleteAction(c.Request.Context(), actionID); err != nil {
		respondStoreError(c, h.logger, err, "delete action")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func mapPipeline(pipeline *model.Pipeline) pipelineResponse {
	return pipelineResponse{
		ID:          pipeline.ID.String(),
		Code:        pipeline.Code,
		EntityType:  pipeline.EntityType,
		Description: pipeline.Description,
		Version:     pipeline.Version,
		Active:      pipeline.Active,
		Eligibility: pipeline.Eligibility,
		Tags:        []string(pipeline.Tags),
		CreatedBy:   pipeline.CreatedBy,
		CreatedAt:   pipeline.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
}

func mapState(state *model.State) stateResponse {
	return stateResponse{
		ID:        state.ID.String(),
		Code:      state.Code,
		Name:      state.Name,
		Kind:      string(state.Kind),
		Color:     state.Color,
		Icon:      state.Icon,
		SortOrder: state.SortOrder,
		Metadata:  state.Metadata,
	}
}

func mapTransition(transition *model.Transition) transitionResponse {
	response := transitionResponse{
		ID:                   transition.ID.String(),
		Code:                 transition.Code,
		Name:                 transition.Name,
		Description:          transition.Description,
		FromStateID:          transition.FromStateID.String(),
		ToStateID:            transition.ToStateID.String(),
		RequiredPermission:   transition.RequiredPermission,
		Guards:               transition.Guards,
		RequiresConfirmation: transition.RequiresConfirmation,
		RequiresComment:      transition.RequiresComment,
		RequiresApproval:     transition.RequiresApproval,
		SortOrder:            transition.SortOrder,
		Active:               transition.Active,
	}
	for i := range transition.Actions {
		response.Actions = append(response.Actions, mapAction(&transition.Actions[i]))
	}
	return response
}

func mapAction(action *model.TransitionAction) actionResponse {
	return actionResponse{
		ID:        action.ID.String(),
		Kind:      string(action.Kind),
		ExecOrder: action.ExecOrder,
		Config:    action.Config,
		Async:     action.Async,
		OnFailure: string(action.OnFailure),
		Active:    action.Active,
	}
}
