package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/guard"
	"github.com/stateline/stateline/pkg/metrics"
	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

// Executor is the transition state machine. It validates a requested
// transition, checks permissions and guard conditions, runs the transition's
// actions in order under their failure policies, and atomically advances the
// entity state while appending an audit entry.
//
// Executors hold no per-entity state; concurrency control lives entirely in
// the EntityStates compare-and-advance primitive.
type Executor struct {
	definitions Definitions
	entities    EntityStates
	authorizer  Authorizer
	snapshots   SnapshotProvider
	runner      ActionRunner
	events      Events
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Executor)

// WithEvents attaches an after-commit event sink.
func WithEvents(events Events) Option {
	return func(x *Executor) { x.events = events }
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

func NewExecutor(
	definitions Definitions,
	entities EntityStates,
	authorizer Authorizer,
	snapshots SnapshotProvider,
	runner ActionRunner,
	logger *zap.Logger,
	opts ...Option,
) *Executor {
	x := &Executor{
		definitions: definitions,
		entities:    entities,
		authorizer:  authorizer,
		snapshots:   snapshots,
		runner:      runner,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// ExecuteRequest identifies one transition execution. Confirmed mirrors the
// caller's UI confirmation; the engine records it but does not enforce it.
type ExecuteRequest struct {
	EntityType   string
	EntityID     string
	TransitionID uuid.UUID
	Comment      string
	Metadata     model.JSONB
	Confirmed    bool
}

// ExecuteTransition runs the full execution state machine:
// Validating → Authorizing → GuardChecking → ExecutingActions → Committing.
//
// Pre-commit failures return a typed error and mutate nothing. An approval
// requirement short-circuits to a StatusApprovalRequired result, also without
// mutation. Action failures under continue/log_and_continue surface as data
// in the result rather than as errors.
func (x *Executor) ExecuteTransition(ctx context.Context, req ExecuteRequest, rc RequestContext) (*Result, error) {
	started := x.now()

	// Validating
	transition, err := x.definitions.GetTransition(ctx, req.TransitionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &UnknownTransitionError{TransitionID: req.TransitionID}
		}
		return nil, err
	}
	if !transition.Active {
		return nil, &UnknownTransitionError{TransitionID: req.TransitionID}
	}

	entityState, err := x.entities.Get(ctx, transition.PipelineID, req.EntityType, req.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotEnrolledError{
				PipelineID: transition.PipelineID,
				EntityType: req.EntityType,
				EntityID:   req.EntityID,
			}
		}
		return nil, err
	}
	if entityState.CurrentStateID != transition.FromStateID {
		return nil, &InvalidTransitionError{
			TransitionID:   transition.ID,
			FromStateID:    transition.FromStateID,
			CurrentStateID: entityState.CurrentStateID,
		}
	}

	// Authorizing
	if transition.RequiredPermission != "" {
		allowed, err := x.authorizer.HasPermission(ctx, rc.ActorID, transition.RequiredPermission)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, &PermissionDeniedError{ActorID: rc.ActorID, Permission: transition.RequiredPermission}
		}
	}

	// Input requirements. Confirmation is advisory: the flag drives the
	// caller's UI prompt and is never enforced here.
	if transition.RequiresComment && strings.TrimSpace(req.Comment) == "" {
		return nil, &CommentRequiredError{TransitionCode: transition.Code}
	}
	if transition.RequiresApproval {
		if x.events != nil {
			x.events.ApprovalRequested(ctx, transition, entityState, rc)
		}
		metrics.TransitionsTotal.WithLabelValues(
			transition.PipelineID.String(), transition.Code, string(StatusApprovalRequired)).Inc()
		return &Result{Status: StatusApprovalRequired, EntityState: entityState}, nil
	}

	// GuardChecking
	snapshot, err := x.snapshots.Snapshot(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if pass, failed := guard.Evaluate(transition.Guards, snapshot); !pass {
		return nil, &GuardConditionError{Failed: failed}
	}

	// ExecutingActions
	actions, err := x.definitions.ListActiveActions(ctx, transition.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].ExecOrder < actions[j].ExecOrder
	})

	outcome, abortErr := x.runActions(ctx, transition, actions, req, snapshot, rc)
	if abortErr != nil {
		metrics.TransitionsTotal.WithLabelValues(
			transition.PipelineID.String(), transition.Code, "aborted").Inc()
		return nil, abortErr
	}

	// Committing
	now := x.now()
	entry := &model.StateLog{
		EntityStateID: entityState.ID,
		PipelineID:    transition.PipelineID,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		FromStateID:   &transition.FromStateID,
		ToStateID:     transition.ToStateID,
		TransitionID:  &transition.ID,
		PerformedBy:   rc.ActorID,
		Comment:       req.Comment,
		Metadata:      mergeMetadata(req.Metadata, outcome.logNotes),
		IPAddress:     rc.IPAddress,
		UserAgent:     rc.UserAgent,
		CreatedAt:     now,
	}

	updated, err := x.entities.Commit(ctx, CommitRequest{
		EntityStateID:       entityState.ID,
		ExpectedFromStateID: transition.FromStateID,
		ToStateID:           transition.ToStateID,
		Now:                 now,
		Log:                 entry,
		Dispatches:          outcome.dispatches,
	})
	if err != nil {
		return nil, err
	}

	status := StatusCompleted
	if outcome.failures > 0 {
		status = StatusPartiallyCompleted
	}

	if x.events != nil {
		x.events.TransitionCommitted(ctx, updated, entry)
	}
	metrics.TransitionsTotal.WithLabelValues(
		transition.PipelineID.String(), transition.Code, string(status)).Inc()
	metrics.TransitionDuration.WithLabelValues(transition.PipelineID.String()).
		Observe(x.now().Sub(started).Seconds())

	x.logger.Info("transition committed",
		zap.String("pipeline_id", transition.PipelineID.String()),
		zap.String("transition", transition.Code),
		zap.String("entity_type", req.EntityType),
		zap.String("entity_id", req.EntityID),
		zap.String("actor", rc.ActorID),
		zap.String("status", string(status)),
	)

	return &Result{Status: status, EntityState: updated, Reports: outcome.reports}, nil
}

type actionOutcome struct {
	reports    []ActionReport
	dispatches []*model.ActionDispatch
	logNotes   []model.JSONB
	failures   int
}

// runActions executes the ordered action list. Async actions become outbox
// dispatch rows persisted with the commit, so an abort by a later action
// discards them along with the state mutation. Sync actions run in order with
// no cross-action parallelism.
func (x *Executor) runActions(
	ctx context.Context,
	transition *model.Transition,
	actions []model.TransitionAction,
	req ExecuteRequest,
	snapshot map[string]interface{},
	rc RequestContext,
) (actionOutcome, error) {
	var out actionOutcome

	for _, action := range actions {
		report := ActionReport{
			ActionID: action.ID,
			Kind:     action.Kind,
			Order:    action.ExecOrder,
			Async:    action.Async,
			Success:  true,
		}

		if action.Async {
			// Hand-off is the success; the eventual outcome is not awaited.
			out.dispatches = append(out.dispatches, &model.ActionDispatch{
				TransitionID: transition.ID,
				ActionID:     action.ID,
				PipelineID:   transition.PipelineID,
				EntityType:   req.EntityType,
				EntityID:     req.EntityID,
				Kind:         action.Kind,
				Config:       action.Config,
				Snapshot:     model.JSONB(snapshot),
				Status:       model.DispatchStatusPending,
			})
			out.reports = append(out.reports, report)
			continue
		}

		err := x.runner.Run(ctx, ActionRequest{
			Action:     action,
			PipelineID: transition.PipelineID,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Snapshot:   snapshot,
			Context:    rc,
		})
		if err == nil {
			out.reports = append(out.reports, report)
			continue
		}

		metrics.ActionFailuresTotal.WithLabelValues(string(action.Kind), string(action.OnFailure)).Inc()
		report.Success = false
		report.Error = err.Error()
		out.reports = append(out.reports, report)

		switch action.OnFailure {
		case model.FailureContinue:
			out.failures++
		case model.FailureLogAndContinue:
			out.failures++
			out.logNotes = append(out.logNotes, model.JSONB{
				"action_id": action.ID.String(),
				"kind":      string(action.Kind),
				"order":     action.ExecOrder,
				"error":     err.Error(),
			})
		default: // abort
			x.logger.Warn("transition aborted by failing action",
				zap.String("transition", transition.Code),
				zap.String("kind", string(action.Kind)),
				zap.Int("order", action.ExecOrder),
				zap.Error(err),
			)
			return actionOutcome{}, &TransitionAbortedError{Action: action, Cause: err}
		}
	}

	return out, nil
}

func mergeMetadata(metadata model.JSONB, notes []model.JSONB) model.JSONB {
	merged := model.JSONB{}
	for k, v := range metadata {
		merged[k] = v
	}
	if len(notes) > 0 {
		failures := make([]interface{}, 0, len(notes))
		for _, note := range notes {
			failures = append(failures, map[string]interface{}(note))
		}
		merged["action_failures"] = failures
	}
	return merged
}
