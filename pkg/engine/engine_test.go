package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/guard"
	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

type fakeDefinitions struct {
	transitions map[uuid.UUID]*model.Transition
	actions     map[uuid.UUID][]model.TransitionAction
	pipelines   map[string]*model.Pipeline
	initials    map[uuid.UUID]*model.State
}

func (f *fakeDefinitions) GetTransition(_ context.Context, id uuid.UUID) (*model.Transition, error) {
	transition, ok := f.transitions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *transition
	return &copied, nil
}

func (f *fakeDefinitions) ListActiveActions(_ context.Context, id uuid.UUID) ([]model.TransitionAction, error) {
	var active []model.TransitionAction
	for _, action := range f.actions[id] {
		if action.Active {
			active = append(active, action)
		}
	}
	return active, nil
}

func (f *fakeDefinitions) FindActivePipeline(_ context.Context, entityType string) (*model.Pipeline, error) {
	return f.pipelines[entityType], nil
}

func (f *fakeDefinitions) FindInitialState(_ context.Context, pipelineID uuid.UUID) (*model.State, error) {
	initial, ok := f.initials[pipelineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return initial, nil
}

type fakeEntityStates struct {
	states     map[uuid.UUID]*model.EntityState
	logs       []*model.StateLog
	dispatches []*model.ActionDispatch
	commitErr  error
}

func (f *fakeEntityStates) key(pipelineID uuid.UUID, entityType, entityID string) *model.EntityState {
	for _, state := range f.states {
		if state.PipelineID == pipelineID && state.EntityType == entityType && state.EntityID == entityID {
			return state
		}
	}
	return nil
}

func (f *fakeEntityStates) Get(_ context.Context, pipelineID uuid.UUID, entityType, entityID string) (*model.EntityState, error) {
	state := f.key(pipelineID, entityType, entityID)
	if state == nil {
		return nil, store.ErrNotFound
	}
	copied := *state
	return &copied, nil
}

func (f *fakeEntityStates) CreateInitialAssignment(_ context.Context, state *model.EntityState, entry *model.StateLog) error {
	state.ID = uuid.New()
	entry.EntityStateID = state.ID
	f.states[state.ID] = state
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeEntityStates) Commit(_ context.Context, req CommitRequest) (*model.EntityState, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	state, ok := f.states[req.EntityStateID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if state.CurrentStateID != req.ExpectedFromStateID {
		return nil, store.ErrConcurrentModification
	}
	state.CurrentStateID = req.ToStateID
	state.LastTransitionedAt = req.Now
	f.logs = append(f.logs, req.Log)
	f.dispatches = append(f.dispatches, req.Dispatches...)
	copied := *state
	return &copied, nil
}

type fakeAuthorizer struct {
	grants map[string][]string
}

func (f *fakeAuthorizer) HasPermission(_ context.Context, actorID, permission string) (bool, error) {
	for _, granted := range f.grants[actorID] {
		if granted == permission {
			return true, nil
		}
	}
	return false, nil
}

type fakeSnapshots struct {
	attrs map[string]map[string]interface{}
}

func (f *fakeSnapshots) Snapshot(_ context.Context, entityType, entityID string) (map[string]interface{}, error) {
	return f.attrs[entityType+"/"+entityID], nil
}

type recordingRunner struct {
	invoked []uuid.UUID
	fail    map[uuid.UUID]error
}

func (r *recordingRunner) Run(_ context.Context, req ActionRequest) error {
	r.invoked = append(r.invoked, req.Action.ID)
	return r.fail[req.Action.ID]
}

type fixture struct {
	executor    *Executor
	definitions *fakeDefinitions
	entities    *fakeEntityStates
	runner      *recordingRunner
	snapshots   *fakeSnapshots
	authorizer  *fakeAuthorizer

	pipeline   *model.Pipeline
	draft      *model.State
	review     *model.State
	transition *model.Transition
	entity     *model.EntityState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pipeline := &model.Pipeline{
		ID:         uuid.New(),
		Code:       "asset-lifecycle",
		EntityType: "asset",
		Active:     true,
		Eligibility: &guard.Expression{
			Field: "status", Operator: guard.OpEquals, Operand: "draft",
		},
	}
	draft := &model.State{ID: uuid.New(), PipelineID: pipeline.ID, Code: "draft", Kind: model.StateInitial}
	review := &model.State{ID: uuid.New(), PipelineID: pipeline.ID, Code: "review", Kind: model.StateIntermediate}
	transition := &model.Transition{
		ID:          uuid.New(),
		PipelineID:  pipeline.ID,
		Code:        "submit",
		Name:        "Submit",
		FromStateID: draft.ID,
		ToStateID:   review.ID,
		Active:      true,
	}
	entity := &model.EntityState{
		ID:                 uuid.New(),
		PipelineID:         pipeline.ID,
		EntityType:         "asset",
		EntityID:           "42",
		CurrentStateID:     draft.ID,
		LastTransitionedAt: time.Now().Add(-time.Hour),
	}

	definitions := &fakeDefinitions{
		transitions: map[uuid.UUID]*model.Transition{transition.ID: transition},
		actions:     map[uuid.UUID][]model.TransitionAction{},
		pipelines:   map[string]*model.Pipeline{"asset": pipeline},
		initials:    map[uuid.UUID]*model.State{pipeline.ID: draft},
	}
	entities := &fakeEntityStates{states: map[uuid.UUID]*model.EntityState{entity.ID: entity}}
	runner := &recordingRunner{fail: map[uuid.UUID]error{}}
	snapshots := &fakeSnapshots{attrs: map[string]map[string]interface{}{
		"asset/42": {"status": "draft", "value": float64(100)},
	}}
	authorizer := &fakeAuthorizer{grants: map[string][]string{}}

	executor := NewExecutor(definitions, entities, authorizer, snapshots, runner, zap.NewNop())

	return &fixture{
		executor:    executor,
		definitions: definitions,
		entities:    entities,
		runner:      runner,
		snapshots:   snapshots,
		authorizer:  authorizer,
		pipeline:    pipeline,
		draft:       draft,
		review:      review,
		transition:  transition,
		entity:      entity,
	}
}

func (f *fixture) execute(t *testing.T) (*Result, error) {
	t.Helper()
	return f.executor.ExecuteTransition(context.Background(), ExecuteRequest{
		EntityType:   "asset",
		EntityID:     "42",
		TransitionID: f.transition.ID,
		Comment:      "moving along",
	}, RequestContext{ActorID: "alice", IPAddress: "10.0.0.1", UserAgent: "cli"})
}

func (f *fixture) addAction(order int, kind model.ActionKind, policy model.FailurePolicy, async bool) model.TransitionAction {
	action := model.TransitionAction{
		ID:           uuid.New(),
		TransitionID: f.transition.ID,
		Kind:         kind,
		ExecOrder:    order,
		OnFailure:    policy,
		Async:        async,
		Active:       true,
		Config:       model.JSONB{},
	}
	f.definitions.actions[f.transition.ID] = append(f.definitions.actions[f.transition.ID], action)
	return action
}

func TestExecuteTransitionHappyPath(t *testing.T) {
	f := newFixture(t)

	result, err := f.execute(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.EntityState.CurrentStateID != f.review.ID {
		t.Fatal("entity did not advance to review")
	}
	if len(f.entities.logs) != 1 {
		t.Fatalf("expected exactly one state log entry, got %d", len(f.entities.logs))
	}

	entry := f.entities.logs[0]
	if entry.FromStateID == nil || *entry.FromStateID != f.draft.ID {
		t.Fatal("log entry has wrong from-state")
	}
	if entry.ToStateID != f.review.ID || entry.PerformedBy != "alice" {
		t.Fatal("log entry has wrong to-state or performer")
	}
	if entry.IPAddress != "10.0.0.1" || entry.UserAgent != "cli" {
		t.Fatal("request context was not persisted verbatim")
	}
}

func TestExecuteTransitionUnknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.ExecuteTransition(context.Background(), ExecuteRequest{
		EntityType: "asset", EntityID: "42", TransitionID: uuid.New(),
	}, RequestContext{ActorID: "alice"})

	var unknown *UnknownTransitionError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTransitionError, got %v", err)
	}
}

func TestExecuteTransitionInactiveIsUnknown(t *testing.T) {
	f := newFixture(t)
	f.transition.Active = false

	_, err := f.execute(t)
	var unknown *UnknownTransitionError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTransitionError, got %v", err)
	}
}

func TestExecuteTransitionStateMismatch(t *testing.T) {
	f := newFixture(t)
	f.entity.CurrentStateID = f.review.ID

	_, err := f.execute(t)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if len(f.entities.logs) != 0 {
		t.Fatal("validation failure must not write log entries")
	}
}

// Re-invoking a committed transition fails at validation: the from-state no
// longer matches, so the operation succeeds at most once.
func TestExecuteTransitionNotIdempotent(t *testing.T) {
	f := newFixture(t)

	if _, err := f.execute(t); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	_, err := f.execute(t)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError on second call, got %v", err)
	}
	if len(f.entities.logs) != 1 {
		t.Fatalf("expected one log entry, got %d", len(f.entities.logs))
	}
}

func TestExecuteTransitionPermission(t *testing.T) {
	f := newFixture(t)
	f.transition.RequiredPermission = "asset.submit"

	_, err := f.execute(t)
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}
	if denied.Permission != "asset.submit" {
		t.Fatalf("unexpected permission in error: %s", denied.Permission)
	}

	f.authorizer.grants["alice"] = []string{"asset.submit"}
	result, err := f.execute(t)
	if err != nil {
		t.Fatalf("unexpected error with permission granted: %v", err)
	}
	if result.EntityState.CurrentStateID != f.review.ID {
		t.Fatal("entity did not advance")
	}
	if len(f.entities.logs) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(f.entities.logs))
	}
}

func TestExecuteTransitionCommentRequired(t *testing.T) {
	f := newFixture(t)
	f.transition.RequiresComment = true

	_, err := f.executor.ExecuteTransition(context.Background(), ExecuteRequest{
		EntityType: "asset", EntityID: "42", TransitionID: f.transition.ID,
		Comment: "   ",
	}, RequestContext{ActorID: "alice"})

	var required *CommentRequiredError
	if !errors.As(err, &required) {
		t.Fatalf("expected CommentRequiredError, got %v", err)
	}
}

// Approval defers the whole transition: nothing is mutated, no log is
// written, and no actions run. The caller routes to the approval workflow.
func TestExecuteTransitionApprovalRequired(t *testing.T) {
	f := newFixture(t)
	f.transition.RequiresApproval = true
	f.addAction(10, model.ActionWebhook, model.FailureAbort, false)

	result, err := f.execute(t)
	if err != nil {
		t.Fatalf("approval signal must not be an error: %v", err)
	}
	if result.Status != StatusApprovalRequired {
		t.Fatalf("expected approval_required, got %s", result.Status)
	}
	if f.entity.CurrentStateID != f.draft.ID {
		t.Fatal("entity state must not change")
	}
	if len(f.entities.logs) != 0 || len(f.runner.invoked) != 0 {
		t.Fatal("no log entries or actions may occur before approval")
	}
}

func TestExecuteTransitionGuardFailure(t *testing.T) {
	f := newFixture(t)
	f.transition.Guards = &guard.Expression{
		AllOf: []guard.Expression{
			{Field: "status", Operator: guard.OpEquals, Operand: "draft"},
			{Field: "value", Operator: guard.OpGreaterThan, Operand: float64(1000)},
		},
	}

	_, err := f.execute(t)
	var guardErr *GuardConditionError
	if !errors.As(err, &guardErr) {
		t.Fatalf("expected GuardConditionError, got %v", err)
	}
	if len(guardErr.Failed) != 1 || guardErr.Failed[0].Field != "value" {
		t.Fatalf("unexpected failing predicates: %v", guardErr.Failed)
	}
	if len(f.entities.logs) != 0 {
		t.Fatal("guard failure must not mutate anything")
	}
}

// Actions run ordered by execution order with ties broken by insertion order.
func TestActionOrderingWithTies(t *testing.T) {
	f := newFixture(t)
	first := f.addAction(10, model.ActionUpdateField, model.FailureAbort, false)
	second := f.addAction(20, model.ActionSendNotification, model.FailureAbort, false)
	third := f.addAction(20, model.ActionWebhook, model.FailureAbort, false)

	if _, err := f.execute(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []uuid.UUID{first.ID, second.ID, third.ID}
	if len(f.runner.invoked) != len(want) {
		t.Fatalf("expected %d invocations, got %d", len(want), len(f.runner.invoked))
	}
	for i, id := range want {
		if f.runner.invoked[i] != id {
			t.Fatalf("invocation %d out of order", i)
		}
	}
}

func TestAbortPolicyStopsAndDiscards(t *testing.T) {
	f := newFixture(t)
	f.addAction(10, model.ActionUpdateField, model.FailureAbort, false)
	failing := f.addAction(20, model.ActionWebhook, model.FailureAbort, false)
	f.addAction(30, model.ActionSendNotification, model.FailureAbort, false)
	f.runner.fail[failing.ID] = errors.New("endpoint returned 500")

	_, err := f.execute(t)
	var aborted *TransitionAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected TransitionAbortedError, got %v", err)
	}
	if aborted.Action.ID != failing.ID {
		t.Fatal("aborted error names the wrong action")
	}
	if len(f.runner.invoked) != 2 {
		t.Fatalf("expected execution to stop after the failing action, got %d invocations", len(f.runner.invoked))
	}
	if f.entity.CurrentStateID != f.draft.ID {
		t.Fatal("abort must discard the state mutation")
	}
	if len(f.entities.logs) != 0 {
		t.Fatal("abort must not write a state log entry")
	}
}

func TestContinuePolicyCommitsWithFailureReport(t *testing.T) {
	f := newFixture(t)
	f.addAction(10, model.ActionUpdateField, model.FailureAbort, false)
	failing := f.addAction(20, model.ActionWebhook, model.FailureContinue, false)
	f.addAction(30, model.ActionSendNotification, model.FailureAbort, false)
	f.runner.fail[failing.ID] = errors.New("endpoint returned 500")

	result, err := f.execute(t)
	if err != nil {
		t.Fatalf("continue failure must not error the transition: %v", err)
	}
	if result.Status != StatusPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", result.Status)
	}
	if len(f.runner.invoked) != 3 {
		t.Fatalf("expected all three actions attempted, got %d", len(f.runner.invoked))
	}
	if result.EntityState.CurrentStateID != f.review.ID {
		t.Fatal("transition must still commit")
	}

	var failedReports int
	for _, report := range result.Reports {
		if !report.Success {
			failedReports++
			if report.ActionID != failing.ID {
				t.Fatal("wrong action marked failed")
			}
		}
	}
	if failedReports != 1 {
		t.Fatalf("expected exactly one failed report, got %d", failedReports)
	}

	// Plain continue keeps the failure out of the audit metadata.
	if _, ok := f.entities.logs[0].Metadata["action_failures"]; ok {
		t.Fatal("continue policy must not fold failures into log metadata")
	}
}

func TestLogAndContinueFoldsFailureIntoMetadata(t *testing.T) {
	f := newFixture(t)
	failing := f.addAction(10, model.ActionWebhook, model.FailureLogAndContinue, false)
	f.runner.fail[failing.ID] = errors.New("connection refused")

	result, err := f.execute(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", result.Status)
	}

	failures, ok := f.entities.logs[0].Metadata["action_failures"].([]interface{})
	if !ok || len(failures) != 1 {
		t.Fatalf("expected one folded failure in log metadata, got %v", f.entities.logs[0].Metadata)
	}
	note := failures[0].(map[string]interface{})
	if note["error"] != "connection refused" {
		t.Fatalf("unexpected failure note: %v", note)
	}
}

func TestAsyncActionBecomesDispatch(t *testing.T) {
	f := newFixture(t)
	async := f.addAction(10, model.ActionDispatchJob, model.FailureAbort, true)

	result, err := f.execute(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.runner.invoked) != 0 {
		t.Fatal("async actions must not run inline")
	}
	if len(f.entities.dispatches) != 1 {
		t.Fatalf("expected one dispatch row, got %d", len(f.entities.dispatches))
	}
	dispatch := f.entities.dispatches[0]
	if dispatch.ActionID != async.ID || dispatch.Status != model.DispatchStatusPending {
		t.Fatal("dispatch row is wrong")
	}
	if !result.Reports[0].Success || !result.Reports[0].Async {
		t.Fatal("hand-off must be reported as async success")
	}
}

// An abort after an async action discards the queued dispatch along with the
// state mutation: dispatch rows only persist inside the commit transaction.
func TestAbortDiscardsQueuedDispatches(t *testing.T) {
	f := newFixture(t)
	f.addAction(10, model.ActionDispatchJob, model.FailureAbort, true)
	failing := f.addAction(20, model.ActionWebhook, model.FailureAbort, false)
	f.runner.fail[failing.ID] = errors.New("boom")

	_, err := f.execute(t)
	var aborted *TransitionAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected TransitionAbortedError, got %v", err)
	}
	if len(f.entities.dispatches) != 0 {
		t.Fatal("abort must discard pending dispatches")
	}
}

func TestCommitConcurrentModification(t *testing.T) {
	f := newFixture(t)
	f.entities.commitErr = store.ErrConcurrentModification

	_, err := f.execute(t)
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestEnrollEligibleEntity(t *testing.T) {
	f := newFixture(t)

	state, err := f.executor.Enroll(context.Background(), "asset", "99",
		map[string]interface{}{"status": "draft"},
		RequestContext{ActorID: "importer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state == nil {
		t.Fatal("expected enrollment")
	}
	if state.PipelineID != f.pipeline.ID || state.CurrentStateID != f.draft.ID {
		t.Fatal("entity enrolled into wrong pipeline or state")
	}

	if len(f.entities.logs) != 1 {
		t.Fatalf("expected one log entry, got %d", len(f.entities.logs))
	}
	entry := f.entities.logs[0]
	if entry.FromStateID != nil {
		t.Fatal("initial assignment must have a null from-state")
	}
	if entry.Comment != InitialAssignmentComment {
		t.Fatalf("unexpected comment: %q", entry.Comment)
	}
}

func TestEnrollIneligibleEntity(t *testing.T) {
	f := newFixture(t)

	state, err := f.executor.Enroll(context.Background(), "asset", "99",
		map[string]interface{}{"status": "archived"},
		RequestContext{ActorID: "importer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != nil {
		t.Fatal("ineligible entity must not be enrolled")
	}
	if len(f.entities.logs) != 0 {
		t.Fatal("no log entry may be written")
	}
}

func TestEnrollNoActivePipeline(t *testing.T) {
	f := newFixture(t)

	state, err := f.executor.Enroll(context.Background(), "customer", "7",
		map[string]interface{}{"status": "draft"},
		RequestContext{ActorID: "importer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != nil {
		t.Fatal("no pipeline governs this entity type")
	}
}
