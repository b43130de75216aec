package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stateline/stateline/pkg/model"
	"github.com/stateline/stateline/pkg/store"
)

// DefinitionRepository holds the immutable-per-version pipeline configuration:
// pipelines, states, transitions and transition actions, with the referential
// and uniqueness invariants enforced at write time.
type DefinitionRepository struct {
	db *gorm.DB
}

func NewDefinitionRepository(db *gorm.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

// Definition is a consistent snapshot of one pipeline's full configuration,
// loaded in a single transaction so the executor never evaluates against a
// partially updated definition.
type Definition struct {
	Pipeline    model.Pipeline
	States      []model.State
	Transitions []model.Transition
	Actions     map[uuid.UUID][]model.TransitionAction
}

func (r *DefinitionRepository) CreatePipeline(ctx context.Context, pipeline *model.Pipeline) error {
	if pipeline.Code == "" || pipeline.EntityType == "" {
		return fmt.Errorf("pipeline requires a code and an entity type")
	}
	if pipeline.Eligibility != nil {
		if err := pipeline.Eligibility.Validate(); err != nil {
			return fmt.Errorf("invalid eligibility expression: %w", err)
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Pipeline{}).Where("code = ?", pipeline.Code).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("pipeline code %q: %w", pipeline.Code, store.ErrDuplicate)
		}

		if pipeline.Active {
			if err := r.checkNoOtherActive(tx, pipeline.EntityType, uuid.Nil); err != nil {
				return err
			}
		}
		return tx.Create(pipeline).Error
	})
}

func (r *DefinitionRepository) UpdatePipeline(ctx context.Context, pipeline *model.Pipeline) error {
	if pipeline.Eligibility != nil {
		if err := pipeline.Eligibility.Validate(); err != nil {
			return fmt.Errorf("invalid eligibility expression: %w", err)
		}
	}
	return r.db.WithContext(ctx).Model(pipeline).
		Select("Description", "Eligibility", "Tags", "Version").
		Updates(pipeline).Error
}

// ActivatePipeline enables enrollment. It requires at least one initial state
// and refuses when another active pipeline already governs the entity type.
func (r *DefinitionRepository) ActivatePipeline(ctx context.Context, pipelineID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pipeline model.Pipeline
		if err := tx.First(&pipeline, "id = ?", pipelineID).Error; err != nil {
			return translateNotFound(err)
		}

		var initials int64
		err := tx.Model(&model.State{}).
			Where("pipeline_id = ? AND kind = ?", pipelineID, model.StateInitial).
			Count(&initials).Error
		if err != nil {
			return err
		}
		if initials == 0 {
			return fmt.Errorf("pipeline %s has no initial state", pipeline.Code)
		}

		if err := r.checkNoOtherActive(tx, pipeline.EntityType, pipelineID); err != nil {
			return err
		}

		return tx.Model(&model.Pipeline{}).Where("id = ?", pipelineID).
			Update("active", true).Error
	})
}

func (r *DefinitionRepository) DeactivatePipeline(ctx context.Context, pipelineID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&model.Pipeline{}).
		Where("id = ?", pipelineID).
		Update("active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *DefinitionRepository) checkNoOtherActive(tx *gorm.DB, entityType string, excludeID uuid.UUID) error {
	var active int64
	query := tx.Model(&model.Pipeline{}).
		Where("entity_type = ? AND active = ?", entityType, true)
	if excludeID != uuid.Nil {
		query = query.Where("id <> ?", excludeID)
	}
	if err := query.Count(&active).Error; err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("entity type %q already has an active pipeline: %w", entityType, store.ErrDuplicate)
	}
	return nil
}

func (r *DefinitionRepository) GetPipeline(ctx context.Context, pipelineID uuid.UUID) (*model.Pipeline, error) {
	var pipeline model.Pipeline
	err := r.db.WithContext(ctx).
		Preload("States").
		Preload("Transitions").
		Preload("Transitions.Actions").
		First(&pipeline, "id = ?", pipelineID).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &pipeline, nil
}

func (r *DefinitionRepository) ListPipelines(ctx context.Context, entityType string, limit, offset int) ([]model.Pipeline, int64, error) {
	var pipelines []model.Pipeline
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Pipeline{})
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&pipelines).Error
	return pipelines, total, err
}

func (r *DefinitionRepository) CreateState(ctx context.Context, state *model.State) error {
	if state.Code == "" {
		return fmt.Errorf("state requires a code")
	}
	if !model.IsValidStateKind(state.Kind) {
		return fmt.Errorf("unknown state kind %q", state.Kind)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.State{}).
			Where("pipeline_id = ? AND code = ?", state.PipelineID, state.Code).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("state code %q: %w", state.Code, store.ErrDuplicate)
		}
		return tx.Create(state).Error
	})
}

func (r *DefinitionRepository) UpdateState(ctx context.Context, state *model.State) error {
	return r.db.WithContext(ctx).Model(state).
		Select("Name", "Color", "Icon", "SortOrder", "Metadata").
		Updates(state).Error
}

// DeleteState refuses to remove a state that any entity currently occupies or
// that appears in the audit trail; deactivate the pipeline instead.
func (r *DefinitionRepository) DeleteState(ctx context.Context, stateID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referenced int64
		err := tx.Model(&model.EntityState{}).
			Where("current_state_id = ?", stateID).
			Count(&referenced).Error
		if err != nil {
			return err
		}
		if referenced == 0 {
			err = tx.Model(&model.StateLog{}).
				Where("from_state_id = ? OR to_state_id = ?", stateID, stateID).
				Count(&referenced).Error
			if err != nil {
				return err
			}
		}
		if referenced > 0 {
			return fmt.Errorf("state %s: %w", stateID, store.ErrReferentialIntegrity)
		}

		result := tx.Delete(&model.State{}, "id = ?", stateID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (r *DefinitionRepository) CreateTransition(ctx context.Context, transition *model.Transition) error {
	if transition.Code == "" {
		return fmt.Errorf("transition requires a code")
	}
	if transition.FromStateID == transition.ToStateID {
		return fmt.Errorf("transition must connect two distinct states")
	}
	if transition.Guards != nil {
		if err := transition.Guards.Validate(); err != nil {
			return fmt.Errorf("invalid guard expression: %w", err)
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var states int64
		err := tx.Model(&model.State{}).
			Where("pipeline_id = ? AND id IN ?", transition.PipelineID,
				[]uuid.UUID{transition.FromStateID, transition.ToStateID}).
			Count(&states).Error
		if err != nil {
			return err
		}
		if states != 2 {
			return fmt.Errorf("transition endpoints must belong to pipeline %s", transition.PipelineID)
		}

		var count int64
		err = tx.Model(&model.Transition{}).
			Where("pipeline_id = ? AND (code = ? OR (from_state_id = ? AND to_state_id = ?))",
				transition.PipelineID, transition.Code, transition.FromStateID, transition.ToStateID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("transition %q: %w", transition.Code, store.ErrDuplicate)
		}
		return tx.Create(transition).Error
	})
}

func (r *DefinitionRepository) UpdateTransition(ctx context.Context, transition *model.Transition) error {
	if transition.Guards != nil {
		if err := transition.Guards.Validate(); err != nil {
			return fmt.Errorf("invalid guard expression: %w", err)
		}
	}
	return r.db.WithContext(ctx).Model(transition).
		Select("Name", "Description", "RequiredPermission", "Guards",
			"RequiresConfirmation", "RequiresComment", "RequiresApproval",
			"SortOrder", "Active").
		Updates(transition).Error
}

// DeleteTransition refuses when the audit trail references the transition;
// deactivating keeps history valid without destroying it.
func (r *DefinitionRepository) DeleteTransition(ctx context.Context, transitionID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referenced int64
		err := tx.Model(&model.StateLog{}).
			Where("transition_id = ?", transitionID).
			Count(&referenced).Error
		if err != nil {
			return err
		}
		if referenced > 0 {
			return fmt.Errorf("transition %s: %w", transitionID, store.ErrReferentialIntegrity)
		}

		if err := tx.Delete(&model.TransitionAction{}, "transition_id = ?", transitionID).Error; err != nil {
			return err
		}
		result := tx.Delete(&model.Transition{}, "id = ?", transitionID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (r *DefinitionRepository) CreateAction(ctx context.Context, action *model.TransitionAction) error {
	if !model.IsValidActionKind(action.Kind) {
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
	if action.OnFailure == "" {
		action.OnFailure = model.FailureAbort
	}
	if !model.IsValidFailurePolicy(action.OnFailure) {
		return fmt.Errorf("unknown failure policy %q", action.OnFailure)
	}
	if action.ExecOrder <= 0 {
		return fmt.Errorf("action execution order must be positive")
	}
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *DefinitionRepository) UpdateAction(ctx context.Context, action *model.TransitionAction) error {
	if !model.IsValidFailurePolicy(action.OnFailure) {
		return fmt.Errorf("unknown failure policy %q", action.OnFailure)
	}
	return r.db.WithContext(ctx).Model(action).
		Select("ExecOrder", "Config", "Async", "OnFailure", "Active").
		Updates(action).Error
}

func (r *DefinitionRepository) DeleteAction(ctx context.Context, actionID uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&model.TransitionAction{}, "id = ?", actionID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// LoadDefinition returns the pipeline with all its states, transitions and
// actions from one transaction.
func (r *DefinitionRepository) LoadDefinition(ctx context.Context, pipelineID uuid.UUID) (*Definition, error) {
	var def Definition
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&def.Pipeline, "id = ?", pipelineID).Error; err != nil {
			return translateNotFound(err)
		}
		if err := tx.Where("pipeline_id = ?", pipelineID).
			Order("sort_order ASC, created_at ASC").
			Find(&def.States).Error; err != nil {
			return err
		}
		if err := tx.Where("pipeline_id = ?", pipelineID).
			Order("sort_order ASC, created_at ASC").
			Find(&def.Transitions).Error; err != nil {
			return err
		}

		def.Actions = make(map[uuid.UUID][]model.TransitionAction, len(def.Transitions))
		for _, transition := range def.Transitions {
			var actions []model.TransitionAction
			err := tx.Where("transition_id = ?", transition.ID).
				Order("exec_order ASC, created_at ASC, id ASC").
				Find(&actions).Error
			if err != nil {
				return err
			}
			def.Actions[transition.ID] = actions
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// Executor read surface (engine.Definitions).

func (r *DefinitionRepository) GetTransition(ctx context.Context, transitionID uuid.UUID) (*model.Transition, error) {
	var transition model.Transition
	err := r.db.WithContext(ctx).First(&transition, "id = ?", transitionID).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &transition, nil
}

func (r *DefinitionRepository) ListActiveActions(ctx context.Context, transitionID uuid.UUID) ([]model.TransitionAction, error) {
	var actions []model.TransitionAction
	err := r.db.WithContext(ctx).
		Where("transition_id = ? AND active = ?", transitionID, true).
		Order("exec_order ASC, created_at ASC, id ASC").
		Find(&actions).Error
	return actions, err
}

func (r *DefinitionRepository) FindActivePipeline(ctx context.Context, entityType string) (*model.Pipeline, error) {
	var pipeline model.Pipeline
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND active = ?", entityType, true).
		First(&pipeline).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

func (r *DefinitionRepository) FindInitialState(ctx context.Context, pipelineID uuid.UUID) (*model.State, error) {
	var state model.State
	err := r.db.WithContext(ctx).
		Where("pipeline_id = ? AND kind = ?", pipelineID, model.StateInitial).
		Order("sort_order ASC, created_at ASC").
		First(&state).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &state, nil
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}
