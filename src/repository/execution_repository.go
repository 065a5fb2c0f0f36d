package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeengine/src/database"
	"tradeengine/src/model"
)

// ExecutionRepository handles read/write operations for execution records,
// their steps, state history and decisions.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates a repository instance using the main
// read/write database.
func NewExecutionRepository() *ExecutionRepository {
	return &ExecutionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance. Useful for
// tests or when using a specific session/transaction.
func (r *ExecutionRepository) WithDB(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a new execution record. The record is updated with the
// generated ID and timestamps.
func (r *ExecutionRepository) Create(ctx context.Context, rec *model.ExecutionRecord) error {
	logger.WithFields(map[string]interface{}{
		"repo":       "ExecutionRepository",
		"op":         "Create",
		"owner_type": rec.OwnerType,
		"owner_id":   rec.OwnerID,
	}).Debug("Creating execution record")

	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		logger.WithField("repo", "ExecutionRepository").
			WithError(err).Error("Failed to create execution record")
		return err
	}
	return nil
}

// FindByID fetches a record with its steps, ordered state history and
// decisions. Returns model.ErrNotFound when missing.
func (r *ExecutionRepository) FindByID(ctx context.Context, id uint) (*model.ExecutionRecord, error) {
	var rec model.ExecutionRecord

	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("ordinal ASC") }).
		Preload("StateHistory", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Decisions", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&rec, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		logger.WithFields(map[string]interface{}{
			"repo": "ExecutionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch execution record")
		return nil, err
	}

	return &rec, nil
}

// ApplyTransition updates the record and appends the transition row in one
// database transaction so the history invariant holds under failure.
func (r *ExecutionRepository) ApplyTransition(
	ctx context.Context,
	recordID uint,
	updates map[string]interface{},
	tr *model.StateTransition,
) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "ExecutionRepository",
		"op":      "ApplyTransition",
		"id":      recordID,
		"to":      tr.ToState,
		"trigger": tr.Trigger,
	}).Debug("Applying state transition")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Model(&model.ExecutionRecord{}).
			Where("id = ?", recordID).
			Updates(updates).Error; err != nil {
			logger.WithError(err).Error("Failed to update execution record inside transaction")
			return err
		}

		tr.ExecutionRecordID = recordID
		if err := tx.Create(tr).Error; err != nil {
			logger.WithError(err).Error("Failed to append state transition")
			return err
		}

		return nil
	})
}

// ReplaceSteps swaps the whole step set of a record and resets the current
// step index, keeping ordinals consistent.
func (r *ExecutionRepository) ReplaceSteps(ctx context.Context, recordID uint, steps []model.ExecutionStep) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("execution_record_id = ?", recordID).
			Delete(&model.ExecutionStep{}).Error; err != nil {
			return err
		}

		for i := range steps {
			steps[i].ID = 0
			steps[i].ExecutionRecordID = recordID
			steps[i].Ordinal = i
		}
		if len(steps) > 0 {
			if err := tx.Create(&steps).Error; err != nil {
				return err
			}
		}

		return tx.
			Model(&model.ExecutionRecord{}).
			Where("id = ?", recordID).
			Update("current_step_index", 0).Error
	})
}

// UpdateStep persists changes to a single step (submission/confirmation
// details).
func (r *ExecutionRepository) UpdateStep(ctx context.Context, step *model.ExecutionStep) error {
	if err := r.db.WithContext(ctx).Save(step).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "ExecutionRepository",
			"op":      "UpdateStep",
			"step_id": step.ID,
		}).WithError(err).Error("Failed to update execution step")
		return err
	}
	return nil
}

// SetCurrentStepIndex advances the record's step cursor.
func (r *ExecutionRepository) SetCurrentStepIndex(ctx context.Context, recordID uint, index int) error {
	return r.db.WithContext(ctx).
		Model(&model.ExecutionRecord{}).
		Where("id = ?", recordID).
		Update("current_step_index", index).Error
}

// AppendDecision inserts an explainability entry for a record.
func (r *ExecutionRepository) AppendDecision(ctx context.Context, d *model.AgentDecision) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "ExecutionRepository",
			"op":      "AppendDecision",
			"exec_id": d.ExecutionRecordID,
			"stage":   d.Stage,
		}).WithError(err).Error("Failed to append agent decision")
		return err
	}
	return nil
}

// FindStale returns non-terminal records that entered their current state
// before cutoff.
func (r *ExecutionRepository) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var recs []model.ExecutionRecord
	err := r.db.WithContext(ctx).
		Where("current_state NOT IN ?", []model.ExecutionState{
			model.ExecStateCompleted, model.ExecStateFailed, model.ExecStateCancelled,
		}).
		Where("state_entered_at < ?", cutoff).
		Order("state_entered_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		logger.WithField("repo", "ExecutionRepository").
			WithError(err).Error("Failed to fetch stale execution records")
		return nil, err
	}

	return recs, nil
}

// ListByOwner returns the newest records of one strategy or relationship.
func (r *ExecutionRepository) ListByOwner(
	ctx context.Context,
	ownerType model.OwnerType,
	ownerID uint,
	limit int,
) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	var recs []model.ExecutionRecord
	err := r.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", ownerType, ownerID).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	return recs, nil
}
