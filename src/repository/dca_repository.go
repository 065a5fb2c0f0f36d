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

// DcaRepository handles read/write operations for DCA strategies and their
// executions.
type DcaRepository struct {
	db *gorm.DB
}

// NewDcaRepository creates a repository instance using the main read/write
// database.
func NewDcaRepository() *DcaRepository {
	return &DcaRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *DcaRepository) WithDB(db *gorm.DB) *DcaRepository {
	return &DcaRepository{db: db}
}

// Create inserts a new strategy.
func (r *DcaRepository) Create(ctx context.Context, strat *model.DcaStrategy) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "DcaRepository",
		"op":      "Create",
		"user_id": strat.UserID,
		"pair":    strat.FromToken + "/" + strat.ToToken,
	}).Debug("Creating DCA strategy")

	if err := r.db.WithContext(ctx).Create(strat).Error; err != nil {
		logger.WithField("repo", "DcaRepository").
			WithError(err).Error("Failed to create DCA strategy")
		return err
	}
	return nil
}

// FindByID fetches a strategy by primary ID. Returns model.ErrNotFound
// when missing.
func (r *DcaRepository) FindByID(ctx context.Context, id uint) (*model.DcaStrategy, error) {
	var strat model.DcaStrategy
	err := r.db.WithContext(ctx).First(&strat, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		logger.WithFields(map[string]interface{}{
			"repo": "DcaRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch DCA strategy")
		return nil, err
	}
	return &strat, nil
}

// Save persists all fields of a strategy.
func (r *DcaRepository) Save(ctx context.Context, strat *model.DcaStrategy) error {
	if err := r.db.WithContext(ctx).Save(strat).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "DcaRepository",
			"op":   "Save",
			"id":   strat.ID,
		}).WithError(err).Error("Failed to save DCA strategy")
		return err
	}
	return nil
}

// FindDue selects active strategies due at now, excluding any strategy
// whose previous tick has not resolved yet (single-flight).
func (r *DcaRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]model.DcaStrategy, error) {
	if limit <= 0 {
		limit = 50
	}

	unresolved := r.db.
		Model(&model.DcaExecution{}).
		Select("strategy_id").
		Where("status IN ?", []model.RunStatus{model.RunStatusPending, model.RunStatusRunning})

	var strategies []model.DcaStrategy
	err := r.db.WithContext(ctx).
		Where("status = ?", model.DcaStatusActive).
		Where("next_execution_at IS NOT NULL AND next_execution_at <= ?", now).
		Where("id NOT IN (?)", unresolved).
		Order("next_execution_at ASC").
		Limit(limit).
		Find(&strategies).Error
	if err != nil {
		logger.WithField("repo", "DcaRepository").
			WithError(err).Error("Failed to fetch due DCA strategies")
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo": "DcaRepository",
		"op":   "FindDue",
		"due":  len(strategies),
	}).Debug("Due DCA strategies fetched")

	return strategies, nil
}

// CreateExecution inserts a tick with the next monotonic execution number
// for its strategy, assigned inside one transaction.
func (r *DcaRepository) CreateExecution(ctx context.Context, exec *model.DcaExecution) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		err := tx.
			Model(&model.DcaExecution{}).
			Where("strategy_id = ?", exec.StrategyID).
			Select("COALESCE(MAX(execution_number), 0)").
			Scan(&last).Error
		if err != nil {
			return err
		}

		exec.ExecutionNumber = last + 1
		if err := tx.Create(exec).Error; err != nil {
			logger.WithFields(map[string]interface{}{
				"repo":        "DcaRepository",
				"op":          "CreateExecution",
				"strategy_id": exec.StrategyID,
			}).WithError(err).Error("Failed to create DCA execution")
			return err
		}

		return nil
	})
}

// SaveExecution persists all fields of a tick.
func (r *DcaRepository) SaveExecution(ctx context.Context, exec *model.DcaExecution) error {
	if err := r.db.WithContext(ctx).Save(exec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "DcaRepository",
			"op":   "SaveExecution",
			"id":   exec.ID,
		}).WithError(err).Error("Failed to save DCA execution")
		return err
	}
	return nil
}

// FindExecutionByClientRef resolves the tick a chain-service callback
// refers to. Returns model.ErrNotFound when missing.
func (r *DcaRepository) FindExecutionByClientRef(ctx context.Context, clientRef string) (*model.DcaExecution, error) {
	var exec model.DcaExecution
	err := r.db.WithContext(ctx).
		Where("client_ref = ?", clientRef).
		First(&exec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns the newest ticks of a strategy.
func (r *DcaRepository) ListExecutions(ctx context.Context, strategyID uint, limit int) ([]model.DcaExecution, error) {
	if limit <= 0 {
		limit = 20
	}

	var execs []model.DcaExecution
	err := r.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("execution_number DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, err
	}
	return execs, nil
}

// ExpireBySession forces every active or paused strategy bound to a dead
// session key into expired status.
func (r *DcaRepository) ExpireBySession(ctx context.Context, sessionKeyID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.DcaStrategy{}).
		Where("session_key_id = ? AND status IN ?", sessionKeyID,
			[]model.DcaStatus{model.DcaStatusActive, model.DcaStatusPaused}).
		Updates(map[string]interface{}{
			"status":            model.DcaStatusExpired,
			"next_execution_at": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
