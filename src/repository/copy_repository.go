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

// CopyRepository handles read/write operations for copy relationships and
// their executions.
type CopyRepository struct {
	db *gorm.DB
}

// NewCopyRepository creates a repository instance using the main read/write
// database.
func NewCopyRepository() *CopyRepository {
	return &CopyRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *CopyRepository) WithDB(db *gorm.DB) *CopyRepository {
	return &CopyRepository{db: db}
}

// CreateRelationship inserts a new follower→leader link.
func (r *CopyRepository) CreateRelationship(ctx context.Context, rel *model.CopyRelationship) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "CopyRepository",
		"op":     "CreateRelationship",
		"leader": rel.LeaderAddress,
		"wallet": rel.WalletAddress,
	}).Debug("Creating copy relationship")

	if err := r.db.WithContext(ctx).Create(rel).Error; err != nil {
		logger.WithField("repo", "CopyRepository").
			WithError(err).Error("Failed to create copy relationship")
		return err
	}
	return nil
}

// FindRelationshipByID fetches a relationship by primary ID. Returns
// model.ErrNotFound when missing.
func (r *CopyRepository) FindRelationshipByID(ctx context.Context, id uint) (*model.CopyRelationship, error) {
	var rel model.CopyRelationship
	err := r.db.WithContext(ctx).First(&rel, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		logger.WithFields(map[string]interface{}{
			"repo": "CopyRepository",
			"op":   "FindRelationshipByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch copy relationship")
		return nil, err
	}
	return &rel, nil
}

// FindActiveByLeader returns every active, unpaused relationship following
// a leader on a chain.
func (r *CopyRepository) FindActiveByLeader(ctx context.Context, leader, chainID string) ([]model.CopyRelationship, error) {
	var rels []model.CopyRelationship
	err := r.db.WithContext(ctx).
		Where("leader_address = ? AND chain_id = ?", leader, chainID).
		Where("is_active = ? AND is_paused = ?", true, false).
		Find(&rels).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "CopyRepository",
			"op":     "FindActiveByLeader",
			"leader": leader,
		}).WithError(err).Error("Failed to fetch relationships for leader")
		return nil, err
	}

	return rels, nil
}

// FindByFollowerAndLeader fetches the relationship of one follower wallet
// to one leader on a chain. Returns model.ErrNotFound when missing.
func (r *CopyRepository) FindByFollowerAndLeader(ctx context.Context, wallet, leader, chainID string) (*model.CopyRelationship, error) {
	var rel model.CopyRelationship
	err := r.db.WithContext(ctx).
		Where("wallet_address = ? AND leader_address = ? AND chain_id = ?", wallet, leader, chainID).
		First(&rel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &rel, nil
}

// SaveRelationship persists all fields of a relationship, including its
// counters and watermark.
func (r *CopyRepository) SaveRelationship(ctx context.Context, rel *model.CopyRelationship) error {
	if err := r.db.WithContext(ctx).Save(rel).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "CopyRepository",
			"op":   "SaveRelationship",
			"id":   rel.ID,
		}).WithError(err).Error("Failed to save copy relationship")
		return err
	}
	return nil
}

// CreateExecution inserts a replicated-trade record.
func (r *CopyRepository) CreateExecution(ctx context.Context, exec *model.CopyExecution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":            "CopyRepository",
			"op":              "CreateExecution",
			"relationship_id": exec.RelationshipID,
		}).WithError(err).Error("Failed to create copy execution")
		return err
	}
	return nil
}

// SaveExecution persists all fields of a replicated trade.
func (r *CopyRepository) SaveExecution(ctx context.Context, exec *model.CopyExecution) error {
	if err := r.db.WithContext(ctx).Save(exec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "CopyRepository",
			"op":   "SaveExecution",
			"id":   exec.ID,
		}).WithError(err).Error("Failed to save copy execution")
		return err
	}
	return nil
}

// FindExecutionByClientRef resolves the copy trade a chain-service callback
// refers to. Returns model.ErrNotFound when missing.
func (r *CopyRepository) FindExecutionByClientRef(ctx context.Context, clientRef string) (*model.CopyExecution, error) {
	var exec model.CopyExecution
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

// FindExecutionByRecordID resolves the copy trade behind an execution
// record. Returns model.ErrNotFound when missing.
func (r *CopyRepository) FindExecutionByRecordID(ctx context.Context, recordID uint) (*model.CopyExecution, error) {
	var exec model.CopyExecution
	err := r.db.WithContext(ctx).
		Where("execution_record_id = ?", recordID).
		First(&exec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &exec, nil
}

// FindDueScheduled returns pending delayed replications whose hold has
// elapsed, oldest first.
func (r *CopyRepository) FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.CopyExecution, error) {
	if limit <= 0 {
		limit = 50
	}

	var execs []model.CopyExecution
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", model.RunStatusPending, now).
		Order("scheduled_for").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "CopyRepository",
			"op":   "FindDueScheduled",
		}).WithError(err).Error("Failed to fetch due scheduled replications")
		return nil, err
	}
	return execs, nil
}

// ListExecutions returns the newest replicated trades of a relationship.
func (r *CopyRepository) ListExecutions(ctx context.Context, relationshipID uint, limit int) ([]model.CopyExecution, error) {
	if limit <= 0 {
		limit = 20
	}

	var execs []model.CopyExecution
	err := r.db.WithContext(ctx).
		Where("relationship_id = ?", relationshipID).
		Order("id DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, err
	}
	return execs, nil
}
