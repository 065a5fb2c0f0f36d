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

// SessionRepository handles read/write operations for session keys, smart
// sessions and their usage logs.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a repository instance using the main
// read/write database.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *SessionRepository) WithDB(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session key.
func (r *SessionRepository) Create(ctx context.Context, key *model.SessionKey) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "SessionRepository",
		"op":     "Create",
		"wallet": key.WalletAddress,
	}).Debug("Creating session key")

	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		logger.WithField("repo", "SessionRepository").
			WithError(err).Error("Failed to create session key")
		return err
	}
	return nil
}

// FindByID fetches a session key with its bounded usage log, newest first.
func (r *SessionRepository) FindByID(ctx context.Context, id uint) (*model.SessionKey, error) {
	var key model.SessionKey

	err := r.db.WithContext(ctx).
		Preload("UsageLog", func(db *gorm.DB) *gorm.DB {
			return db.Order("id DESC").Limit(model.SessionUsageLogLimit)
		}).
		First(&key, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		logger.WithFields(map[string]interface{}{
			"repo": "SessionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch session key")
		return nil, err
	}

	return &key, nil
}

// FindActiveByWallet returns the newest active session key for a wallet.
// Returns (nil, nil) when none exists.
func (r *SessionRepository) FindActiveByWallet(ctx context.Context, wallet string) (*model.SessionKey, error) {
	var key model.SessionKey

	err := r.db.WithContext(ctx).
		Where("wallet_address = ? AND status = ?", wallet, model.SessionStatusActive).
		Order("id DESC").
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &key, nil
}

// CompareAndSwap applies updates only when the stored version still equals
// expectedVersion, bumping the version in the same statement. Returns
// model.ErrVersionConflict when another writer got there first.
func (r *SessionRepository) CompareAndSwap(
	ctx context.Context,
	id uint,
	expectedVersion int64,
	updates map[string]interface{},
) error {
	updates["version"] = expectedVersion + 1

	res := r.db.WithContext(ctx).
		Model(&model.SessionKey{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SessionRepository",
			"op":   "CompareAndSwap",
			"id":   id,
		}).WithError(res.Error).Error("Failed to update session key")
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrVersionConflict
	}

	return nil
}

// AppendUsage inserts a usage entry and prunes the log down to the bounded
// window.
func (r *SessionRepository) AppendUsage(ctx context.Context, usage *model.SessionUsage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(usage).Error; err != nil {
			return err
		}

		// Oldest entries beyond the window are dropped.
		var keepFrom model.SessionUsage
		err := tx.
			Where("session_key_id = ?", usage.SessionKeyID).
			Order("id DESC").
			Offset(model.SessionUsageLogLimit - 1).
			First(&keepFrom).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return tx.
			Where("session_key_id = ? AND id < ?", usage.SessionKeyID, keepFrom.ID).
			Delete(&model.SessionUsage{}).Error
	})
}

// UpdateStatus moves a key to a new status, recording the reason.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id uint, status model.SessionStatus, reason string) error {
	updates := map[string]interface{}{"status": status}
	if reason != "" {
		updates["revoked_reason"] = reason
	}

	err := r.db.WithContext(ctx).
		Model(&model.SessionKey{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "SessionRepository",
			"op":     "UpdateStatus",
			"id":     id,
			"status": status,
		}).WithError(err).Error("Failed to update session key status")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":   "SessionRepository",
		"op":     "UpdateStatus",
		"id":     id,
		"status": status,
	}).Info("Session key status updated")

	return nil
}

// SetExpiry updates the expiry and status of a key (used by Extend).
func (r *SessionRepository) SetExpiry(ctx context.Context, id uint, expiresAt time.Time, status model.SessionStatus) error {
	return r.db.WithContext(ctx).
		Model(&model.SessionKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"expires_at": expiresAt,
			"status":     status,
		}).Error
}

// ExpireDue flips active keys whose expiry has passed. Idempotent; returns
// the number of keys transitioned.
func (r *SessionRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.SessionKey{}).
		Where("status = ? AND expires_at <= ?", model.SessionStatusActive, now).
		Update("status", model.SessionStatusExpired)
	if res.Error != nil {
		logger.WithField("repo", "SessionRepository").
			WithError(res.Error).Error("Failed to expire due session keys")
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":    "SessionRepository",
			"op":      "ExpireDue",
			"expired": res.RowsAffected,
		}).Info("Expired due session keys")
	}

	return res.RowsAffected, nil
}

// ---------------------------------------------------
// SmartSession methods
// ---------------------------------------------------

// CreateSmart inserts a new smart session.
func (r *SessionRepository) CreateSmart(ctx context.Context, s *model.SmartSession) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		logger.WithField("repo", "SessionRepository").
			WithError(err).Error("Failed to create smart session")
		return err
	}
	return nil
}

// FindSmartByID fetches a smart session by ID.
func (r *SessionRepository) FindSmartByID(ctx context.Context, id uint) (*model.SmartSession, error) {
	var s model.SmartSession
	err := r.db.WithContext(ctx).First(&s, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CompareAndSwapSmart is the smart-session variant of CompareAndSwap.
func (r *SessionRepository) CompareAndSwapSmart(
	ctx context.Context,
	id uint,
	expectedVersion int64,
	updates map[string]interface{},
) error {
	updates["version"] = expectedVersion + 1

	res := r.db.WithContext(ctx).
		Model(&model.SmartSession{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrVersionConflict
	}

	return nil
}

// UpdateSmartStatus moves a smart session to a new status.
func (r *SessionRepository) UpdateSmartStatus(ctx context.Context, id uint, status model.SessionStatus, reason string) error {
	updates := map[string]interface{}{"status": status}
	if reason != "" {
		updates["revoked_reason"] = reason
	}
	return r.db.WithContext(ctx).
		Model(&model.SmartSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ExpireDueSmart flips active smart sessions whose expiry has passed.
func (r *SessionRepository) ExpireDueSmart(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.SmartSession{}).
		Where("status = ? AND expires_at <= ?", model.SessionStatusActive, now).
		Update("status", model.SessionStatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
