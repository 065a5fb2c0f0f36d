package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradeengine/src/model"
	"tradeengine/src/repository"
)

const defaultReserveAttempts = 5

// AuthRequest is one proposed spend checked against a session key.
type AuthRequest struct {
	ValueUsd        decimal.Decimal
	Action          string
	ChainID         string
	ContractAddress string
	TokenAddress    string
	TxHash          string
	ClientRef       string
}

// CreateParams are the scoping inputs of a new grant.
type CreateParams struct {
	WalletAddress    string
	AgentID          string
	Permissions      model.StringList
	MaxValuePerTxUsd decimal.Decimal
	MaxTotalValueUsd decimal.Decimal
	MaxTransactions  *int
	AllowedChains    model.StringList
	AllowedContracts model.StringList
	AllowedTokens    model.StringList
	ExpiresAt        time.Time
	SealedSigner     []byte
}

// Enforcer gates every automated transaction against a scoped spending
// grant. The authorize-and-reserve path is atomic via optimistic
// versioning, closing the check-then-spend race.
type Enforcer struct {
	repo     *repository.SessionRepository
	logger   *logrus.Entry
	now      func() time.Time
	attempts int
}

// NewEnforcer creates an enforcer over the given repository.
func NewEnforcer(logger *logrus.Entry, repo *repository.SessionRepository) *Enforcer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Enforcer{
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		attempts: defaultReserveAttempts,
	}
}

// WithNow overrides the clock. Useful for tests.
func (e *Enforcer) WithNow(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Create opens a new active session key.
func (e *Enforcer) Create(ctx context.Context, params CreateParams) (*model.SessionKey, error) {
	if params.ExpiresAt.Before(e.now()) {
		return nil, fmt.Errorf("expiry %s already passed: %w", params.ExpiresAt, model.ErrSessionExpired)
	}
	if params.MaxTotalValueUsd.LessThanOrEqual(decimal.Zero) || params.MaxValuePerTxUsd.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("value limits must be positive")
	}

	key := &model.SessionKey{
		WalletAddress:    params.WalletAddress,
		AgentID:          params.AgentID,
		Permissions:      params.Permissions,
		MaxValuePerTxUsd: params.MaxValuePerTxUsd,
		MaxTotalValueUsd: params.MaxTotalValueUsd,
		MaxTransactions:  params.MaxTransactions,
		AllowedChains:    params.AllowedChains,
		AllowedContracts: params.AllowedContracts,
		AllowedTokens:    params.AllowedTokens,
		ExpiresAt:        params.ExpiresAt,
		Status:           model.SessionStatusActive,
		SealedSigner:     params.SealedSigner,
	}

	if err := e.repo.Create(ctx, key); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"session_id": key.ID,
		"wallet":     key.WalletAddress,
		"expires_at": key.ExpiresAt,
	}).Info("session key created")

	return key, nil
}

// Authorize is the pure read-path predicate: may this spend happen against
// the key as currently observed. Empty allowlists are unrestricted, per
// policy.
func (e *Enforcer) Authorize(key *model.SessionKey, req AuthRequest) error {
	now := e.now()

	switch key.Status {
	case model.SessionStatusActive:
	case model.SessionStatusExpired:
		return model.ErrSessionExpired
	default:
		return fmt.Errorf("session %d is %s: %w", key.ID, key.Status, model.ErrSessionInactive)
	}
	if !key.ExpiresAt.After(now) {
		return model.ErrSessionExpired
	}

	if req.Action != "" && len(key.Permissions) > 0 && !key.Permissions.Contains(req.Action) {
		return fmt.Errorf("action %q: %w", req.Action, model.ErrActionNotAllowed)
	}
	if req.ChainID != "" && len(key.AllowedChains) > 0 && !key.AllowedChains.Contains(req.ChainID) {
		return fmt.Errorf("chain %q: %w", req.ChainID, model.ErrAllowlist)
	}
	if req.ContractAddress != "" && len(key.AllowedContracts) > 0 && !key.AllowedContracts.Contains(req.ContractAddress) {
		return fmt.Errorf("contract %q: %w", req.ContractAddress, model.ErrAllowlist)
	}
	if req.TokenAddress != "" && len(key.AllowedTokens) > 0 && !key.AllowedTokens.Contains(req.TokenAddress) {
		return fmt.Errorf("token %q: %w", req.TokenAddress, model.ErrAllowlist)
	}

	if req.ValueUsd.GreaterThan(key.MaxValuePerTxUsd) {
		return fmt.Errorf("value %s exceeds per-tx cap %s: %w",
			req.ValueUsd, key.MaxValuePerTxUsd, model.ErrBudgetExceeded)
	}
	if key.TotalValueUsedUsd.Add(req.ValueUsd).GreaterThan(key.MaxTotalValueUsd) {
		return fmt.Errorf("value %s exceeds remaining budget %s: %w",
			req.ValueUsd, key.MaxTotalValueUsd.Sub(key.TotalValueUsedUsd), model.ErrBudgetExceeded)
	}
	if key.MaxTransactions != nil && key.TransactionCount >= *key.MaxTransactions {
		return fmt.Errorf("transaction count %d at cap: %w", key.TransactionCount, model.ErrBudgetExceeded)
	}

	return nil
}

// AuthorizeAndReserve is the single atomic check-then-spend operation:
// authorization and usage recording happen under one compare-and-swap, so
// two concurrent spends cannot both pass against the same headroom.
func (e *Enforcer) AuthorizeAndReserve(ctx context.Context, id uint, req AuthRequest) (*model.SessionKey, error) {
	if req.ClientRef == "" {
		req.ClientRef = uuid.NewString()
	}

	for attempt := 0; attempt < e.attempts; attempt++ {
		key, err := e.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := e.Authorize(key, req); err != nil {
			return nil, err
		}

		newUsed := key.TotalValueUsedUsd.Add(req.ValueUsd)
		newCount := key.TransactionCount + 1
		newStatus := key.Status
		if newUsed.GreaterThanOrEqual(key.MaxTotalValueUsd) {
			newStatus = model.SessionStatusExhausted
		}
		if key.MaxTransactions != nil && newCount >= *key.MaxTransactions {
			newStatus = model.SessionStatusExhausted
		}

		err = e.repo.CompareAndSwap(ctx, id, key.Version, map[string]interface{}{
			"total_value_used_usd": newUsed,
			"transaction_count":    newCount,
			"status":               newStatus,
		})
		if err == model.ErrVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}

		usage := &model.SessionUsage{
			SessionKeyID: id,
			ClientRef:    req.ClientRef,
			ValueUsd:     req.ValueUsd,
			ChainID:      req.ChainID,
			TokenAddress: req.TokenAddress,
			TxHash:       req.TxHash,
		}
		if err := e.repo.AppendUsage(ctx, usage); err != nil {
			return nil, err
		}

		key.TotalValueUsedUsd = newUsed
		key.TransactionCount = newCount
		key.Status = newStatus
		key.Version++

		e.logger.WithFields(logrus.Fields{
			"session_id": id,
			"value_usd":  req.ValueUsd,
			"used_usd":   newUsed,
			"status":     newStatus,
		}).Info("session budget reserved")

		return key, nil
	}

	return nil, fmt.Errorf("session %d: reserve retries exhausted: %w", id, model.ErrVersionConflict)
}

// RecordUsage records a spend without the full authorization predicate,
// used for post-confirmation adjustments. It still refuses to breach the
// budget invariant.
func (e *Enforcer) RecordUsage(ctx context.Context, id uint, req AuthRequest) (*model.SessionKey, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		key, err := e.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if key.Status != model.SessionStatusActive && key.Status != model.SessionStatusExhausted {
			return nil, fmt.Errorf("session %d is %s: %w", id, key.Status, model.ErrSessionInactive)
		}

		newUsed := key.TotalValueUsedUsd.Add(req.ValueUsd)
		if newUsed.GreaterThan(key.MaxTotalValueUsd) {
			return nil, fmt.Errorf("usage %s would breach total cap: %w", req.ValueUsd, model.ErrBudgetExceeded)
		}
		newCount := key.TransactionCount + 1
		newStatus := key.Status
		if newUsed.GreaterThanOrEqual(key.MaxTotalValueUsd) {
			newStatus = model.SessionStatusExhausted
		}
		if key.MaxTransactions != nil && newCount >= *key.MaxTransactions {
			newStatus = model.SessionStatusExhausted
		}

		err = e.repo.CompareAndSwap(ctx, id, key.Version, map[string]interface{}{
			"total_value_used_usd": newUsed,
			"transaction_count":    newCount,
			"status":               newStatus,
		})
		if err == model.ErrVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}

		if req.ClientRef == "" {
			req.ClientRef = uuid.NewString()
		}
		if err := e.repo.AppendUsage(ctx, &model.SessionUsage{
			SessionKeyID: id,
			ClientRef:    req.ClientRef,
			ValueUsd:     req.ValueUsd,
			ChainID:      req.ChainID,
			TokenAddress: req.TokenAddress,
			TxHash:       req.TxHash,
		}); err != nil {
			return nil, err
		}

		key.TotalValueUsedUsd = newUsed
		key.TransactionCount = newCount
		key.Status = newStatus
		key.Version++
		return key, nil
	}

	return nil, fmt.Errorf("session %d: usage retries exhausted: %w", id, model.ErrVersionConflict)
}

// Release returns a reservation to the grant after the spend it backed
// never reached the chain. The transaction slot comes back with the value,
// and an exhausted key reopens once headroom exists again.
func (e *Enforcer) Release(ctx context.Context, id uint, req AuthRequest) (*model.SessionKey, error) {
	return e.credit(ctx, id, req, true)
}

// CreditUnderspend returns the gap between a reservation and the smaller
// confirmed spend. The transaction itself still counts.
func (e *Enforcer) CreditUnderspend(ctx context.Context, id uint, req AuthRequest) (*model.SessionKey, error) {
	return e.credit(ctx, id, req, false)
}

func (e *Enforcer) credit(ctx context.Context, id uint, req AuthRequest, returnTxSlot bool) (*model.SessionKey, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		key, err := e.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if key.Status == model.SessionStatusRevoked {
			return nil, fmt.Errorf("session %d is revoked: %w", id, model.ErrSessionInactive)
		}

		newUsed := key.TotalValueUsedUsd.Sub(req.ValueUsd)
		if newUsed.IsNegative() {
			newUsed = decimal.Zero
		}
		newCount := key.TransactionCount
		if returnTxSlot && newCount > 0 {
			newCount--
		}
		newStatus := key.Status
		if key.Status == model.SessionStatusExhausted &&
			newUsed.LessThan(key.MaxTotalValueUsd) &&
			(key.MaxTransactions == nil || newCount < *key.MaxTransactions) &&
			key.ExpiresAt.After(e.now()) {
			newStatus = model.SessionStatusActive
		}

		err = e.repo.CompareAndSwap(ctx, id, key.Version, map[string]interface{}{
			"total_value_used_usd": newUsed,
			"transaction_count":    newCount,
			"status":               newStatus,
		})
		if err == model.ErrVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}

		if req.ClientRef == "" {
			req.ClientRef = uuid.NewString()
		}
		// Negative usage entry so the log nets out per client ref.
		if err := e.repo.AppendUsage(ctx, &model.SessionUsage{
			SessionKeyID: id,
			ClientRef:    req.ClientRef,
			ValueUsd:     req.ValueUsd.Neg(),
			ChainID:      req.ChainID,
			TokenAddress: req.TokenAddress,
			TxHash:       req.TxHash,
		}); err != nil {
			return nil, err
		}

		key.TotalValueUsedUsd = newUsed
		key.TransactionCount = newCount
		key.Status = newStatus
		key.Version++

		e.logger.WithFields(logrus.Fields{
			"session_id": id,
			"value_usd":  req.ValueUsd,
			"used_usd":   newUsed,
			"status":     newStatus,
		}).Info("session budget released")

		return key, nil
	}

	return nil, fmt.Errorf("session %d: release retries exhausted: %w", id, model.ErrVersionConflict)
}

// Revoke is one-way; a revoked key can never be reactivated.
func (e *Enforcer) Revoke(ctx context.Context, id uint, reason string) error {
	key, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if key.Status == model.SessionStatusRevoked {
		return nil
	}

	if err := e.repo.UpdateStatus(ctx, id, model.SessionStatusRevoked, reason); err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"session_id": id,
		"reason":     reason,
	}).Warn("session key revoked")

	return nil
}

// Extend pushes the expiry out by 1..365 days, from max(now, current
// expiry). Reactivates an expired key; illegal on revoked or exhausted
// keys.
func (e *Enforcer) Extend(ctx context.Context, id uint, days int) (*model.SessionKey, error) {
	if days < 1 || days > 365 {
		return nil, fmt.Errorf("extension days %d outside [1,365]", days)
	}

	key, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Status == model.SessionStatusRevoked || key.Status == model.SessionStatusExhausted {
		return nil, fmt.Errorf("session %d is %s: %w", id, key.Status, model.ErrIllegalStatus)
	}

	base := e.now()
	if key.ExpiresAt.After(base) {
		base = key.ExpiresAt
	}
	newExpiry := base.AddDate(0, 0, days)

	if err := e.repo.SetExpiry(ctx, id, newExpiry, model.SessionStatusActive); err != nil {
		return nil, err
	}

	key.ExpiresAt = newExpiry
	key.Status = model.SessionStatusActive

	e.logger.WithFields(logrus.Fields{
		"session_id": id,
		"expires_at": newExpiry,
	}).Info("session key extended")

	return key, nil
}

// CleanupExpired batch-expires all due session keys and smart sessions.
// Idempotent.
func (e *Enforcer) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	keys, err := e.repo.ExpireDue(ctx, now)
	if err != nil {
		return 0, err
	}
	smart, err := e.repo.ExpireDueSmart(ctx, now)
	if err != nil {
		return keys, err
	}
	return keys + smart, nil
}
