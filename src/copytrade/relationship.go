package copytrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

var hundred = decimal.NewFromInt(100)

// validSizing reports whether a sizing rule is well-formed.
func validSizing(mode model.SizingMode, rel *model.CopyRelationship) error {
	switch mode {
	case model.SizingModePercentage, model.SizingModeProportional:
		if !rel.SizeValue.IsPositive() || rel.SizeValue.GreaterThan(hundred) {
			return fmt.Errorf("size_value must be in (0, 100] for %s sizing", mode)
		}
	case model.SizingModeFixed:
		if !rel.SizeValue.IsPositive() {
			return fmt.Errorf("size_value must be positive for fixed sizing")
		}
	default:
		return fmt.Errorf("unknown sizing mode %q", mode)
	}

	if !rel.MaxTradeUsd.IsZero() && rel.MinTradeUsd.GreaterThan(rel.MaxTradeUsd) {
		return fmt.Errorf("min_trade_usd exceeds max_trade_usd")
	}
	return nil
}

// Upsert creates the relationship or updates it in place when one already
// exists for the same follower wallet and leader on that chain.
func (e *Engine) Upsert(ctx context.Context, rel *model.CopyRelationship) (*model.CopyRelationship, error) {
	if rel.LeaderAddress == "" || rel.WalletAddress == "" {
		return nil, fmt.Errorf("leader and wallet addresses are required")
	}
	if err := validSizing(rel.SizingMode, rel); err != nil {
		return nil, err
	}

	existing, err := e.relationships.FindByFollowerAndLeader(ctx, rel.WalletAddress, rel.LeaderAddress, rel.ChainID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		rel.DailyResetAt = e.now()
		if err := e.relationships.CreateRelationship(ctx, rel); err != nil {
			return nil, err
		}
		e.logger.WithFields(logrus.Fields{
			"relationship_id": rel.ID,
			"leader":          rel.LeaderAddress,
		}).Info("copy relationship created")
		return rel, nil
	}

	// Configuration changes only; counters and the daily window survive.
	existing.SizingMode = rel.SizingMode
	existing.SizeValue = rel.SizeValue
	existing.MinTradeUsd = rel.MinTradeUsd
	existing.MaxTradeUsd = rel.MaxTradeUsd
	existing.AllowedTokens = rel.AllowedTokens
	existing.DeniedTokens = rel.DeniedTokens
	existing.AllowedActions = rel.AllowedActions
	existing.DelaySeconds = rel.DelaySeconds
	existing.MaxDelaySeconds = rel.MaxDelaySeconds
	existing.MaxSlippageBps = rel.MaxSlippageBps
	existing.MaxDailyTrades = rel.MaxDailyTrades
	existing.MaxDailyVolumeUsd = rel.MaxDailyVolumeUsd
	existing.AutoExecute = rel.AutoExecute
	if rel.SessionKeyID != nil {
		existing.SessionKeyID = rel.SessionKeyID
	}

	if err := e.relationships.SaveRelationship(ctx, existing); err != nil {
		return nil, err
	}
	e.logger.WithField("relationship_id", existing.ID).Info("copy relationship updated")
	return existing, nil
}

// SetPaused pauses or resumes a relationship. Pausing stops matching
// without losing counters.
func (e *Engine) SetPaused(ctx context.Context, id uint, paused bool) (*model.CopyRelationship, error) {
	rel, err := e.relationships.FindRelationshipByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rel.IsPaused = paused
	if err := e.relationships.SaveRelationship(ctx, rel); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"relationship_id": id,
		"paused":          paused,
	}).Info("copy relationship pause toggled")
	return rel, nil
}

// Deactivate retires a relationship permanently.
func (e *Engine) Deactivate(ctx context.Context, id uint) (*model.CopyRelationship, error) {
	rel, err := e.relationships.FindRelationshipByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rel.IsActive = false
	if err := e.relationships.SaveRelationship(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}
