package session

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

// Smart-session operations mirror the session-key contract with the
// flattened limit model: one aggregate spending cap and a capability set.

// CreateSmart opens a new active smart session.
func (e *Enforcer) CreateSmart(ctx context.Context, wallet string, limitUsd decimal.Decimal, actions model.StringList, expiresAt time.Time) (*model.SmartSession, error) {
	if limitUsd.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("spending limit must be positive")
	}
	if expiresAt.Before(e.now()) {
		return nil, fmt.Errorf("expiry %s already passed: %w", expiresAt, model.ErrSessionExpired)
	}

	s := &model.SmartSession{
		WalletAddress:    wallet,
		SpendingLimitUsd: limitUsd,
		AllowedActions:   actions,
		ExpiresAt:        expiresAt,
		Status:           model.SessionStatusActive,
	}
	if err := e.repo.CreateSmart(ctx, s); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"smart_session_id": s.ID,
		"wallet":           wallet,
		"limit_usd":        limitUsd,
	}).Info("smart session created")

	return s, nil
}

// AuthorizeSmart is the read-path predicate for the flattened limit model.
func (e *Enforcer) AuthorizeSmart(s *model.SmartSession, action string, valueUsd decimal.Decimal) error {
	now := e.now()

	switch s.Status {
	case model.SessionStatusActive:
	case model.SessionStatusExpired:
		return model.ErrSessionExpired
	default:
		return fmt.Errorf("smart session %d is %s: %w", s.ID, s.Status, model.ErrSessionInactive)
	}
	if !s.ExpiresAt.After(now) {
		return model.ErrSessionExpired
	}

	if action != "" && len(s.AllowedActions) > 0 && !s.AllowedActions.Contains(action) {
		return fmt.Errorf("action %q: %w", action, model.ErrActionNotAllowed)
	}
	if s.SpentUsd.Add(valueUsd).GreaterThan(s.SpendingLimitUsd) {
		return fmt.Errorf("value %s exceeds remaining limit %s: %w",
			valueUsd, s.SpendingLimitUsd.Sub(s.SpentUsd), model.ErrBudgetExceeded)
	}

	return nil
}

// ReserveSmart atomically authorizes and records a spend against a smart
// session.
func (e *Enforcer) ReserveSmart(ctx context.Context, id uint, action string, valueUsd decimal.Decimal) (*model.SmartSession, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		s, err := e.repo.FindSmartByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := e.AuthorizeSmart(s, action, valueUsd); err != nil {
			return nil, err
		}

		newSpent := s.SpentUsd.Add(valueUsd)
		newStatus := s.Status
		if newSpent.GreaterThanOrEqual(s.SpendingLimitUsd) {
			newStatus = model.SessionStatusExhausted
		}

		err = e.repo.CompareAndSwapSmart(ctx, id, s.Version, map[string]interface{}{
			"spent_usd":         newSpent,
			"transaction_count": s.TransactionCount + 1,
			"status":            newStatus,
		})
		if err == model.ErrVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.SpentUsd = newSpent
		s.TransactionCount++
		s.Status = newStatus
		s.Version++
		return s, nil
	}

	return nil, fmt.Errorf("smart session %d: reserve retries exhausted: %w", id, model.ErrVersionConflict)
}

// RevokeSmart is one-way, matching session-key semantics.
func (e *Enforcer) RevokeSmart(ctx context.Context, id uint, reason string) error {
	s, err := e.repo.FindSmartByID(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == model.SessionStatusRevoked {
		return nil
	}

	return e.repo.UpdateSmartStatus(ctx, id, model.SessionStatusRevoked, reason)
}
