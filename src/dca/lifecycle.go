package dca

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tradeengine/src/model"
	"tradeengine/src/utils"
)

// statusTransitions is the legal strategy status machine. Missing statuses
// accept nothing.
var statusTransitions = map[model.DcaStatus][]model.DcaStatus{
	model.DcaStatusDraft:          {model.DcaStatusPendingSession, model.DcaStatusActive},
	model.DcaStatusPendingSession: {model.DcaStatusActive, model.DcaStatusExpired},
	model.DcaStatusActive:         {model.DcaStatusPaused, model.DcaStatusCompleted, model.DcaStatusFailed, model.DcaStatusExpired},
	model.DcaStatusPaused:         {model.DcaStatusActive, model.DcaStatusCompleted, model.DcaStatusExpired},
}

func statusAllowed(from, to model.DcaStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Create persists a new strategy in draft. Schedule validation happens
// here, not at activation, so a bad config is rejected immediately.
func (s *Scheduler) Create(ctx context.Context, strat *model.DcaStrategy) error {
	if !strat.AmountPerExecutionUsd.IsPositive() {
		return fmt.Errorf("amount per execution must be positive")
	}
	if strat.Frequency == model.DcaFrequencyCustom && strat.IntervalMinutes < 1 {
		return fmt.Errorf("custom frequency requires interval_minutes >= 1")
	}

	strat.Status = model.DcaStatusDraft
	strat.NextExecutionAt = nil
	return s.strategies.Create(ctx, strat)
}

// Activate moves a strategy into the schedule. Without a live session it
// parks in pending_session instead; AttachSession completes the activation
// later.
func (s *Scheduler) Activate(ctx context.Context, id uint) (*model.DcaStrategy, error) {
	strat, err := s.strategies.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if strat.SessionKeyID == nil || s.checkSession(ctx, strat) != "" {
		if !statusAllowed(strat.Status, model.DcaStatusPendingSession) {
			return nil, fmt.Errorf("%w: %s -> pending_session", model.ErrIllegalStatus, strat.Status)
		}
		strat.Status = model.DcaStatusPendingSession
		strat.NextExecutionAt = nil
		if err := s.strategies.Save(ctx, strat); err != nil {
			return nil, err
		}
		s.logger.WithField("strategy_id", id).Info("strategy parked pending session")
		return strat, nil
	}

	if !statusAllowed(strat.Status, model.DcaStatusActive) {
		return nil, fmt.Errorf("%w: %s -> active", model.ErrIllegalStatus, strat.Status)
	}

	now := s.now()
	strat.Status = model.DcaStatusActive
	// First tick runs on the next scheduler cycle.
	strat.NextExecutionAt = &now
	if err := s.strategies.Save(ctx, strat); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"strategy_id": id,
		"pair":        strat.FromToken + "/" + strat.ToToken,
		"frequency":   strat.Frequency,
	}).Info("strategy activated")

	return strat, nil
}

// AttachSession binds a spending grant to the strategy and activates it if
// it was waiting for one.
func (s *Scheduler) AttachSession(ctx context.Context, id, sessionKeyID uint) (*model.DcaStrategy, error) {
	strat, err := s.strategies.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	strat.SessionKeyID = &sessionKeyID
	if err := s.strategies.Save(ctx, strat); err != nil {
		return nil, err
	}

	if strat.Status == model.DcaStatusPendingSession {
		return s.Activate(ctx, id)
	}
	return strat, nil
}

// Pause suspends the schedule without losing state.
func (s *Scheduler) Pause(ctx context.Context, id uint) (*model.DcaStrategy, error) {
	return s.setStatus(ctx, id, model.DcaStatusPaused, func(strat *model.DcaStrategy) {
		strat.NextExecutionAt = nil
	})
}

// Resume reactivates a paused strategy. The next run is recomputed from
// now rather than from the pre-pause schedule.
func (s *Scheduler) Resume(ctx context.Context, id uint) (*model.DcaStrategy, error) {
	now := s.now()
	return s.setStatus(ctx, id, model.DcaStatusActive, func(strat *model.DcaStrategy) {
		next := utils.NextRun(strat.Frequency, strat.IntervalMinutes, now)
		strat.NextExecutionAt = &next
	})
}

// Stop completes a strategy early. Statistics are kept.
func (s *Scheduler) Stop(ctx context.Context, id uint) (*model.DcaStrategy, error) {
	return s.setStatus(ctx, id, model.DcaStatusCompleted, func(strat *model.DcaStrategy) {
		strat.NextExecutionAt = nil
	})
}

func (s *Scheduler) setStatus(ctx context.Context, id uint, to model.DcaStatus, mutate func(*model.DcaStrategy)) (*model.DcaStrategy, error) {
	strat, err := s.strategies.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusAllowed(strat.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrIllegalStatus, strat.Status, to)
	}

	from := strat.Status
	strat.Status = to
	if mutate != nil {
		mutate(strat)
	}
	if err := s.strategies.Save(ctx, strat); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"strategy_id": id,
		"from":        from,
		"to":          to,
	}).Info("strategy status changed")

	return strat, nil
}

// ConfigUpdate is the subset of strategy fields that may change after
// creation. Nil fields are left untouched.
type ConfigUpdate struct {
	Name                  *string             `json:"name,omitempty"`
	AmountPerExecutionUsd *string             `json:"amount_per_execution_usd,omitempty"`
	Frequency             *model.DcaFrequency `json:"frequency,omitempty"`
	IntervalMinutes       *int                `json:"interval_minutes,omitempty"`
	MaxSlippageBps        *int                `json:"max_slippage_bps,omitempty"`
	MaxGasUsd             *string             `json:"max_gas_usd,omitempty"`
	SkipIfGasAboveUsd     *string             `json:"skip_if_gas_above_usd,omitempty"`
	EndDate               *time.Time          `json:"end_date,omitempty"`
	MaxExecutions         *int                `json:"max_executions,omitempty"`
}

// UpdateConfig edits a strategy. Only draft and paused strategies accept
// edits; an active schedule must be paused first.
func (s *Scheduler) UpdateConfig(ctx context.Context, id uint, upd ConfigUpdate) (*model.DcaStrategy, error) {
	strat, err := s.strategies.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if strat.Status != model.DcaStatusDraft && strat.Status != model.DcaStatusPaused {
		return nil, fmt.Errorf("%w: config edits require draft or paused, got %s", model.ErrIllegalStatus, strat.Status)
	}

	if upd.Name != nil {
		strat.Name = *upd.Name
	}
	if upd.AmountPerExecutionUsd != nil {
		amount, err := utils.ParsePositiveDecimal(*upd.AmountPerExecutionUsd)
		if err != nil {
			return nil, fmt.Errorf("amount_per_execution_usd: %w", err)
		}
		strat.AmountPerExecutionUsd = amount
	}
	if upd.Frequency != nil {
		strat.Frequency = *upd.Frequency
	}
	if upd.IntervalMinutes != nil {
		strat.IntervalMinutes = *upd.IntervalMinutes
	}
	if strat.Frequency == model.DcaFrequencyCustom && strat.IntervalMinutes < 1 {
		return nil, fmt.Errorf("custom frequency requires interval_minutes >= 1")
	}
	if upd.MaxSlippageBps != nil {
		strat.MaxSlippageBps = *upd.MaxSlippageBps
	}
	if upd.MaxGasUsd != nil {
		v, err := utils.ParseDecimal(*upd.MaxGasUsd)
		if err != nil {
			return nil, fmt.Errorf("max_gas_usd: %w", err)
		}
		strat.MaxGasUsd = v
	}
	if upd.SkipIfGasAboveUsd != nil {
		v, err := utils.ParseDecimal(*upd.SkipIfGasAboveUsd)
		if err != nil {
			return nil, fmt.Errorf("skip_if_gas_above_usd: %w", err)
		}
		strat.SkipIfGasAboveUsd = v
	}
	if upd.EndDate != nil {
		strat.EndDate = upd.EndDate
	}
	if upd.MaxExecutions != nil {
		strat.MaxExecutions = upd.MaxExecutions
	}

	if err := s.strategies.Save(ctx, strat); err != nil {
		return nil, err
	}
	return strat, nil
}
