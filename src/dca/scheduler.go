package dca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradeengine/src/connectors"
	"tradeengine/src/execution"
	"tradeengine/src/model"
	"tradeengine/src/ratelimit"
	"tradeengine/src/repository"
	"tradeengine/src/session"
	"tradeengine/src/utils"
)

const actionClassDcaSwap = "dca_swap"

// QuoteService is the price-quoting collaborator surface the scheduler
// needs.
type QuoteService interface {
	MarketSnapshot(ctx context.Context, chainID, fromToken, toToken string) (*connectors.MarketSnapshot, error)
	Quote(ctx context.Context, req connectors.QuoteRequest) (*connectors.Quote, error)
}

// ChainService is the chain-submission collaborator surface.
type ChainService interface {
	SubmitSwap(ctx context.Context, req connectors.SwapRequest) (*connectors.SwapReceipt, error)
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Strategies *repository.DcaRepository
	Sessions   *repository.SessionRepository
	Enforcer   *session.Enforcer
	Executions *execution.Manager
	Quotes     QuoteService
	Chain      ChainService
	Limiter    *ratelimit.Registry
}

// Scheduler runs the recurring-strategy cycle: select due strategies,
// guard, execute, account. Guard and recoverable failures are absorbed per
// tick so one bad strategy cannot halt a batch scan.
type Scheduler struct {
	strategies *repository.DcaRepository
	sessions   *repository.SessionRepository
	enforcer   *session.Enforcer
	executions *execution.Manager
	quotes     QuoteService
	chain      ChainService
	limiter    *ratelimit.Registry

	logger    *logrus.Entry
	now       func() time.Time
	batchSize int
}

// NewScheduler wires a scheduler and registers its completion hook on the
// execution manager.
func NewScheduler(logger *logrus.Entry, deps Deps) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Scheduler{
		strategies: deps.Strategies,
		sessions:   deps.Sessions,
		enforcer:   deps.Enforcer,
		executions: deps.Executions,
		quotes:     deps.Quotes,
		chain:      deps.Chain,
		limiter:    deps.Limiter,
		logger:     logger,
		now:        time.Now,
		batchSize:  50,
	}

	if s.executions != nil {
		s.executions.OnCompleted(model.OwnerTypeDcaStrategy, s.propagateCompletion)
	}

	return s
}

// WithNow overrides the clock. Useful for tests.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// propagateCompletion stamps the owning strategy when one of its execution
// records completes.
func (s *Scheduler) propagateCompletion(ctx context.Context, rec *model.ExecutionRecord) error {
	strat, err := s.strategies.FindByID(ctx, rec.OwnerID)
	if err != nil {
		return err
	}

	now := s.now()
	strat.LastExecutedAt = &now
	return s.strategies.Save(ctx, strat)
}

// RunDue executes one scheduler cycle at now. Returns how many strategies
// were picked up.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.strategies.FindDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	for i := range due {
		strat := &due[i]

		select {
		case <-ctx.Done():
			s.logger.Warn("scheduler cycle cancelled")
			return i, ctx.Err()
		default:
		}

		if err := s.runTick(ctx, strat, now); err != nil {
			// Absorbed: the tick recorded its own outcome.
			s.logger.WithError(err).WithField("strategy_id", strat.ID).
				Error("dca tick failed")
		}
	}

	return len(due), nil
}

// runTick evaluates one strategy: end-date stop, guards in order, then the
// proceed path. The first failing guard marks the tick skipped and normal
// scheduling continues.
func (s *Scheduler) runTick(ctx context.Context, strat *model.DcaStrategy, now time.Time) error {
	log := s.logger.WithFields(logrus.Fields{
		"strategy_id": strat.ID,
		"pair":        strat.FromToken + "/" + strat.ToToken,
	})

	if strat.EndDate != nil && !now.Before(*strat.EndDate) {
		strat.Status = model.DcaStatusCompleted
		strat.NextExecutionAt = nil
		log.Info("strategy reached end date, completing")
		return s.strategies.Save(ctx, strat)
	}

	exec := &model.DcaExecution{
		StrategyID: strat.ID,
		Status:     model.RunStatusPending,
		ClientRef:  uuid.NewString(),
	}
	if err := s.strategies.CreateExecution(ctx, exec); err != nil {
		return err
	}

	snap, err := s.quotes.MarketSnapshot(ctx, strat.ChainID, strat.FromToken, strat.ToToken)
	if err != nil {
		// Transient market-data outage: recoverable, retry next tick.
		return s.failTick(ctx, strat, exec, fmt.Sprintf("market snapshot: %v", err), true, now)
	}
	exec.PriceUsd = snap.PriceUsd
	exec.GasEstimateUsd = snap.GasEstimateUsd

	if reason := s.checkGuards(strat, snap); reason != "" {
		return s.skipTick(ctx, strat, exec, reason, now)
	}

	if reason := s.checkSession(ctx, strat); reason != "" {
		// A dead session also disables the strategy so it is not
		// reselected every cycle.
		if err := s.skipTick(ctx, strat, exec, reason, now); err != nil {
			return err
		}
		strat.Status = model.DcaStatusExpired
		strat.NextExecutionAt = nil
		log.Warn("session invalid, strategy expired")
		return s.strategies.Save(ctx, strat)
	}

	if s.limiter != nil && !s.limiter.Allow(strat.WalletAddress, actionClassDcaSwap) {
		return s.skipTick(ctx, strat, exec, model.DcaSkipRateLimited, now)
	}

	return s.proceed(ctx, strat, exec, now)
}

// checkGuards applies the market guards in their fixed order and returns
// the first failing reason.
func (s *Scheduler) checkGuards(strat *model.DcaStrategy, snap *connectors.MarketSnapshot) model.DcaSkipReason {
	gasCeiling := strat.SkipIfGasAboveUsd
	if gasCeiling.IsZero() {
		gasCeiling = strat.MaxGasUsd
	}
	if !gasCeiling.IsZero() && snap.GasEstimateUsd.GreaterThan(gasCeiling) {
		return model.DcaSkipGasTooHigh
	}

	if strat.PauseIfPriceAboveUsd != nil && snap.PriceUsd.GreaterThan(*strat.PauseIfPriceAboveUsd) {
		return model.DcaSkipPriceAboveLimit
	}
	if strat.PauseIfPriceBelowUsd != nil && snap.PriceUsd.LessThan(*strat.PauseIfPriceBelowUsd) {
		return model.DcaSkipPriceBelowLimit
	}

	return ""
}

// checkSession validates the strategy's grant covers the upcoming spend.
func (s *Scheduler) checkSession(ctx context.Context, strat *model.DcaStrategy) model.DcaSkipReason {
	if strat.SessionKeyID == nil {
		return model.DcaSkipSessionExpired
	}

	key, err := s.sessions.FindByID(ctx, *strat.SessionKeyID)
	if err != nil {
		return model.DcaSkipSessionExpired
	}

	err = s.enforcer.Authorize(key, session.AuthRequest{
		ValueUsd:     strat.AmountPerExecutionUsd,
		Action:       actionClassDcaSwap,
		ChainID:      strat.ChainID,
		TokenAddress: strat.ToToken,
	})
	if err != nil {
		return model.DcaSkipSessionExpired
	}

	return ""
}

// skipTick resolves the execution as skipped and keeps the schedule
// running.
func (s *Scheduler) skipTick(ctx context.Context, strat *model.DcaStrategy, exec *model.DcaExecution, reason model.DcaSkipReason, now time.Time) error {
	exec.Status = model.RunStatusSkipped
	exec.SkipReason = reason
	completed := s.now()
	exec.CompletedAt = &completed
	if err := s.strategies.SaveExecution(ctx, exec); err != nil {
		return err
	}

	strat.SkippedExecutions++
	s.reschedule(strat, now)

	s.logger.WithFields(logrus.Fields{
		"strategy_id": strat.ID,
		"execution":   exec.ExecutionNumber,
		"skip_reason": reason,
	}).Info("dca tick skipped")

	return s.strategies.Save(ctx, strat)
}

// releaseReservation returns a tick's unused reservation to the grant.
// No-op before the reserve has happened.
func (s *Scheduler) releaseReservation(ctx context.Context, strat *model.DcaStrategy, exec *model.DcaExecution) {
	if strat.SessionKeyID == nil || !exec.ReservedUsd.IsPositive() {
		return
	}
	if _, err := s.enforcer.Release(ctx, *strat.SessionKeyID, session.AuthRequest{
		ValueUsd:  exec.ReservedUsd,
		Action:    actionClassDcaSwap,
		ChainID:   strat.ChainID,
		ClientRef: exec.ClientRef,
	}); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"strategy_id": strat.ID,
			"client_ref":  exec.ClientRef,
		}).Error("failed to release budget reservation")
		return
	}
	exec.ReservedUsd = decimal.Zero
}

// failTick resolves the execution as failed, returning any reservation it
// still holds. Recoverable failures keep the strategy active; unrecoverable
// ones disable it.
func (s *Scheduler) failTick(ctx context.Context, strat *model.DcaStrategy, exec *model.DcaExecution, errMsg string, recoverable bool, now time.Time) error {
	s.releaseReservation(ctx, strat, exec)
	exec.Status = model.RunStatusFailed
	exec.Error = &errMsg
	completed := s.now()
	exec.CompletedAt = &completed
	if err := s.strategies.SaveExecution(ctx, exec); err != nil {
		return err
	}

	strat.FailedExecutions++
	strat.LastError = &errMsg
	if recoverable {
		s.reschedule(strat, now)
	} else {
		strat.Status = model.DcaStatusFailed
		strat.NextExecutionAt = nil
	}

	s.logger.WithFields(logrus.Fields{
		"strategy_id": strat.ID,
		"execution":   exec.ExecutionNumber,
		"recoverable": recoverable,
	}).WithField("error", errMsg).Warn("dca tick failed")

	return s.strategies.Save(ctx, strat)
}

// proceed runs the happy path: quote, budget reserve, execution record,
// submission. The engine holds no lock across the asynchronous submission;
// callbacks resume the tick.
func (s *Scheduler) proceed(ctx context.Context, strat *model.DcaStrategy, exec *model.DcaExecution, now time.Time) error {
	started := s.now()
	exec.Status = model.RunStatusRunning
	exec.StartedAt = &started
	if err := s.strategies.SaveExecution(ctx, exec); err != nil {
		return err
	}

	quote, err := s.quotes.Quote(ctx, connectors.QuoteRequest{
		ChainID:        strat.ChainID,
		FromToken:      strat.FromToken,
		ToToken:        strat.ToToken,
		AmountUsd:      strat.AmountPerExecutionUsd,
		MaxSlippageBps: strat.MaxSlippageBps,
	})
	if err != nil {
		return s.failTick(ctx, strat, exec, fmt.Sprintf("quote: %v", err), true, now)
	}
	exec.QuoteID = quote.QuoteID
	exec.QuoteAmountOut = quote.AmountOut

	rec, err := s.executions.Create(ctx, model.OwnerTypeDcaStrategy, strat.ID, strat.WalletAddress)
	if err != nil {
		return s.failTick(ctx, strat, exec, fmt.Sprintf("execution record: %v", err), true, now)
	}
	exec.ExecutionRecordID = &rec.ID

	orderPayload := model.Payload{
		Kind: model.PayloadKindDcaOrder,
		DcaOrder: &model.DcaOrderPayload{
			FromToken:      strat.FromToken,
			ToToken:        strat.ToToken,
			AmountUsd:      strat.AmountPerExecutionUsd,
			QuoteID:        quote.QuoteID,
			ExpectedOut:    quote.AmountOut,
			MaxSlippageBps: strat.MaxSlippageBps,
		},
	}
	if err := s.executions.SetSteps(ctx, rec.ID, []model.ExecutionStep{{
		Description: fmt.Sprintf("swap %s %s for %s", strat.AmountPerExecutionUsd, strat.FromToken, strat.ToToken),
		ActionType:  actionClassDcaSwap,
		Status:      model.StepStatusPending,
		ChainID:     strat.ChainID,
		Input:       orderPayload,
	}}); err != nil {
		return s.failTick(ctx, strat, exec, fmt.Sprintf("set steps: %v", err), true, now)
	}

	if err := s.executions.AddDecision(ctx, rec.ID, "guards",
		fmt.Sprintf("guards passed at price %s, gas %s", exec.PriceUsd, exec.GasEstimateUsd),
		nil, model.Payload{
			Kind: model.PayloadKindAgentContext,
			AgentContext: &model.AgentContextPayload{
				Stage:   "guards",
				Summary: fmt.Sprintf("quote %s expects %s %s out", quote.QuoteID, quote.AmountOut, strat.ToToken),
			},
		}); err != nil {
		s.logger.WithError(err).Warn("failed to record decision")
	}

	_, err = s.enforcer.AuthorizeAndReserve(ctx, *strat.SessionKeyID, session.AuthRequest{
		ValueUsd:     strat.AmountPerExecutionUsd,
		Action:       actionClassDcaSwap,
		ChainID:      strat.ChainID,
		TokenAddress: strat.ToToken,
		ClientRef:    exec.ClientRef,
	})
	if err != nil {
		if _, ferr := s.executions.Fail(ctx, rec.ID, err.Error(), "budget_reserve", false); ferr != nil {
			s.logger.WithError(ferr).Error("failed to fail execution record")
		}
		if errors.Is(err, model.ErrSessionExpired) || errors.Is(err, model.ErrSessionInactive) || errors.Is(err, model.ErrBudgetExceeded) {
			// Grant is dead: disable the strategy, do not reselect it.
			if serr := s.skipTick(ctx, strat, exec, model.DcaSkipSessionExpired, now); serr != nil {
				return serr
			}
			strat.Status = model.DcaStatusExpired
			strat.NextExecutionAt = nil
			return s.strategies.Save(ctx, strat)
		}
		return s.failTick(ctx, strat, exec, fmt.Sprintf("budget reserve: %v", err), true, now)
	}
	exec.ReservedUsd = strat.AmountPerExecutionUsd

	if _, err := s.executions.Transition(ctx, rec.ID, model.ExecStateExecuting, "dca_tick", execution.TransitionOpts{
		Context: orderPayload,
	}); err != nil {
		return s.failTick(ctx, strat, exec, fmt.Sprintf("transition: %v", err), true, now)
	}

	if err := s.strategies.SaveExecution(ctx, exec); err != nil {
		return err
	}

	if _, err := s.chain.SubmitSwap(ctx, connectors.SwapRequest{
		ClientRef:      exec.ClientRef,
		WalletAddress:  strat.WalletAddress,
		SessionKeyID:   *strat.SessionKeyID,
		ChainID:        strat.ChainID,
		FromToken:      strat.FromToken,
		ToToken:        strat.ToToken,
		AmountUsd:      strat.AmountPerExecutionUsd,
		QuoteID:        quote.QuoteID,
		MaxSlippageBps: strat.MaxSlippageBps,
	}); err != nil {
		if _, ferr := s.executions.Fail(ctx, rec.ID, err.Error(), "submit", true); ferr != nil {
			s.logger.WithError(ferr).Error("failed to fail execution record")
		}
		return s.failTick(ctx, strat, exec, fmt.Sprintf("submit: %v", err), true, now)
	}

	// The tick stays running until the chain service calls back; the
	// schedule advances only at resolution.
	s.logger.WithFields(logrus.Fields{
		"strategy_id": strat.ID,
		"execution":   exec.ExecutionNumber,
		"client_ref":  exec.ClientRef,
	}).Info("dca swap submitted")

	return nil
}

// reschedule recomputes the next run unless a stop condition has been hit.
func (s *Scheduler) reschedule(strat *model.DcaStrategy, now time.Time) {
	if strat.MaxExecutions != nil && strat.TotalExecutions >= *strat.MaxExecutions {
		strat.Status = model.DcaStatusCompleted
		strat.NextExecutionAt = nil
		return
	}
	if strat.MaxTotalSpendUsd != nil && strat.TotalAmountSpentUsd.GreaterThanOrEqual(*strat.MaxTotalSpendUsd) {
		strat.Status = model.DcaStatusCompleted
		strat.NextExecutionAt = nil
		return
	}
	if strat.EndDate != nil && !now.Before(*strat.EndDate) {
		strat.Status = model.DcaStatusCompleted
		strat.NextExecutionAt = nil
		return
	}

	next := utils.NextRun(strat.Frequency, strat.IntervalMinutes, now)
	strat.NextExecutionAt = &next
}
