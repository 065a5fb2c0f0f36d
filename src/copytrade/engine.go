package copytrade

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
	"tradeengine/src/risk"
	"tradeengine/src/session"
	"tradeengine/src/utils"
)

const actionClassCopyTrade = "copy_trade"

// PortfolioService supplies the follower's portfolio value for
// proportional sizing.
type PortfolioService interface {
	PortfolioValueUsd(ctx context.Context, wallet, chainID string) (decimal.Decimal, error)
}

// QuoteService is the quoting surface the engine needs.
type QuoteService interface {
	Quote(ctx context.Context, req connectors.QuoteRequest) (*connectors.Quote, error)
}

// ChainService is the chain-submission surface.
type ChainService interface {
	SubmitSwap(ctx context.Context, req connectors.SwapRequest) (*connectors.SwapReceipt, error)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Relationships *repository.CopyRepository
	Sessions      *repository.SessionRepository
	Enforcer      *session.Enforcer
	Executions    *execution.Manager
	Quotes        QuoteService
	Chain         ChainService
	Portfolio     PortfolioService
	Limiter       *ratelimit.Registry
}

// Engine fans a leader trade signal out to every matching follower
// relationship. Gate failures and per-relationship errors are absorbed so
// one follower cannot block the rest of the fan-out.
type Engine struct {
	relationships *repository.CopyRepository
	sessions      *repository.SessionRepository
	enforcer      *session.Enforcer
	executions    *execution.Manager
	quotes        QuoteService
	chain         ChainService
	portfolio     PortfolioService
	limiter       *ratelimit.Registry

	logger *logrus.Entry
	now    func() time.Time
}

// NewEngine wires an engine.
func NewEngine(logger *logrus.Entry, deps Deps) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Engine{
		relationships: deps.Relationships,
		sessions:      deps.Sessions,
		enforcer:      deps.Enforcer,
		executions:    deps.Executions,
		quotes:        deps.Quotes,
		chain:         deps.Chain,
		portfolio:     deps.Portfolio,
		limiter:       deps.Limiter,
		logger:        logger,
		now:           time.Now,
	}
}

// WithNow overrides the clock. Useful for tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// HandleSignal fans one leader signal out to all matching relationships.
// Returns how many relationships were evaluated.
func (e *Engine) HandleSignal(ctx context.Context, sig model.TradeSignal) (int, error) {
	rels, err := e.relationships.FindActiveByLeader(ctx, sig.LeaderAddress, sig.ChainID)
	if err != nil {
		return 0, err
	}

	log := e.logger.WithFields(logrus.Fields{
		"leader":    sig.LeaderAddress,
		"chain_id":  sig.ChainID,
		"tx_hash":   sig.TxHash,
		"followers": len(rels),
	})
	if len(rels) == 0 {
		log.Debug("no followers for signal")
		return 0, nil
	}
	log.Info("replicating leader signal")

	for i := range rels {
		if err := e.replicate(ctx, &rels[i], sig); err != nil {
			// Absorbed: the attempt recorded its own outcome.
			e.logger.WithError(err).WithField("relationship_id", rels[i].ID).
				Error("signal replication failed")
		}
	}

	return len(rels), nil
}

// HandleSignalAbsorbed adapts HandleSignal to the signal-stream handler
// shape.
func (e *Engine) HandleSignalAbsorbed(ctx context.Context, sig model.TradeSignal) error {
	_, err := e.HandleSignal(ctx, sig)
	return err
}

// replicate evaluates one relationship against a signal: daily window
// reset, sizing, gates, then the manual or autonomous path.
func (e *Engine) replicate(ctx context.Context, rel *model.CopyRelationship, sig model.TradeSignal) error {
	now := e.now()

	if watermark, advanced := utils.AdvanceDailyWindow(rel.DailyResetAt, now); advanced {
		rel.DailyResetAt = watermark
		rel.DailyTradeCount = 0
		rel.DailyVolumeUsd = decimal.Zero
		if err := e.relationships.SaveRelationship(ctx, rel); err != nil {
			return err
		}
	}

	exec := &model.CopyExecution{
		RelationshipID:  rel.ID,
		LeaderTxHash:    sig.TxHash,
		ChainID:         sig.ChainID,
		Action:          sig.Action,
		TokenIn:         sig.TokenIn,
		TokenOut:        sig.TokenOut,
		LeaderAmountUsd: sig.AmountUsd,
		Status:          model.RunStatusPending,
		ClientRef:       uuid.NewString(),
	}
	if err := e.relationships.CreateExecution(ctx, exec); err != nil {
		return err
	}

	sized, err := e.sizeTrade(ctx, rel, sig)
	if err != nil {
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("sizing: %v", err))
	}
	exec.CalculatedSizeUsd = sized

	if reason := e.checkGates(rel, sig, sized); reason != "" {
		return e.skipAttempt(ctx, rel, exec, reason)
	}
	sized = risk.ClampToMax(sized, rel.MaxTradeUsd)
	exec.CalculatedSizeUsd = sized

	rec, err := e.executions.Create(ctx, model.OwnerTypeCopyRelationship, rel.ID, rel.WalletAddress)
	if err != nil {
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("execution record: %v", err))
	}
	exec.ExecutionRecordID = &rec.ID

	orderPayload := model.Payload{
		Kind: model.PayloadKindCopyOrder,
		CopyOrder: &model.CopyOrderPayload{
			LeaderAddress: sig.LeaderAddress,
			LeaderTxHash:  sig.TxHash,
			Action:        sig.Action,
			TokenIn:       sig.TokenIn,
			TokenOut:      sig.TokenOut,
			SizeUsd:       sized,
		},
	}
	if err := e.executions.SetSteps(ctx, rec.ID, []model.ExecutionStep{{
		Description: fmt.Sprintf("copy %s of %s %s/%s", sig.Action, sized, sig.TokenIn, sig.TokenOut),
		ActionType:  actionClassCopyTrade,
		Status:      model.StepStatusPending,
		ChainID:     sig.ChainID,
		Input:       orderPayload,
	}}); err != nil {
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("set steps: %v", err))
	}

	if err := e.executions.AddDecision(ctx, rec.ID, "sizing",
		fmt.Sprintf("%s sizing derived %s USD from leader trade of %s USD", rel.SizingMode, sized, sig.AmountUsd),
		nil, model.Payload{
			Kind: model.PayloadKindAgentContext,
			AgentContext: &model.AgentContextPayload{
				Stage:   "sizing",
				Summary: fmt.Sprintf("gates passed for %s %s/%s", sig.Action, sig.TokenIn, sig.TokenOut),
			},
		}); err != nil {
		e.logger.WithError(err).Warn("failed to record decision")
	}

	if !rel.AutoExecute {
		if _, err := e.executions.SetApproval(ctx, rec.ID,
			fmt.Sprintf("replicate %s trade of %s USD from %s", sig.Action, sized, sig.LeaderAddress)); err != nil {
			return e.failAttempt(ctx, rel, exec, fmt.Sprintf("request approval: %v", err))
		}
		if err := e.relationships.SaveExecution(ctx, exec); err != nil {
			return err
		}
		e.logger.WithFields(logrus.Fields{
			"relationship_id": rel.ID,
			"size_usd":        sized,
		}).Info("copy trade awaiting approval")
		return nil
	}

	if rel.SessionKeyID == nil {
		if _, ferr := e.executions.Fail(ctx, rec.ID, "no session attached", "session", false); ferr != nil {
			e.logger.WithError(ferr).Error("failed to fail execution record")
		}
		return e.skipAttempt(ctx, rel, exec, model.CopySkipSessionExpired)
	}

	if e.limiter != nil && !e.limiter.Allow(rel.WalletAddress, actionClassCopyTrade) {
		if _, ferr := e.executions.Fail(ctx, rec.ID, "wallet rate limited", "rate_limit", true); ferr != nil {
			e.logger.WithError(ferr).Error("failed to fail execution record")
		}
		return e.skipAttempt(ctx, rel, exec, model.CopySkipRateLimited)
	}

	delay := time.Duration(rel.DelaySeconds) * time.Second
	if max := time.Duration(rel.MaxDelaySeconds) * time.Second; max > 0 && delay > max {
		delay = max
	}
	if delay > 0 {
		// Park the attempt; RunScheduled submits it once the hold
		// elapses so the fan-out never blocks on one follower.
		scheduled := now.Add(delay)
		exec.ScheduledFor = &scheduled
		if err := e.relationships.SaveExecution(ctx, exec); err != nil {
			return err
		}
		e.logger.WithFields(logrus.Fields{
			"relationship_id": rel.ID,
			"scheduled_for":   scheduled,
		}).Info("copy trade delayed")
		return nil
	}

	return e.submit(ctx, rel, exec, rec.ID, sized)
}

// RunScheduled submits delayed replications whose hold has elapsed.
// Returns how many were picked up.
func (e *Engine) RunScheduled(ctx context.Context, now time.Time) (int, error) {
	due, err := e.relationships.FindDueScheduled(ctx, now, 50)
	if err != nil {
		return 0, err
	}

	for i := range due {
		exec := &due[i]
		rel, err := e.relationships.FindRelationshipByID(ctx, exec.RelationshipID)
		if err != nil {
			e.logger.WithError(err).WithField("relationship_id", exec.RelationshipID).
				Error("delayed replication lost its relationship")
			continue
		}
		if rel.SessionKeyID == nil || exec.ExecutionRecordID == nil {
			if serr := e.skipAttempt(ctx, rel, exec, model.CopySkipSessionExpired); serr != nil {
				e.logger.WithError(serr).Error("failed to skip delayed replication")
			}
			continue
		}
		if err := e.submit(ctx, rel, exec, *exec.ExecutionRecordID, exec.CalculatedSizeUsd); err != nil {
			// Absorbed: the attempt recorded its own outcome.
			e.logger.WithError(err).WithField("relationship_id", rel.ID).
				Error("delayed replication failed")
		}
	}

	return len(due), nil
}

// sizeTrade derives the follower order size from the leader trade.
// Proportional mode needs the follower's portfolio value from outside.
func (e *Engine) sizeTrade(ctx context.Context, rel *model.CopyRelationship, sig model.TradeSignal) (decimal.Decimal, error) {
	portfolioUsd := decimal.Zero
	if rel.SizingMode == model.SizingModeProportional {
		if e.portfolio == nil {
			return decimal.Zero, fmt.Errorf("proportional sizing requires a portfolio source")
		}
		v, err := e.portfolio.PortfolioValueUsd(ctx, rel.WalletAddress, rel.ChainID)
		if err != nil {
			return decimal.Zero, err
		}
		portfolioUsd = v
	}

	return risk.CalculateCopySize(rel.SizingMode, rel.SizeValue, sig.AmountUsd, portfolioUsd), nil
}

// checkGates applies the replication gates in their fixed order and
// returns the first failing reason.
func (e *Engine) checkGates(rel *model.CopyRelationship, sig model.TradeSignal, sized decimal.Decimal) model.CopySkipReason {
	if len(rel.AllowedActions) > 0 && !rel.AllowedActions.Contains(sig.Action) {
		return model.CopySkipActionNotAllowed
	}

	if rel.DeniedTokens.Contains(sig.TokenIn) || rel.DeniedTokens.Contains(sig.TokenOut) {
		return model.CopySkipTokenFiltered
	}
	if len(rel.AllowedTokens) > 0 && !rel.AllowedTokens.Contains(sig.TokenOut) {
		return model.CopySkipTokenFiltered
	}

	if rel.MaxDailyTrades > 0 && rel.DailyTradeCount >= rel.MaxDailyTrades {
		return model.CopySkipDailyTradeLimit
	}
	if !rel.MaxDailyVolumeUsd.IsZero() && rel.DailyVolumeUsd.Add(sized).GreaterThan(rel.MaxDailyVolumeUsd) {
		return model.CopySkipDailyVolumeLimit
	}

	return risk.CheckBounds(sized, rel.MinTradeUsd, rel.MaxTradeUsd)
}

// submit reserves budget and hands the order to the chain service. The
// attempt stays running until the chain service calls back.
func (e *Engine) submit(ctx context.Context, rel *model.CopyRelationship, exec *model.CopyExecution, recordID uint, sized decimal.Decimal) error {
	_, err := e.enforcer.AuthorizeAndReserve(ctx, *rel.SessionKeyID, session.AuthRequest{
		ValueUsd:     sized,
		Action:       actionClassCopyTrade,
		ChainID:      rel.ChainID,
		TokenAddress: exec.TokenOut,
		ClientRef:    exec.ClientRef,
	})
	if err != nil {
		if _, ferr := e.executions.Fail(ctx, recordID, err.Error(), "budget_reserve", false); ferr != nil {
			e.logger.WithError(ferr).Error("failed to fail execution record")
		}
		if errors.Is(err, model.ErrSessionExpired) || errors.Is(err, model.ErrSessionInactive) || errors.Is(err, model.ErrBudgetExceeded) {
			// Dead grant: pause the relationship so it is not matched
			// again until the owner intervenes.
			if serr := e.skipAttempt(ctx, rel, exec, model.CopySkipSessionExpired); serr != nil {
				return serr
			}
			rel.IsPaused = true
			e.logger.WithField("relationship_id", rel.ID).Warn("session invalid, relationship paused")
			return e.relationships.SaveRelationship(ctx, rel)
		}
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("budget reserve: %v", err))
	}
	exec.ReservedUsd = sized

	quote, err := e.quotes.Quote(ctx, connectors.QuoteRequest{
		ChainID:        rel.ChainID,
		FromToken:      exec.TokenIn,
		ToToken:        exec.TokenOut,
		AmountUsd:      sized,
		MaxSlippageBps: rel.MaxSlippageBps,
	})
	if err != nil {
		if _, ferr := e.executions.Fail(ctx, recordID, err.Error(), "quote", true); ferr != nil {
			e.logger.WithError(ferr).Error("failed to fail execution record")
		}
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("quote: %v", err))
	}

	if _, err := e.executions.Transition(ctx, recordID, model.ExecStateExecuting, "signal_replicated", execution.TransitionOpts{}); err != nil {
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("transition: %v", err))
	}

	exec.Status = model.RunStatusRunning
	if err := e.relationships.SaveExecution(ctx, exec); err != nil {
		return err
	}

	if _, err := e.chain.SubmitSwap(ctx, connectors.SwapRequest{
		ClientRef:      exec.ClientRef,
		WalletAddress:  rel.WalletAddress,
		SessionKeyID:   *rel.SessionKeyID,
		ChainID:        rel.ChainID,
		FromToken:      exec.TokenIn,
		ToToken:        exec.TokenOut,
		AmountUsd:      sized,
		QuoteID:        quote.QuoteID,
		MaxSlippageBps: rel.MaxSlippageBps,
	}); err != nil {
		if _, ferr := e.executions.Fail(ctx, recordID, err.Error(), "submit", true); ferr != nil {
			e.logger.WithError(ferr).Error("failed to fail execution record")
		}
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("submit: %v", err))
	}

	e.logger.WithFields(logrus.Fields{
		"relationship_id": rel.ID,
		"client_ref":      exec.ClientRef,
		"size_usd":        sized,
	}).Info("copy trade submitted")

	return nil
}

// SubmitApproved resumes a manually approved attempt. The caller must have
// already moved the execution record to executing via Approve.
func (e *Engine) SubmitApproved(ctx context.Context, recordID uint) error {
	exec, err := e.relationships.FindExecutionByRecordID(ctx, recordID)
	if err != nil {
		return err
	}
	rel, err := e.relationships.FindRelationshipByID(ctx, exec.RelationshipID)
	if err != nil {
		return err
	}
	if rel.SessionKeyID == nil {
		return e.skipAttempt(ctx, rel, exec, model.CopySkipSessionExpired)
	}

	return e.submitAfterApproval(ctx, rel, exec)
}

// submitAfterApproval is submit without the reserve-time transition since
// Approve already moved the record to executing.
func (e *Engine) submitAfterApproval(ctx context.Context, rel *model.CopyRelationship, exec *model.CopyExecution) error {
	sized := exec.CalculatedSizeUsd

	_, err := e.enforcer.AuthorizeAndReserve(ctx, *rel.SessionKeyID, session.AuthRequest{
		ValueUsd:     sized,
		Action:       actionClassCopyTrade,
		ChainID:      rel.ChainID,
		TokenAddress: exec.TokenOut,
		ClientRef:    exec.ClientRef,
	})
	if err != nil {
		if exec.ExecutionRecordID != nil {
			if _, ferr := e.executions.Fail(ctx, *exec.ExecutionRecordID, err.Error(), "budget_reserve", false); ferr != nil {
				e.logger.WithError(ferr).Error("failed to fail execution record")
			}
		}
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("budget reserve: %v", err))
	}
	exec.ReservedUsd = sized

	quote, err := e.quotes.Quote(ctx, connectors.QuoteRequest{
		ChainID:        rel.ChainID,
		FromToken:      exec.TokenIn,
		ToToken:        exec.TokenOut,
		AmountUsd:      sized,
		MaxSlippageBps: rel.MaxSlippageBps,
	})
	if err != nil {
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("quote: %v", err))
	}

	exec.Status = model.RunStatusRunning
	if err := e.relationships.SaveExecution(ctx, exec); err != nil {
		return err
	}

	if _, err := e.chain.SubmitSwap(ctx, connectors.SwapRequest{
		ClientRef:      exec.ClientRef,
		WalletAddress:  rel.WalletAddress,
		SessionKeyID:   *rel.SessionKeyID,
		ChainID:        rel.ChainID,
		FromToken:      exec.TokenIn,
		ToToken:        exec.TokenOut,
		AmountUsd:      sized,
		QuoteID:        quote.QuoteID,
		MaxSlippageBps: rel.MaxSlippageBps,
	}); err != nil {
		return e.failAttempt(ctx, rel, exec, fmt.Sprintf("submit: %v", err))
	}

	return nil
}

// RejectPending resolves a rejected manual attempt as skipped. The caller
// must have already rejected the execution record.
func (e *Engine) RejectPending(ctx context.Context, recordID uint, reason string) error {
	exec, err := e.relationships.FindExecutionByRecordID(ctx, recordID)
	if err != nil {
		return err
	}
	if exec.Status.Resolved() {
		return nil
	}
	rel, err := e.relationships.FindRelationshipByID(ctx, exec.RelationshipID)
	if err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"relationship_id": rel.ID,
		"client_ref":      exec.ClientRef,
		"reason":          reason,
	}).Info("copy trade rejected")

	exec.SkipDetail = reason
	return e.skipAttempt(ctx, rel, exec, model.CopySkipRejected)
}

// skipAttempt resolves an attempt as skipped and bumps the skip counter.
func (e *Engine) skipAttempt(ctx context.Context, rel *model.CopyRelationship, exec *model.CopyExecution, reason model.CopySkipReason) error {
	now := e.now()
	exec.Status = model.RunStatusSkipped
	exec.SkipReason = reason
	exec.CompletedAt = &now
	if err := e.relationships.SaveExecution(ctx, exec); err != nil {
		return err
	}

	rel.SkippedTrades++
	e.logger.WithFields(logrus.Fields{
		"relationship_id": rel.ID,
		"skip_reason":     reason,
	}).Info("copy trade skipped")

	return e.relationships.SaveRelationship(ctx, rel)
}

// releaseReservation returns an attempt's unused reservation to the grant.
// No-op before the reserve has happened.
func (e *Engine) releaseReservation(ctx context.Context, rel *model.CopyRelationship, exec *model.CopyExecution) {
	if rel.SessionKeyID == nil || !exec.ReservedUsd.IsPositive() {
		return
	}
	if _, err := e.enforcer.Release(ctx, *rel.SessionKeyID, session.AuthRequest{
		ValueUsd:  exec.ReservedUsd,
		Action:    actionClassCopyTrade,
		ChainID:   rel.ChainID,
		ClientRef: exec.ClientRef,
	}); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"relationship_id": rel.ID,
			"client_ref":      exec.ClientRef,
		}).Error("failed to release budget reservation")
		return
	}
	exec.ReservedUsd = decimal.Zero
}

// failAttempt resolves an attempt as failed, returning any reservation it
// still holds, and bumps the failure counters.
func (e *Engine) failAttempt(ctx context.Context, rel *model.CopyRelationship, exec *model.CopyExecution, errMsg string) error {
	e.releaseReservation(ctx, rel, exec)
	now := e.now()
	exec.Status = model.RunStatusFailed
	exec.Error = &errMsg
	exec.CompletedAt = &now
	if err := e.relationships.SaveExecution(ctx, exec); err != nil {
		return err
	}

	rel.TotalTrades++
	rel.FailedTrades++
	e.logger.WithFields(logrus.Fields{
		"relationship_id": rel.ID,
	}).WithField("error", errMsg).Warn("copy trade failed")

	return e.relationships.SaveRelationship(ctx, rel)
}
