package dca

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradeengine/src/execution"
	"tradeengine/src/model"
	"tradeengine/src/risk"
	"tradeengine/src/session"
)

// FillReport carries the actuals the chain-submission service reports for
// a confirmed swap.
type FillReport struct {
	TxHash         string          `json:"tx_hash"`
	SpentUsd       decimal.Decimal `json:"spent_usd"`
	TokensAcquired decimal.Decimal `json:"tokens_acquired"`
	GasPaidUsd     decimal.Decimal `json:"gas_paid_usd"`
}

// MarkSubmitted records the transaction hash once the swap lands on chain
// and moves the execution record into monitoring.
func (s *Scheduler) MarkSubmitted(ctx context.Context, clientRef, txHash string) error {
	exec, err := s.strategies.FindExecutionByClientRef(ctx, clientRef)
	if err != nil {
		return err
	}

	exec.TxHash = txHash
	if err := s.strategies.SaveExecution(ctx, exec); err != nil {
		return err
	}

	if exec.ExecutionRecordID != nil {
		if _, err := s.executions.Transition(ctx, *exec.ExecutionRecordID, model.ExecStateMonitoring, "submitted", execution.TransitionOpts{
			Reason: fmt.Sprintf("tx %s pending confirmation", txHash),
		}); err != nil {
			return err
		}
	}

	return nil
}

// MarkConfirmed resolves a running tick with its fill actuals. The owning
// strategy's running statistics and stop conditions are updated in the same
// call, so the cumulative average price is always spend-weighted.
func (s *Scheduler) MarkConfirmed(ctx context.Context, clientRef string, fill FillReport) error {
	exec, err := s.strategies.FindExecutionByClientRef(ctx, clientRef)
	if err != nil {
		return err
	}
	if exec.Status.Resolved() {
		s.logger.WithField("client_ref", clientRef).Warn("duplicate confirmation ignored")
		return nil
	}

	strat, err := s.strategies.FindByID(ctx, exec.StrategyID)
	if err != nil {
		return err
	}

	now := s.now()
	exec.Status = model.RunStatusCompleted
	exec.CompletedAt = &now
	exec.TxHash = fill.TxHash
	exec.SpentUsd = fill.SpentUsd
	exec.TokensAcquired = fill.TokensAcquired
	exec.GasPaidUsd = fill.GasPaidUsd
	if fill.TokensAcquired.IsPositive() {
		exec.FillPriceUsd = fill.SpentUsd.Div(fill.TokensAcquired)
	}
	if !exec.QuoteAmountOut.IsZero() {
		exec.SlippageBps = risk.SlippageBps(exec.QuoteAmountOut, fill.TokensAcquired)
	}
	if err := s.strategies.SaveExecution(ctx, exec); err != nil {
		return err
	}

	strat.TotalExecutions++
	strat.SuccessfulExecutions++
	strat.TotalAmountSpentUsd = strat.TotalAmountSpentUsd.Add(fill.SpentUsd)
	strat.TotalTokensAcquired = strat.TotalTokensAcquired.Add(fill.TokensAcquired)
	if strat.TotalTokensAcquired.IsPositive() {
		strat.AveragePriceUsd = strat.TotalAmountSpentUsd.Div(strat.TotalTokensAcquired)
	}
	strat.LastExecutedAt = &now
	s.reschedule(strat, now)
	if err := s.strategies.Save(ctx, strat); err != nil {
		return err
	}

	// The fill rarely matches the reservation exactly; settle the
	// difference against the grant in whichever direction it runs.
	if strat.SessionKeyID != nil && exec.ReservedUsd.IsPositive() {
		diff := fill.SpentUsd.Sub(exec.ReservedUsd)
		adjust := session.AuthRequest{
			ValueUsd:  diff.Abs(),
			Action:    actionClassDcaSwap,
			ChainID:   strat.ChainID,
			TxHash:    fill.TxHash,
			ClientRef: exec.ClientRef,
		}
		var aerr error
		switch {
		case diff.IsPositive():
			_, aerr = s.enforcer.RecordUsage(ctx, *strat.SessionKeyID, adjust)
		case diff.IsNegative():
			_, aerr = s.enforcer.CreditUnderspend(ctx, *strat.SessionKeyID, adjust)
		}
		if aerr != nil {
			s.logger.WithError(aerr).WithField("strategy_id", strat.ID).
				Warn("failed to settle spend difference")
		}
	}

	if exec.ExecutionRecordID != nil {
		result := model.Payload{
			Kind: model.PayloadKindDcaOrder,
			DcaOrder: &model.DcaOrderPayload{
				FromToken:   strat.FromToken,
				ToToken:     strat.ToToken,
				AmountUsd:   fill.SpentUsd,
				QuoteID:     exec.QuoteID,
				ExpectedOut: exec.QuoteAmountOut,
			},
		}
		if _, err := s.executions.Complete(ctx, *exec.ExecutionRecordID, result); err != nil {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"strategy_id": strat.ID,
		"execution":   exec.ExecutionNumber,
		"spent_usd":   fill.SpentUsd,
		"fill_price":  exec.FillPriceUsd,
		"avg_price":   strat.AveragePriceUsd,
	}).Info("dca execution confirmed")

	return nil
}

// MarkFailed resolves a running tick as failed. Recoverable failures keep
// the strategy scheduled; anything else disables it.
func (s *Scheduler) MarkFailed(ctx context.Context, clientRef, errMsg string, recoverable bool) error {
	exec, err := s.strategies.FindExecutionByClientRef(ctx, clientRef)
	if err != nil {
		return err
	}
	if exec.Status.Resolved() {
		return nil
	}

	strat, err := s.strategies.FindByID(ctx, exec.StrategyID)
	if err != nil {
		return err
	}

	if exec.ExecutionRecordID != nil {
		if _, ferr := s.executions.Fail(ctx, *exec.ExecutionRecordID, errMsg, "chain_failure", recoverable); ferr != nil {
			s.logger.WithError(ferr).Error("failed to fail execution record")
		}
	}

	return s.failTick(ctx, strat, exec, errMsg, recoverable, s.now())
}

// ConfirmDeadline is how long a submitted tick may sit unresolved before
// the stale sweep fails it.
const ConfirmDeadline = 30 * time.Minute
