package copytrade

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradeengine/src/execution"
	"tradeengine/src/model"
	"tradeengine/src/risk"
	"tradeengine/src/session"
)

// FillReport carries the actuals reported for a confirmed copy trade.
type FillReport struct {
	TxHash         string          `json:"tx_hash"`
	SpentUsd       decimal.Decimal `json:"spent_usd"`
	TokensAcquired decimal.Decimal `json:"tokens_acquired"`
	GasPaidUsd     decimal.Decimal `json:"gas_paid_usd"`
	ExpectedOut    decimal.Decimal `json:"expected_out"`
}

// MarkSubmitted records the transaction hash and moves the execution
// record into monitoring.
func (e *Engine) MarkSubmitted(ctx context.Context, clientRef, txHash string) error {
	exec, err := e.relationships.FindExecutionByClientRef(ctx, clientRef)
	if err != nil {
		return err
	}

	exec.TxHash = txHash
	if err := e.relationships.SaveExecution(ctx, exec); err != nil {
		return err
	}

	if exec.ExecutionRecordID != nil {
		if _, err := e.executions.Transition(ctx, *exec.ExecutionRecordID, model.ExecStateMonitoring, "submitted", execution.TransitionOpts{
			Reason: fmt.Sprintf("tx %s pending confirmation", txHash),
		}); err != nil {
			return err
		}
	}

	return nil
}

// OnFill resolves a running attempt with its fill actuals. Lifetime and
// daily counters move together here, nowhere else.
func (e *Engine) OnFill(ctx context.Context, clientRef string, fill FillReport) error {
	exec, err := e.relationships.FindExecutionByClientRef(ctx, clientRef)
	if err != nil {
		return err
	}
	if exec.Status.Resolved() {
		e.logger.WithField("client_ref", clientRef).Warn("duplicate fill ignored")
		return nil
	}

	rel, err := e.relationships.FindRelationshipByID(ctx, exec.RelationshipID)
	if err != nil {
		return err
	}

	now := e.now()
	exec.Status = model.RunStatusCompleted
	exec.CompletedAt = &now
	exec.TxHash = fill.TxHash
	exec.ActualSizeUsd = fill.SpentUsd
	exec.TokensAcquired = fill.TokensAcquired
	exec.GasPaidUsd = fill.GasPaidUsd
	if !fill.ExpectedOut.IsZero() {
		exec.SlippageBps = risk.SlippageBps(fill.ExpectedOut, fill.TokensAcquired)
	}
	if err := e.relationships.SaveExecution(ctx, exec); err != nil {
		return err
	}

	rel.TotalTrades++
	rel.SuccessfulTrades++
	rel.TotalVolumeUsd = rel.TotalVolumeUsd.Add(fill.SpentUsd)
	rel.DailyTradeCount++
	rel.DailyVolumeUsd = rel.DailyVolumeUsd.Add(fill.SpentUsd)
	if err := e.relationships.SaveRelationship(ctx, rel); err != nil {
		return err
	}

	// The fill rarely matches the reservation exactly; settle the
	// difference against the grant in whichever direction it runs.
	if rel.SessionKeyID != nil && exec.ReservedUsd.IsPositive() {
		diff := fill.SpentUsd.Sub(exec.ReservedUsd)
		adjust := session.AuthRequest{
			ValueUsd:  diff.Abs(),
			Action:    actionClassCopyTrade,
			ChainID:   rel.ChainID,
			TxHash:    fill.TxHash,
			ClientRef: exec.ClientRef,
		}
		var aerr error
		switch {
		case diff.IsPositive():
			_, aerr = e.enforcer.RecordUsage(ctx, *rel.SessionKeyID, adjust)
		case diff.IsNegative():
			_, aerr = e.enforcer.CreditUnderspend(ctx, *rel.SessionKeyID, adjust)
		}
		if aerr != nil {
			e.logger.WithError(aerr).WithField("relationship_id", rel.ID).
				Warn("failed to settle spend difference")
		}
	}

	if exec.ExecutionRecordID != nil {
		result := model.Payload{
			Kind: model.PayloadKindCopyOrder,
			CopyOrder: &model.CopyOrderPayload{
				LeaderTxHash: exec.LeaderTxHash,
				Action:       exec.Action,
				TokenIn:      exec.TokenIn,
				TokenOut:     exec.TokenOut,
				SizeUsd:      fill.SpentUsd,
			},
		}
		if _, err := e.executions.Complete(ctx, *exec.ExecutionRecordID, result); err != nil {
			return err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"relationship_id": rel.ID,
		"spent_usd":       fill.SpentUsd,
		"daily_trades":    rel.DailyTradeCount,
	}).Info("copy trade confirmed")

	return nil
}

// OnFailed resolves a running attempt as failed.
func (e *Engine) OnFailed(ctx context.Context, clientRef, errMsg string, recoverable bool) error {
	exec, err := e.relationships.FindExecutionByClientRef(ctx, clientRef)
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

	if exec.ExecutionRecordID != nil {
		if _, ferr := e.executions.Fail(ctx, *exec.ExecutionRecordID, errMsg, "chain_failure", recoverable); ferr != nil {
			e.logger.WithError(ferr).Error("failed to fail execution record")
		}
	}

	return e.failAttempt(ctx, rel, exec, errMsg)
}
