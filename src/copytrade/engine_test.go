package copytrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tradeengine/src/connectors"
	"tradeengine/src/database"
	"tradeengine/src/execution"
	"tradeengine/src/model"
	"tradeengine/src/repository"
	"tradeengine/src/session"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubQuotes struct {
	quote    connectors.Quote
	quoteErr error
}

func (s *stubQuotes) Quote(ctx context.Context, req connectors.QuoteRequest) (*connectors.Quote, error) {
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	quote := s.quote
	return &quote, nil
}

type stubChain struct {
	submitted []connectors.SwapRequest
	submitErr error
}

func (s *stubChain) SubmitSwap(ctx context.Context, req connectors.SwapRequest) (*connectors.SwapReceipt, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	s.submitted = append(s.submitted, req)
	return &connectors.SwapReceipt{ClientRef: req.ClientRef, Accepted: true}, nil
}

type stubPortfolio struct {
	valueUsd decimal.Decimal
	err      error
}

func (s *stubPortfolio) PortfolioValueUsd(ctx context.Context, wallet, chainID string) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.valueUsd, nil
}

type fixture struct {
	engine    *Engine
	quotes    *stubQuotes
	chain     *stubChain
	portfolio *stubPortfolio
	rels      *repository.CopyRepository
	sessions  *repository.SessionRepository
	enforcer  *session.Enforcer
	manager   *execution.Manager
	now       time.Time
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	nullLogger, _ := logrustest.NewNullLogger()
	entry := logrus.NewEntry(nullLogger)

	now := time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)
	quotes := &stubQuotes{quote: connectors.Quote{QuoteID: "q-1", AmountOut: d("0.05")}}
	chain := &stubChain{}
	portfolio := &stubPortfolio{valueUsd: d("5000")}

	rels := (&repository.CopyRepository{}).WithDB(db)
	sessions := (&repository.SessionRepository{}).WithDB(db)
	execRepo := (&repository.ExecutionRepository{}).WithDB(db)
	manager := execution.NewManager(entry, execRepo).WithNow(func() time.Time { return now })
	enforcer := session.NewEnforcer(entry, sessions).WithNow(func() time.Time { return now })

	f := &fixture{
		quotes:    quotes,
		chain:     chain,
		portfolio: portfolio,
		rels:      rels,
		sessions:  sessions,
		enforcer:  enforcer,
		manager:   manager,
		now:       now,
	}

	f.engine = NewEngine(entry, Deps{
		Relationships: rels,
		Sessions:      sessions,
		Enforcer:      enforcer,
		Executions:    manager,
		Quotes:        quotes,
		Chain:         chain,
		Portfolio:     portfolio,
	}).WithNow(func() time.Time { return now })

	return f
}

func (f *fixture) newSession(t *testing.T, totalUsd string) *model.SessionKey {
	t.Helper()
	key, err := f.enforcer.Create(context.Background(), session.CreateParams{
		WalletAddress:    "0xfollower",
		MaxValuePerTxUsd: d("1000"),
		MaxTotalValueUsd: d(totalUsd),
		ExpiresAt:        f.now.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	return key
}

func (f *fixture) newRelationship(t *testing.T, sessionID *uint, mutate func(*model.CopyRelationship)) *model.CopyRelationship {
	t.Helper()
	rel := &model.CopyRelationship{
		UserID:        1,
		WalletAddress: "0xfollower",
		SessionKeyID:  sessionID,
		LeaderAddress: "0xleader",
		ChainID:       "base",
		SizingMode:    model.SizingModePercentage,
		SizeValue:     d("10"),
		AutoExecute:   true,
		IsActive:      true,
		DailyResetAt:  f.now.Truncate(24 * time.Hour).Add(24 * time.Hour),
	}
	if mutate != nil {
		mutate(rel)
	}
	if err := f.rels.CreateRelationship(context.Background(), rel); err != nil {
		t.Fatalf("create relationship failed: %v", err)
	}
	return rel
}

func signal(txHash string) model.TradeSignal {
	return model.TradeSignal{
		LeaderAddress: "0xleader",
		ChainID:       "base",
		Action:        "buy",
		TokenIn:       "USDC",
		TokenOut:      "ETH",
		AmountUsd:     d("1000"),
		TxHash:        txHash,
	}
}

func (f *fixture) lastExec(t *testing.T, relID uint) *model.CopyExecution {
	t.Helper()
	execs, err := f.rels.ListExecutions(context.Background(), relID, 1)
	if err != nil || len(execs) == 0 {
		t.Fatalf("no executions for relationship %d: %v", relID, err)
	}
	return &execs[0]
}

func TestHandleSignalSizesPercentageAndSubmits(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, nil)

	matched, err := f.engine.HandleSignal(ctx, signal("0xaaa"))
	if err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	if matched != 1 {
		t.Fatalf("expected 1 follower matched, got %d", matched)
	}

	if len(f.chain.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(f.chain.submitted))
	}
	sub := f.chain.submitted[0]
	// 10% of the leader's 1000 USD trade.
	if !sub.AmountUsd.Equal(d("100")) || sub.QuoteID != "q-1" {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	exec := f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusRunning || !exec.CalculatedSizeUsd.Equal(d("100")) {
		t.Fatalf("unexpected attempt: %+v", exec)
	}
	if exec.LeaderTxHash != "0xaaa" {
		t.Fatalf("leader trade not recorded: %+v", exec)
	}

	updatedKey, _ := f.sessions.FindByID(ctx, key.ID)
	if !updatedKey.TotalValueUsedUsd.Equal(d("100")) {
		t.Fatalf("budget not reserved, used = %s", updatedKey.TotalValueUsedUsd)
	}
}

func TestProportionalSizingUsesPortfolioValue(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.SizingMode = model.SizingModeProportional
		rel.SizeValue = d("2")
	})
	f.portfolio.valueUsd = d("5000")

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}

	// 2% of the follower's 5000 USD portfolio, leader size irrelevant.
	if len(f.chain.submitted) != 1 || !f.chain.submitted[0].AmountUsd.Equal(d("100")) {
		t.Fatalf("unexpected submissions: %+v", f.chain.submitted)
	}
}

func TestDailyTradeCapSkipsThirdSignal(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.MaxDailyTrades = 2
	})

	for _, tx := range []string{"0xaaa", "0xbbb"} {
		if _, err := f.engine.HandleSignal(ctx, signal(tx)); err != nil {
			t.Fatalf("handle signal %s failed: %v", tx, err)
		}
		ref := f.chain.submitted[len(f.chain.submitted)-1].ClientRef
		if err := f.engine.OnFill(ctx, ref, FillReport{
			TxHash:         "0x" + tx,
			SpentUsd:       d("100"),
			TokensAcquired: d("0.05"),
		}); err != nil {
			t.Fatalf("fill %s failed: %v", tx, err)
		}
	}

	if _, err := f.engine.HandleSignal(ctx, signal("0xccc")); err != nil {
		t.Fatalf("third signal failed: %v", err)
	}
	if len(f.chain.submitted) != 2 {
		t.Fatalf("third trade must not submit, got %d submissions", len(f.chain.submitted))
	}

	exec := f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusSkipped || exec.SkipReason != model.CopySkipDailyTradeLimit {
		t.Fatalf("expected daily_trade_limit skip, got %+v", exec)
	}

	updated, _ := f.rels.FindRelationshipByID(ctx, rel.ID)
	if updated.DailyTradeCount != 2 || updated.SkippedTrades != 1 {
		t.Fatalf("counters wrong: %+v", updated)
	}
}

func TestDailyWindowResetsOnNewDay(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.MaxDailyTrades = 2
		rel.DailyResetAt = f.now.Add(-10 * time.Hour)
		rel.DailyTradeCount = 2
		rel.DailyVolumeUsd = d("500")
	})

	// Yesterday's counters are saturated; a fresh day clears them.
	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	if len(f.chain.submitted) != 1 {
		t.Fatalf("stale daily window must not block, got %d submissions", len(f.chain.submitted))
	}

	updated, _ := f.rels.FindRelationshipByID(ctx, rel.ID)
	if updated.DailyTradeCount != 0 || !updated.DailyVolumeUsd.IsZero() {
		t.Fatalf("daily counters not reset: %+v", updated)
	}
	if !updated.DailyResetAt.After(rel.DailyResetAt) {
		t.Fatalf("watermark not advanced: %s", updated.DailyResetAt)
	}
}

func TestDailyVolumeCapSkips(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.MaxDailyVolumeUsd = d("150")
		rel.DailyVolumeUsd = d("100")
	})

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	if len(f.chain.submitted) != 0 {
		t.Fatalf("volume-capped trade must not submit")
	}

	exec := f.lastExec(t, rel.ID)
	if exec.SkipReason != model.CopySkipDailyVolumeLimit {
		t.Fatalf("expected daily_volume_limit skip, got %+v", exec)
	}
}

func TestTokenAndActionFilters(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*model.CopyRelationship)
		sig    func(model.TradeSignal) model.TradeSignal
		want   model.CopySkipReason
	}{
		{
			name:   "denied token out",
			mutate: func(rel *model.CopyRelationship) { rel.DeniedTokens = model.StringList{"ETH"} },
			sig:    func(s model.TradeSignal) model.TradeSignal { return s },
			want:   model.CopySkipTokenFiltered,
		},
		{
			name:   "outside allowlist",
			mutate: func(rel *model.CopyRelationship) { rel.AllowedTokens = model.StringList{"WBTC"} },
			sig:    func(s model.TradeSignal) model.TradeSignal { return s },
			want:   model.CopySkipTokenFiltered,
		},
		{
			name:   "action not allowed",
			mutate: func(rel *model.CopyRelationship) { rel.AllowedActions = model.StringList{"sell"} },
			sig:    func(s model.TradeSignal) model.TradeSignal { return s },
			want:   model.CopySkipActionNotAllowed,
		},
		{
			name:   "below minimum size",
			mutate: func(rel *model.CopyRelationship) { rel.MinTradeUsd = d("500") },
			sig:    func(s model.TradeSignal) model.TradeSignal { return s },
			want:   model.CopySkipBelowMinSize,
		},
		{
			name:   "above maximum size",
			mutate: func(rel *model.CopyRelationship) { rel.MaxTradeUsd = d("50") },
			sig:    func(s model.TradeSignal) model.TradeSignal { return s },
			want:   model.CopySkipAboveMaxSize,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupEngine(t)
			ctx := context.Background()

			key := f.newSession(t, "10000")
			rel := f.newRelationship(t, &key.ID, tc.mutate)

			if _, err := f.engine.HandleSignal(ctx, tc.sig(signal("0xaaa"))); err != nil {
				t.Fatalf("handle signal failed: %v", err)
			}
			if len(f.chain.submitted) != 0 {
				t.Fatalf("gated trade must not submit")
			}

			exec := f.lastExec(t, rel.ID)
			if exec.Status != model.RunStatusSkipped || exec.SkipReason != tc.want {
				t.Fatalf("expected %s skip, got %+v", tc.want, exec)
			}
		})
	}
}

func TestManualModeWaitsForApproval(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.AutoExecute = false
	})

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	if len(f.chain.submitted) != 0 {
		t.Fatalf("manual trade must not submit before approval")
	}

	exec := f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusPending || exec.ExecutionRecordID == nil {
		t.Fatalf("expected pending attempt with a record, got %+v", exec)
	}

	rec, err := f.manager.Approve(ctx, *exec.ExecutionRecordID, "ops@desk")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if rec.CurrentState != model.ExecStateExecuting {
		t.Fatalf("expected executing after approval, got %s", rec.CurrentState)
	}

	if err := f.engine.SubmitApproved(ctx, *exec.ExecutionRecordID); err != nil {
		t.Fatalf("submit approved failed: %v", err)
	}
	if len(f.chain.submitted) != 1 {
		t.Fatalf("approved trade must submit, got %d", len(f.chain.submitted))
	}

	updatedKey, _ := f.sessions.FindByID(ctx, key.ID)
	if !updatedKey.TotalValueUsedUsd.Equal(d("100")) {
		t.Fatalf("budget reserved only at submit time, used = %s", updatedKey.TotalValueUsedUsd)
	}
}

func TestRejectResolvesManualAttempt(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.AutoExecute = false
	})

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	exec := f.lastExec(t, rel.ID)

	if _, err := f.manager.Reject(ctx, *exec.ExecutionRecordID, "too risky"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if err := f.engine.RejectPending(ctx, *exec.ExecutionRecordID, "too risky"); err != nil {
		t.Fatalf("reject pending failed: %v", err)
	}

	exec = f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusSkipped || exec.SkipReason != model.CopySkipRejected {
		t.Fatalf("rejected attempt must resolve as a rejected skip, got %+v", exec)
	}
	if exec.SkipDetail != "too risky" {
		t.Fatalf("operator reason must survive on the attempt, got %q", exec.SkipDetail)
	}
	if len(f.chain.submitted) != 0 {
		t.Fatalf("rejected trade must never submit")
	}
}

func TestExhaustedSessionPausesRelationship(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "100")
	if _, err := f.enforcer.AuthorizeAndReserve(ctx, key.ID, session.AuthRequest{ValueUsd: d("100")}); err != nil {
		t.Fatalf("setup reserve failed: %v", err)
	}

	rel := f.newRelationship(t, &key.ID, nil)

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	if len(f.chain.submitted) != 0 {
		t.Fatalf("broke grant must not submit")
	}

	exec := f.lastExec(t, rel.ID)
	if exec.SkipReason != model.CopySkipSessionExpired {
		t.Fatalf("expected session_expired skip, got %+v", exec)
	}

	updated, _ := f.rels.FindRelationshipByID(ctx, rel.ID)
	if !updated.IsPaused {
		t.Fatalf("dead grant must pause the relationship")
	}

	// Paused relationships drop out of the fan-out entirely.
	matched, err := f.engine.HandleSignal(ctx, signal("0xbbb"))
	if err != nil {
		t.Fatalf("second signal failed: %v", err)
	}
	if matched != 0 {
		t.Fatalf("paused relationship still matched")
	}
}

func TestReplicationDelayParksAndSubmitsLater(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.DelaySeconds = 600
		rel.MaxDelaySeconds = 300
	})

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}

	// The fan-out parks the attempt instead of blocking on the hold.
	if len(f.chain.submitted) != 0 {
		t.Fatalf("delayed trade must not submit during fan-out")
	}
	exec := f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusPending || exec.ScheduledFor == nil {
		t.Fatalf("expected parked attempt, got %+v", exec)
	}
	// 600s clamped to the 300s ceiling.
	if !exec.ScheduledFor.Equal(f.now.Add(300 * time.Second)) {
		t.Fatalf("scheduled time wrong: %s", exec.ScheduledFor)
	}

	picked, err := f.engine.RunScheduled(ctx, f.now.Add(299*time.Second))
	if err != nil {
		t.Fatalf("run scheduled failed: %v", err)
	}
	if picked != 0 || len(f.chain.submitted) != 0 {
		t.Fatalf("attempt submitted before its hold elapsed")
	}

	picked, err = f.engine.RunScheduled(ctx, f.now.Add(300*time.Second))
	if err != nil {
		t.Fatalf("run scheduled failed: %v", err)
	}
	if picked != 1 || len(f.chain.submitted) != 1 {
		t.Fatalf("expected the due attempt to submit, picked %d with %d submissions", picked, len(f.chain.submitted))
	}

	exec = f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusRunning {
		t.Fatalf("expected running after the hold, got %+v", exec)
	}
	updatedKey, _ := f.sessions.FindByID(ctx, key.ID)
	if !updatedKey.TotalValueUsedUsd.Equal(d("100")) {
		t.Fatalf("budget reserved only at submit time, used = %s", updatedKey.TotalValueUsedUsd)
	}
}

func TestOnFillMovesLifetimeAndDailyCountersTogether(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, nil)

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	ref := f.chain.submitted[0].ClientRef

	if err := f.engine.OnFill(ctx, ref, FillReport{
		TxHash:         "0xfill",
		SpentUsd:       d("98"),
		TokensAcquired: d("0.048"),
		ExpectedOut:    d("0.05"),
	}); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	exec := f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusCompleted || !exec.ActualSizeUsd.Equal(d("98")) {
		t.Fatalf("fill not recorded: %+v", exec)
	}
	// 0.002 short of 0.05 expected is 400 bps.
	if exec.SlippageBps != 400 {
		t.Fatalf("expected 400 bps slippage, got %d", exec.SlippageBps)
	}

	updated, _ := f.rels.FindRelationshipByID(ctx, rel.ID)
	if updated.TotalTrades != 1 || updated.SuccessfulTrades != 1 {
		t.Fatalf("lifetime counters wrong: %+v", updated)
	}
	if updated.DailyTradeCount != 1 || !updated.DailyVolumeUsd.Equal(d("98")) {
		t.Fatalf("daily counters wrong: %+v", updated)
	}
	if !updated.TotalVolumeUsd.Equal(d("98")) {
		t.Fatalf("volume wrong: %s", updated.TotalVolumeUsd)
	}

	// Reserved 100, spent 98: the 2 USD gap returns to the grant.
	updatedKey, _ := f.sessions.FindByID(ctx, key.ID)
	if !updatedKey.TotalValueUsedUsd.Equal(d("98")) {
		t.Fatalf("underspend not credited, used = %s", updatedKey.TotalValueUsedUsd)
	}

	// A replayed callback must not double count.
	if err := f.engine.OnFill(ctx, ref, FillReport{SpentUsd: d("98"), TokensAcquired: d("0.048")}); err != nil {
		t.Fatalf("duplicate fill errored: %v", err)
	}
	updated, _ = f.rels.FindRelationshipByID(ctx, rel.ID)
	if updated.TotalTrades != 1 {
		t.Fatalf("duplicate fill double counted: %+v", updated)
	}
}

func TestOnFailedCountsFailure(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, nil)

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	ref := f.chain.submitted[0].ClientRef

	if err := f.engine.OnFailed(ctx, ref, "execution reverted", false); err != nil {
		t.Fatalf("fail callback errored: %v", err)
	}

	exec := f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusFailed || exec.Error == nil {
		t.Fatalf("failure not recorded: %+v", exec)
	}

	updated, _ := f.rels.FindRelationshipByID(ctx, rel.ID)
	if updated.TotalTrades != 1 || updated.FailedTrades != 1 || updated.SuccessfulTrades != 0 {
		t.Fatalf("failure counters wrong: %+v", updated)
	}

	// The reverted trade never spent anything on chain.
	updatedKey, _ := f.sessions.FindByID(ctx, key.ID)
	if !updatedKey.TotalValueUsedUsd.IsZero() {
		t.Fatalf("failed trade must release its reservation, used = %s", updatedKey.TotalValueUsedUsd)
	}
	if updatedKey.TransactionCount != 0 {
		t.Fatalf("transaction slot leaked, count = %d", updatedKey.TransactionCount)
	}
}

func TestSubmitFailureReleasesBudget(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "1000")
	rel := f.newRelationship(t, &key.ID, nil)
	f.chain.submitErr = errors.New("chain service unavailable")

	if _, err := f.engine.HandleSignal(ctx, signal("0xaaa")); err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}

	exec := f.lastExec(t, rel.ID)
	if exec.Status != model.RunStatusFailed {
		t.Fatalf("expected failed attempt, got %+v", exec)
	}
	if !exec.ReservedUsd.IsZero() {
		t.Fatalf("reservation not cleared on the attempt: %s", exec.ReservedUsd)
	}

	updatedKey, _ := f.sessions.FindByID(ctx, key.ID)
	if !updatedKey.TotalValueUsedUsd.IsZero() {
		t.Fatalf("budget leaked: %s reserved with no on-chain spend", updatedKey.TotalValueUsedUsd)
	}
	if updatedKey.TransactionCount != 0 {
		t.Fatalf("transaction slot leaked, count = %d", updatedKey.TransactionCount)
	}
}

func TestOneFollowerErrorDoesNotBlockFanOut(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	// Proportional follower whose portfolio source is down, plus a
	// healthy percentage follower.
	f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.SizingMode = model.SizingModeProportional
		rel.SizeValue = d("2")
	})
	f.newRelationship(t, &key.ID, nil)
	f.portfolio.err = errors.New("portfolio service down")

	matched, err := f.engine.HandleSignal(ctx, signal("0xaaa"))
	if err != nil {
		t.Fatalf("handle signal failed: %v", err)
	}
	if matched != 2 {
		t.Fatalf("expected both followers matched, got %d", matched)
	}
	if len(f.chain.submitted) != 1 {
		t.Fatalf("healthy follower must still trade, got %d submissions", len(f.chain.submitted))
	}
}

func TestUpsertPreservesCounters(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	key := f.newSession(t, "10000")
	rel := f.newRelationship(t, &key.ID, func(rel *model.CopyRelationship) {
		rel.TotalTrades = 7
		rel.TotalVolumeUsd = d("700")
	})

	update := &model.CopyRelationship{
		UserID:        1,
		WalletAddress: "0xfollower",
		LeaderAddress: "0xleader",
		ChainID:       "base",
		SizingMode:    model.SizingModeFixed,
		SizeValue:     d("50"),
		AutoExecute:   true,
		IsActive:      true,
	}
	saved, err := f.engine.Upsert(ctx, update)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if saved.ID != rel.ID {
		t.Fatalf("upsert created a duplicate: %d vs %d", saved.ID, rel.ID)
	}
	if saved.SizingMode != model.SizingModeFixed || !saved.SizeValue.Equal(d("50")) {
		t.Fatalf("config not updated: %+v", saved)
	}
	if saved.TotalTrades != 7 || !saved.TotalVolumeUsd.Equal(d("700")) {
		t.Fatalf("lifetime counters must survive a config update: %+v", saved)
	}
}

func TestUpsertValidatesSizing(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	bad := &model.CopyRelationship{
		UserID:        1,
		WalletAddress: "0xfollower",
		LeaderAddress: "0xleader",
		ChainID:       "base",
		SizingMode:    model.SizingModePercentage,
		SizeValue:     d("150"),
	}
	if _, err := f.engine.Upsert(ctx, bad); err == nil {
		t.Fatalf("percentage above 100 must be rejected")
	}
}
