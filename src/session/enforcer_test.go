package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tradeengine/src/database"
	"tradeengine/src/model"
	"tradeengine/src/repository"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setupEnforcer(t *testing.T) (*Enforcer, *repository.SessionRepository) {
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
	repo := (&repository.SessionRepository{}).WithDB(db)
	return NewEnforcer(logrus.NewEntry(nullLogger), repo), repo
}

func activeKey(t *testing.T, e *Enforcer, params CreateParams) *model.SessionKey {
	t.Helper()
	if params.WalletAddress == "" {
		params.WalletAddress = "0xwallet"
	}
	if params.MaxValuePerTxUsd.IsZero() {
		params.MaxValuePerTxUsd = d("1000")
	}
	if params.MaxTotalValueUsd.IsZero() {
		params.MaxTotalValueUsd = d("1000")
	}
	if params.ExpiresAt.IsZero() {
		params.ExpiresAt = time.Now().Add(24 * time.Hour)
	}

	key, err := e.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create key failed: %v", err)
	}
	return key
}

func TestAuthorizePredicate(t *testing.T) {
	e, _ := setupEnforcer(t)

	key := activeKey(t, e, CreateParams{
		Permissions:   model.StringList{"dca_swap"},
		AllowedChains: model.StringList{"base"},
		AllowedTokens: model.StringList{"0xtoken"},
	})

	tests := []struct {
		name    string
		req     AuthRequest
		wantErr error
	}{
		{"within all limits", AuthRequest{ValueUsd: d("100"), Action: "dca_swap", ChainID: "base", TokenAddress: "0xtoken"}, nil},
		{"action not granted", AuthRequest{ValueUsd: d("100"), Action: "copy_trade"}, model.ErrActionNotAllowed},
		{"chain outside allowlist", AuthRequest{ValueUsd: d("100"), ChainID: "ethereum"}, model.ErrAllowlist},
		{"token outside allowlist", AuthRequest{ValueUsd: d("100"), TokenAddress: "0xother"}, model.ErrAllowlist},
		{"over per-tx cap", AuthRequest{ValueUsd: d("1001")}, model.ErrBudgetExceeded},
		{"empty scope fields skip checks", AuthRequest{ValueUsd: d("100")}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := e.Authorize(key, tc.req)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected authorization, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestEmptyAllowlistsAreUnrestricted(t *testing.T) {
	e, _ := setupEnforcer(t)

	key := activeKey(t, e, CreateParams{})
	err := e.Authorize(key, AuthRequest{
		ValueUsd: d("50"), Action: "anything", ChainID: "any-chain", TokenAddress: "0xany",
	})
	if err != nil {
		t.Fatalf("empty allowlists must be unrestricted, got %v", err)
	}
}

func TestAuthorizeAndReserveEnforcesBudget(t *testing.T) {
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{MaxTotalValueUsd: d("250"), MaxValuePerTxUsd: d("100")})

	for i := 0; i < 2; i++ {
		if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("100")}); err != nil {
			t.Fatalf("reserve %d failed: %v", i+1, err)
		}
	}

	// 200 of 250 spent; a 100 spend must be refused, the invariant holds.
	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("100")}); !errors.Is(err, model.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	updated, err := e.repo.FindByID(ctx, key.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if updated.TotalValueUsedUsd.GreaterThan(updated.MaxTotalValueUsd) {
		t.Fatalf("budget invariant broken: used %s of %s", updated.TotalValueUsedUsd, updated.MaxTotalValueUsd)
	}
	if updated.TransactionCount != 2 {
		t.Fatalf("expected 2 transactions, got %d", updated.TransactionCount)
	}
}

func TestReserveFlipsExhaustedAtLimit(t *testing.T) {
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{MaxTotalValueUsd: d("100"), MaxValuePerTxUsd: d("100")})

	reserved, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("100")})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if reserved.Status != model.SessionStatusExhausted {
		t.Fatalf("expected exhausted at full spend, got %s", reserved.Status)
	}

	// Exhaustion cascade: any further spend is refused.
	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("1")}); !errors.Is(err, model.ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive after exhaustion, got %v", err)
	}
}

func TestConcurrentReservesNeverBreachCap(t *testing.T) {
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{MaxTotalValueUsd: d("500"), MaxValuePerTxUsd: d("100")})

	var wg sync.WaitGroup
	granted := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("100")}); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	grantedCount := len(granted)
	if grantedCount > 5 {
		t.Fatalf("cap breached: %d grants of 100 against a 500 budget", grantedCount)
	}

	updated, _ := e.repo.FindByID(ctx, key.ID)
	if updated.TotalValueUsedUsd.GreaterThan(updated.MaxTotalValueUsd) {
		t.Fatalf("budget invariant broken: used %s of %s", updated.TotalValueUsedUsd, updated.MaxTotalValueUsd)
	}
}

func TestTransactionCountCap(t *testing.T) {
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	maxTx := 2
	key := activeKey(t, e, CreateParams{MaxTransactions: &maxTx})

	for i := 0; i < 2; i++ {
		if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("1")}); err != nil {
			t.Fatalf("reserve %d failed: %v", i+1, err)
		}
	}

	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("1")}); err == nil {
		t.Fatalf("expected refusal at transaction cap")
	}
}

func TestRevokeIsOneWay(t *testing.T) {
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{})
	if err := e.Revoke(ctx, key.ID, "user request"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	// Idempotent.
	if err := e.Revoke(ctx, key.ID, "again"); err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}

	if _, err := e.Extend(ctx, key.ID, 30); !errors.Is(err, model.ErrIllegalStatus) {
		t.Fatalf("extend must be illegal on revoked key, got %v", err)
	}
	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("1")}); !errors.Is(err, model.ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive on revoked key, got %v", err)
	}
}

func TestExtendRules(t *testing.T) {
	e, repo := setupEnforcer(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e.WithNow(func() time.Time { return base })

	key := activeKey(t, e, CreateParams{ExpiresAt: base.Add(48 * time.Hour)})

	if _, err := e.Extend(ctx, key.ID, 0); err == nil {
		t.Fatalf("days below 1 must be rejected")
	}
	if _, err := e.Extend(ctx, key.ID, 366); err == nil {
		t.Fatalf("days above 365 must be rejected")
	}

	// Future expiry extends from the expiry, not from now.
	extended, err := e.Extend(ctx, key.ID, 10)
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	want := base.Add(48*time.Hour).AddDate(0, 0, 10)
	if !extended.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, extended.ExpiresAt)
	}

	// An expired key is reactivated, extending from now.
	e.WithNow(func() time.Time { return want.Add(24 * time.Hour) })
	if _, err := repo.ExpireDue(ctx, want.Add(24*time.Hour)); err != nil {
		t.Fatalf("expire due failed: %v", err)
	}

	reactivated, err := e.Extend(ctx, key.ID, 5)
	if err != nil {
		t.Fatalf("extend of expired key failed: %v", err)
	}
	if reactivated.Status != model.SessionStatusActive {
		t.Fatalf("expected reactivation, got %s", reactivated.Status)
	}
	wantReactivated := want.Add(24*time.Hour).AddDate(0, 0, 5)
	if !reactivated.ExpiresAt.Equal(wantReactivated) {
		t.Fatalf("expected expiry %s, got %s", wantReactivated, reactivated.ExpiresAt)
	}
}

func TestUsageLogStaysBounded(t *testing.T) {
	e, repo := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{
		MaxTotalValueUsd: d("100000"),
		MaxValuePerTxUsd: d("10"),
	})

	for i := 0; i < model.SessionUsageLogLimit+10; i++ {
		if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("1")}); err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
	}

	found, err := repo.FindByID(ctx, key.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(found.UsageLog) > model.SessionUsageLogLimit {
		t.Fatalf("usage log unbounded: %d entries", len(found.UsageLog))
	}
}

func TestCleanupExpiredIsIdempotent(t *testing.T) {
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e.WithNow(func() time.Time { return base })
	activeKey(t, e, CreateParams{ExpiresAt: base.Add(time.Hour)})

	later := base.Add(2 * time.Hour)
	first, err := e.CleanupExpired(ctx, later)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected 1 expired key, got %d", first)
	}

	second, err := e.CleanupExpired(ctx, later)
	if err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if second != 0 {
		t.Fatalf("cleanup not idempotent: %d", second)
	}
}

func TestReleaseReturnsReservation(t *testing.T) {
	e, repo := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{MaxTotalValueUsd: d("500")})

	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("100"), ClientRef: "ref-1"}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := e.Release(ctx, key.ID, AuthRequest{ValueUsd: d("100"), ClientRef: "ref-1"}); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	found, err := repo.FindByID(ctx, key.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if !found.TotalValueUsedUsd.IsZero() {
		t.Fatalf("release must return the value, used = %s", found.TotalValueUsedUsd)
	}
	if found.TransactionCount != 0 {
		t.Fatalf("release must return the transaction slot, count = %d", found.TransactionCount)
	}
}

func TestReleaseReopensExhaustedKey(t *testing.T) {
	e, repo := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{MaxTotalValueUsd: d("100"), MaxValuePerTxUsd: d("100")})

	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("100"), ClientRef: "ref-1"}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	found, _ := repo.FindByID(ctx, key.ID)
	if found.Status != model.SessionStatusExhausted {
		t.Fatalf("expected exhausted at the cap, got %s", found.Status)
	}

	if _, err := e.Release(ctx, key.ID, AuthRequest{ValueUsd: d("100"), ClientRef: "ref-1"}); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	found, _ = repo.FindByID(ctx, key.ID)
	if found.Status != model.SessionStatusActive {
		t.Fatalf("release must reopen the key, got %s", found.Status)
	}

	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("50")}); err != nil {
		t.Fatalf("reopened key must accept a reserve: %v", err)
	}
}

func TestCreditUnderspendKeepsTransactionCount(t *testing.T) {
	e, repo := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{MaxTotalValueUsd: d("500")})

	if _, err := e.AuthorizeAndReserve(ctx, key.ID, AuthRequest{ValueUsd: d("100"), ClientRef: "ref-1"}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := e.CreditUnderspend(ctx, key.ID, AuthRequest{ValueUsd: d("10"), ClientRef: "ref-1"}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	found, _ := repo.FindByID(ctx, key.ID)
	if !found.TotalValueUsedUsd.Equal(d("90")) {
		t.Fatalf("expected 90 used after credit, got %s", found.TotalValueUsedUsd)
	}
	if found.TransactionCount != 1 {
		t.Fatalf("credit must not return the transaction slot, count = %d", found.TransactionCount)
	}
}

func TestReleaseOnRevokedKeyIsRefused(t *testing.T) {
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	key := activeKey(t, e, CreateParams{})
	if err := e.Revoke(ctx, key.ID, "compromised"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	if _, err := e.Release(ctx, key.ID, AuthRequest{ValueUsd: d("10")}); !errors.Is(err, model.ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}
}
