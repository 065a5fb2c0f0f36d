package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DcaStatus is the lifecycle of a recurring strategy.
type DcaStatus string

const (
	DcaStatusDraft          DcaStatus = "draft"
	DcaStatusPendingSession DcaStatus = "pending_session"
	DcaStatusActive         DcaStatus = "active"
	DcaStatusPaused         DcaStatus = "paused"
	DcaStatusCompleted      DcaStatus = "completed"
	DcaStatusFailed         DcaStatus = "failed"
	DcaStatusExpired        DcaStatus = "expired"
)

// DcaFrequency is the recurrence unit of a strategy schedule. Custom uses
// IntervalMinutes directly.
type DcaFrequency string

const (
	DcaFrequencyHourly  DcaFrequency = "hourly"
	DcaFrequencyDaily   DcaFrequency = "daily"
	DcaFrequencyWeekly  DcaFrequency = "weekly"
	DcaFrequencyMonthly DcaFrequency = "monthly"
	DcaFrequencyCustom  DcaFrequency = "custom"
)

// DcaStrategy is a recurring fixed-budget purchase schedule with pre-trade
// guards, stop conditions and running statistics.
type DcaStrategy struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	UserID        uint   `gorm:"not null;index" json:"user_id"`
	WalletAddress string `gorm:"size:64;not null" json:"wallet_address"`
	SessionKeyID  *uint  `gorm:"index" json:"session_key_id,omitempty"`

	Name      string `gorm:"size:255" json:"name"`
	ChainID   string `gorm:"size:40;not null" json:"chain_id"`
	FromToken string `gorm:"size:64;not null" json:"from_token"`
	ToToken   string `gorm:"size:64;not null" json:"to_token"`

	AmountPerExecutionUsd decimal.Decimal `gorm:"type:numeric;not null" json:"amount_per_execution_usd"`
	Frequency             DcaFrequency    `gorm:"size:20;not null;default:daily" json:"frequency"`
	IntervalMinutes       int             `gorm:"not null;default:0" json:"interval_minutes,omitempty"`

	// Guards; a failing guard skips the tick, it never fails the strategy.
	MaxSlippageBps       int              `gorm:"not null;default:100" json:"max_slippage_bps"`
	MaxGasUsd            decimal.Decimal  `gorm:"type:numeric" json:"max_gas_usd"`
	SkipIfGasAboveUsd    decimal.Decimal  `gorm:"type:numeric" json:"skip_if_gas_above_usd"`
	PauseIfPriceAboveUsd *decimal.Decimal `gorm:"type:numeric" json:"pause_if_price_above_usd,omitempty"`
	PauseIfPriceBelowUsd *decimal.Decimal `gorm:"type:numeric" json:"pause_if_price_below_usd,omitempty"`

	// Stop conditions; any one of them completes the strategy.
	MaxTotalSpendUsd *decimal.Decimal `gorm:"type:numeric" json:"max_total_spend_usd,omitempty"`
	MaxExecutions    *int             `json:"max_executions,omitempty"`
	EndDate          *time.Time       `json:"end_date,omitempty"`

	TotalExecutions      int             `gorm:"not null;default:0" json:"total_executions"`
	SuccessfulExecutions int             `gorm:"not null;default:0" json:"successful_executions"`
	SkippedExecutions    int             `gorm:"not null;default:0" json:"skipped_executions"`
	FailedExecutions     int             `gorm:"not null;default:0" json:"failed_executions"`
	TotalAmountSpentUsd  decimal.Decimal `gorm:"type:numeric;not null" json:"total_amount_spent_usd"`
	TotalTokensAcquired  decimal.Decimal `gorm:"type:numeric;not null" json:"total_tokens_acquired"`
	AveragePriceUsd      decimal.Decimal `gorm:"type:numeric;not null" json:"average_price_usd"`

	Status          DcaStatus  `gorm:"size:20;not null;default:draft;index" json:"status"`
	NextExecutionAt *time.Time `gorm:"index" json:"next_execution_at,omitempty"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	LastError       *string    `gorm:"size:1024" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DcaStrategy) TableName() string {
	return "dca_strategies"
}

// RunStatus is the lifecycle of one execution attempt (DCA tick or copy
// trade).
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// Resolved reports whether the attempt has reached a final status. Due
// selection excludes strategies whose latest attempt is unresolved.
func (s RunStatus) Resolved() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}

// DcaSkipReason is the closed enum of guard failures for a tick.
type DcaSkipReason string

const (
	DcaSkipGasTooHigh      DcaSkipReason = "gas_too_high"
	DcaSkipPriceAboveLimit DcaSkipReason = "price_above_limit"
	DcaSkipPriceBelowLimit DcaSkipReason = "price_below_limit"
	DcaSkipSessionExpired  DcaSkipReason = "session_expired"
	DcaSkipRateLimited     DcaSkipReason = "rate_limited"
	DcaSkipAlreadyRunning  DcaSkipReason = "already_running"
	DcaSkipPaused          DcaSkipReason = "paused"
)

// DcaExecution is one tick of a strategy: the market snapshot it saw, the
// quote it took and the fill it got.
type DcaExecution struct {
	ID                uint  `gorm:"primaryKey" json:"id"`
	StrategyID        uint  `gorm:"not null;index" json:"strategy_id"`
	ExecutionRecordID *uint `gorm:"index" json:"execution_record_id,omitempty"`

	ExecutionNumber int           `gorm:"not null" json:"execution_number"`
	Status          RunStatus     `gorm:"size:20;not null;default:pending;index" json:"status"`
	SkipReason      DcaSkipReason `gorm:"size:40" json:"skip_reason,omitempty"`
	ClientRef       string        `gorm:"size:40;not null;uniqueIndex" json:"client_ref"`

	// Market snapshot at guard time.
	PriceUsd       decimal.Decimal `gorm:"type:numeric" json:"price_usd"`
	GasEstimateUsd decimal.Decimal `gorm:"type:numeric" json:"gas_estimate_usd"`

	// Quote taken on the proceed path.
	QuoteID        string          `gorm:"size:80" json:"quote_id,omitempty"`
	QuoteAmountOut decimal.Decimal `gorm:"type:numeric" json:"quote_amount_out"`

	// Budget reserved against the grant for this tick. Zero until the
	// reserve succeeds; released again if the swap never lands.
	ReservedUsd decimal.Decimal `gorm:"type:numeric" json:"reserved_usd"`

	// Fill actuals reported by the chain-submission service.
	SpentUsd       decimal.Decimal `gorm:"type:numeric" json:"spent_usd"`
	TokensAcquired decimal.Decimal `gorm:"type:numeric" json:"tokens_acquired"`
	FillPriceUsd   decimal.Decimal `gorm:"type:numeric" json:"fill_price_usd"`
	GasPaidUsd     decimal.Decimal `gorm:"type:numeric" json:"gas_paid_usd"`
	SlippageBps    int             `json:"slippage_bps,omitempty"`

	TxHash string  `gorm:"size:80" json:"tx_hash,omitempty"`
	Error  *string `gorm:"size:1024" json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (DcaExecution) TableName() string {
	return "dca_executions"
}
