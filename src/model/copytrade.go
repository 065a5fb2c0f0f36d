package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SizingMode decides how a follower order is sized from a leader trade.
type SizingMode string

const (
	SizingModePercentage   SizingMode = "percentage"
	SizingModeFixed        SizingMode = "fixed"
	SizingModeProportional SizingMode = "proportional"
)

// CopyRelationship is one follower→leader link with its sizing rule, risk
// gates and rolling daily caps.
type CopyRelationship struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	UserID        uint   `gorm:"not null;index" json:"user_id"`
	WalletAddress string `gorm:"size:64;not null" json:"wallet_address"`
	SessionKeyID  *uint  `gorm:"index" json:"session_key_id,omitempty"`

	LeaderAddress string `gorm:"size:64;not null;index:idx_copy_leader" json:"leader_address"`
	ChainID       string `gorm:"size:40;not null;index:idx_copy_leader" json:"chain_id"`

	SizingMode SizingMode      `gorm:"size:20;not null;default:percentage" json:"sizing_mode"`
	SizeValue  decimal.Decimal `gorm:"type:numeric;not null" json:"size_value"`

	MinTradeUsd decimal.Decimal `gorm:"type:numeric" json:"min_trade_usd"`
	MaxTradeUsd decimal.Decimal `gorm:"type:numeric" json:"max_trade_usd"`

	AllowedTokens  StringList `gorm:"type:jsonb" json:"allowed_tokens"`
	DeniedTokens   StringList `gorm:"type:jsonb" json:"denied_tokens"`
	AllowedActions StringList `gorm:"type:jsonb" json:"allowed_actions"`

	DelaySeconds    int `gorm:"not null;default:0" json:"delay_seconds"`
	MaxDelaySeconds int `gorm:"not null;default:300" json:"max_delay_seconds"`
	MaxSlippageBps  int `gorm:"not null;default:100" json:"max_slippage_bps"`

	MaxDailyTrades    int             `gorm:"not null;default:0" json:"max_daily_trades"`
	MaxDailyVolumeUsd decimal.Decimal `gorm:"type:numeric" json:"max_daily_volume_usd"`
	DailyTradeCount   int             `gorm:"not null;default:0" json:"daily_trade_count"`
	DailyVolumeUsd    decimal.Decimal `gorm:"type:numeric;not null" json:"daily_volume_usd"`
	DailyResetAt      time.Time       `gorm:"not null" json:"daily_reset_at"`

	TotalTrades      int             `gorm:"not null;default:0" json:"total_trades"`
	SuccessfulTrades int             `gorm:"not null;default:0" json:"successful_trades"`
	FailedTrades     int             `gorm:"not null;default:0" json:"failed_trades"`
	SkippedTrades    int             `gorm:"not null;default:0" json:"skipped_trades"`
	TotalVolumeUsd   decimal.Decimal `gorm:"type:numeric;not null" json:"total_volume_usd"`

	// AutoExecute false means every replicated trade waits for approval.
	AutoExecute bool `gorm:"not null;default:false" json:"auto_execute"`
	IsActive    bool `gorm:"not null;default:true;index" json:"is_active"`
	IsPaused    bool `gorm:"not null;default:false" json:"is_paused"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CopyRelationship) TableName() string {
	return "copy_relationships"
}

// CopySkipReason is the closed enum of gate failures for a replicated
// trade.
type CopySkipReason string

const (
	CopySkipActionNotAllowed CopySkipReason = "action_not_allowed"
	CopySkipTokenFiltered    CopySkipReason = "token_filtered"
	CopySkipDailyTradeLimit  CopySkipReason = "daily_trade_limit"
	CopySkipDailyVolumeLimit CopySkipReason = "daily_volume_limit"
	CopySkipBelowMinSize     CopySkipReason = "below_min_size"
	CopySkipAboveMaxSize     CopySkipReason = "above_max_size"
	CopySkipRateLimited      CopySkipReason = "rate_limited"
	CopySkipSessionExpired   CopySkipReason = "session_expired"
	CopySkipRejected         CopySkipReason = "rejected"
)

// CopyExecution is one reaction to a leader signal: the originating trade,
// the derived size and the eventual fill.
type CopyExecution struct {
	ID                uint  `gorm:"primaryKey" json:"id"`
	RelationshipID    uint  `gorm:"not null;index" json:"relationship_id"`
	ExecutionRecordID *uint `gorm:"index" json:"execution_record_id,omitempty"`

	LeaderTxHash    string          `gorm:"size:80;not null;index" json:"leader_tx_hash"`
	ChainID         string          `gorm:"size:40;not null" json:"chain_id"`
	Action          string          `gorm:"size:30;not null" json:"action"`
	TokenIn         string          `gorm:"size:64" json:"token_in"`
	TokenOut        string          `gorm:"size:64" json:"token_out"`
	LeaderAmountUsd decimal.Decimal `gorm:"type:numeric;not null" json:"leader_amount_usd"`

	Status     RunStatus      `gorm:"size:20;not null;default:pending;index" json:"status"`
	SkipReason CopySkipReason `gorm:"size:40" json:"skip_reason,omitempty"`
	SkipDetail string         `gorm:"size:512" json:"skip_detail,omitempty"`
	ClientRef  string         `gorm:"size:40;not null;uniqueIndex" json:"client_ref"`

	CalculatedSizeUsd decimal.Decimal `gorm:"type:numeric" json:"calculated_size_usd"`
	ReservedUsd       decimal.Decimal `gorm:"type:numeric" json:"reserved_usd"`
	ActualSizeUsd     decimal.Decimal `gorm:"type:numeric" json:"actual_size_usd"`
	TokensAcquired    decimal.Decimal `gorm:"type:numeric" json:"tokens_acquired"`
	GasPaidUsd        decimal.Decimal `gorm:"type:numeric" json:"gas_paid_usd"`
	SlippageBps       int             `json:"slippage_bps,omitempty"`

	TxHash string  `gorm:"size:80" json:"tx_hash,omitempty"`
	Error  *string `gorm:"size:1024" json:"error,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (CopyExecution) TableName() string {
	return "copy_executions"
}

// TradeSignal is the wire shape of one observed leader trade, delivered by
// the event ingester.
type TradeSignal struct {
	LeaderAddress string          `json:"leader_address"`
	ChainID       string          `json:"chain_id"`
	Action        string          `json:"action"`
	TokenIn       string          `json:"token_in"`
	TokenOut      string          `json:"token_out"`
	AmountIn      decimal.Decimal `json:"amount_in"`
	AmountOut     decimal.Decimal `json:"amount_out"`
	AmountUsd     decimal.Decimal `json:"amount_usd"`
	TxHash        string          `json:"tx_hash"`
	ObservedAt    time.Time       `json:"observed_at"`
}
