package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle of a spending grant. Transitions are
// one-directional except Extend, which may reactivate an expired key.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusRevoked   SessionStatus = "revoked"
	SessionStatusExhausted SessionStatus = "exhausted"
)

// SessionUsageLogLimit bounds the per-key usage log; older entries are
// pruned on insert.
const SessionUsageLogLimit = 100

// SessionKey is a revocable, scoped grant that lets an agent transact on a
// user's wallet without per-transaction signing. Invariant:
// TotalValueUsedUsd never exceeds MaxTotalValueUsd.
type SessionKey struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	WalletAddress string `gorm:"size:64;not null;index" json:"wallet_address"`
	AgentID       string `gorm:"size:120;not null" json:"agent_id"`

	Permissions StringList `gorm:"type:jsonb" json:"permissions"`

	MaxValuePerTxUsd  decimal.Decimal `gorm:"type:numeric;not null" json:"max_value_per_tx_usd"`
	MaxTotalValueUsd  decimal.Decimal `gorm:"type:numeric;not null" json:"max_total_value_usd"`
	MaxTransactions   *int            `json:"max_transactions,omitempty"`
	TotalValueUsedUsd decimal.Decimal `gorm:"type:numeric;not null" json:"total_value_used_usd"`
	TransactionCount  int             `gorm:"not null;default:0" json:"transaction_count"`

	// Empty allowlist means unrestricted, per policy.
	AllowedChains    StringList `gorm:"type:jsonb" json:"allowed_chains"`
	AllowedContracts StringList `gorm:"type:jsonb" json:"allowed_contracts"`
	AllowedTokens    StringList `gorm:"type:jsonb" json:"allowed_tokens"`

	ExpiresAt     time.Time     `gorm:"not null;index" json:"expires_at"`
	Status        SessionStatus `gorm:"size:20;not null;default:active;index" json:"status"`
	RevokedReason string        `gorm:"size:512" json:"revoked_reason,omitempty"`

	// SealedSigner holds the secretbox-encrypted signer material.
	SealedSigner []byte `json:"-"`

	// Version guards the atomic authorize-and-reserve compare-and-swap.
	Version int64 `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UsageLog []SessionUsage `gorm:"foreignKey:SessionKeyID" json:"usage_log,omitempty"`
}

func (SessionKey) TableName() string {
	return "session_keys"
}

// SessionUsage is one recorded spend against a session key.
type SessionUsage struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	SessionKeyID uint            `gorm:"not null;index" json:"session_key_id"`
	ClientRef    string          `gorm:"size:40;not null;index" json:"client_ref"`
	ValueUsd     decimal.Decimal `gorm:"type:numeric;not null" json:"value_usd"`
	ChainID      string          `gorm:"size:40" json:"chain_id,omitempty"`
	TokenAddress string          `gorm:"size:64" json:"token_address,omitempty"`
	TxHash       string          `gorm:"size:80" json:"tx_hash,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (SessionUsage) TableName() string {
	return "session_usages"
}

// SmartSession is the on-chain-mirrored grant variant: one aggregate
// spending limit and a capability set instead of graded permissions. Same
// expiry, status and usage invariants as SessionKey.
type SmartSession struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	WalletAddress string `gorm:"size:64;not null;index" json:"wallet_address"`

	SpendingLimitUsd decimal.Decimal `gorm:"type:numeric;not null" json:"spending_limit_usd"`
	SpentUsd         decimal.Decimal `gorm:"type:numeric;not null" json:"spent_usd"`
	TransactionCount int             `gorm:"not null;default:0" json:"transaction_count"`

	AllowedActions StringList `gorm:"type:jsonb" json:"allowed_actions"`

	ExpiresAt     time.Time     `gorm:"not null;index" json:"expires_at"`
	Status        SessionStatus `gorm:"size:20;not null;default:active;index" json:"status"`
	RevokedReason string        `gorm:"size:512" json:"revoked_reason,omitempty"`

	Version int64 `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SmartSession) TableName() string {
	return "smart_sessions"
}
