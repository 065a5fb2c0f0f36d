package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionState is the lifecycle state of an automated action attempt.
type ExecutionState string

const (
	ExecStateIdle             ExecutionState = "idle"
	ExecStateAnalyzing        ExecutionState = "analyzing"
	ExecStatePlanning         ExecutionState = "planning"
	ExecStateAwaitingApproval ExecutionState = "awaiting_approval"
	ExecStateExecuting        ExecutionState = "executing"
	ExecStateMonitoring       ExecutionState = "monitoring"
	ExecStateCompleted        ExecutionState = "completed"
	ExecStateFailed           ExecutionState = "failed"
	ExecStatePaused           ExecutionState = "paused"
	ExecStateCancelled        ExecutionState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecStateCompleted, ExecStateFailed, ExecStateCancelled:
		return true
	}
	return false
}

// OwnerType identifies which producer owns an execution record.
type OwnerType string

const (
	OwnerTypeDcaStrategy      OwnerType = "dca_strategy"
	OwnerTypeCopyRelationship OwnerType = "copy_relationship"
)

// ExecutionRecord is the canonical state of one automated action attempt.
// Only the owning producer and the state-machine API mutate it; the
// StateHistory sub-table is the append-only audit trail.
type ExecutionRecord struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	OwnerType      OwnerType      `gorm:"size:40;not null;index:idx_exec_owner" json:"owner_type"`
	OwnerID        uint           `gorm:"not null;index:idx_exec_owner" json:"owner_id"`
	WalletAddress  string         `gorm:"size:64;not null;index" json:"wallet_address"`
	CurrentState   ExecutionState `gorm:"size:30;not null;default:idle;index" json:"current_state"`
	StateEnteredAt time.Time      `gorm:"not null" json:"state_entered_at"`

	CurrentStepIndex int `gorm:"not null;default:0" json:"current_step_index"`

	RequiresApproval bool       `gorm:"not null;default:false" json:"requires_approval"`
	ApprovalReason   string     `gorm:"size:512" json:"approval_reason,omitempty"`
	ApprovedBy       string     `gorm:"size:255" json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	Recoverable bool    `gorm:"not null;default:false" json:"recoverable"`
	ErrorCode   string  `gorm:"size:80" json:"error_code,omitempty"`
	LastError   *string `gorm:"size:1024" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Steps        []ExecutionStep   `gorm:"foreignKey:ExecutionRecordID" json:"steps,omitempty"`
	StateHistory []StateTransition `gorm:"foreignKey:ExecutionRecordID" json:"state_history,omitempty"`
	Decisions    []AgentDecision   `gorm:"foreignKey:ExecutionRecordID" json:"decisions,omitempty"`
}

func (ExecutionRecord) TableName() string {
	return "execution_records"
}

// StepStatus is the lifecycle of a single execution step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ExecutionStep is one ordered unit of work inside an execution record.
// Steps are always replaced as a whole set so Ordinal and the record's
// CurrentStepIndex stay consistent.
type ExecutionStep struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	ExecutionRecordID uint       `gorm:"not null;index" json:"execution_record_id"`
	Ordinal           int        `gorm:"not null" json:"ordinal"`
	Description       string     `gorm:"size:512" json:"description"`
	ActionType        string     `gorm:"size:60;not null" json:"action_type"`
	Status            StepStatus `gorm:"size:30;not null;default:pending" json:"status"`

	TxHash  string          `gorm:"size:80" json:"tx_hash,omitempty"`
	ChainID string          `gorm:"size:40" json:"chain_id,omitempty"`
	GasUsd  decimal.Decimal `gorm:"type:numeric" json:"gas_usd"`

	RetryCount  int        `gorm:"not null;default:0" json:"retry_count"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Input  Payload `gorm:"type:jsonb" json:"input,omitempty"`
	Output Payload `gorm:"type:jsonb" json:"output,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ExecutionStep) TableName() string {
	return "execution_steps"
}

// StateTransition is one immutable entry of an execution record's audit
// trail. Rows are only ever appended.
type StateTransition struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	ExecutionRecordID uint           `gorm:"not null;index" json:"execution_record_id"`
	FromState         ExecutionState `gorm:"size:30;not null" json:"from_state"`
	ToState           ExecutionState `gorm:"size:30;not null" json:"to_state"`
	Trigger           string         `gorm:"size:120;not null" json:"trigger"`
	Reason            string         `gorm:"size:512" json:"reason,omitempty"`
	Context           Payload        `gorm:"type:jsonb" json:"context,omitempty"`
	Error             *string        `gorm:"size:1024" json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (StateTransition) TableName() string {
	return "state_transitions"
}

// AgentDecision is an append-only explainability entry linked to an
// execution record.
type AgentDecision struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ExecutionRecordID uint      `gorm:"not null;index" json:"execution_record_id"`
	Stage             string    `gorm:"size:60;not null" json:"stage"`
	Summary           string    `gorm:"size:1024;not null" json:"summary"`
	Confidence        *float64  `json:"confidence,omitempty"`
	Context           Payload   `gorm:"type:jsonb" json:"context,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (AgentDecision) TableName() string {
	return "agent_decisions"
}
