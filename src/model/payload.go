package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PayloadKind discriminates the closed set of step/decision payload
// variants. One variant per producer; no open maps.
type PayloadKind string

const (
	PayloadKindDcaOrder     PayloadKind = "dca_order"
	PayloadKindCopyOrder    PayloadKind = "copy_order"
	PayloadKindAgentContext PayloadKind = "agent_context"
)

// DcaOrderPayload is the input/output snapshot of a scheduled DCA swap.
type DcaOrderPayload struct {
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	AmountUsd      decimal.Decimal `json:"amount_usd"`
	QuoteID        string          `json:"quote_id,omitempty"`
	ExpectedOut    decimal.Decimal `json:"expected_out"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
}

// CopyOrderPayload carries the replicated-trade parameters derived from a
// leader signal.
type CopyOrderPayload struct {
	LeaderAddress string          `json:"leader_address"`
	LeaderTxHash  string          `json:"leader_tx_hash"`
	Action        string          `json:"action"`
	TokenIn       string          `json:"token_in"`
	TokenOut      string          `json:"token_out"`
	SizeUsd       decimal.Decimal `json:"size_usd"`
}

// AgentContextPayload is free-form agent reasoning context kept alongside a
// decision entry.
type AgentContextPayload struct {
	Stage   string `json:"stage"`
	Summary string `json:"summary"`
	Detail  string `json:"detail,omitempty"`
}

// Payload is a tagged union persisted as jsonb. Exactly one variant field
// matching Kind is set.
type Payload struct {
	Kind         PayloadKind          `json:"kind"`
	DcaOrder     *DcaOrderPayload     `json:"dca_order,omitempty"`
	CopyOrder    *CopyOrderPayload    `json:"copy_order,omitempty"`
	AgentContext *AgentContextPayload `json:"agent_context,omitempty"`
}

func (p Payload) Value() (driver.Value, error) {
	if p.Kind == "" {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *Payload) Scan(src any) error {
	if src == nil {
		*p = Payload{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported payload column type %T", src)
	}
}

// StringList is persisted as a json array. Empty list semantics are decided
// by the consumer (the budget enforcer treats it as unrestricted).
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported string list column type %T", src)
	}
}

// Contains reports whether value is present, case-sensitively.
func (l StringList) Contains(value string) bool {
	for _, item := range l {
		if item == value {
			return true
		}
	}
	return false
}
