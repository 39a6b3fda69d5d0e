package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TxKind string

const (
	TxPolicyCreate   TxKind = "policy_create"
	TxPayout         TxKind = "payout"
	TxContractDeploy TxKind = "contract_deploy"
)

// PendingTx is the write-ahead record of a ledger submission. It exists from
// before the submit call until the outcome is applied.
type PendingTx struct {
	Token            string          `json:"token"`
	Kind             TxKind          `json:"kind"`
	PolicyID         string          `json:"policy_id,omitempty"`
	ContractID       string          `json:"contract_id,omitempty"`
	Intent           json.RawMessage `json:"intent"`
	AttestationNonce string          `json:"attestation_nonce,omitempty"`
	EventType        string          `json:"event_type,omitempty"`
	Severity         float64         `json:"severity,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Attempts         int             `json:"attempts"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SubjectID is the entity the submission belongs to.
func (p PendingTx) SubjectID() string {
	if p.Kind == TxContractDeploy {
		return p.ContractID
	}
	return p.PolicyID
}
