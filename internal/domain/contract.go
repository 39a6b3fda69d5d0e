package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ContractStatus string

const (
	ContractPending ContractStatus = "pending"
	ContractActive  ContractStatus = "active"
	ContractFailed  ContractStatus = "failed"
)

// Contract is an issuer-defined insurance product policies may be written
// against.
type Contract struct {
	ID            string          `json:"id"`
	Issuer        string          `json:"issuer"`
	Terms         []string        `json:"terms"`
	PremiumRate   decimal.Decimal `json:"premium_rate"`
	MaxPayout     decimal.Decimal `json:"max_payout"`
	Status        ContractStatus  `json:"status"`
	LedgerTxHash  string          `json:"ledger_tx_hash,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (c Contract) Allows(peril string) bool {
	for _, t := range c.Terms {
		if t == peril {
			return true
		}
	}
	return false
}
