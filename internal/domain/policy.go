package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PolicyState is the lifecycle state of a policy.
type PolicyState string

const (
	StatePending         PolicyState = "pending"
	StateActive          PolicyState = "active"
	StatePayoutTriggered PolicyState = "payout_triggered"
	StateExpired         PolicyState = "expired"
	StateCancelled       PolicyState = "cancelled"
	StateFailed          PolicyState = "failed"
)

// Terminal reports whether no further lifecycle operation is accepted.
// Failed is terminal too; only an explicit retry moves it back to Pending.
func (s PolicyState) Terminal() bool {
	switch s {
	case StatePayoutTriggered, StateExpired, StateCancelled, StateFailed:
		return true
	}
	return false
}

func (s PolicyState) Valid() bool {
	switch s {
	case StatePending, StateActive, StatePayoutTriggered, StateExpired, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Peril categories a policy can cover.
const (
	PerilWeather = "weather"
	PerilPest    = "pest"
	PerilDisease = "disease"
	PerilFire    = "fire"
	PerilFlood   = "flood"
	PerilDrought = "drought"
)

type Policy struct {
	ID                 string          `json:"id"`
	HolderAddress      string          `json:"holder_address"`
	Issuer             string          `json:"issuer"`
	ContractID         string          `json:"contract_id,omitempty"`
	CoverageAmount     decimal.Decimal `json:"coverage_amount"`
	Premium            decimal.Decimal `json:"premium"`
	PremiumRate        decimal.Decimal `json:"premium_rate"`
	DeductiblePercent  decimal.Decimal `json:"deductible_percent"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	CoverageTerms      []string        `json:"coverage_terms"`
	State              PolicyState     `json:"state"`
	LedgerCreateTxHash string          `json:"ledger_create_tx_hash,omitempty"`
	PendingTxRef       string          `json:"pending_tx_ref,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	Payout             *PayoutRecord   `json:"payout,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	Attempt            int             `json:"attempt"`
	Version            int64           `json:"version"`
	ArchivedAt         *time.Time      `json:"archived_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Covers reports whether the peril is among the policy's coverage terms.
func (p Policy) Covers(peril string) bool {
	for _, t := range p.CoverageTerms {
		if t == peril {
			return true
		}
	}
	return false
}

// CreateToken is the ledger idempotency token of the current create attempt.
// The first attempt uses the bare policy ID.
func (p Policy) CreateToken() string {
	if p.Attempt <= 1 {
		return p.ID
	}
	return p.ID + "#" + strconv.Itoa(p.Attempt)
}

// DeductibleFraction converts the percentage into a [0,1) multiplier.
func (p Policy) DeductibleFraction() decimal.Decimal {
	return p.DeductiblePercent.Div(decimal.NewFromInt(100))
}

type PayoutRecord struct {
	Amount           decimal.Decimal `json:"amount"`
	TxHash           string          `json:"tx_hash"`
	AttestationNonce string          `json:"attestation_nonce"`
	EventType        string          `json:"event_type"`
	Severity         float64         `json:"severity"`
	PaidAt           time.Time       `json:"paid_at"`
}
