package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OracleAttestation is a signed claim about a real-world event bound to a
// single policy.
type OracleAttestation struct {
	PolicyID    string          `json:"policy_id"`
	EventType   string          `json:"event_type"`
	Measurement json.RawMessage `json:"measurement"`
	Timestamp   time.Time       `json:"timestamp"`
	OracleKeyID string          `json:"oracle_key_id"`
	Signature   string          `json:"signature"`
}

// VerifiedAttestation is an attestation that passed signature, freshness and
// subject checks.
type VerifiedAttestation struct {
	OracleAttestation
	Nonce      string    `json:"nonce"`
	Severity   float64   `json:"severity"`
	VerifiedAt time.Time `json:"verified_at"`
}

// PayoutStatus is the user-visible outcome of a trigger request.
type PayoutStatus string

const (
	PayoutPaid       PayoutStatus = "paid"
	PayoutProcessing PayoutStatus = "processing"
)

type PayoutResult struct {
	PolicyID string          `json:"policy_id"`
	Status   PayoutStatus    `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	TxHash   string          `json:"tx_hash,omitempty"`
	Token    string          `json:"token"`
	Nonce    string          `json:"attestation_nonce"`
	Policy   Policy          `json:"policy"`
}
