package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"harvestline/internal/domain"
)

// Status is the resolution of a submission as reported by the ledger.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusAmbiguous Status = "ambiguous"
	StatusNotFound  Status = "not_found"
)

// Outcome is the result of Submit or QueryByToken. Submit never reports
// StatusNotFound; QueryByToken never reports StatusAmbiguous.
type Outcome struct {
	Status    Status            `json:"status"`
	TxHash    string            `json:"tx_hash,omitempty"`
	Effects   map[string]string `json:"effects,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Reference string            `json:"reference,omitempty"`
}

// Intent is the logical transaction to place on the ledger.
type Intent struct {
	Kind       domain.TxKind     `json:"kind"`
	PolicyID   string            `json:"policy_id,omitempty"`
	ContractID string            `json:"contract_id,omitempty"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Amount     decimal.Decimal   `json:"amount"`
	Memo       map[string]string `json:"memo,omitempty"`
}

// Gateway is the only path from the engine to the ledger. Submit carries an
// idempotency token; resubmitting the same token never duplicates effects.
// A returned error means the ledger could not be reached and wraps
// domain.ErrLedgerUnavailable.
type Gateway interface {
	Submit(ctx context.Context, intent Intent, token string) (Outcome, error)
	QueryByToken(ctx context.Context, token string) (Outcome, error)
	Close() error
}

func Confirmed(txHash string, effects map[string]string) Outcome {
	return Outcome{Status: StatusConfirmed, TxHash: txHash, Effects: effects}
}

func Rejected(reason string) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason}
}

func Ambiguous(reference string) Outcome {
	return Outcome{Status: StatusAmbiguous, Reference: reference}
}

func NotFound() Outcome {
	return Outcome{Status: StatusNotFound}
}
