package server

import (
	"encoding/json"
	"time"

	"harvestline/internal/domain"
	"harvestline/internal/engine"
)

// Request payloads

type CreatePolicyRequest struct {
	HolderAddress     string   `json:"holder_address" minLength:"1"`
	CoverageAmount    string   `json:"coverage_amount" example:"10000"`
	DurationMonths    int      `json:"duration_months,omitempty" minimum:"0"`
	StartDate         *string  `json:"start_date,omitempty" format:"date-time"`
	EndDate           *string  `json:"end_date,omitempty" format:"date-time"`
	CoverageTerms     []string `json:"coverage_terms" minItems:"1"`
	DeductiblePercent string   `json:"deductible_percent,omitempty" example:"10"`
	ContractID        string   `json:"contract_id,omitempty"`
}

type TriggerPayoutRequest struct {
	PolicyID    string         `json:"policy_id,omitempty"`
	EventType   string         `json:"event_type"`
	Measurement map[string]any `json:"measurement"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
	OracleKeyID string         `json:"oracle_key_id"`
	Signature   string         `json:"signature"`
}

type DeployContractRequest struct {
	Issuer      string   `json:"issuer,omitempty"`
	Terms       []string `json:"terms" minItems:"1"`
	PremiumRate string   `json:"premium_rate" example:"0.05"`
	MaxPayout   string   `json:"max_payout" example:"50000"`
}

type ExpireSweepRequest struct {
	Now *string `json:"now,omitempty" format:"date-time"`
}

// Response payloads

type PayoutResponse struct {
	Amount           string  `json:"amount"`
	TxHash           string  `json:"tx_hash"`
	AttestationNonce string  `json:"attestation_nonce"`
	EventType        string  `json:"event_type"`
	Severity         float64 `json:"severity"`
	PaidAt           string  `json:"paid_at" format:"date-time"`
}

type PolicyResponse struct {
	ID                 string          `json:"id"`
	HolderAddress      string          `json:"holder_address"`
	Issuer             string          `json:"issuer"`
	ContractID         string          `json:"contract_id,omitempty"`
	CoverageAmount     string          `json:"coverage_amount"`
	Premium            string          `json:"premium"`
	PremiumRate        string          `json:"premium_rate"`
	DeductiblePercent  string          `json:"deductible_percent"`
	StartDate          string          `json:"start_date" format:"date-time"`
	EndDate            string          `json:"end_date" format:"date-time"`
	CoverageTerms      []string        `json:"coverage_terms"`
	State              string          `json:"state" enum:"pending,active,payout_triggered,expired,cancelled,failed"`
	LedgerCreateTxHash string          `json:"ledger_create_tx_hash,omitempty"`
	PendingTxRef       string          `json:"pending_tx_ref,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	Payout             *PayoutResponse `json:"payout,omitempty"`
	Version            int64           `json:"version"`
	ArchivedAt         *string         `json:"archived_at,omitempty" format:"date-time"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

type PolicyListResponse struct {
	Items      []PolicyResponse `json:"items"`
	NextCursor *string          `json:"next_cursor,omitempty"`
}

type PayoutResultResponse struct {
	PolicyID         string         `json:"policy_id"`
	Status           string         `json:"status" enum:"paid,processing"`
	Amount           string         `json:"amount,omitempty"`
	TxHash           string         `json:"tx_hash,omitempty"`
	Token            string         `json:"token"`
	AttestationNonce string         `json:"attestation_nonce"`
	Policy           PolicyResponse `json:"policy"`
}

type ContractResponse struct {
	ID            string   `json:"id"`
	Issuer        string   `json:"issuer"`
	Terms         []string `json:"terms"`
	PremiumRate   string   `json:"premium_rate"`
	MaxPayout     string   `json:"max_payout"`
	Status        string   `json:"status" enum:"pending,active,failed"`
	LedgerTxHash  string   `json:"ledger_tx_hash,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type ContractListResponse struct {
	Items []ContractResponse `json:"items"`
}

type SweepResponse struct {
	Scanned int      `json:"scanned"`
	Changed int      `json:"changed"`
	Skipped int      `json:"skipped"`
	Pending int      `json:"pending"`
	Errors  []string `json:"errors,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventListResponse struct {
	Items      []EventResponse `json:"items"`
	NextCursor *string         `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status             string         `json:"status" enum:"ok,degraded"`
	Policies           map[string]int `json:"policies"`
	PendingSubmissions int            `json:"pending_submissions"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toPolicyResponse(p domain.Policy) PolicyResponse {
	resp := PolicyResponse{
		ID:                 p.ID,
		HolderAddress:      p.HolderAddress,
		Issuer:             p.Issuer,
		ContractID:         p.ContractID,
		CoverageAmount:     p.CoverageAmount.StringFixed(2),
		Premium:            p.Premium.StringFixed(2),
		PremiumRate:        p.PremiumRate.String(),
		DeductiblePercent:  p.DeductiblePercent.String(),
		StartDate:          formatTime(p.StartDate),
		EndDate:            formatTime(p.EndDate),
		CoverageTerms:      p.CoverageTerms,
		State:              string(p.State),
		LedgerCreateTxHash: p.LedgerCreateTxHash,
		PendingTxRef:       p.PendingTxRef,
		FailureReason:      p.FailureReason,
		Version:            p.Version,
		CreatedAt:          formatTime(p.CreatedAt),
		UpdatedAt:          formatTime(p.UpdatedAt),
	}
	if resp.CoverageTerms == nil {
		resp.CoverageTerms = []string{}
	}
	if p.Payout != nil {
		resp.Payout = &PayoutResponse{
			Amount:           p.Payout.Amount.StringFixed(2),
			TxHash:           p.Payout.TxHash,
			AttestationNonce: p.Payout.AttestationNonce,
			EventType:        p.Payout.EventType,
			Severity:         p.Payout.Severity,
			PaidAt:           formatTime(p.Payout.PaidAt),
		}
	}
	if p.ArchivedAt != nil {
		s := formatTime(*p.ArchivedAt)
		resp.ArchivedAt = &s
	}
	return resp
}

func toPayoutResultResponse(res domain.PayoutResult) PayoutResultResponse {
	out := PayoutResultResponse{
		PolicyID:         res.PolicyID,
		Status:           string(res.Status),
		TxHash:           res.TxHash,
		Token:            res.Token,
		AttestationNonce: res.Nonce,
		Policy:           toPolicyResponse(res.Policy),
	}
	if res.Amount.IsPositive() {
		out.Amount = res.Amount.StringFixed(2)
	}
	return out
}

func toContractResponse(c domain.Contract) ContractResponse {
	terms := c.Terms
	if terms == nil {
		terms = []string{}
	}
	return ContractResponse{
		ID:            c.ID,
		Issuer:        c.Issuer,
		Terms:         terms,
		PremiumRate:   c.PremiumRate.String(),
		MaxPayout:     c.MaxPayout.StringFixed(2),
		Status:        string(c.Status),
		LedgerTxHash:  c.LedgerTxHash,
		FailureReason: c.FailureReason,
		CreatedAt:     formatTime(c.CreatedAt),
		UpdatedAt:     formatTime(c.UpdatedAt),
	}
}

func toSweepResponse(res engine.SweepResult) SweepResponse {
	return SweepResponse{
		Scanned: res.Scanned,
		Changed: res.Changed,
		Skipped: res.Skipped,
		Pending: res.Pending,
		Errors:  res.Errors,
	}
}

func toEventResponse(ev domain.Event) EventResponse {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &payload)
	}
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}
