package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"harvestline/internal/domain"
	"harvestline/internal/events"
	"harvestline/internal/ledger"
	"harvestline/internal/log"
	"harvestline/internal/observability"
	"harvestline/internal/repo"
)

// PayoutToken is the ledger idempotency token of a payout for one attestation.
func PayoutToken(policyID, nonce string) string {
	return "payout:" + policyID + ":" + nonce
}

// VerifyAndTrigger verifies att and hands it to TriggerPayout.
func (e Engine) VerifyAndTrigger(ctx context.Context, att domain.OracleAttestation) (domain.PayoutResult, error) {
	va, err := e.Verifier.Verify(ctx, att)
	if err != nil {
		return domain.PayoutResult{}, err
	}
	return e.TriggerPayout(ctx, att.PolicyID, va)
}

// TriggerPayout pays out a verified attestation at most once per policy. A
// confirmed submission moves the policy to PayoutTriggered; a rejection
// leaves it Active; an unresolved submission is reported as processing and
// left for reconciliation.
func (e Engine) TriggerPayout(ctx context.Context, policyID string, va domain.VerifiedAttestation) (res domain.PayoutResult, err error) {
	ctx, done := observability.Track(ctx, "payout.trigger",
		attribute.String("policy_id", policyID),
		attribute.String("event_type", va.EventType))
	defer func() { done(err) }()
	ctx = log.WithLogField(ctx, "policy_id", policyID)

	if va.PolicyID != policyID {
		return res, fmt.Errorf("%w: attestation is bound to %s", domain.ErrUnknownPolicy, va.PolicyID)
	}
	if va.Nonce == "" {
		return res, domain.NewValidationError("attestation", "is not verified")
	}

	le, err := e.Locker.Acquire(ctx, policyID)
	if err != nil {
		return res, err
	}
	defer le.Release(ctx)

	p, err := e.Repo.GetPolicy(ctx, policyID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, fmt.Errorf("%w: %s", domain.ErrUnknownPolicy, policyID)
	}
	if err != nil {
		return res, err
	}

	token := PayoutToken(policyID, va.Nonce)
	if p.PendingTxRef != "" && p.State == domain.StateActive {
		var settled bool
		if p, settled, err = e.settlePendingPayout(ctx, p); err != nil {
			return res, err
		}
		if settled && p.Payout != nil && p.Payout.AttestationNonce == va.Nonce {
			// retry of the request whose response was lost
			return paidResult(p, token), nil
		}
		if p.PendingTxRef == token {
			return processingResult(p, token, va.Nonce), nil
		}
		if p.PendingTxRef != "" {
			return res, fmt.Errorf("%w: %s", domain.ErrPendingReconciliation, p.PendingTxRef)
		}
	}

	used, err := e.Repo.NonceConsumed(ctx, nil, policyID, va.Nonce)
	if err != nil {
		return res, err
	}
	if used {
		return res, fmt.Errorf("%w: nonce %s", domain.ErrReplayedAttestation, va.Nonce)
	}
	if err := domain.EnsureTransition(p.State, domain.StatePayoutTriggered); err != nil {
		return res, err
	}
	if !p.Covers(va.EventType) {
		return res, fmt.Errorf("%w: %q", domain.ErrUncoveredEventType, va.EventType)
	}
	if va.Timestamp.Before(p.StartDate) || va.Timestamp.After(p.EndDate) {
		return res, fmt.Errorf("%w: observed %s outside coverage %s to %s", domain.ErrUncoveredEventType,
			va.Timestamp.Format(time.RFC3339), p.StartDate.Format(time.RFC3339), p.EndDate.Format(time.RFC3339))
	}

	amount, err := e.Schedule.Amount(p.CoverageAmount, p.DeductibleFraction(), va.Severity)
	if err != nil {
		return res, fmt.Errorf("compute payout: %w", err)
	}
	if !amount.IsPositive() {
		return res, domain.NewValidationError("measurement.severity", "is below the payout threshold")
	}

	intent := ledger.Intent{
		Kind:     domain.TxPayout,
		PolicyID: p.ID,
		From:     p.Issuer,
		To:       p.HolderAddress,
		Amount:   amount,
		Memo: map[string]string{
			"attestation_nonce": va.Nonce,
			"event_type":        va.EventType,
			"severity":          strconv.FormatFloat(va.Severity, 'f', -1, 64),
			"oracle_key_id":     va.OracleKeyID,
		},
	}
	raw, err := encodeIntent(intent)
	if err != nil {
		return res, err
	}
	now := e.now()
	pt := domain.PendingTx{
		Token:            token,
		Kind:             domain.TxPayout,
		PolicyID:         p.ID,
		Intent:           raw,
		AttestationNonce: va.Nonce,
		EventType:        va.EventType,
		Severity:         va.Severity,
		Amount:           amount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	next := p
	next.PendingTxRef = token
	next.UpdatedAt = now

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if p, err = e.Repo.UpdatePolicyCAS(ctx, tx, next, p.State, p.Version); err != nil {
		return res, err
	}
	if err := e.Repo.InsertPendingTxTx(ctx, tx, pt); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventPayoutSubmitted, entityPolicy, p.ID, "", events.EventPayload{
		"token":      token,
		"amount":     amount.String(),
		"event_type": va.EventType,
		"severity":   va.Severity,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.invalidate(ctx, p.ID)

	out, err := e.Ledger.Submit(ctx, intent, token)
	if err != nil {
		log.L(ctx).Warnf("payout submission %s unresolved: %v", token, err)
		if noteErr := e.noteUnresolved(ctx, pt, entityPolicy, err.Error()); noteErr != nil {
			return res, noteErr
		}
		return processingResult(p, token, va.Nonce), err
	}
	p, _, err = e.applyPayoutOutcome(ctx, p, pt, out)
	if err != nil {
		return res, err
	}
	if out.Status == ledger.StatusConfirmed {
		return paidResult(p, token), nil
	}
	return processingResult(p, token, va.Nonce), nil
}

func paidResult(p domain.Policy, token string) domain.PayoutResult {
	res := domain.PayoutResult{PolicyID: p.ID, Status: domain.PayoutPaid, Token: token, Policy: p}
	if p.Payout != nil {
		res.Amount = p.Payout.Amount
		res.TxHash = p.Payout.TxHash
		res.Nonce = p.Payout.AttestationNonce
	}
	return res
}

func processingResult(p domain.Policy, token, nonce string) domain.PayoutResult {
	return domain.PayoutResult{PolicyID: p.ID, Status: domain.PayoutProcessing, Token: token, Nonce: nonce, Policy: p}
}

// settlePendingPayout resolves an earlier unresolved payout before a new
// trigger is considered. The caller holds the lease.
func (e Engine) settlePendingPayout(ctx context.Context, p domain.Policy) (domain.Policy, bool, error) {
	pt, err := e.Repo.GetPendingTx(ctx, p.PendingTxRef)
	if err != nil {
		return p, false, fmt.Errorf("load pending payout %s: %w", p.PendingTxRef, err)
	}
	return e.reconcileLocked(ctx, p, pt)
}

// applyPayoutOutcome records a confirmed payout or clears a rejected one.
// Unresolved outcomes keep the pending record.
func (e Engine) applyPayoutOutcome(ctx context.Context, p domain.Policy, pt domain.PendingTx, out ledger.Outcome) (domain.Policy, bool, error) {
	if out.Status != ledger.StatusConfirmed && out.Status != ledger.StatusRejected {
		log.L(ctx).Infof("payout submission %s is %s", pt.Token, out.Status)
		return p, false, e.noteUnresolved(ctx, pt, entityPolicy, string(out.Status))
	}
	now := e.now()
	next := p
	next.PendingTxRef = ""
	next.UpdatedAt = now
	evtType := domain.EventPayoutFailed
	payload := events.EventPayload{"token": pt.Token, "amount": pt.Amount.String()}
	if out.Status == ledger.StatusConfirmed {
		if err := domain.EnsureTransition(p.State, domain.StatePayoutTriggered); err != nil {
			return p, false, err
		}
		next.State = domain.StatePayoutTriggered
		next.Payout = &domain.PayoutRecord{
			Amount:           pt.Amount,
			TxHash:           out.TxHash,
			AttestationNonce: pt.AttestationNonce,
			EventType:        pt.EventType,
			Severity:         pt.Severity,
			PaidAt:           now,
		}
		evtType = domain.EventPayoutConfirmed
		payload["tx_hash"] = out.TxHash
	} else {
		payload["reason"] = out.Reason
	}

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return p, false, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdatePolicyCAS(ctx, tx, next, p.State, p.Version)
	if err != nil {
		return p, false, err
	}
	if out.Status == ledger.StatusConfirmed {
		if err := e.Repo.ConsumeNonceTx(ctx, tx, p.ID, pt.AttestationNonce, out.TxHash, now); err != nil {
			return p, false, fmt.Errorf("consume nonce: %w", err)
		}
	}
	if err := e.Repo.DeletePendingTxTx(ctx, tx, pt.Token); err != nil {
		return p, false, err
	}
	if err := e.Events.Append(ctx, tx, evtType, entityPolicy, p.ID, "", payload); err != nil {
		return p, false, err
	}
	if err := tx.Commit(); err != nil {
		return p, false, err
	}
	e.invalidate(ctx, p.ID)

	if out.Status == ledger.StatusRejected {
		log.L(ctx).Warnf("payout %s rejected: %s", pt.Token, out.Reason)
		return updated, true, &domain.PayoutFailedError{
			PolicyID: p.ID,
			Cause:    &domain.LedgerRejectedError{Token: pt.Token, Reason: out.Reason},
		}
	}
	observability.RecordPayout(ctx, pt.Amount.InexactFloat64(), pt.EventType)
	log.L(ctx).Infof("payout of %s confirmed for policy %s (tx %s)", pt.Amount, p.ID, out.TxHash)
	return updated, true, nil
}
