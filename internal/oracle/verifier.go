package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"harvestline/internal/domain"
	"harvestline/internal/log"
)

// PolicyReader looks up the attestation's subject.
type PolicyReader interface {
	GetPolicy(ctx context.Context, id string) (domain.Policy, error)
}

// NonceChecker reports whether an attestation nonce was already consumed.
type NonceChecker interface {
	NonceUsed(ctx context.Context, policyID, nonce string) (bool, error)
}

// Verifier decides whether an attestation can be trusted. Checks run in a
// fixed order: signature, freshness, measurement, subject, replay, coverage.
type Verifier struct {
	Keys         KeyRing
	Freshness    time.Duration
	MaxClockSkew time.Duration
	Schema       *MeasurementSchema
	Policies     PolicyReader
	Nonces       NonceChecker
	Now          func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v Verifier) Verify(ctx context.Context, att domain.OracleAttestation) (domain.VerifiedAttestation, error) {
	var out domain.VerifiedAttestation
	ctx = log.WithLogField(ctx, "policy_id", att.PolicyID)

	key, ok := v.Keys[att.OracleKeyID]
	if !ok {
		return out, fmt.Errorf("%w: unknown oracle key %q", domain.ErrInvalidSignature, att.OracleKeyID)
	}
	if att.Timestamp.IsZero() {
		return out, domain.NewValidationError("timestamp", "is required")
	}
	payload, err := CanonicalPayload(att)
	if err != nil {
		return out, domain.NewValidationError("measurement", err.Error())
	}
	if err := key.verify(ctx, payload, att.Signature); err != nil {
		log.L(ctx).Warnf("rejected attestation from %s: %v", att.OracleKeyID, err)
		return out, err
	}

	now := v.now()
	freshness := v.Freshness
	if freshness <= 0 {
		freshness = 10 * time.Minute
	}
	if age := now.Sub(att.Timestamp); age > freshness {
		return out, fmt.Errorf("%w: issued %s ago, window %s", domain.ErrStaleAttestation, age.Round(time.Second), freshness)
	}
	if ahead := att.Timestamp.Sub(now); ahead > v.MaxClockSkew {
		return out, fmt.Errorf("%w: issued %s in the future", domain.ErrStaleAttestation, ahead.Round(time.Second))
	}

	schema := v.Schema
	if schema == nil {
		if schema, err = CompileMeasurementSchema(""); err != nil {
			return out, err
		}
	}
	severity, err := schema.Severity(att.Measurement)
	if err != nil {
		return out, err
	}
	nonce, err := Nonce(att)
	if err != nil {
		return out, err
	}

	policy, err := v.Policies.GetPolicy(ctx, att.PolicyID)
	if errors.Is(err, domain.ErrNotFound) {
		return out, fmt.Errorf("%w: %s", domain.ErrUnknownPolicy, att.PolicyID)
	}
	if err != nil {
		return out, err
	}
	used, err := v.Nonces.NonceUsed(ctx, policy.ID, nonce)
	if err != nil {
		return out, err
	}
	if used {
		return out, fmt.Errorf("%w: nonce %s", domain.ErrReplayedAttestation, nonce)
	}
	if policy.State != domain.StateActive {
		return out, &domain.PolicyNotActiveError{PolicyID: policy.ID, State: policy.State}
	}
	if !policy.Covers(strings.TrimSpace(att.EventType)) {
		return out, fmt.Errorf("%w: %q not in %v", domain.ErrUncoveredEventType, att.EventType, policy.CoverageTerms)
	}

	out = domain.VerifiedAttestation{
		OracleAttestation: att,
		Nonce:             nonce,
		Severity:          severity,
		VerifiedAt:        now,
	}
	log.L(ctx).Debugf("attestation %s verified (severity=%.4f)", nonce, severity)
	return out, nil
}
