package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation             = errors.New("validation error")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPolicyBusy             = errors.New("policy busy")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrStaleAttestation       = errors.New("stale attestation")
	ErrReplayedAttestation    = errors.New("replayed attestation")
	ErrUncoveredEventType     = errors.New("uncovered event type")
	ErrUnknownPolicy          = errors.New("unknown policy")
	ErrLedgerRejected         = errors.New("ledger rejected")
	ErrLedgerAmbiguous        = errors.New("ledger outcome ambiguous")
	ErrLedgerUnavailable      = errors.New("ledger unavailable")
	ErrPayoutFailed           = errors.New("payout failed")
	ErrNotFound               = errors.New("not found")
	ErrPendingReconciliation  = errors.New("pending ledger submission awaiting reconciliation")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrContractNotActive      = errors.New("contract not active")
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused with different request")
)

// ValidationError lists the offending fields of a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

// OrNil returns nil when no field was flagged.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, k := range sortedKeys(e.Fields) {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError is a rejected state change.
type TransitionError struct {
	From PolicyState
	To   PolicyState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid policy state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidStateTransition }

// PolicyNotActiveError is returned when an attestation targets a policy that
// exists but cannot be paid. It matches both ErrUnknownPolicy and
// ErrInvalidStateTransition.
type PolicyNotActiveError struct {
	PolicyID string
	State    PolicyState
}

func (e *PolicyNotActiveError) Error() string {
	return fmt.Sprintf("policy %s is %s, not active", e.PolicyID, e.State)
}

func (e *PolicyNotActiveError) Is(target error) bool {
	return target == ErrUnknownPolicy || target == ErrInvalidStateTransition
}

// LedgerRejectedError carries the ledger's reason for a definitive rejection.
type LedgerRejectedError struct {
	Token  string
	Reason string
}

func (e *LedgerRejectedError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.Token, e.Reason)
}

func (e *LedgerRejectedError) Is(target error) bool { return target == ErrLedgerRejected }

// PayoutFailedError wraps the rejection of a payout submission.
type PayoutFailedError struct {
	PolicyID string
	Cause    error
}

func (e *PayoutFailedError) Error() string {
	return fmt.Sprintf("payout for policy %s failed: %v", e.PolicyID, e.Cause)
}

func (e *PayoutFailedError) Is(target error) bool { return target == ErrPayoutFailed }

func (e *PayoutFailedError) Unwrap() error { return e.Cause }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
