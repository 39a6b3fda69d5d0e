package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"harvestline/internal/cache"
	"harvestline/internal/domain"
	"harvestline/internal/events"
	"harvestline/internal/ledger"
	"harvestline/internal/log"
	"harvestline/internal/observability"
	"harvestline/internal/payout"
	"harvestline/internal/repo"
)

const entityPolicy = "policy"

// CreatePolicyRequest describes a new policy. Either DurationMonths or both
// StartDate and EndDate must be set; StartDate alone defaults the end to
// DurationMonths later.
type CreatePolicyRequest struct {
	HolderAddress     string
	CoverageAmount    decimal.Decimal
	DurationMonths    int
	StartDate         time.Time
	EndDate           time.Time
	CoverageTerms     []string
	DeductiblePercent decimal.Decimal
	ContractID        string
	IdempotencyKey    string
	ActorID           string
}

// CreatePolicy validates the request, writes the Pending policy ahead of the
// ledger submission and submits the creation transaction with the policy ID
// as idempotency token. An unresolved submission leaves the policy Pending
// with its pending tx ref for reconciliation.
func (e Engine) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (p domain.Policy, err error) {
	ctx, done := observability.Track(ctx, "policy.create")
	defer func() { done(err) }()

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		existing, err := e.Repo.GetPolicyByIdempotencyKey(ctx, key)
		if err == nil {
			return existing, sameRequest(existing, req)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Policy{}, err
		}
	}
	p, err = e.buildPolicy(ctx, req)
	if err != nil {
		return domain.Policy{}, err
	}
	ctx = log.WithLogField(ctx, "policy_id", p.ID)

	le, err := e.Locker.Acquire(ctx, p.ID)
	if err != nil {
		return domain.Policy{}, err
	}
	defer le.Release(ctx)

	pt, err := e.insertPending(ctx, p, req.ActorID)
	if err != nil {
		if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
			// lost a race on the same key
			if existing, lookupErr := e.Repo.GetPolicyByIdempotencyKey(ctx, key); lookupErr == nil {
				return existing, sameRequest(existing, req)
			}
		}
		return domain.Policy{}, err
	}
	log.L(ctx).Infof("policy created for %s: coverage %s premium %s", p.HolderAddress, p.CoverageAmount, p.Premium)
	return e.submitCreate(ctx, p, pt)
}

func (e Engine) buildPolicy(ctx context.Context, req CreatePolicyRequest) (domain.Policy, error) {
	cfg := e.Config
	verr := &domain.ValidationError{}
	holder := strings.TrimSpace(req.HolderAddress)
	if holder == "" {
		verr.Add("holder_address", "is required")
	} else if e.holderRE != nil && !e.holderRE.MatchString(holder) {
		verr.Add("holder_address", "is not a well-formed ledger address")
	}
	if !req.CoverageAmount.IsPositive() {
		verr.Add("coverage_amount", "must be positive")
	} else if !req.CoverageAmount.Equal(req.CoverageAmount.Truncate(2)) {
		verr.Add("coverage_amount", "must have at most 2 decimal places")
	}
	terms, termErr := normalizeTerms(req.CoverageTerms, cfg.KnownPeril)
	if termErr != "" {
		verr.Add("coverage_terms", termErr)
	}
	deductible := req.DeductiblePercent
	if deductible.IsNegative() || deductible.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		verr.Add("deductible_percent", "must be within [0,100)")
	} else if cfg.Policy.MaxDeductiblePercent.IsPositive() && deductible.GreaterThan(cfg.Policy.MaxDeductiblePercent) {
		verr.Add("deductible_percent", "exceeds the maximum of "+cfg.Policy.MaxDeductiblePercent.String())
	}
	start, end, durErr := e.coveragePeriod(req)
	if durErr != "" {
		verr.Add("duration", durErr)
	}

	issuer := cfg.Issuer.Account
	rate := cfg.Policy.PremiumRate
	if id := strings.TrimSpace(req.ContractID); id != "" {
		c, err := e.Repo.GetContract(ctx, id)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			verr.Add("contract_id", "unknown contract")
		case err != nil:
			return domain.Policy{}, err
		case c.Status != domain.ContractActive:
			return domain.Policy{}, fmt.Errorf("%w: %s is %s", domain.ErrContractNotActive, c.ID, c.Status)
		default:
			issuer, rate = c.Issuer, c.PremiumRate
			for _, t := range terms {
				if !c.Allows(t) {
					verr.Add("coverage_terms", fmt.Sprintf("%s is not offered by contract %s", t, c.ID))
				}
			}
			if req.CoverageAmount.GreaterThan(c.MaxPayout) {
				verr.Add("coverage_amount", "exceeds the contract maximum of "+c.MaxPayout.String())
			}
		}
	}
	if err := verr.OrNil(); err != nil {
		return domain.Policy{}, err
	}

	now := e.now()
	id := uuid.NewString()
	return domain.Policy{
		ID:                id,
		HolderAddress:     holder,
		Issuer:            issuer,
		ContractID:        strings.TrimSpace(req.ContractID),
		CoverageAmount:    req.CoverageAmount,
		Premium:           payout.Premium(req.CoverageAmount, rate),
		PremiumRate:       rate,
		DeductiblePercent: deductible,
		StartDate:         start,
		EndDate:           end,
		CoverageTerms:     terms,
		State:             domain.StatePending,
		PendingTxRef:      id,
		IdempotencyKey:    strings.TrimSpace(req.IdempotencyKey),
		Attempt:           1,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (e Engine) coveragePeriod(req CreatePolicyRequest) (time.Time, time.Time, string) {
	minMonths, maxMonths := e.Config.Policy.MinMonths, e.Config.Policy.MaxMonths
	start := req.StartDate.UTC()
	if req.StartDate.IsZero() {
		start = e.now().Truncate(time.Second)
	}
	end := req.EndDate.UTC()
	if req.EndDate.IsZero() {
		if req.DurationMonths == 0 {
			return start, end, "duration_months or end_date is required"
		}
		if req.DurationMonths < minMonths || req.DurationMonths > maxMonths {
			return start, end, fmt.Sprintf("must be between %d and %d months", minMonths, maxMonths)
		}
		return start, start.AddDate(0, req.DurationMonths, 0), ""
	}
	if !end.After(start) {
		return start, end, "end_date must be after start_date"
	}
	if end.Before(start.AddDate(0, minMonths, 0)) || end.After(start.AddDate(0, maxMonths, 0)) {
		return start, end, fmt.Sprintf("must be between %d and %d months", minMonths, maxMonths)
	}
	return start, end, ""
}

func normalizeTerms(terms []string, known func(string) bool) ([]string, string) {
	if len(terms) == 0 {
		return nil, "at least one peril is required"
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			return nil, "contains an empty peril"
		}
		if !known(t) {
			return nil, fmt.Sprintf("unknown peril %q", t)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, ""
}

// sameRequest guards an idempotency key against reuse for a different policy.
// A request without dates matches on its duration, since its start was the
// clock at first submission.
func sameRequest(existing domain.Policy, req CreatePolicyRequest) error {
	conflict := func(field string) error {
		return fmt.Errorf("%w: %s differs from policy %s (%s)", domain.ErrIdempotencyKeyConflict, field, existing.ID, existing.IdempotencyKey)
	}
	if existing.HolderAddress != strings.TrimSpace(req.HolderAddress) {
		return conflict("holder_address")
	}
	if !existing.CoverageAmount.Equal(req.CoverageAmount) {
		return conflict("coverage_amount")
	}
	if !existing.DeductiblePercent.Equal(req.DeductiblePercent) {
		return conflict("deductible_percent")
	}
	if existing.ContractID != strings.TrimSpace(req.ContractID) {
		return conflict("contract_id")
	}
	terms := make([]string, 0, len(req.CoverageTerms))
	for _, t := range req.CoverageTerms {
		if t = strings.ToLower(strings.TrimSpace(t)); !slices.Contains(terms, t) {
			terms = append(terms, t)
		}
	}
	have := slices.Clone(existing.CoverageTerms)
	slices.Sort(terms)
	slices.Sort(have)
	if !slices.Equal(terms, have) {
		return conflict("coverage_terms")
	}
	if !req.StartDate.IsZero() && !req.StartDate.Equal(existing.StartDate) {
		return conflict("start_date")
	}
	switch {
	case !req.EndDate.IsZero():
		if !req.EndDate.Equal(existing.EndDate) {
			return conflict("end_date")
		}
	case !existing.StartDate.AddDate(0, req.DurationMonths, 0).Equal(existing.EndDate):
		return conflict("duration_months")
	}
	return nil
}

func createIntent(p domain.Policy) ledger.Intent {
	return ledger.Intent{
		Kind:       domain.TxPolicyCreate,
		PolicyID:   p.ID,
		ContractID: p.ContractID,
		From:       p.HolderAddress,
		To:         p.Issuer,
		Amount:     p.Premium,
		Memo: map[string]string{
			"coverage":   p.CoverageAmount.String(),
			"deductible": p.DeductiblePercent.String(),
			"start_date": p.StartDate.Format(time.RFC3339),
			"end_date":   p.EndDate.Format(time.RFC3339),
			"terms":      strings.Join(p.CoverageTerms, ","),
			"attempt":    strconv.Itoa(p.Attempt),
		},
	}
}

// insertPending commits the Pending policy, its pending tx and the created
// event in one transaction.
func (e Engine) insertPending(ctx context.Context, p domain.Policy, actorID string) (domain.PendingTx, error) {
	pt, err := createPendingTx(p, e.now())
	if err != nil {
		return pt, err
	}
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return pt, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPolicyTx(ctx, tx, p); err != nil {
		return pt, err
	}
	if err := e.Repo.InsertPendingTxTx(ctx, tx, pt); err != nil {
		return pt, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventPolicyCreated, entityPolicy, p.ID, actorID, events.EventPayload{
		"holder":   p.HolderAddress,
		"coverage": p.CoverageAmount.String(),
		"premium":  p.Premium.String(),
		"terms":    p.CoverageTerms,
		"token":    pt.Token,
	}); err != nil {
		return pt, err
	}
	return pt, tx.Commit()
}

func createPendingTx(p domain.Policy, now time.Time) (domain.PendingTx, error) {
	intent, err := encodeIntent(createIntent(p))
	if err != nil {
		return domain.PendingTx{}, err
	}
	return domain.PendingTx{
		Token:     p.CreateToken(),
		Kind:      domain.TxPolicyCreate,
		PolicyID:  p.ID,
		Intent:    intent,
		Amount:    p.Premium,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// submitCreate sends the write-ahead creation and applies whatever the ledger
// answered. The caller holds the policy lease.
func (e Engine) submitCreate(ctx context.Context, p domain.Policy, pt domain.PendingTx) (domain.Policy, error) {
	intent, err := decodeIntent(pt)
	if err != nil {
		return p, err
	}
	out, err := e.Ledger.Submit(ctx, intent, pt.Token)
	if err != nil {
		log.L(ctx).Warnf("create submission %s unresolved: %v", pt.Token, err)
		if noteErr := e.noteUnresolved(ctx, pt, entityPolicy, err.Error()); noteErr != nil {
			return p, noteErr
		}
		return p, nil
	}
	p, _, err = e.applyCreateOutcome(ctx, p, pt, out)
	return p, err
}

// applyCreateOutcome moves a Pending policy to Active or Failed. Ambiguous
// outcomes only bump the pending record.
func (e Engine) applyCreateOutcome(ctx context.Context, p domain.Policy, pt domain.PendingTx, out ledger.Outcome) (domain.Policy, bool, error) {
	var (
		next     = p
		evtType  string
		evtProps events.EventPayload
	)
	switch out.Status {
	case ledger.StatusConfirmed:
		next.State = domain.StateActive
		next.LedgerCreateTxHash = out.TxHash
		evtType = domain.EventPolicyActivated
		evtProps = events.EventPayload{"tx_hash": out.TxHash, "token": pt.Token}
	case ledger.StatusRejected:
		next.State = domain.StateFailed
		next.FailureReason = out.Reason
		evtType = domain.EventPolicyFailed
		evtProps = events.EventPayload{"reason": out.Reason, "token": pt.Token}
	default:
		log.L(ctx).Infof("create submission %s is %s", pt.Token, out.Status)
		return p, false, e.noteUnresolved(ctx, pt, entityPolicy, string(out.Status))
	}
	if err := domain.EnsureTransition(p.State, next.State); err != nil {
		return p, false, err
	}
	next.PendingTxRef = ""
	next.UpdatedAt = e.now()

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return p, false, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdatePolicyCAS(ctx, tx, next, p.State, p.Version)
	if err != nil {
		return p, false, err
	}
	if err := e.Repo.DeletePendingTxTx(ctx, tx, pt.Token); err != nil {
		return p, false, err
	}
	if err := e.Events.Append(ctx, tx, evtType, entityPolicy, p.ID, "", evtProps); err != nil {
		return p, false, err
	}
	if err := tx.Commit(); err != nil {
		return p, false, err
	}
	e.invalidate(ctx, p.ID)
	if updated.State == domain.StateFailed {
		log.L(ctx).Warnf("policy %s failed: %s", p.ID, out.Reason)
	} else {
		log.L(ctx).Infof("policy %s active (tx %s)", p.ID, out.TxHash)
	}
	return updated, true, nil
}

// CancelPolicy cancels a Pending or Active policy on behalf of its holder or
// issuer.
func (e Engine) CancelPolicy(ctx context.Context, policyID, requester string) (p domain.Policy, err error) {
	ctx, done := observability.Track(ctx, "policy.cancel", attribute.String("policy_id", policyID))
	defer func() { done(err) }()
	ctx = log.WithLogField(ctx, "policy_id", policyID)

	le, err := e.Locker.Acquire(ctx, policyID)
	if err != nil {
		return domain.Policy{}, err
	}
	defer le.Release(ctx)

	p, err = e.Repo.GetPolicy(ctx, policyID)
	if err != nil {
		return domain.Policy{}, err
	}
	if _, err := e.Auth.RequirePolicyParty("cancel policy", requester, p); err != nil {
		return p, err
	}
	if err := domain.EnsureTransition(p.State, domain.StateCancelled); err != nil {
		return p, err
	}
	var abandon string
	if p.State == domain.StatePending && p.PendingTxRef != "" {
		if p, abandon, err = e.settleCreateForCancel(ctx, p); err != nil {
			return p, err
		}
		if err := domain.EnsureTransition(p.State, domain.StateCancelled); err != nil {
			return p, err
		}
	}
	if p.PendingTxRef != "" && p.PendingTxRef != abandon {
		return p, fmt.Errorf("%w: %s", domain.ErrPendingReconciliation, p.PendingTxRef)
	}

	next := p
	next.State = domain.StateCancelled
	next.PendingTxRef = ""
	next.UpdatedAt = e.now()
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdatePolicyCAS(ctx, tx, next, p.State, p.Version)
	if err != nil {
		return p, err
	}
	if abandon != "" {
		if err := e.Repo.DeletePendingTxTx(ctx, tx, abandon); err != nil {
			return p, err
		}
	}
	if err := e.Events.Append(ctx, tx, domain.EventPolicyCancelled, entityPolicy, p.ID, requester, events.EventPayload{
		"from":      string(p.State),
		"abandoned": abandon,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.invalidate(ctx, p.ID)
	log.L(ctx).Infof("policy %s cancelled by %s", p.ID, requester)
	return updated, nil
}

// settleCreateForCancel asks the ledger about an in-flight creation before a
// cancel. A known outcome is applied first; a token the ledger never saw is
// returned for abandonment; anything else refuses the cancel.
func (e Engine) settleCreateForCancel(ctx context.Context, p domain.Policy) (domain.Policy, string, error) {
	pt, err := e.Repo.GetPendingTx(ctx, p.PendingTxRef)
	if errors.Is(err, repo.ErrNotFound) {
		return p, p.PendingTxRef, nil
	}
	if err != nil {
		return p, "", err
	}
	out, err := e.Ledger.QueryByToken(ctx, pt.Token)
	if err != nil {
		return p, "", fmt.Errorf("%w: %s (%v)", domain.ErrPendingReconciliation, pt.Token, err)
	}
	switch out.Status {
	case ledger.StatusNotFound:
		return p, pt.Token, nil
	case ledger.StatusConfirmed, ledger.StatusRejected:
		p, _, err = e.applyCreateOutcome(ctx, p, pt, out)
		return p, "", err
	}
	return p, "", fmt.Errorf("%w: %s", domain.ErrPendingReconciliation, pt.Token)
}

// RetryPolicy starts a new create attempt for a Failed policy.
func (e Engine) RetryPolicy(ctx context.Context, policyID, requester string) (p domain.Policy, err error) {
	ctx, done := observability.Track(ctx, "policy.retry", attribute.String("policy_id", policyID))
	defer func() { done(err) }()
	ctx = log.WithLogField(ctx, "policy_id", policyID)

	le, err := e.Locker.Acquire(ctx, policyID)
	if err != nil {
		return domain.Policy{}, err
	}
	defer le.Release(ctx)

	p, err = e.Repo.GetPolicy(ctx, policyID)
	if err != nil {
		return domain.Policy{}, err
	}
	if _, err := e.Auth.RequirePolicyParty("retry policy", requester, p); err != nil {
		return p, err
	}
	if err := domain.EnsureTransition(p.State, domain.StatePending); err != nil {
		return p, err
	}
	if p.ArchivedAt != nil {
		return p, fmt.Errorf("%w: policy %s is archived", domain.ErrInvalidStateTransition, p.ID)
	}

	next := p
	next.State = domain.StatePending
	next.Attempt = p.Attempt + 1
	next.FailureReason = ""
	next.UpdatedAt = e.now()
	next.PendingTxRef = next.CreateToken()
	pt, err := createPendingTx(next, e.now())
	if err != nil {
		return p, err
	}

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdatePolicyCAS(ctx, tx, next, p.State, p.Version)
	if err != nil {
		return p, err
	}
	if err := e.Repo.InsertPendingTxTx(ctx, tx, pt); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventPolicyRetried, entityPolicy, p.ID, requester, events.EventPayload{
		"attempt": next.Attempt,
		"token":   pt.Token,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.invalidate(ctx, p.ID)
	log.L(ctx).Infof("retrying policy %s (attempt %d)", p.ID, next.Attempt)
	return e.submitCreate(ctx, updated, pt)
}

// ArchivePolicy hides a Failed policy from default listings.
func (e Engine) ArchivePolicy(ctx context.Context, policyID, requester string) (domain.Policy, error) {
	ctx = log.WithLogField(ctx, "policy_id", policyID)
	le, err := e.Locker.Acquire(ctx, policyID)
	if err != nil {
		return domain.Policy{}, err
	}
	defer le.Release(ctx)

	p, err := e.Repo.GetPolicy(ctx, policyID)
	if err != nil {
		return domain.Policy{}, err
	}
	if _, err := e.Auth.RequirePolicyParty("archive policy", requester, p); err != nil {
		return p, err
	}
	if p.State != domain.StateFailed || p.ArchivedAt != nil {
		return p, fmt.Errorf("%w: only un-archived failed policies can be archived (policy is %s)", domain.ErrInvalidStateTransition, p.State)
	}
	next := p
	now := e.now()
	next.ArchivedAt = &now
	next.UpdatedAt = now
	return e.commitTransition(ctx, p, next, domain.EventPolicyArchived, requester, nil)
}

// commitTransition writes next over prev with its event. The caller holds the lease.
func (e Engine) commitTransition(ctx context.Context, prev, next domain.Policy, evtType, actorID string, payload events.EventPayload) (domain.Policy, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return prev, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdatePolicyCAS(ctx, tx, next, prev.State, prev.Version)
	if err != nil {
		return prev, err
	}
	if err := e.Events.Append(ctx, tx, evtType, entityPolicy, prev.ID, actorID, payload); err != nil {
		return prev, err
	}
	if err := tx.Commit(); err != nil {
		return prev, err
	}
	e.invalidate(ctx, prev.ID)
	log.L(ctx).Infof("policy %s: %s -> %s", prev.ID, prev.State, updated.State)
	return updated, nil
}

// GetPolicy reads through the display cache.
func (e Engine) GetPolicy(ctx context.Context, policyID string) (domain.Policy, error) {
	return cache.ReadThrough(ctx, e.cache(), policyID, e.Repo.GetPolicy)
}

func (e Engine) ListPolicies(ctx context.Context, f repo.PolicyFilter) ([]domain.Policy, error) {
	return e.Repo.ListPolicies(ctx, f)
}
