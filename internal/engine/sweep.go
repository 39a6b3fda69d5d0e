package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"harvestline/internal/domain"
	"harvestline/internal/events"
	"harvestline/internal/ledger"
	"harvestline/internal/log"
	"harvestline/internal/observability"
	"harvestline/internal/repo"
)

// SweepResult summarises one pass of a background sweep.
type SweepResult struct {
	Scanned int      `json:"scanned"`
	Changed int      `json:"changed"`
	Skipped int      `json:"skipped"`
	Pending int      `json:"pending"`
	Errors  []string `json:"errors,omitempty"`
}

func (r *SweepResult) fail(subject string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", subject, err))
}

func (e Engine) batchSize() int {
	if e.Config != nil && e.Config.Sweeper.BatchSize > 0 {
		return e.Config.Sweeper.BatchSize
	}
	return 200
}

// ExpireSweep moves Active policies past their end date to Expired. Each
// policy is handled under its own lease; busy policies are skipped and picked
// up by the next pass.
func (e Engine) ExpireSweep(ctx context.Context, now time.Time) (res SweepResult, err error) {
	ctx, done := observability.Track(ctx, "sweep.expire")
	defer func() { done(err) }()
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC()

	ids, err := e.Repo.ListExpirablePolicyIDs(ctx, now, e.batchSize())
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		res.Scanned++
		changed, err := e.expireOne(ctx, id, now)
		switch {
		case errors.Is(err, domain.ErrPolicyBusy):
			res.Skipped++
		case err != nil:
			res.fail(id, err)
		case changed:
			res.Changed++
		default:
			res.Skipped++
		}
	}
	if res.Changed > 0 || len(res.Errors) > 0 {
		log.L(ctx).Infof("expire sweep: %d scanned, %d expired, %d skipped, %d errors", res.Scanned, res.Changed, res.Skipped, len(res.Errors))
	}
	return res, nil
}

func (e Engine) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx = log.WithLogField(ctx, "policy_id", id)
	le, err := e.Locker.Acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer le.Release(ctx)

	p, err := e.Repo.GetPolicy(ctx, id)
	if err != nil {
		return false, err
	}
	// re-checked under the lease; a payout may have landed meanwhile
	if p.State != domain.StateActive || !p.EndDate.Before(now) {
		return false, nil
	}
	if p.PendingTxRef != "" {
		log.L(ctx).Debugf("policy %s has payout %s in flight, not expiring", id, p.PendingTxRef)
		return false, nil
	}
	next := p
	next.State = domain.StateExpired
	next.UpdatedAt = now
	_, err = e.commitTransition(ctx, p, next, domain.EventPolicyExpired, "", events.EventPayload{
		"end_date": p.EndDate.Format(time.RFC3339),
	})
	return err == nil, err
}

// ReconcileSweep resolves write-ahead submissions left unresolved by an
// ambiguous or failed ledger call. Tokens the ledger never saw are
// resubmitted with the same token.
func (e Engine) ReconcileSweep(ctx context.Context) (res SweepResult, err error) {
	ctx, done := observability.Track(ctx, "sweep.reconcile")
	defer func() { done(err) }()

	pending, err := e.Repo.ListPendingTxs(ctx, e.batchSize())
	if err != nil {
		return res, err
	}
	for _, pt := range pending {
		res.Scanned++
		resolved, err := e.reconcileOne(ctx, pt)
		switch {
		case errors.Is(err, domain.ErrPolicyBusy):
			res.Skipped++
		case err != nil:
			res.fail(pt.Token, err)
			// rotate it behind the rest of the backlog
			if bumpErr := e.Repo.BumpPendingTxAttemptsTx(ctx, nil, pt.Token, e.now()); bumpErr != nil && !errors.Is(bumpErr, repo.ErrNotFound) {
				log.L(ctx).Warnf("bump pending %s: %v", pt.Token, bumpErr)
			}
		case resolved:
			res.Changed++
		default:
			res.Pending++
		}
	}
	if res.Scanned > 0 {
		log.L(ctx).Infof("reconcile sweep: %d scanned, %d resolved, %d pending, %d skipped, %d errors",
			res.Scanned, res.Changed, res.Pending, res.Skipped, len(res.Errors))
	}
	return res, nil
}

func (e Engine) reconcileOne(ctx context.Context, pt domain.PendingTx) (bool, error) {
	if pt.Kind == domain.TxContractDeploy {
		return e.reconcileContract(ctx, pt)
	}
	ctx = log.WithLogField(ctx, "policy_id", pt.PolicyID)
	le, err := e.Locker.Acquire(ctx, pt.PolicyID)
	if err != nil {
		return false, err
	}
	defer le.Release(ctx)

	// the record may have been resolved while we waited for the lease
	current, err := e.Repo.GetPendingTx(ctx, pt.Token)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	p, err := e.Repo.GetPolicy(ctx, current.PolicyID)
	if err != nil {
		return false, err
	}
	if p.PendingTxRef != current.Token {
		return false, e.dropOrphan(ctx, current, p)
	}
	_, resolved, err := e.reconcileLocked(ctx, p, current)
	return resolved, err
}

// dropOrphan removes a pending record the policy no longer points at. This
// only happens when a cancel abandoned a token the ledger had never seen.
func (e Engine) dropOrphan(ctx context.Context, pt domain.PendingTx, p domain.Policy) error {
	out, err := e.Ledger.QueryByToken(ctx, pt.Token)
	if err != nil {
		return err
	}
	if out.Status != ledger.StatusNotFound {
		log.L(ctx).Errorf("pending %s no longer referenced by policy %s but ledger reports %s", pt.Token, p.ID, out.Status)
		return fmt.Errorf("%w: orphaned submission %s is %s on the ledger", domain.ErrPendingReconciliation, pt.Token, out.Status)
	}
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePendingTxTx(ctx, tx, pt.Token); err != nil {
		return err
	}
	return tx.Commit()
}

// reconcileLocked queries the ledger for pt and applies a final outcome to p.
// The caller holds the policy lease. A definitive payout rejection counts as
// resolved rather than as an error.
func (e Engine) reconcileLocked(ctx context.Context, p domain.Policy, pt domain.PendingTx) (domain.Policy, bool, error) {
	ctx, span := observability.Track(ctx, "ledger.reconcile",
		attribute.String("token", pt.Token),
		attribute.String("kind", string(pt.Kind)))
	out, err := e.resolveOutcome(ctx, pt)
	if err != nil {
		span(err)
		return p, false, err
	}
	var resolved bool
	switch pt.Kind {
	case domain.TxPolicyCreate:
		p, resolved, err = e.applyCreateOutcome(ctx, p, pt, out)
	case domain.TxPayout:
		p, resolved, err = e.applyPayoutOutcome(ctx, p, pt, out)
		if errors.Is(err, domain.ErrPayoutFailed) {
			err = nil
		}
	default:
		err = fmt.Errorf("pending %s has unknown kind %q", pt.Token, pt.Kind)
	}
	span(err)
	return p, resolved, err
}

// resolveOutcome asks the ledger what became of pt, resubmitting under the
// same token when the ledger has no record of it. An unreachable ledger is
// recorded as another unresolved attempt and reported as ambiguous.
func (e Engine) resolveOutcome(ctx context.Context, pt domain.PendingTx) (ledger.Outcome, error) {
	out, err := e.Ledger.QueryByToken(ctx, pt.Token)
	if err != nil {
		log.L(ctx).Warnf("query %s: %v", pt.Token, err)
		return ledger.Ambiguous(pt.Token), nil
	}
	if out.Status != ledger.StatusNotFound {
		return out, nil
	}
	intent, err := decodeIntent(pt)
	if err != nil {
		return out, err
	}
	log.L(ctx).Infof("ledger has no record of %s, resubmitting", pt.Token)
	out, err = e.Ledger.Submit(ctx, intent, pt.Token)
	if err != nil {
		log.L(ctx).Warnf("resubmit %s: %v", pt.Token, err)
		return ledger.Ambiguous(pt.Token), nil
	}
	return out, nil
}
