package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"harvestline/internal/domain"
	"harvestline/internal/events"
	"harvestline/internal/ledger"
	"harvestline/internal/log"
	"harvestline/internal/observability"
	"harvestline/internal/repo"
)

const entityContract = "contract"

// ContractToken is the ledger idempotency token of a contract deployment.
func ContractToken(id string) string {
	return "contract:" + id
}

type DeployContractRequest struct {
	Issuer      string
	Terms       []string
	PremiumRate decimal.Decimal
	MaxPayout   decimal.Decimal
	ActorID     string
}

// DeployContract registers an insurance product on the ledger. Policies may
// reference it once the deployment is confirmed.
func (e Engine) DeployContract(ctx context.Context, req DeployContractRequest) (c domain.Contract, err error) {
	ctx, done := observability.Track(ctx, "contract.deploy")
	defer func() { done(err) }()

	issuer := strings.TrimSpace(req.Issuer)
	if issuer == "" {
		issuer = e.Config.Issuer.Account
	}
	if err := e.Auth.RequireIssuer("deploy contract", req.ActorID, issuer); err != nil {
		return c, err
	}
	verr := &domain.ValidationError{}
	terms, termErr := normalizeTerms(req.Terms, e.Config.KnownPeril)
	if termErr != "" {
		verr.Add("terms", termErr)
	}
	if !req.PremiumRate.IsPositive() || req.PremiumRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		verr.Add("premium_rate", "must be within (0,1)")
	}
	if !req.MaxPayout.IsPositive() {
		verr.Add("max_payout", "must be positive")
	}
	if err := verr.OrNil(); err != nil {
		return c, err
	}

	now := e.now()
	c = domain.Contract{
		ID:          uuid.NewString(),
		Issuer:      issuer,
		Terms:       terms,
		PremiumRate: req.PremiumRate,
		MaxPayout:   req.MaxPayout,
		Status:      domain.ContractPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx = log.WithLogField(ctx, "contract_id", c.ID)
	le, err := e.Locker.Acquire(ctx, ContractToken(c.ID))
	if err != nil {
		return c, err
	}
	defer le.Release(ctx)

	intent := ledger.Intent{
		Kind:       domain.TxContractDeploy,
		ContractID: c.ID,
		From:       issuer,
		To:         issuer,
		Amount:     decimal.Zero,
		Memo: map[string]string{
			"terms":        strings.Join(terms, ","),
			"premium_rate": c.PremiumRate.String(),
			"max_payout":   c.MaxPayout.String(),
		},
	}
	raw, err := encodeIntent(intent)
	if err != nil {
		return c, err
	}
	pt := domain.PendingTx{
		Token:      ContractToken(c.ID),
		Kind:       domain.TxContractDeploy,
		ContractID: c.ID,
		Intent:     raw,
		Amount:     decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Repo.InsertPendingTxTx(ctx, tx, pt); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventContractDeployed, entityContract, c.ID, req.ActorID, events.EventPayload{
		"issuer":       issuer,
		"terms":        terms,
		"premium_rate": c.PremiumRate.String(),
		"max_payout":   c.MaxPayout.String(),
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}

	out, err := e.Ledger.Submit(ctx, intent, pt.Token)
	if err != nil {
		log.L(ctx).Warnf("contract submission %s unresolved: %v", pt.Token, err)
		return c, e.noteUnresolved(ctx, pt, entityContract, err.Error())
	}
	c, _, err = e.applyContractOutcome(ctx, c, pt, out)
	return c, err
}

func (e Engine) applyContractOutcome(ctx context.Context, c domain.Contract, pt domain.PendingTx, out ledger.Outcome) (domain.Contract, bool, error) {
	next := c
	var evtType string
	payload := events.EventPayload{"token": pt.Token}
	switch out.Status {
	case ledger.StatusConfirmed:
		next.Status = domain.ContractActive
		next.LedgerTxHash = out.TxHash
		evtType = domain.EventContractActivated
		payload["tx_hash"] = out.TxHash
	case ledger.StatusRejected:
		next.Status = domain.ContractFailed
		next.FailureReason = out.Reason
		evtType = domain.EventContractFailed
		payload["reason"] = out.Reason
	default:
		return c, false, e.noteUnresolved(ctx, pt, entityContract, string(out.Status))
	}
	next.UpdatedAt = e.now()

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return c, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateContractStatusTx(ctx, tx, next); err != nil {
		return c, false, err
	}
	if err := e.Repo.DeletePendingTxTx(ctx, tx, pt.Token); err != nil {
		return c, false, err
	}
	if err := e.Events.Append(ctx, tx, evtType, entityContract, c.ID, "", payload); err != nil {
		return c, false, err
	}
	if err := tx.Commit(); err != nil {
		return c, false, err
	}
	log.L(ctx).Infof("contract %s %s", c.ID, next.Status)
	return next, true, nil
}

func (e Engine) reconcileContract(ctx context.Context, pt domain.PendingTx) (bool, error) {
	ctx = log.WithLogField(ctx, "contract_id", pt.ContractID)
	le, err := e.Locker.Acquire(ctx, ContractToken(pt.ContractID))
	if err != nil {
		return false, err
	}
	defer le.Release(ctx)

	current, err := e.Repo.GetPendingTx(ctx, pt.Token)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	c, err := e.Repo.GetContract(ctx, current.ContractID)
	if err != nil {
		return false, err
	}
	ctx, span := observability.Track(ctx, "ledger.reconcile",
		attribute.String("token", current.Token),
		attribute.String("kind", string(current.Kind)))
	out, err := e.resolveOutcome(ctx, current)
	if err != nil {
		span(err)
		return false, err
	}
	_, resolved, err := e.applyContractOutcome(ctx, c, current, out)
	span(err)
	return resolved, err
}

func (e Engine) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return e.Repo.GetContract(ctx, id)
}

func (e Engine) ListContracts(ctx context.Context, issuer string) ([]domain.Contract, error) {
	return e.Repo.ListContracts(ctx, issuer)
}
