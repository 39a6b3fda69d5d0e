package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"harvestline/internal/cache"
	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine/auth"
	"harvestline/internal/events"
	"harvestline/internal/lease"
	"harvestline/internal/ledger"
	"harvestline/internal/log"
	"harvestline/internal/oracle"
	"harvestline/internal/payout"
	"harvestline/internal/repo"
)

// Engine drives the policy lifecycle. Every state change runs under the
// policy's lease and is committed with a compare-and-swap on (state, version).
type Engine struct {
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Gateway
	Verifier oracle.Verifier
	Locker   lease.Locker
	Cache    cache.PolicyCache
	Schedule payout.Schedule
	Auth     auth.Authorizer
	Config   *config.Config
	Now      func() time.Time

	holderRE *regexp.Regexp
}

// New wires an engine over conn using the SQL lease backend and an
// in-memory display cache. Callers may swap Locker and Cache afterwards.
func New(conn *sql.DB, driver db.Driver, cfg *config.Config, gw ledger.Gateway) (Engine, error) {
	if cfg == nil {
		return Engine{}, fmt.Errorf("config not loaded")
	}
	r := repo.Repo{DB: conn, Driver: driver}
	keys, err := oracle.NewKeyRing(cfg.Oracle.Keys)
	if err != nil {
		return Engine{}, err
	}
	schema, err := oracle.CompileMeasurementSchema(cfg.Oracle.MeasurementSchema)
	if err != nil {
		return Engine{}, err
	}
	schedule, err := payout.New(cfg.Payout)
	if err != nil {
		return Engine{}, err
	}
	holderRE, err := regexp.Compile(cfg.Policy.HolderPattern)
	if err != nil {
		return Engine{}, fmt.Errorf("holder pattern: %w", err)
	}
	e := Engine{
		Repo:   r,
		Events: events.Writer{Driver: driver},
		Ledger: gw,
		Verifier: oracle.Verifier{
			Keys:         keys,
			Freshness:    cfg.Oracle.Freshness,
			MaxClockSkew: cfg.Oracle.MaxClockSkew,
			Schema:       schema,
			Policies:     r,
			Nonces:       nonceStore{repo: r},
		},
		Locker: lease.Locker{
			Backend: lease.SQLBackend{Repo: r},
			TTL:     cfg.Lease.TTL,
			Wait:    cfg.Lease.Wait,
		},
		Cache:    cache.NewMemory(cfg.Cache.TTL),
		Schedule: schedule,
		Auth:     auth.Authorizer{IsOperator: cfg.IsOperator},
		Config:   cfg,
		Now:      time.Now,
		holderRE: holderRE,
	}
	return e, nil
}

// WithClock points the engine and its collaborators at now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Verifier.Now = now
	e.Events.Now = now
	if b, ok := e.Locker.Backend.(lease.SQLBackend); ok {
		b.Now = now
		e.Locker.Backend = b
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) cache() cache.PolicyCache {
	if e.Cache == nil {
		return cache.Nop{}
	}
	return e.Cache
}

func (e Engine) invalidate(ctx context.Context, id string) {
	if err := e.cache().Invalidate(ctx, id); err != nil {
		log.L(ctx).Warnf("invalidate cached policy %s: %v", id, err)
	}
}

// nonceStore answers replay checks for the verifier.
type nonceStore struct {
	repo repo.Repo
}

func (n nonceStore) NonceUsed(ctx context.Context, policyID, nonce string) (bool, error) {
	return n.repo.NonceConsumed(ctx, nil, policyID, nonce)
}

// noteUnresolved records another unresolved attempt for a pending submission.
func (e Engine) noteUnresolved(ctx context.Context, pt domain.PendingTx, entityKind, reason string) error {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.BumpPendingTxAttemptsTx(ctx, tx, pt.Token, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventLedgerAmbiguous, entityKind, pt.SubjectID(), "", events.EventPayload{
		"token":  pt.Token,
		"kind":   string(pt.Kind),
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeIntent(pt domain.PendingTx) (ledger.Intent, error) {
	var intent ledger.Intent
	if err := json.Unmarshal(pt.Intent, &intent); err != nil {
		return intent, fmt.Errorf("decode intent of %s: %w", pt.Token, err)
	}
	return intent, nil
}

func encodeIntent(intent ledger.Intent) (json.RawMessage, error) {
	data, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}
	return data, nil
}
