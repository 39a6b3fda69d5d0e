package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"harvestline/internal/db"
	"harvestline/internal/domain"
)

const policyColumns = `id,holder_address,issuer,contract_id,coverage_amount,premium,premium_rate,deductible_percent,
start_date,end_date,coverage_terms_json,state,ledger_create_tx_hash,pending_tx_ref,failure_reason,
payout_amount,payout_tx_hash,payout_nonce,payout_event_type,payout_severity,payout_at,
idempotency_key,attempt,version,archived_at,created_at,updated_at`

func scanPolicy(row scanner) (domain.Policy, error) {
	var (
		p                                      domain.Policy
		contractID, createHash, pendingRef     sql.NullString
		failure, idemKey, archivedAt           sql.NullString
		payoutAmount, payoutHash, payoutNonce  sql.NullString
		payoutEvent, payoutAt                  sql.NullString
		payoutSeverity                         sql.NullFloat64
		coverage, premium, rate, deductible    string
		start, end, termsJSON, created, update string
		state                                  string
	)
	err := row.Scan(&p.ID, &p.HolderAddress, &p.Issuer, &contractID, &coverage, &premium, &rate, &deductible,
		&start, &end, &termsJSON, &state, &createHash, &pendingRef, &failure,
		&payoutAmount, &payoutHash, &payoutNonce, &payoutEvent, &payoutSeverity, &payoutAt,
		&idemKey, &p.Attempt, &p.Version, &archivedAt, &created, &update)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.State = domain.PolicyState(state)
	p.ContractID = contractID.String
	p.LedgerCreateTxHash = createHash.String
	p.PendingTxRef = pendingRef.String
	p.FailureReason = failure.String
	p.IdempotencyKey = idemKey.String
	if p.CoverageAmount, err = decimal.NewFromString(coverage); err != nil {
		return p, fmt.Errorf("policy %s coverage: %w", p.ID, err)
	}
	if p.Premium, err = decimal.NewFromString(premium); err != nil {
		return p, fmt.Errorf("policy %s premium: %w", p.ID, err)
	}
	if p.PremiumRate, err = decimal.NewFromString(rate); err != nil {
		return p, fmt.Errorf("policy %s premium rate: %w", p.ID, err)
	}
	if p.DeductiblePercent, err = decimal.NewFromString(deductible); err != nil {
		return p, fmt.Errorf("policy %s deductible: %w", p.ID, err)
	}
	if p.CoverageTerms, err = unmarshalStrings(termsJSON); err != nil {
		return p, fmt.Errorf("policy %s terms: %w", p.ID, err)
	}
	for _, ts := range []struct {
		dst *time.Time
		src string
	}{{&p.StartDate, start}, {&p.EndDate, end}, {&p.CreatedAt, created}, {&p.UpdatedAt, update}} {
		if *ts.dst, err = db.ParseTime(ts.src); err != nil {
			return p, fmt.Errorf("policy %s timestamp: %w", p.ID, err)
		}
	}
	if archivedAt.Valid {
		t, err := db.ParseTime(archivedAt.String)
		if err != nil {
			return p, err
		}
		p.ArchivedAt = &t
	}
	if payoutHash.Valid {
		rec := &domain.PayoutRecord{
			TxHash:           payoutHash.String,
			AttestationNonce: payoutNonce.String,
			EventType:        payoutEvent.String,
			Severity:         payoutSeverity.Float64,
		}
		if rec.Amount, err = decimal.NewFromString(payoutAmount.String); err != nil {
			return p, fmt.Errorf("policy %s payout amount: %w", p.ID, err)
		}
		if rec.PaidAt, err = db.ParseTime(payoutAt.String); err != nil {
			return p, err
		}
		p.Payout = rec
	}
	return p, nil
}

func policyArgs(p domain.Policy) ([]any, error) {
	terms, err := marshalStrings(p.CoverageTerms)
	if err != nil {
		return nil, err
	}
	var (
		payoutAmount, payoutHash, payoutNonce, payoutEvent, payoutAt any
		payoutSeverity                                               any
		archivedAt                                                   any
	)
	if p.Payout != nil {
		payoutAmount = p.Payout.Amount.String()
		payoutHash = p.Payout.TxHash
		payoutNonce = p.Payout.AttestationNonce
		payoutEvent = p.Payout.EventType
		payoutSeverity = p.Payout.Severity
		payoutAt = db.FormatTime(p.Payout.PaidAt)
	}
	if p.ArchivedAt != nil {
		archivedAt = db.FormatTime(*p.ArchivedAt)
	}
	return []any{
		p.ID, p.HolderAddress, p.Issuer, nullable(p.ContractID), p.CoverageAmount.String(), p.Premium.String(),
		p.PremiumRate.String(), p.DeductiblePercent.String(), db.FormatTime(p.StartDate), db.FormatTime(p.EndDate),
		terms, string(p.State), nullable(p.LedgerCreateTxHash), nullable(p.PendingTxRef), nullable(p.FailureReason),
		payoutAmount, payoutHash, payoutNonce, payoutEvent, payoutSeverity, payoutAt,
		nullable(p.IdempotencyKey), p.Attempt, p.Version, archivedAt, db.FormatTime(p.CreatedAt), db.FormatTime(p.UpdatedAt),
	}, nil
}

func (r Repo) InsertPolicyTx(ctx context.Context, tx *sql.Tx, p domain.Policy) error {
	args, err := policyArgs(p)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	_, err = r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO policies(`+policyColumns+`) VALUES (`+placeholders+`)`), args...)
	if err != nil {
		return fmt.Errorf("insert policy %s: %w", p.ID, err)
	}
	return nil
}

func (r Repo) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	return r.GetPolicyTx(ctx, nil, id)
}

func (r Repo) GetPolicyTx(ctx context.Context, tx *sql.Tx, id string) (domain.Policy, error) {
	return scanPolicy(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+policyColumns+` FROM policies WHERE id=?`), id))
}

func (r Repo) GetPolicyByIdempotencyKey(ctx context.Context, key string) (domain.Policy, error) {
	return scanPolicy(r.DB.QueryRowContext(ctx, r.q(`SELECT `+policyColumns+` FROM policies WHERE idempotency_key=?`), key))
}

// UpdatePolicyCAS writes p if the stored row still has the expected state and
// version. The stored version becomes expectVersion+1.
func (r Repo) UpdatePolicyCAS(ctx context.Context, tx *sql.Tx, p domain.Policy, expectState domain.PolicyState, expectVersion int64) (domain.Policy, error) {
	p.Version = expectVersion + 1
	args, err := policyArgs(p)
	if err != nil {
		return p, err
	}
	cols := strings.Split(strings.ReplaceAll(policyColumns, "\n", ""), ",")
	sets := make([]string, 0, len(cols)-1)
	setArgs := make([]any, 0, len(args)+2)
	for i, c := range cols {
		if c == "id" || c == "created_at" {
			continue
		}
		sets = append(sets, c+"=?")
		setArgs = append(setArgs, args[i])
	}
	setArgs = append(setArgs, p.ID, string(expectState), expectVersion)
	res, err := r.conn(tx).ExecContext(ctx, r.q(fmt.Sprintf(`UPDATE policies SET %s WHERE id=? AND state=? AND version=?`, strings.Join(sets, ","))), setArgs...)
	if err != nil {
		return p, fmt.Errorf("update policy %s: %w", p.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return p, err
	}
	if affected == 0 {
		if _, err := r.GetPolicyTx(ctx, tx, p.ID); errors.Is(err, ErrNotFound) {
			return p, ErrNotFound
		}
		return p, fmt.Errorf("policy %s: %w", p.ID, domain.ErrConcurrentModification)
	}
	return p, nil
}

type PolicyFilter struct {
	State           domain.PolicyState
	Holder          string
	Issuer          string
	ContractID      string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListPolicies returns policies newest first with keyset pagination.
func (r Repo) ListPolicies(ctx context.Context, f PolicyFilter) ([]domain.Policy, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.Holder != "" {
		clauses = append(clauses, "holder_address=?")
		args = append(args, f.Holder)
	}
	if f.Issuer != "" {
		clauses = append(clauses, "issuer=?")
		args = append(args, f.Issuer)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, f.ContractID)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM policies WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, policyColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListExpirablePolicyIDs returns Active policies whose end date is before now
// and that carry neither a payout nor a submission in flight.
func (r Repo) ListExpirablePolicyIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id FROM policies WHERE state=? AND end_date < ? AND payout_tx_hash IS NULL AND pending_tx_ref IS NULL ORDER BY end_date ASC LIMIT ?`),
		string(domain.StateActive), db.FormatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPoliciesByState powers the health summary.
func (r Repo) CountPoliciesByState(ctx context.Context) (map[domain.PolicyState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM policies GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.PolicyState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[domain.PolicyState(state)] = n
	}
	return res, rows.Err()
}
