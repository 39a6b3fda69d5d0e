package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"harvestline/internal/db"
	"harvestline/internal/domain"
)

const pendingColumns = `token,kind,policy_id,contract_id,intent_json,attestation_nonce,event_type,severity,amount,attempts,created_at,updated_at`

func scanPendingTx(row scanner) (domain.PendingTx, error) {
	var (
		p                           domain.PendingTx
		kind, intent, amount        string
		created, updated            string
		policyID, contractID, nonce sql.NullString
		eventType                   sql.NullString
		severity                    sql.NullFloat64
	)
	err := row.Scan(&p.Token, &kind, &policyID, &contractID, &intent, &nonce, &eventType, &severity, &amount, &p.Attempts, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Kind = domain.TxKind(kind)
	p.PolicyID = policyID.String
	p.ContractID = contractID.String
	p.AttestationNonce = nonce.String
	p.EventType = eventType.String
	p.Severity = severity.Float64
	p.Intent = []byte(intent)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("pending tx %s amount: %w", p.Token, err)
	}
	if p.CreatedAt, err = db.ParseTime(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return p, err
	}
	return p, nil
}

// InsertPendingTxTx records a submission before it is sent to the ledger.
func (r Repo) InsertPendingTxTx(ctx context.Context, tx *sql.Tx, p domain.PendingTx) error {
	var severity any
	if p.Kind == domain.TxPayout {
		severity = p.Severity
	}
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO pending_txs(`+pendingColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.Token, string(p.Kind), nullable(p.PolicyID), nullable(p.ContractID), string(p.Intent), nullable(p.AttestationNonce),
		nullable(p.EventType), severity, p.Amount.String(), p.Attempts, db.FormatTime(p.CreatedAt), db.FormatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pending tx %s: %w", p.Token, err)
	}
	return nil
}

func (r Repo) GetPendingTx(ctx context.Context, token string) (domain.PendingTx, error) {
	return r.GetPendingTxTx(ctx, nil, token)
}

func (r Repo) GetPendingTxTx(ctx context.Context, tx *sql.Tx, token string) (domain.PendingTx, error) {
	return scanPendingTx(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+pendingColumns+` FROM pending_txs WHERE token=?`), token))
}

// ListPendingTxs returns in-flight submissions least-attempted first, then
// oldest first, so records that stay unresolved rotate behind the backlog.
func (r Repo) ListPendingTxs(ctx context.Context, limit int) ([]domain.PendingTx, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+pendingColumns+` FROM pending_txs ORDER BY attempts ASC, created_at ASC, token ASC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingTx
	for rows.Next() {
		p, err := scanPendingTx(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// PendingTxForPolicy returns the in-flight submission of the given kind, if any.
func (r Repo) PendingTxForPolicy(ctx context.Context, tx *sql.Tx, policyID string, kind domain.TxKind) (domain.PendingTx, error) {
	return scanPendingTx(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+pendingColumns+` FROM pending_txs WHERE policy_id=? AND kind=? ORDER BY created_at ASC LIMIT 1`),
		policyID, string(kind)))
}

func (r Repo) BumpPendingTxAttemptsTx(ctx context.Context, tx *sql.Tx, token string, updatedAt time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE pending_txs SET attempts=attempts+1, updated_at=? WHERE token=?`), db.FormatTime(updatedAt), token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingTxTx clears a submission once its outcome has been applied.
func (r Repo) DeletePendingTxTx(ctx context.Context, tx *sql.Tx, token string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`DELETE FROM pending_txs WHERE token=?`), token)
	return err
}

func (r Repo) CountPendingTxs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_txs`).Scan(&n)
	return n, err
}
