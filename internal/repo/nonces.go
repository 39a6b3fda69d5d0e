package repo

import (
	"context"
	"database/sql"
	"time"

	"harvestline/internal/db"
)

// NonceConsumed reports whether the attestation nonce was already used for the policy.
func (r Repo) NonceConsumed(ctx context.Context, tx *sql.Tx, policyID, nonce string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM attestation_nonces WHERE nonce=? AND policy_id=?`), nonce, policyID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConsumeNonceTx records the nonce of a confirmed payout. A second insert of
// the same nonce fails on the primary key.
func (r Repo) ConsumeNonceTx(ctx context.Context, tx *sql.Tx, policyID, nonce, txHash string, at time.Time) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO attestation_nonces(nonce,policy_id,tx_hash,consumed_at) VALUES (?,?,?,?)`),
		nonce, policyID, nullable(txHash), db.FormatTime(at))
	return err
}
