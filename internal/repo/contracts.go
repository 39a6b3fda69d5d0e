package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"harvestline/internal/db"
	"harvestline/internal/domain"
)

const contractColumns = `id,issuer,terms_json,premium_rate,max_payout,status,ledger_tx_hash,failure_reason,created_at,updated_at`

func scanContract(row scanner) (domain.Contract, error) {
	var (
		c                              domain.Contract
		terms, rate, maxPayout, status string
		created, updated               string
		txHash, failure                sql.NullString
	)
	err := row.Scan(&c.ID, &c.Issuer, &terms, &rate, &maxPayout, &status, &txHash, &failure, &created, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.ContractStatus(status)
	c.LedgerTxHash = txHash.String
	c.FailureReason = failure.String
	if c.Terms, err = unmarshalStrings(terms); err != nil {
		return c, fmt.Errorf("contract %s terms: %w", c.ID, err)
	}
	if c.PremiumRate, err = decimal.NewFromString(rate); err != nil {
		return c, fmt.Errorf("contract %s premium rate: %w", c.ID, err)
	}
	if c.MaxPayout, err = decimal.NewFromString(maxPayout); err != nil {
		return c, fmt.Errorf("contract %s max payout: %w", c.ID, err)
	}
	if c.CreatedAt, err = db.ParseTime(created); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	terms, err := marshalStrings(c.Terms)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO contracts(`+contractColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		c.ID, c.Issuer, terms, c.PremiumRate.String(), c.MaxPayout.String(), string(c.Status),
		nullable(c.LedgerTxHash), nullable(c.FailureReason), db.FormatTime(c.CreatedAt), db.FormatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert contract %s: %w", c.ID, err)
	}
	return nil
}

// UpdateContractStatusTx moves a pending contract to its resolved status.
func (r Repo) UpdateContractStatusTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE contracts SET status=?, ledger_tx_hash=?, failure_reason=?, updated_at=? WHERE id=? AND status=?`),
		string(c.Status), nullable(c.LedgerTxHash), nullable(c.FailureReason), db.FormatTime(c.UpdatedAt), c.ID, string(domain.ContractPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contract %s: %w", c.ID, domain.ErrConcurrentModification)
	}
	return nil
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return r.GetContractTx(ctx, nil, id)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+contractColumns+` FROM contracts WHERE id=?`), id))
}

func (r Repo) ListContracts(ctx context.Context, issuer string) ([]domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts`
	var args []any
	if issuer != "" {
		query += ` WHERE issuer=?`
		args = append(args, issuer)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
