package repo

import (
	"context"
	"database/sql"
	"time"

	"harvestline/internal/db"
)

// TryClaimLease takes the lease on subjectID for owner unless another owner
// holds an unexpired one. Re-claiming an own lease extends it.
func (r Repo) TryClaimLease(ctx context.Context, subjectID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	nowStr := db.FormatTime(now)
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO leases(subject_id,owner,expires_at) VALUES (?,?,?)
ON CONFLICT(subject_id) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
WHERE leases.expires_at < ? OR leases.owner = excluded.owner`), subjectID, owner, db.FormatTime(now.Add(ttl)), nowStr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (r Repo) ReleaseLease(ctx context.Context, subjectID, owner string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM leases WHERE subject_id=? AND owner=?`), subjectID, owner)
	return err
}

// LeaseOwner returns the current holder, or ErrNotFound.
func (r Repo) LeaseOwner(ctx context.Context, subjectID string, now time.Time) (string, error) {
	var owner string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT owner FROM leases WHERE subject_id=? AND expires_at >= ?`), subjectID, db.FormatTime(now)).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return owner, err
}
