package lease

import (
	"context"
	"time"

	"harvestline/internal/repo"
)

// SQLBackend keeps leases as rows in the policy store.
type SQLBackend struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (b SQLBackend) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b SQLBackend) TryClaim(ctx context.Context, subjectID, owner string, ttl time.Duration) (bool, error) {
	return b.Repo.TryClaimLease(ctx, subjectID, owner, b.now(), ttl)
}

func (b SQLBackend) Release(ctx context.Context, subjectID, owner string) error {
	return b.Repo.ReleaseLease(ctx, subjectID, owner)
}
