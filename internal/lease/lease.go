package lease

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"harvestline/internal/domain"
	"harvestline/internal/log"
)

// Backend stores exclusive, expiring claims on a subject.
type Backend interface {
	TryClaim(ctx context.Context, subjectID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, subjectID, owner string) error
}

// Locker acquires per-subject leases, waiting up to Wait before giving up
// with domain.ErrPolicyBusy.
type Locker struct {
	Backend Backend
	TTL     time.Duration
	Wait    time.Duration
	Poll    time.Duration
}

// Lease is a held claim, renewed in the background every third of its TTL
// until Release. Release is safe to call more than once.
type Lease struct {
	SubjectID string
	Owner     string
	backend   Backend
	released  bool
	lost      atomic.Bool
	stop      context.CancelFunc
	done      chan struct{}
}

func (l Locker) ttl() time.Duration {
	if l.TTL <= 0 {
		return 60 * time.Second
	}
	return l.TTL
}

func (l Locker) poll() time.Duration {
	if l.Poll <= 0 {
		return 25 * time.Millisecond
	}
	return l.Poll
}

// Acquire blocks until the lease on subjectID is held, Wait elapses or ctx
// is done.
func (l Locker) Acquire(ctx context.Context, subjectID string) (*Lease, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(l.Wait)
	delay := l.poll()
	for {
		ok, err := l.Backend.TryClaim(ctx, subjectID, owner, l.ttl())
		if err != nil {
			return nil, fmt.Errorf("claim lease %s: %w", subjectID, err)
		}
		if ok {
			le := &Lease{SubjectID: subjectID, Owner: owner, backend: l.Backend, done: make(chan struct{})}
			hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
			le.stop = stop
			go le.heartbeat(hbCtx, l.ttl())
			return le, nil
		}
		if !time.Now().Add(delay).Before(deadline) {
			log.L(ctx).Debugf("lease on %s still held after %s", subjectID, l.Wait)
			return nil, fmt.Errorf("%w: %s", domain.ErrPolicyBusy, subjectID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 250*time.Millisecond {
			delay *= 2
		}
	}
}

// heartbeat re-claims the subject under the same owner, which pushes the
// expiry out, so a holder blocked on a slow ledger call keeps its lease.
func (le *Lease) heartbeat(ctx context.Context, ttl time.Duration) {
	defer close(le.done)
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := le.backend.TryClaim(ctx, le.SubjectID, le.Owner, ttl)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			// retried on the next tick; the lease survives until ttl runs out
			log.L(ctx).Warnf("renew lease %s: %v", le.SubjectID, err)
		case !ok:
			log.L(ctx).Errorf("lease on %s expired and was taken by another holder", le.SubjectID)
			le.lost.Store(true)
			return
		}
	}
}

// Lost reports whether renewal found the lease already claimed by someone else.
func (le *Lease) Lost() bool {
	return le.lost.Load()
}

// Release stops renewal and drops the lease. Errors are logged since the
// lease expires anyway.
func (le *Lease) Release(ctx context.Context) {
	if le == nil || le.released {
		return
	}
	le.released = true
	if le.stop != nil {
		le.stop()
		<-le.done
	}
	// release must survive a cancelled request context
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := le.backend.Release(relCtx, le.SubjectID, le.Owner); err != nil {
		log.L(ctx).Warnf("release lease %s: %v", le.SubjectID, err)
	}
}
