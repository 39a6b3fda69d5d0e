package lease

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/migrate"
	"harvestline/internal/repo"
)

func sqlBackend(t *testing.T) SQLBackend {
	t.Helper()
	conn, err := sql.Open("sqlite", db.SQLiteDSN(filepath.Join(t.TempDir(), "lease.db")))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return SQLBackend{Repo: repo.Repo{DB: conn, Driver: db.SQLite}}
}

func TestAcquireTimesOutWithPolicyBusy(t *testing.T) {
	ctx := context.Background()
	l := Locker{Backend: sqlBackend(t), Wait: 60 * time.Millisecond, Poll: 10 * time.Millisecond}

	held, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "p1")
	require.ErrorIs(t, err, domain.ErrPolicyBusy)
	assert.Less(t, time.Since(start), 2*time.Second)

	// other subjects are unaffected
	other, err := l.Acquire(ctx, "p2")
	require.NoError(t, err)
	other.Release(ctx)

	held.Release(ctx)
	held.Release(ctx)
	again, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)
	again.Release(ctx)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l := Locker{Backend: sqlBackend(t), Wait: 2 * time.Second, Poll: 5 * time.Millisecond}
	held, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release(ctx)
	}()
	next, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)
	next.Release(ctx)
}

func TestLeaseSerializesHolders(t *testing.T) {
	ctx := context.Background()
	l := Locker{Backend: sqlBackend(t), Wait: 5 * time.Second, Poll: 2 * time.Millisecond}
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			le, err := l.Acquire(ctx, "p1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(3 * time.Millisecond)
			inside.Add(-1)
			le.Release(ctx)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
}

func TestAcquireHonoursContext(t *testing.T) {
	l := Locker{Backend: sqlBackend(t), Wait: time.Minute}
	held, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "p1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPolicyBusy)
}

func TestHeldLeaseIsRenewedPastTTL(t *testing.T) {
	ctx := context.Background()
	l := Locker{Backend: sqlBackend(t), TTL: 60 * time.Millisecond, Wait: 20 * time.Millisecond, Poll: 5 * time.Millisecond}
	held, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)

	// several TTLs later the holder still owns the subject
	time.Sleep(250 * time.Millisecond)
	_, err = l.Acquire(ctx, "p1")
	require.ErrorIs(t, err, domain.ErrPolicyBusy)
	assert.False(t, held.Lost())

	held.Release(ctx)
	next, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)
	next.Release(ctx)
}

func TestReleasedLeaseStopsRenewing(t *testing.T) {
	ctx := context.Background()
	b := &countingBackend{Backend: sqlBackend(t)}
	l := Locker{Backend: b, TTL: 30 * time.Millisecond}
	held, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	held.Release(ctx)

	claims := b.claims.Load()
	assert.Greater(t, claims, int32(1))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, claims, b.claims.Load())
}

func TestRenewalNoticesLostLease(t *testing.T) {
	ctx := context.Background()
	b := &countingBackend{Backend: sqlBackend(t)}
	l := Locker{Backend: b, TTL: 30 * time.Millisecond}
	held, err := l.Acquire(ctx, "p1")
	require.NoError(t, err)
	defer held.Release(ctx)

	b.refuse.Store(true)
	assert.Eventually(t, held.Lost, time.Second, 5*time.Millisecond)
}

type countingBackend struct {
	Backend
	claims atomic.Int32
	refuse atomic.Bool
}

func (b *countingBackend) TryClaim(ctx context.Context, subjectID, owner string, ttl time.Duration) (bool, error) {
	b.claims.Add(1)
	if b.refuse.Load() {
		return false, nil
	}
	return b.Backend.TryClaim(ctx, subjectID, owner, ttl)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("HARVESTLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HARVESTLINE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	b := RedisBackend{Client: client, Prefix: "harvestline:test:" + t.Name() + ":"}
	ctx := context.Background()

	ok, err := b.TryClaim(ctx, "p1", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.TryClaim(ctx, "p1", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, b.Release(ctx, "p1", "b"))
	ok, err = b.TryClaim(ctx, "p1", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-owner must not free the lease")
	require.NoError(t, b.Release(ctx, "p1", "a"))
	ok, err = b.TryClaim(ctx, "p1", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, "p1", "b"))
}
