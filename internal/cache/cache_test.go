package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/domain"
)

func TestMemoryExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, domain.Policy{ID: "p1", State: domain.StateActive}))
	p, err := m.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, p.State)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestReadThroughLoadsOnceThenServesCache(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()
	loads := 0
	load := func(_ context.Context, id string) (domain.Policy, error) {
		loads++
		return domain.Policy{ID: id, CoverageAmount: decimal.NewFromInt(10)}, nil
	}
	for i := 0; i < 3; i++ {
		p, err := ReadThrough(ctx, m, "p1", load)
		require.NoError(t, err)
		assert.Equal(t, "p1", p.ID)
	}
	assert.Equal(t, 1, loads)

	require.NoError(t, m.Invalidate(ctx, "p1"))
	_, err := ReadThrough(ctx, m, "p1", load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

type brokenCache struct{ Nop }

func (brokenCache) Get(context.Context, string) (domain.Policy, error) {
	return domain.Policy{}, errors.New("connection refused")
}

func TestReadThroughDegradesToLoader(t *testing.T) {
	p, err := ReadThrough(context.Background(), brokenCache{}, "p1", func(_ context.Context, id string) (domain.Policy, error) {
		return domain.Policy{ID: id}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = ReadThrough(context.Background(), Nop{}, "p2", func(context.Context, string) (domain.Policy, error) {
		return domain.Policy{}, domain.ErrNotFound
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("HARVESTLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HARVESTLINE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	c := Redis{Client: client, TTL: time.Minute, Prefix: "harvestline:test:" + t.Name() + ":"}
	ctx := context.Background()

	_, err := c.Get(ctx, "p1")
	require.ErrorIs(t, err, ErrMiss)
	require.NoError(t, c.Put(ctx, domain.Policy{ID: "p1", Premium: decimal.NewFromInt(500)}))
	p, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "500", p.Premium.String())
	require.NoError(t, c.Invalidate(ctx, "p1"))
}
