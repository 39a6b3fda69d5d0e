package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"harvestline/internal/domain"
	"harvestline/internal/log"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// PolicyCache is a display-only read-through cache of policy records. It is
// never consulted for state decisions.
type PolicyCache interface {
	Get(ctx context.Context, id string) (domain.Policy, error)
	Put(ctx context.Context, p domain.Policy) error
	Invalidate(ctx context.Context, id string) error
}

// Redis stores policies as JSON strings with a TTL.
type Redis struct {
	Client redis.UniversalClient
	TTL    time.Duration
	Prefix string
}

func (r Redis) key(id string) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "harvestline:policy:"
	}
	return prefix + id
}

func (r Redis) Get(ctx context.Context, id string) (domain.Policy, error) {
	data, err := r.Client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Policy{}, ErrMiss
	}
	if err != nil {
		return domain.Policy{}, fmt.Errorf("redis cache get: %w", err)
	}
	var p domain.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Policy{}, fmt.Errorf("redis cache decode: %w", err)
	}
	return p, nil
}

func (r Redis) Put(ctx context.Context, p domain.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, r.key(p.ID), data, r.TTL).Err()
}

func (r Redis) Invalidate(ctx context.Context, id string) error {
	return r.Client.Del(ctx, r.key(id)).Err()
}

type memEntry struct {
	policy  domain.Policy
	expires time.Time
}

// Memory is an in-process PolicyCache.
type Memory struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{TTL: ttl, entries: map[string]memEntry{}}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Get(_ context.Context, id string) (domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.Policy{}, ErrMiss
	}
	if m.TTL > 0 && m.now().After(e.expires) {
		delete(m.entries, id)
		return domain.Policy{}, ErrMiss
	}
	return e.policy, nil
}

func (m *Memory) Put(_ context.Context, p domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]memEntry{}
	}
	m.entries[p.ID] = memEntry{policy: p, expires: m.now().Add(m.TTL)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (domain.Policy, error) { return domain.Policy{}, ErrMiss }
func (Nop) Put(context.Context, domain.Policy) error { return nil }
func (Nop) Invalidate(context.Context, string) error { return nil }

// ReadThrough returns the cached policy or loads and caches it. Cache
// failures only degrade to the loader.
func ReadThrough(ctx context.Context, c PolicyCache, id string, load func(context.Context, string) (domain.Policy, error)) (domain.Policy, error) {
	if c == nil {
		return load(ctx, id)
	}
	p, err := c.Get(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrMiss) {
		log.L(ctx).Warnf("policy cache read %s: %v", id, err)
	}
	p, err = load(ctx, id)
	if err != nil {
		return p, err
	}
	if err := c.Put(ctx, p); err != nil {
		log.L(ctx).Warnf("policy cache write %s: %v", id, err)
	}
	return p, nil
}
