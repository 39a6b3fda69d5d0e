package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our owner token.
// KEYS[1] = lease key
// ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the expiry of a lease we already own.
// KEYS[1] = lease key
// ARGV[1] = owner
// ARGV[2] = ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisBackend keeps leases as SET NX PX keys.
type RedisBackend struct {
	Client redis.UniversalClient
	Prefix string
}

func (b RedisBackend) key(subjectID string) string {
	prefix := b.Prefix
	if prefix == "" {
		prefix = "harvestline:lease:"
	}
	return prefix + subjectID
}

func (b RedisBackend) TryClaim(ctx context.Context, subjectID, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.Client.SetNX(ctx, b.key(subjectID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease error: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := extendScript.Run(ctx, b.Client, []string{b.key(subjectID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis lease error: %w", err)
	}
	return n == 1, nil
}

func (b RedisBackend) Release(ctx context.Context, subjectID, owner string) error {
	if err := releaseScript.Run(ctx, b.Client, []string{b.key(subjectID)}, owner).Err(); err != nil {
		return fmt.Errorf("redis lease error: %w", err)
	}
	return nil
}
