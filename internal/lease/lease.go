// Package lease hands out short-lived exclusive claims so that only one
// replica polls a given payment session.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is held per owner. Acquire by the current holder renews the claim
// for another ttl; Release by anyone else is a no-op.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

var (
	acquireScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Redis implements Lease with an owner token and a TTL, so a crashed holder
// loses the claim when the key expires.
type Redis struct {
	rdb    *redis.Client
	prefix string
	owner  string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, owner: uuid.NewString()}
}

func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Redis) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.owner).Err()
}

// Local is an in-process Lease for single-replica deployments and tests.
type Local struct {
	table *localTable
	owner string
}

type localTable struct {
	mu   sync.Mutex
	held map[string]localClaim
	now  func() time.Time
}

type localClaim struct {
	owner string
	until time.Time
}

func NewLocal() *Local {
	return &Local{
		table: &localTable{held: make(map[string]localClaim), now: time.Now},
		owner: uuid.NewString(),
	}
}

// Replica returns a Local sharing l's claims under a different owner.
func (l *Local) Replica() *Local {
	return &Local{table: l.table, owner: uuid.NewString()}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if c, ok := t.held[key]; ok && c.owner != l.owner && now.Before(c.until) {
		return false, nil
	}
	t.held[key] = localClaim{owner: l.owner, until: now.Add(ttl)}
	return true, nil
}

func (l *Local) Release(_ context.Context, key string) error {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.held[key]; ok && c.owner == l.owner {
		delete(t.held, key)
	}
	return nil
}
