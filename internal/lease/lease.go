// Package lease provides a Redis-backed leader lease so that only one
// process runs the periodic sweeps at a time.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquire takes the lease when free and extends it when already held by owner
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if current then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a named lock identified by its owner token
type Lease struct {
	client redis.UniversalClient
	owner  string
	prefix string
}

// New creates a lease handle for owner. Keys are stored under prefix.
func New(client redis.UniversalClient, owner, prefix string) *Lease {
	return &Lease{client: client, owner: owner, prefix: prefix}
}

// Connect opens a Redis client and checks it with a ping
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Owner returns the owner token
func (l *Lease) Owner() string {
	return l.owner
}

// TryAcquire takes or renews the lease on name for ttl. It reports false when
// another owner holds it.
func (l *Lease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + name}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return n == 1, nil
}

// Release drops the lease if this owner still holds it
func (l *Lease) Release(ctx context.Context, name string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, l.owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", name, err)
	}
	return n == 1, nil
}
