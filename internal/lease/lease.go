// Package lease provides short Redis locks that keep two workers from publishing the same
// content item at the same time.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out leases keyed by name.
type Locker struct {
	client *redis.Client
	prefix string
}

// Lease is a held lock. Release only deletes the key if this lease still owns it.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// NewLocker creates a locker storing keys under "lease:".
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client, prefix: "lease:"}
}

// Acquire tries to take the named lease for ttl. It returns ok=false without error when another
// holder owns it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	token := uuid.NewString()
	key := l.prefix + name
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: l.client, key: key, token: token}, true, nil
}

// Release gives the lease back. Releasing an expired or stolen lease is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
