// Package lock provides a TTL'd mutual-exclusion lease per run id on
// Redis, obtained with SET NX. At most one worker advances a run at any
// instant; a crashed holder's lease expires on its own.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the run-lock lease duration. Long steps renew the lease
// rather than raising the TTL.
const DefaultTTL = 60 * time.Second

// RenewInterval is how often a held lease is refreshed while a step runs.
const RenewInterval = 20 * time.Second

// releaseScript deletes the key only if this lease still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the TTL only if this lease still owns the key.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Manager acquires run leases.
type Manager struct {
	client *redis.Client
}

// NewManager wraps a connected client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// RunKey is the canonical lock key for a run.
func RunKey(runID string) string {
	return "lock:run:" + runID
}

// Lease is a held lock. The token ties release/renew to this acquisition,
// so a lease that expired and was re-acquired elsewhere cannot be clobbered.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire attempts a set-if-not-exists lease. Returns (nil, false, nil)
// when the key is already held.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: m.client, key: key, token: token}, true, nil
}

// Release frees the lease if still held by this token.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Renew extends the lease TTL if still held by this token. Returns false
// when the lease was lost.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

// KeepAlive renews the lease every RenewInterval until ctx is cancelled.
// Run it in a goroutine scoped to the step's execution.
func (l *Lease) KeepAlive(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := l.Renew(ctx, ttl); err != nil || !ok {
				return
			}
		}
	}
}
