// Package guard refuses to start a backend job while another job for the same target
// is still being watched.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultMargin is added to a poller's maximum duration to form a lease TTL.
const DefaultMargin = time.Minute

// ErrInFlight is returned when a job with the same key is already running.
var ErrInFlight = errors.New("a job for this target is already in flight")

// Lease is a held key. Release it once the watched job reaches any terminal outcome.
type Lease struct {
	Key   string
	Token string
}

// Guard hands out exclusive, TTL-bounded leases per key.
type Guard interface {
	// Acquire returns ErrInFlight when key is already leased.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Release frees a lease. Releasing an expired or foreign lease is a no-op.
	Release(ctx context.Context, lease Lease) error
}

// ScanKey identifies a scan of one company.
func ScanKey(companyID string) string { return "scan:company:" + companyID }

// BatchKey identifies the watch of one campaign batch.
func BatchKey(batchID string) string { return "batch:" + batchID }

// VerificationKey identifies a bulk verification of a set of emails. The order of ids
// does not matter.
func VerificationKey(emailIDs []string) string {
	ids := slices.Clone(emailIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return "verify:" + hex.EncodeToString(sum[:8])
}

// TTL returns the lease lifetime for a poller bounded by maxDuration.
func TTL(maxDuration time.Duration) time.Duration {
	if maxDuration <= 0 {
		return 24 * time.Hour
	}
	return maxDuration + DefaultMargin
}

// ── Redis ──────────────────────────────────────────────────────────────────

const keyPrefix = "jobwatch:inflight:"

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisGuard shares leases between every service instance using the same Redis.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard creates a guard backed by client.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lease := Lease{Key: key, Token: uuid.NewString()}
	ok, err := g.client.SetNX(ctx, keyPrefix+key, lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return Lease{}, ErrInFlight
	}
	return lease, nil
}

func (g *RedisGuard) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, g.client, []string{keyPrefix + lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", lease.Key, err)
	}
	return nil
}

// ── In-process ─────────────────────────────────────────────────────────────

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryGuard keeps leases in process memory.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryGuard creates an empty in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{entries: make(map[string]memEntry), now: time.Now}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.entries[key]; ok && now.Before(e.expires) {
		return Lease{}, ErrInFlight
	}
	lease := Lease{Key: key, Token: uuid.NewString()}
	g.entries[key] = memEntry{token: lease.Token, expires: now.Add(ttl)}
	return lease, nil
}

func (g *MemoryGuard) Release(_ context.Context, lease Lease) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[lease.Key]; ok && e.token == lease.Token {
		delete(g.entries, lease.Key)
	}
	return nil
}
