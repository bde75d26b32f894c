// Package idempotency replays the first response of a request that is
// submitted again with the same Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a recorded response is replayed.
const DefaultTTL = 24 * time.Hour

// PendingTTL bounds how long a reservation survives a request that never
// finished, e.g. when the process died mid-request.
const PendingTTL = 5 * time.Minute

func pendingTTL(ttl time.Duration) time.Duration {
	return min(ttl, PendingTTL)
}

// ErrInProgress is returned when another request holding the same key has
// not finished yet.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// Response is a recorded HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Store keeps reservations and recorded responses per key.
type Store interface {
	// Begin reserves key. It returns the recorded response if the key has
	// already completed, ErrInProgress if it is reserved, and nil, nil once
	// the caller holds the reservation.
	Begin(ctx context.Context, key string) (*Response, error)
	// Finish records the response for a reserved key.
	Finish(ctx context.Context, key string, resp *Response) error
	// Abandon drops a reservation so the request can be retried.
	Abandon(ctx context.Context, key string) error
}

type memoryEntry struct {
	resp    *Response
	expires time.Time
}

// MemoryStore is a process-local Store for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore whose recorded responses expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Begin(_ context.Context, key string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		if e.resp == nil {
			return nil, ErrInProgress
		}
		return e.resp, nil
	}

	m.sweep(now)
	m.entries[key] = memoryEntry{expires: now.Add(pendingTTL(m.ttl))}
	return nil, nil
}

func (m *MemoryStore) Finish(_ context.Context, key string, resp *Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{resp: resp, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Abandon(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// sweep drops expired entries. Called with mu held.
func (m *MemoryStore) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

const (
	redisKeyPrefix = "custody:idem:"
	redisPending   = "pending"
)

// RedisStore shares keys between API instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. The client lifecycle is managed by the caller.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Begin(ctx context.Context, key string) (*Response, error) {
	k := redisKeyPrefix + key
	ok, err := r.client.SetNX(ctx, k, redisPending, pendingTTL(r.ttl)).Result()
	if err != nil {
		return nil, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	val, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return r.Begin(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency key: %w", err)
	}
	if val == redisPending {
		return nil, ErrInProgress
	}

	var resp Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, fmt.Errorf("decoding recorded response: %w", err)
	}
	return &resp, nil
}

func (r *RedisStore) Finish(ctx context.Context, key string, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding recorded response: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("recording response: %w", err)
	}
	return nil
}

func (r *RedisStore) Abandon(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}
