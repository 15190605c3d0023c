package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/guardrail/internal/sanitize"
)

// DefaultKeyPrefix is the first segment of every key.
const DefaultKeyPrefix = "guardrail"

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0").
	URL string

	// KeyPrefix overrides DefaultKeyPrefix.
	KeyPrefix string

	// TLS configuration for secure connections.
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for the initial ping.
	ConnectTimeout time.Duration
}

// RedisStore keeps each record under <prefix>:<project>:record with a
// single SET, and the lease under <prefix>:<project>:lease.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// releaseScript deletes the lease only if it still belongs to the caller.
// Returns 1 when released, 0 when the key is gone, -1 when another owner
// holds it.
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	return 0
end
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return -1
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) recordKey(projectID string) string {
	return sanitize.Key(s.prefix, projectID, "record")
}

func (s *RedisStore) leaseKey(projectID string) string {
	return sanitize.Key(s.prefix, projectID, "lease")
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, projectID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record for %s: %w", projectID, err)
	}
	if err := checkVersion(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	rec.Version = RecordVersion
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(rec.ProjectID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save record for %s: %w", rec.ProjectID, err)
	}
	return nil
}

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, projectID, owner string, ttl time.Duration) (*Lease, error) {
	ttl = leaseTTL(ttl)
	key := s.leaseKey(projectID)
	lease := &Lease{ProjectID: projectID, Owner: owner, ExpiresAt: time.Now().Add(ttl)}

	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return lease, nil
	}

	current, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between SETNX and GET
		return s.Acquire(ctx, projectID, owner, ttl)
	case err != nil:
		return nil, fmt.Errorf("failed to read lease: %w", err)
	case current != owner:
		remaining, _ := s.client.PTTL(ctx, key).Result()
		return nil, fmt.Errorf("%w: held by %s for %s", ErrLeaseHeld, current, remaining.Round(time.Second))
	}

	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to refresh lease: %w", err)
	}
	return lease, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, lease *Lease) error {
	res, err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(lease.ProjectID)}, lease.Owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
