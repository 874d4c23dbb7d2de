// Package lease provides a redis-backed lease so that only one keeper
// replica settles trades at a time.
package lease

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"trade-entry/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrHeld = errors.New("lease held by another holder")

// releaseLua deletes the key only while it still carries the holder's token,
// so an expired lease re-acquired elsewhere is never released by us.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

type Redis struct {
	rdb     *redis.Client
	release *redis.Script
	prefix  string
}

// New connects and pings redis. It returns nil when redis is disabled.
func New(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedis(rdb, cfg.KeyPrefix), nil
}

func newRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{
		rdb:     rdb,
		release: redis.NewScript(releaseLua),
		prefix:  strings.TrimSuffix(prefix, ":"),
	}
}

func (r *Redis) key(name string) string {
	if r.prefix == "" {
		return "lease:" + name
	}
	return r.prefix + ":lease:" + name
}

// Acquire takes the lease for ttl. The returned release func is idempotent
// and uses its own timeout so it still runs after ctx is cancelled.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := r.key(name)
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.release.Run(releaseCtx, r.rdb, []string{key}, token).Err()
	}, nil
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
