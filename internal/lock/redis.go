package lock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultTTL    = 30 * time.Second
	defaultPrefix = "oldman:lock:"
)

// subsequent polling delays while a lock is held elsewhere
// - use the first 5 Fibonacci numbers for semi-exponential growth, then keep polling at the last one
var backoffDelays = []time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	30 * time.Millisecond,
	50 * time.Millisecond,
	80 * time.Millisecond,
}

// releaseScript deletes the lock only if it is still owned by the caller's token, so that a holder
// whose lock expired can't release a lock since acquired by someone else.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a [Locker] shared by every process connected to the same Redis server, for deployments that
// run more than one registry instance against a single database.
//
// Locks are leased for a fixed TTL and are not renewed, so the TTL must comfortably exceed the
// duration of the longest locked operation.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
	log    Logger
}

// ensure Redis satisfies the Locker interface
var _ Locker = (*Redis)(nil)

// Logger is the logging contract used by the Redis locker.
type Logger interface {
	Debug(string, ...any)
	Error(error, string, ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)        { /*no-op*/ }
func (nopLogger) Error(error, string, ...any) { /*no-op*/ }

// RedisOption defines a configuration option for a [Redis] locker.
type RedisOption func(*Redis)

// WithTTL sets the lease duration of acquired locks.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithPrefix sets the prefix prepended to every lock key.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithLog attaches the provided logger.
func WithLog(l Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRedis constructs a locker backed by the provided client.
func NewRedis(rdb goredis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
		log:    nopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock polls until the lock on key is acquired or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()
	for attempt := 0; ; attempt++ {
		ok, err := r.rdb.SetNX(ctx, name, token, r.ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			return nil, fmt.Errorf("error acquiring lock %q: %w", key, err)
		case ok:
			return r.releaser(name, token), nil
		}

		wait := backoffDelays[min(attempt, len(backoffDelays)-1)]
		// inject up to 20% jitter
		maxJitter := big.NewInt(int64(float64(int64(wait)) * 0.2))
		jitter, _ := rand.Int(rand.Reader, maxJitter)
		wait += time.Duration(jitter.Int64())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) releaser(name, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// release even if the caller's context has ended
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, r.rdb, []string{name}, token).Int()
			switch {
			case err != nil && !errors.Is(err, goredis.Nil):
				r.log.Error(err, "error releasing lock", "lock", name)
			case n == 0:
				r.log.Debug("lock expired before release", "lock", name)
			}
		})
	}
}
