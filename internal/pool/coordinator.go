package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Coordinator serializes provisioning across multiple supervisor
// processes sharing one pool of sandboxes (for example, several
// agentkerneld instances fronting the same Firecracker host). Acquire
// inside a provisioning critical section so two processes never both
// decide the warm pool is empty and double-provision.
type Coordinator interface {
	// Lock blocks until the named provisioning lock is held or ctx is
	// done, returning a release function.
	Lock(ctx context.Context, name string) (release func(), err error)
}

// LocalCoordinator serializes within a single process via an in-memory
// mutex per lock name. This is the default — correct as long as only one
// supervisor process touches a given pool.
type LocalCoordinator struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{locks: make(map[string]*sync.Mutex)}
}

func (c *LocalCoordinator) Lock(ctx context.Context, name string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.Lock()
		close(done)
	}()
	select {
	case <-done:
		return l.Unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedisCoordinator serializes provisioning across processes using a
// Redis-backed lock (SET NX PX + a token-checked delete), so multiple
// agentkerneld instances sharing a pool don't race each other's
// replenishment tasks.
type RedisCoordinator struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCoordinator connects to redisURL and verifies reachability.
func NewRedisCoordinator(redisURL string, ttl time.Duration) (*RedisCoordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pool: invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pool: redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCoordinator{rdb: rdb, ttl: ttl}, nil
}

const redisLockKeyPrefix = "agentkernel:pool-lock:"

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (c *RedisCoordinator) Lock(ctx context.Context, name string) (func(), error) {
	key := redisLockKeyPrefix + name
	token := uuid.NewString()

	backoff := 25 * time.Millisecond
	for {
		ok, err := c.rdb.SetNX(ctx, key, token, c.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("pool: redis lock %s: %w", name, err)
		}
		if ok {
			release := func() {
				unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = unlockScript.Run(unlockCtx, c.rdb, []string{key}, token).Err()
			}
			return release, nil
		}
		select {
		case <-time.After(backoff):
			if backoff < time.Second {
				backoff *= 2
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *RedisCoordinator) Close() error {
	return c.rdb.Close()
}
