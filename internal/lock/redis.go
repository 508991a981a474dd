package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maheshrc27/postflow-analytics/pkg/utils"
)

const lockPrefix = "analytics:lock:"

// RedisLocker implements Locker with SETNX plus TTL so that several
// engine processes sharing one store serialize on the same keys.
type RedisLocker struct {
	client  *redis.Client
	ownerID string
	ttl     time.Duration
	poll    time.Duration
	maxWait time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, maxWait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	hostname, _ := os.Hostname()
	return &RedisLocker{
		client:  client,
		ownerID: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		ttl:     ttl,
		poll:    25 * time.Millisecond,
		maxWait: maxWait,
	}
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	// Each acquisition gets its own token so goroutines in this process
	// cannot release each other's locks.
	suffix, err := utils.GenerateRandomKey(9)
	if err != nil {
		return nil, err
	}
	token := l.ownerID + ":" + suffix
	redisKey := lockPrefix + key

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}
