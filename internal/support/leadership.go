package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leaderKeyPrefix      = "kestrel:leader:"
	leadershipRetryDelay = time.Second
	renewalTimeout       = 5 * time.Second
	minRenewalInterval   = time.Second
	renewalFraction      = 3
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

	errLeaseLost = errors.New("leadership lease lost")

	leaderClientFunc = func() (leaderStore, error) { return GetRedisClient() }
)

type leaderStore interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// LeaderKey namespaces a routine name into the shared lock keyspace.
func LeaderKey(routine string) string {
	return leaderKeyPrefix + routine
}

// RunWithLeader blocks until the lock at key is held, then calls run with a
// context that is cancelled once the lease cannot be renewed. After run returns
// the lease is released and the loop competes again, until ctx is done.
func RunWithLeader(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	client, err := leaderClientFunc()
	if err != nil {
		return fmt.Errorf("support: leader lock redis client: %w", err)
	}

	for {
		held, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			return ctx.Err()
		}

		log.Debug("leader lock: acquired", "key", key)
		run(held.ctx)
		held.release()
		log.Debug("leader lock: released", "key", key)

		if !sleepContext(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

type lease struct {
	client leaderStore
	key    string
	owner  string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	once   sync.Once
}

// acquireLease retries until the key is claimed or ctx ends.
func acquireLease(ctx context.Context, client leaderStore, key string, ttl time.Duration) (*lease, error) {
	owner := leaderOwnerID()

	for {
		ok, err := client.SetNX(ctx, key, owner, ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("leader lock: setnx failed", "key", key, "error", err)
		case ok:
			leaseCtx, cancel := context.WithCancel(ctx)
			l := &lease{
				client: client,
				key:    key,
				owner:  owner,
				ttl:    ttl,
				ctx:    leaseCtx,
				cancel: cancel,
				stop:   make(chan struct{}),
			}
			go l.keepAlive()
			return l, nil
		}

		if !sleepContext(ctx, leadershipRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *lease) keepAlive() {
	interval := l.ttl / renewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errLeaseLost
	}
	return nil
}

func (l *lease) release() {
	l.once.Do(func() {
		close(l.stop)
		l.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
		defer cancel()

		if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leader lock: release failed", "key", l.key, "error", err)
		}
	})
}

func leaderOwnerID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
