package geolite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisFileKey   = "kestrel:geolite:country"
	redisChannel   = "kestrel:geolite:updates"
	redisOpTimeout = 30 * time.Second
)

type redisState struct {
	mu     sync.RWMutex
	client *redis.Client
}

var distribution redisState

// EnableRedisDistribution shares the country database through redis so that
// only one instance needs to download it. The current copy is pulled at once
// and again whenever another instance publishes.
func EnableRedisDistribution(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("GeoLite redis distribution disabled: redis client is nil")
		return
	}

	distribution.mu.Lock()
	if distribution.client != nil {
		distribution.mu.Unlock()
		return
	}
	distribution.client = client
	distribution.mu.Unlock()

	go func() {
		if updated, err := fetchFromRedis(ctx, client); err != nil {
			log.Error("geolite redis sync: initial load failed", "error", err)
		} else if updated {
			log.Info("geolite redis sync: loaded database from redis")
		}
	}()

	go subscribe(ctx, client)
}

// PublishDatabase uploads the on-disk country database and notifies the other
// instances. It is a no-op while distribution is disabled.
func PublishDatabase(ctx context.Context) error {
	client := redisClient()
	if client == nil {
		return nil
	}

	data, err := os.ReadFile(FilePath(CountryFileName))
	if err != nil {
		return fmt.Errorf("geolite redis sync: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisFileKey, data, 0).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: store database: %w", err)
	}
	return client.Publish(opCtx, redisChannel, time.Now().UTC().Format(time.RFC3339)).Err()
}

func subscribe(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		if _, err := pubsub.ReceiveMessage(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if updated, err := fetchFromRedis(ctx, client); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update")
		}
	}
}

func fetchFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := client.Get(opCtx, redisFileKey).Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && len(data) == 0) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := loadBytes(data); err != nil {
		return false, err
	}
	if err := writeToFile(FilePath(CountryFileName), bytes.NewReader(data)); err != nil {
		log.Warn("geolite redis sync: could not persist database", "error", err)
	}
	return true, nil
}

func redisClient() *redis.Client {
	distribution.mu.RLock()
	defer distribution.mu.RUnlock()
	return distribution.client
}
