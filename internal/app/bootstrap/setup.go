package bootstrap

import (
	"context"
	"fmt"

	"kestrel/internal/config"
	"kestrel/internal/database"
	"kestrel/internal/geolite"
	"kestrel/internal/lifecycle"
	"kestrel/internal/proxypool"
	"kestrel/internal/remote"
	"kestrel/internal/routing"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Services is the wired object graph of a running instance.
type Services struct {
	Store     *database.Store
	Pool      *proxypool.Pool
	Prober    *proxypool.Prober
	Binder    *proxypool.Binder
	Router    *routing.Router
	Account   *remote.Client
	Lifecycle *lifecycle.Manager
}

// Setup loads settings, connects storage and wires the proxy and token
// components. A nil redisClient leaves configuration and GeoLite data local.
func Setup(ctx context.Context, redisClient *redis.Client) (*Services, error) {
	config.ReadSettings()
	config.SetBetweenTime()

	if redisClient != nil {
		config.EnableRedisSynchronization(ctx, redisClient)
		geolite.EnableRedisDistribution(ctx, redisClient)
	}

	db, err := database.SetupDB()
	if err != nil {
		return nil, fmt.Errorf("set up database: %w", err)
	}

	if err := geolite.Load(); err != nil {
		log.Warn("GeoLite country database unavailable", "error", err)
	}

	return Wire(config.GetConfig(), database.NewStore(db), geolite.Countries{}), nil
}

// Wire builds the component graph from cfg on top of store.
func Wire(cfg config.Config, store *database.Store, countries proxypool.CountryLookup) *Services {
	source := proxypool.NewHTTPSource(cfg.ProxyPool.SourceURL, config.Seconds(cfg.ProxyPool.SourceTimeout, 0))
	pool := proxypool.NewPool(source, proxypool.OptionsFromConfig(cfg), countries)
	prober := proxypool.NewProber(pool, proxypool.ProberOptionsFromConfig(cfg))
	binder := proxypool.NewBinder(pool, prober, store, int(cfg.ProxyPool.BindAttempts))
	router := routing.NewRouter(store, binder, cfg.ProxyPool.Enabled)

	account := remote.NewClient(remote.OptionsFromConfig(cfg))
	manager := lifecycle.NewManager(store, account, router, lifecycle.OptionsFromConfig(cfg))

	log.Info("Services wired",
		"free_pool", cfg.ProxyPool.Enabled,
		"proxy_source", cfg.ProxyPool.SourceURL,
		"account_api", cfg.Account.BaseURL,
	)

	return &Services{
		Store:     store,
		Pool:      pool,
		Prober:    prober,
		Binder:    binder,
		Router:    router,
		Account:   account,
		Lifecycle: manager,
	}
}
