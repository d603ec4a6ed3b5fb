package app

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"medremind/internal/config"
	"medremind/internal/eventbus"
	"medremind/internal/hotcache"
	"medremind/internal/loader"
	"medremind/internal/outbox"
	"medremind/internal/reminder"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

// Core holds what every entry point needs: configuration, logging, the
// durable store, the hot cache and the request-layer reminder service.
// Serving adds the background pipeline on top (see App).
type Core struct {
	CfgM *config.ConfigManager
	Logs *logx.Service
	Log  logx.Logger
	Bus  eventbus.Bus

	Store     storage.Store
	Redis     *redis.Client
	Cache     *hotcache.Cache
	Hooks     *reminder.Hooks
	Reminders *reminder.Service
	Loader    *loader.Loader

	pubOnce sync.Once
	pub     *outbox.Publisher
}

// Bootstrap loads and validates the configuration and opens the store. It
// does not contact Redis or RabbitMQ.
func Bootstrap(ctx context.Context, cfgPath string) (*Core, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	ro, err := mapRedisOptions(cfg)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	rdb := hotcache.Dial(ro)
	cache := hotcache.New(rdb, cfg.Redis.Key)

	lookahead, err := mapLookahead(cfg)
	if err != nil {
		_ = rdb.Close()
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	hooks := reminder.NewHooks(cache, lookahead, log.With(logx.String("comp", "hooks")), bus)
	svc := reminder.NewService(store, hooks, log.With(logx.String("comp", "reminders")))
	ld := loader.New(loader.Config{Lookahead: lookahead}, store, cache, log.With(logx.String("comp", "loader")), bus)

	log.Debug("bootstrap complete",
		logx.String("storage", sc.Driver),
		logx.String("redis", ro.Addr),
		logx.String("hot_key", cache.Key()))

	return &Core{
		CfgM:      cfgm,
		Logs:      logs,
		Log:       log,
		Bus:       bus,
		Store:     store,
		Redis:     rdb,
		Cache:     cache,
		Hooks:     hooks,
		Reminders: svc,
		Loader:    ld,
	}, nil
}

// Config returns the committed configuration.
func (c *Core) Config() *config.Config { return c.CfgM.Get() }

// Publisher returns the lazily created outbound mail publisher.
func (c *Core) Publisher() *outbox.Publisher {
	c.pubOnce.Do(func() {
		cfg := c.Config()
		c.pub = outbox.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, c.Log.With(logx.String("comp", "outbox")), c.Bus)
	})
	return c.pub
}

// Ready pings the store and Redis.
func (c *Core) Ready(ctx context.Context) error {
	return errors.Join(c.Store.Ping(ctx), c.Cache.Ping(ctx))
}

func (c *Core) Close() error {
	var errs []error
	if c.pub != nil {
		errs = append(errs, c.pub.Close())
	}
	errs = append(errs, c.Redis.Close(), c.Store.Close())
	if c.Logs != nil {
		errs = append(errs, c.Logs.Close())
	}
	return errors.Join(errs...)
}
