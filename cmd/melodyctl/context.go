package main

import (
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/config"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/store"
	"github.com/makeasinger/melodygen/internal/store/backend"
)

type commandContext struct {
	once   sync.Once
	cfg    *config.Config
	logger *zap.Logger
	redis  *redis.Client
	store  store.Store
	err    error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

// ensure loads config and opens the configured store on first use.
func (c *commandContext) ensure() error {
	c.once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.err = fmt.Errorf("load config: %w", err)
			return
		}
		c.cfg = cfg

		logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
		if err != nil {
			c.err = fmt.Errorf("build logger: %w", err)
			return
		}
		c.logger = logger

		if cfg.Store.Driver == "redis" {
			c.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		}
		st, err := backend.Open(cfg.Store, c.redis)
		if err != nil {
			c.err = fmt.Errorf("open job store: %w", err)
			return
		}
		c.store = st
	})
	return c.err
}

func (c *commandContext) withStore(fn func(store.Store) error) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return fn(c.store)
}

func (c *commandContext) close() error {
	var err error
	if c.store != nil {
		err = c.store.Close()
	}
	if c.redis != nil {
		c.redis.Close()
	}
	if c.logger != nil {
		c.logger.Sync()
	}
	return err
}
