// Package backend opens the job store selected by configuration.
package backend

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/melodygen/internal/config"
	"github.com/makeasinger/melodygen/internal/store"
	"github.com/makeasinger/melodygen/internal/store/redisstore"
	"github.com/makeasinger/melodygen/internal/store/sqlstore"
)

// Open returns the store for cfg.Driver. rdb is only used by the redis driver.
func Open(cfg config.StoreConfig, rdb *redis.Client) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlstore.OpenSQLite(cfg.DSN)
	case "postgres":
		return sqlstore.OpenPostgres(cfg.DSN)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("store driver redis: no redis client")
		}
		return redisstore.New(rdb), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
