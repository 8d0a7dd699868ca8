// pkg/storage/connect.go
package storage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trusttokens/pkg/config"
)

// MustOpen selects the durable backend from config: Postgres when
// DATABASE_URL is set, else Redis when REDIS_URL is set, else memory.
// Connection failures at startup are fatal.
func MustOpen(cfg config.Config, log *zap.SugaredLogger) Store {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalw("pg connect", "err", err)
		}
		if err := pool.Ping(context.Background()); err != nil {
			log.Fatalw("pg ping", "err", err)
		}
		if err := EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("pg schema", "err", err)
		}
		log.Infow("postgres ready", "dsn", redactDSN(cfg.DatabaseURL))
		return NewPostgres(pool)
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalw("redis parse", "err", err)
		}
		cli := redis.NewClient(opts)
		if err := cli.Ping(context.Background()).Err(); err != nil {
			log.Fatalw("redis ping", "err", err)
		}
		log.Infow("redis ready", "addr", opts.Addr)
		return NewRedis(cli)
	}
	return NewMemory()
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i > 0 {
		return "***@" + dsn[i+1:]
	}
	return dsn
}
