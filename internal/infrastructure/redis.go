package infrastructure

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// connectRedis pings the server and warns when its eviction policy could
// drop balance keys. A ledger held in Redis needs noeviction.
func connectRedis(ctx context.Context, addr string, ledgerStore bool) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if ledgerStore {
		policy, err := rdb.ConfigGet(ctx, "maxmemory-policy").Result()
		switch {
		case err != nil:
			slog.Warn("redis: could not read maxmemory-policy", "error", err)
		case policy["maxmemory-policy"] != "noeviction":
			slog.Warn("redis: ledger store expects maxmemory-policy noeviction",
				"maxmemory-policy", policy["maxmemory-policy"])
		}
	}
	return rdb, nil
}
