package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ethaccount/bundler/src/testutil"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMempoolCache(t *testing.T) {
	url := testutil.RequireEnv(t, "TEST_REDIS_URL")
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	runMempoolSuite(t, func(t *testing.T) Mempool {
		cache := NewMempoolCache(client, "test-"+uuid.NewString(), time.Hour)
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, cache.prefix+":*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		})
		return cache
	})
}
