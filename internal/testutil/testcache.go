package testutil

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	redisTC "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/zhejian/shorturl/internal/infra"
)

// linkKeyPattern matches every key the link cache writes.
const linkKeyPattern = "url:*"

// TestCache holds a Redis container and a client connected to it
type TestCache struct {
	Client    *redis.Client
	URL       string
	container *redisTC.RedisContainer
}

// SetupTestCache starts Redis and connects through infra.NewCacheClient,
// the same path the server uses.
func SetupTestCache(ctx context.Context) (*TestCache, error) {
	container, err := redisTC.Run(ctx,
		"redis:8-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}

	tc := &TestCache{container: container}
	if tc.URL, err = container.ConnectionString(ctx); err == nil {
		tc.Client, err = infra.NewCacheClient(ctx, tc.URL)
	}
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return tc, nil
}

// Cleanup drops every cached link and negative entry
func (t *TestCache) Cleanup(ctx context.Context) {
	if t == nil || t.Client == nil {
		return
	}
	iter := t.Client.Scan(ctx, 0, linkKeyPattern, 100).Iterator()
	for iter.Next(ctx) {
		t.Client.Del(ctx, iter.Val())
	}
}

// Teardown closes the client and terminates the container
func (t *TestCache) Teardown(ctx context.Context) {
	if t.Client != nil {
		_ = t.Client.Close()
	}
	if t.container != nil {
		_ = t.container.Terminate(ctx)
	}
}
