package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/zhejian/shorturl/internal/model"
	"golang.org/x/sync/singleflight"
)

const (
	notFoundSentinel = "__NOT_FOUND__"
	maxNegativeTTL   = time.Minute
)

// CachedURLRepository puts a Redis cache-aside layer in front of a store.
// Only the immutable link record is cached; clicks always go to the store.
// Cache failures degrade to store reads and trip a circuit breaker so a
// dead Redis is skipped instead of retried on every request.
type CachedURLRepository struct {
	db      URLRepositoryInterface
	cache   *redis.Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
}

// NewCachedURLRepository wraps db. A nil cache makes every call a pass-through.
func NewCachedURLRepository(db URLRepositoryInterface, cache *redis.Client, ttl time.Duration) *CachedURLRepository {
	return &CachedURLRepository{
		db:    db,
		cache: cache,
		ttl:   ttl,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "redis-cache",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func cacheKey(code string) string {
	return fmt.Sprintf("url:%s", code)
}

// GetByCode with cache-aside pattern
func (r *CachedURLRepository) GetByCode(ctx context.Context, code string) (*model.ShortLink, error) {
	key := cacheKey(code)

	// 1. Try cache first
	if cached, ok := r.getCached(ctx, key); ok {
		if cached == notFoundSentinel {
			return nil, ErrNotFound
		}
		var link model.ShortLink
		if err := json.Unmarshal([]byte(cached), &link); err == nil {
			return &link, nil
		}
	}

	// 2. Query store, collapsing concurrent misses for the same code
	v, err, _ := r.group.Do(code, func() (interface{}, error) {
		return r.db.GetByCode(ctx, code)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.setNegative(ctx, key)
		}
		return nil, err
	}

	// 3. Store in cache
	link := *v.(*model.ShortLink)
	r.storeLink(ctx, &link)
	return &link, nil
}

// Exists answers through the cache; expired codes stay reserved.
func (r *CachedURLRepository) Exists(ctx context.Context, code string) (bool, error) {
	_, err := r.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create: write through, replacing any negative entry
func (r *CachedURLRepository) Create(ctx context.Context, link *model.ShortLink) error {
	if err := r.db.Create(ctx, link); err != nil {
		return err
	}
	r.storeLink(ctx, link)
	return nil
}

func (r *CachedURLRepository) AppendClick(ctx context.Context, code string, click model.Click) error {
	return r.db.AppendClick(ctx, code, click)
}

func (r *CachedURLRepository) ListClicks(ctx context.Context, code string) ([]model.Click, error) {
	return r.db.ListClicks(ctx, code)
}

func (r *CachedURLRepository) storeLink(ctx context.Context, link *model.ShortLink) {
	data, err := json.Marshal(link)
	if err != nil {
		return
	}
	r.setCached(ctx, cacheKey(link.ShortCode), string(data), r.ttl)
}

func (r *CachedURLRepository) negativeTTL() time.Duration {
	if r.ttl > 0 && r.ttl < maxNegativeTTL {
		return r.ttl
	}
	return maxNegativeTTL
}

func (r *CachedURLRepository) getCached(ctx context.Context, key string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	res, err := r.breaker.Execute(func() (interface{}, error) {
		val, err := r.cache.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return val, err
	})
	if err != nil {
		return "", false
	}
	val := res.(string)
	return val, val != ""
}

func (r *CachedURLRepository) setCached(ctx context.Context, key, value string, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	_, _ = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.cache.Set(ctx, key, value, ttl).Err()
	})
}

// setNegative never replaces an existing entry: a Create that lands between
// the store miss and this write has already cached the real link.
func (r *CachedURLRepository) setNegative(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}
	_, _ = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.cache.SetNX(ctx, key, notFoundSentinel, r.negativeTTL()).Err()
	})
}

var _ URLRepositoryInterface = (*CachedURLRepository)(nil)
