package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/zhejian/shorturl/internal/api"
	"github.com/zhejian/shorturl/internal/config"
	"github.com/zhejian/shorturl/internal/events"
	"github.com/zhejian/shorturl/internal/infra"
	"github.com/zhejian/shorturl/internal/middleware"
	"github.com/zhejian/shorturl/internal/observability"
	"github.com/zhejian/shorturl/internal/repository"
	"github.com/zhejian/shorturl/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// redisPinger adapts *redis.Client to api.CacheInterface.
type redisPinger struct{ client *redis.Client }

func (r *redisPinger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// OpenStore connects to the primary store named by cfg.Database.URL.
// PostgreSQL is migrated with golang-migrate; SQLite and libSQL create
// their schema on open.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, error) {
	driver, err := infra.DriverFor(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	switch driver {
	case infra.DriverPostgres:
		pool, err := infra.NewPostgresPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := infra.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database connected", slog.String("driver", string(driver)))
		return repository.NewURLRepository(pool), nil

	default:
		db, err := infra.NewSQLiteDB(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		store, err := repository.NewSQLiteURLRepository(ctx, db, string(driver))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s schema: %w", driver, err)
		}
		logger.Info("database connected", slog.String("driver", string(driver)))
		return store, nil
	}
}

// NewRouter wires repository, service and handler and returns a Gin engine
// with the full middleware chain. cache may be nil; publisher may be nil.
func NewRouter(cfg *config.Config, store repository.Store, cache *redis.Client, publisher events.ClickPublisher, obs *observability.Observability) *gin.Engine {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	urlRepo := repository.NewCachedURLRepository(store, cache, cfg.Cache.TTL)
	urlService := service.NewURLService(urlRepo, cfg.App.BaseURL, cfg.App.ShortCodeLen, cfg.App.ShortCodeRetries,
		service.WithPublisher(publisher),
		service.WithLogger(obs.Logger),
		service.WithValidityLimits(cfg.App.DefaultValidityMinutes, cfg.App.MaxValidityMinutes),
	)

	var cachePinger api.CacheInterface
	if cache != nil {
		cachePinger = &redisPinger{client: cache}
	}
	handler := api.NewHandler(urlService, store, cachePinger, obs.Logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Observability.ServiceName, otelgin.WithTracerProvider(obs.TracerProvider)))
	r.Use(middleware.Logging(obs.Logger))
	r.Use(middleware.Metrics())
	r.Use(cors.New(corsConfig(cfg.Server.CORSAllowedOrigins)))

	handler.RegisterRoutes(r)
	return r
}

// NewServer returns an HTTP server for the router built by NewRouter.
func NewServer(cfg *config.Config, store repository.Store, cache *redis.Client, publisher events.ClickPublisher, obs *observability.Observability) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      NewRouter(cfg, store, cache, publisher, obs),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	return c
}
