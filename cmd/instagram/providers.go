package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/instagram-connect/internal/adapter/cache"
	igadapter "github.com/smallbiznis/instagram-connect/internal/adapter/instagram"
	"github.com/smallbiznis/instagram-connect/internal/adapter/relay"
	"github.com/smallbiznis/instagram-connect/internal/bootstrap"
	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/events"
	httptransport "github.com/smallbiznis/instagram-connect/internal/http"
	"github.com/smallbiznis/instagram-connect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/instagram-connect/internal/http/middleware"
	"github.com/smallbiznis/instagram-connect/internal/jwt"
	apimiddleware "github.com/smallbiznis/instagram-connect/internal/middleware"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/route"
	"github.com/smallbiznis/instagram-connect/internal/scheduler"
	"github.com/smallbiznis/instagram-connect/internal/server"
	"github.com/smallbiznis/instagram-connect/internal/service/appsite"
	"github.com/smallbiznis/instagram-connect/internal/service/deauth"
	"github.com/smallbiznis/instagram-connect/internal/service/token"
	"github.com/smallbiznis/instagram-connect/internal/site"
	"github.com/smallbiznis/instagram-connect/internal/storage"
	"github.com/smallbiznis/instagram-connect/internal/telemetry"
)

// coreModule provides everything the commands share.
var coreModule = fx.Options(
	fx.Provide(
		newConfig,
		newLogger,
		newTelemetry,
		newSnowflake,
		newRepositories,
		newCaches,
		newProviderClient,
		events.NewBus,
		newRelayDispatcher,
		newTokenManager,
		newRegistry,
		newDeauthDispatcher,
		jwt.NewKeyManager,
		newTokenGenerator,
		newResolver,
		newRefreshJob,
	),
	fx.Invoke(useTelemetry, subscribeNotifier),
)

// serveModule adds the HTTP surface and background jobs.
var serveModule = fx.Options(
	fx.Provide(
		newQueryHandler,
		handler.NewRESTHandler,
		newAdminHandler,
		newHandlers,
		newCapabilityMiddleware,
		newRateLimiter,
		httptransport.NewRouter,
		newHTTPServer,
	),
	fx.Invoke(bootstrap.Register, scheduler.Register, startHTTPServer),
)

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

type repositories struct {
	fx.Out

	Options repository.OptionRepository
	Sites   repository.SiteRepository
	Keys    repository.KeyRepository
}

// newRepositories uses Postgres when DATABASE_URL is set and process memory otherwise.
func newRepositories(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repositories, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, site options are kept in memory")
		return repositories{
			Options: repository.NewMemoryOptionRepo(),
			Sites:   repository.NewMemorySiteRepo(),
			Keys:    repository.NewMemoryKeyRepo(),
		}, nil
	}

	pool, err := newPGXPool(lc, cfg)
	if err != nil {
		return repositories{}, err
	}
	return repositories{
		Options: repository.NewPostgresOptionRepo(pool),
		Sites:   repository.NewPostgresSiteRepo(pool),
		Keys:    repository.NewPostgresKeyRepo(pool),
	}, nil
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

type caches struct {
	fx.Out

	Nonces   repository.NonceStore
	Registry storage.Storage
}

// newCaches uses Redis when REDIS_ADDR is set and process memory otherwise.
func newCaches(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (caches, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, nonces and the site registry are kept in memory")
		return caches{
			Nonces:   repository.NewMemoryNonceStore(),
			Registry: storage.NewMemoryStorage(storage.SitesStorage),
		}, nil
	}

	client, err := newRedisClient(lc, cfg)
	if err != nil {
		return caches{}, err
	}
	return caches{
		Nonces:   cacheadapter.NewRedisNonceStore(client),
		Registry: storage.NewRedisStorage(client, storage.SitesStorage),
	}, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newProviderClient(cfg config.Config) igadapter.ProviderClient {
	redirectURI := route.NewQuery(cfg.Endpoint).URL(cfg.HomeURL, handler.AuthRoute)
	return igadapter.NewHTTPProviderClient(instagram.ProviderConfig{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURI:    redirectURI,
		Scopes:         cfg.Scopes,
		RequestTimeout: cfg.ProviderTimeout,
	}, &http.Client{Timeout: cfg.ProviderTimeout})
}

func newRelayDispatcher(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) *relay.Dispatcher {
	dispatcher := relay.NewDispatcher(&http.Client{Timeout: cfg.RelayTimeout}, cfg.RelayTimeout, logger)
	lc.Append(fx.Hook{OnStop: dispatcher.Wait})
	return dispatcher
}

func newTokenManager(
	options repository.OptionRepository,
	sites repository.SiteRepository,
	nonces repository.NonceStore,
	provider igadapter.ProviderClient,
	bus *events.Bus,
	cfg config.Config,
	logger *zap.Logger,
) token.Manager {
	return token.NewManager(options, sites, nonces, provider, bus, cfg, logger)
}

func newRegistry(store storage.Storage, dispatcher *relay.Dispatcher, cfg config.Config, logger *zap.Logger) appsite.Registry {
	return appsite.NewRegistry(store, dispatcher, cfg, logger)
}

func subscribeNotifier(bus *events.Bus, registry appsite.Registry, sites repository.SiteRepository, logger *zap.Logger) {
	appsite.NewNotifier(registry, sites, logger).Subscribe(bus)
}

func newDeauthDispatcher(
	tokens token.Manager,
	registry appsite.Registry,
	options repository.OptionRepository,
	sites repository.SiteRepository,
	dispatcher *relay.Dispatcher,
	cfg config.Config,
	logger *zap.Logger,
) deauth.Dispatcher {
	return deauth.NewDispatcher(tokens, registry, options, sites, dispatcher, cfg, logger)
}

func newTokenGenerator(manager *jwt.KeyManager, cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(manager, cfg.CapabilityTokenTTL)
}

func newResolver(sites repository.SiteRepository, cfg config.Config) *site.Resolver {
	return site.NewResolver(sites, cfg.Multisite)
}

func newRefreshJob(tokens token.Manager, cfg config.Config, logger *zap.Logger) *scheduler.RefreshJob {
	return scheduler.NewRefreshJob(tokens, cfg.RefreshInterval, logger)
}

func newQueryHandler(tokens token.Manager, sites repository.SiteRepository, cfg config.Config) *handler.QueryHandler {
	return handler.NewQueryHandler(tokens, sites, cfg.Endpoint)
}

func newAdminHandler(tokens token.Manager, options repository.OptionRepository, query *handler.QueryHandler) *handler.AdminHandler {
	return handler.NewAdminHandler(tokens, options, query.Query)
}

func newHandlers(query *handler.QueryHandler, rest *handler.RESTHandler, admin *handler.AdminHandler) httptransport.Handlers {
	return httptransport.Handlers{Query: query, REST: rest, Admin: admin}
}

func newCapabilityMiddleware(generator *jwt.Generator, cfg config.Config) *httpmiddleware.Capability {
	return &httpmiddleware.Capability{Tokens: generator, Issuer: cfg.HomeURL}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newHTTPServer(router *gin.Engine, dispatcher *relay.Dispatcher) *server.HTTPServer {
	return server.NewHTTPServer(router, dispatcher)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				logger.Info("http server listening", zap.String("addr", addr))
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
