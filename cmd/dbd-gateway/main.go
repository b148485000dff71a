package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanjiek/dbd-gateway/internal/api"
	"github.com/nanjiek/dbd-gateway/internal/backend"
	"github.com/nanjiek/dbd-gateway/internal/breaker"
	"github.com/nanjiek/dbd-gateway/internal/config"
	"github.com/nanjiek/dbd-gateway/internal/flags"
	"github.com/nanjiek/dbd-gateway/internal/repo"
	"github.com/nanjiek/dbd-gateway/internal/router"
	"github.com/nanjiek/dbd-gateway/internal/workerpool"
)

func main() {
	confPath := flag.String("c", "configs/gateway.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*confPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	byRouteID := make(map[string]config.Route, len(cfg.BootstrapRoutes))
	for _, route := range cfg.BootstrapRoutes {
		byRouteID[route.RouteID] = route
	}

	store := flags.NewStore(cfg.BootstrapFlags)
	matcher := router.NewMatcher(router.BuildRouteSnapshot(byRouteID))
	pool := backend.NewPool(cfg.BootstrapBackend)

	var rdb repo.Repo
	if len(cfg.Redis.Addrs) > 0 || cfg.Redis.Addr != "" {
		rdb, err = repo.NewRedis(cfg, logger)
		if err != nil {
			logger.Error("failed to connect to redis, continuing with bootstrap config only", "err", err)
		} else {
			defer rdb.Close()
			bootstrapFromRedis(rootCtx, rdb, store, matcher, pool, logger)
			go watchRedisUpdates(rootCtx, rdb, store, matcher, pool, logger)
		}
	}

	refreshBreaker, err := breaker.New("gateway.refresh", cfg.Breaker)
	if err != nil {
		logger.Error("failed to init circuit breaker", "err", err)
		os.Exit(1)
	}

	health := backend.NewHealthTracker(rdb, pool, cfg.Redis.UpdatesChannel, logger)
	defer health.Close()

	newReaders := func() (*workerpool.Readers, error) {
		routesReader, err := matcher.Join()
		if err != nil {
			return nil, err
		}
		flagsReader, err := store.Join()
		if err != nil {
			return nil, err
		}
		backendsReader, err := pool.Join()
		if err != nil {
			return nil, err
		}
		return &workerpool.Readers{Routes: routesReader, Flags: flagsReader, Backends: backendsReader}, nil
	}

	workers, err := workerpool.New(cfg.WorkerPool.Size, 0, newReaders, workerpool.Dispatch, logger)
	if err != nil {
		logger.Error("failed to start worker pool", "err", err)
		os.Exit(1)
	}
	defer workers.Close()

	httpServer := api.NewServer(cfg.Server, rdb, store, matcher, pool, workers, health, refreshBreaker, logger)

	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.HTTPAddr, "pid", os.Getpid())
		if err := httpServer.ListenAndServe(); err != nil {
			logger.Error("http server stopped", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down gateway")
	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	logger.Info("gateway exited properly")
}

// defaultBackendPoolID is the pool namespace bootstrap backends are
// published under when the deployment does not split targets across
// multiple named pools.
const defaultBackendPoolID = "default"

// bootstrapFromRedis overrides the YAML bootstrap values with whatever is
// currently published in Redis, the same "last-good config wins" pattern
// the rule cache used for rate-limit rules: a scan error leaves that
// container on its previous value, and a row that fails to decode is
// logged and skipped while the remaining rows are still published.
func bootstrapFromRedis(ctx context.Context, rdb repo.Repo, store *flags.Store, matcher *router.Matcher, pool *backend.Pool, logger *slog.Logger) {
	if flagRows, err := rdb.ScanFlags(ctx); err != nil {
		logger.Warn("failed to bootstrap flags from redis, keeping last-good flags", "err", err)
	} else if len(flagRows) > 0 {
		list := make([]config.Flag, 0, len(flagRows))
		for key, raw := range flagRows {
			var f config.Flag
			if err := json.Unmarshal([]byte(raw), &f); err != nil {
				logger.Warn("skipping malformed flag", "key", key, "err", err)
				continue
			}
			list = append(list, f)
		}
		store.Replace(list)
		logger.Info("loaded flags from redis", "count", len(list))
	}

	if routeRows, err := rdb.ScanRoutes(ctx); err != nil {
		logger.Warn("failed to bootstrap routes from redis, keeping last-good routes", "err", err)
	} else if len(routeRows) > 0 {
		byID := make(map[string]config.Route, len(routeRows))
		for key, raw := range routeRows {
			var route config.Route
			if err := json.Unmarshal([]byte(raw), &route); err != nil {
				logger.Warn("skipping malformed route", "key", key, "err", err)
				continue
			}
			byID[route.RouteID] = route
		}
		matcher.Replace(router.BuildRouteSnapshot(byID))
		logger.Info("loaded routes from redis", "count", len(byID))
	}

	if backendRows, err := rdb.ScanBackends(ctx, defaultBackendPoolID); err != nil {
		logger.Warn("failed to bootstrap backends from redis, keeping last-good backends", "err", err)
	} else if len(backendRows) > 0 {
		list := make([]config.Backend, 0, len(backendRows))
		for key, raw := range backendRows {
			var b config.Backend
			if err := json.Unmarshal([]byte(raw), &b); err != nil {
				logger.Warn("skipping malformed backend", "key", key, "err", err)
				continue
			}
			list = append(list, b)
		}
		pool.Replace(list)
		logger.Info("loaded backends from redis", "count", len(list))
	}
}

// watchRedisUpdates subscribes to the pub/sub update channel and, on any
// notification, re-bootstraps from Redis. A real deployment would decode
// the pub/sub payload into the exact objects that changed; this keeps
// the simpler "reload everything on any signal" policy the teacher's
// rule cache watcher used.
func watchRedisUpdates(ctx context.Context, rdb repo.Repo, store *flags.Store, matcher *router.Matcher, pool *backend.Pool, logger *slog.Logger) {
	ch, closeSub := rdb.Subscribe(ctx)
	defer closeSub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logger.Info("received update notification", "payload", msg.Payload)
			bootstrapFromRedis(ctx, rdb, store, matcher, pool, logger)
		}
	}
}
