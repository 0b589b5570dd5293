package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/api"
	"github.com/rmax-ai/ciexplorer/pkg/blob"
	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/explorer"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/logging"
	"github.com/rmax-ai/ciexplorer/pkg/store"
	"github.com/rmax-ai/ciexplorer/pkg/store/redis"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, `{"level":"fatal","msg":"invalid_config","error":%q}`+"\n", err.Error())
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"level":"fatal","msg":"failed_to_init_logger","error":%q}`+"\n", err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("system_started",
		zap.String("component", "ciexplorer-d"),
		zap.String("backend", cfg.BackendURL),
		zap.String("config", cfg.ConfigPath))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon_failed", zap.Error(err))
	}
	logger.Info("shutdown_complete")
}

func run(cfg Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmdb := client.NewClient(cfg.BackendURL,
		client.WithToken(cfg.BackendToken),
		client.WithRelationsPath(cfg.RelationsPath),
		client.WithTimeout(cfg.FetchTimeout),
		client.WithRetries(cfg.Retries, nil),
		client.WithLogger(logger.Named("client")),
	)
	var fetcher client.Fetcher = cmdb

	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			// The cache falls through on errors, so a missing redis only costs latency.
			logger.Warn("redis_unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			logger.Info("fragment_cache_enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
		}

		cache := redis.NewFragmentCache(rdb, cmdb, cfg.CacheTTL, logger.Named("cache"))
		cache.SetObserver(explorer.ObserveCache)
		fetcher = cache
	}

	g := graph.New(logger.Named("graph"))
	exp := explorer.New(fetcher, g, logger.Named("explorer"))

	var history api.StoreInterface
	if cfg.DBPath != "" {
		st, err := store.NewStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to init store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("failed_to_close_store", zap.Error(err))
			} else {
				logger.Info("store_closed")
			}
		}()
		logger.Info("store_initialized", zap.String("path", cfg.DBPath))

		exp.SetRecorder(st)
		exp.SetSnapshotSource(st)
		history = st

		worker := explorer.NewSnapshotWorker(st, g, cfg.SnapshotInterval, logger.Named("snapshot"))
		worker.SetRetention(st, cfg.SnapshotRetention)
		if cfg.ArchiveDir != "" {
			worker.SetArchiver(explorer.NewSnapshotArchiver(st, blob.NewLocalBlobStore(cfg.ArchiveDir), 0, logger.Named("archive")))
			logger.Info("snapshot_archive_enabled", zap.String("dir", cfg.ArchiveDir))
		}
		go worker.Run(ctx)
	} else {
		logger.Info("persistence_disabled")
	}

	srv := api.NewServer(exp, history, cfg.Addr, logger.Named("api"))
	srv.SetAuthToken(cfg.APIToken)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("shutdown_initiated", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("failed_to_stop_server", zap.Error(err))
	}
	return nil
}
