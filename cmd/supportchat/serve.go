package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"supportchat/internal/chat"
	"supportchat/internal/config"
	"supportchat/internal/crypto"
	"supportchat/internal/httpapi"
	"supportchat/internal/logging"
	"supportchat/internal/metrics"
	"supportchat/internal/observability"
	"supportchat/internal/providers/registry"
	"supportchat/internal/queue"
	"supportchat/internal/storage"
	"supportchat/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the save outbox worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("db_driver", cfg.DB.Driver).
		Str("upstream_kind", cfg.Upstream.Kind).
		Str("default_model", cfg.Upstream.DefaultModel).
		Bool("redis", cfg.Redis.Enabled).
		Bool("encryption", cfg.Crypto.Enabled()).
		Msg("starting supportchat")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.Setup(ctx, observability.Options{
		Enabled:     cfg.Tracing.Stdout,
		ServiceName: "supportchat",
		Version:     version,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if cfg.Crypto.Enabled() {
		mgr, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return fmt.Errorf("init content encryption: %w", err)
		}
		store.SetContentCipher(mgr)
	}

	m := metrics.Global()
	relay, err := registry.Build(registry.BuildOptions{
		Kind:         cfg.Upstream.Kind,
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Timeout:      cfg.Upstream.Timeout,
		IdleTimeout:  cfg.Upstream.IdleTimeout,
		MaxRetries:   cfg.Upstream.MaxRetries,
		BackoffBase:  cfg.Upstream.BackoffBase,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}

	chatCfg := chat.Config{
		Store:        store,
		Relay:        relay,
		Logger:       logger,
		Metrics:      m,
		DefaultModel: cfg.Upstream.DefaultModel,
		Models:       cfg.Upstream.Models,
		Temperature:  cfg.Chat.Temperature,
		MaxTokens:    cfg.Chat.MaxTokens,
	}

	var (
		rdb    *redis.Client
		outbox *queue.Outbox
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		outbox = queue.NewOutbox(rdb, cfg.Redis.OutboxStream, cfg.Redis.OutboxGroup, cfg.Worker.ConsumerName, cfg.Redis.OutboxBlock)
		chatCfg.Locker = queue.NewConversationLock(rdb, "", cfg.Redis.LockTTL, cfg.Redis.LockWait)
		chatCfg.Outbox = outbox
	} else {
		logger.Warn().Msg("redis disabled: sends are not serialized per conversation and failed saves are not retried")
	}

	svc, err := chat.NewService(chatCfg)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Options{
		Service:     svc,
		Logger:      logger,
		AllowOrigin: cfg.HTTP.AllowOrigin,
		JWTSecret:   cfg.HTTP.JWTSecret,
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		Ready: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
	})

	// No write timeout: event streams stay open for as long as the reply takes.
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to stop http server")
		}
		return nil
	})
	if outbox != nil {
		w := worker.New(worker.Config{
			Store:         store,
			Outbox:        outbox,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        logger,
			Metrics:       m,
		})
		g.Go(func() error {
			if err := w.Start(gctx, cfg.Worker.Concurrency); err != nil && gctx.Err() == nil {
				return fmt.Errorf("outbox worker: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("runtime error")
	}
	logger.Info().Msg("stopped")
	return err
}
