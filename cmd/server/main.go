package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeboard/internal/config"
	"tradeboard/internal/handler"
	"tradeboard/internal/infrastructure/cache"
	"tradeboard/internal/infrastructure/database"
	"tradeboard/internal/infrastructure/lock"
	"tradeboard/internal/infrastructure/mq"
	"tradeboard/internal/job"
	"tradeboard/internal/service"
	"tradeboard/pkg/idgen"

	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("服务异常退出", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// .env 可选，不存在时忽略
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := idgen.Init(1); err != nil {
		return err
	}

	db, err := database.InitDB(cfg, logger)
	if err != nil {
		return err
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := service.Options{Logger: logger}

	// Redis 只用于用户级排队，连不上时降级为不加锁
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			logger.Warn("Redis 不可用，跳过分布式锁", slog.Any("err", err))
		} else {
			defer rdb.Close()
			opts.Locker = lock.NewUserLocker(rdb, time.Duration(cfg.Business.LockTimeoutSeconds)*time.Second)
			logger.Info("Redis 连接成功")
		}
	}

	var publisher mq.Publisher = mq.NewLogPublisher(logger)
	if cfg.Kafka.Enabled {
		kp, err := mq.NewKafkaPublisher(&cfg.Kafka, logger)
		if err != nil {
			return err
		}
		publisher = kp
	}
	defer publisher.Close()

	feedCache, err := service.NewFeedCache(cfg.Business.FeedCacheSize)
	if err != nil {
		return fmt.Errorf("创建信息流缓存失败: %w", err)
	}
	opts.Feed = feedCache

	svc := handler.Services{
		Post:   service.NewPostService(db, cfg, opts),
		View:   service.NewViewService(db, cfg, opts),
		Point:  service.NewPointService(db, cfg, opts),
		User:   service.NewUserService(db, cfg, opts),
		Query:  service.NewQueryService(db, cfg, opts, feedCache),
		Outbox: service.NewOutboxService(db, cfg, opts),
	}

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg, publisher, logger)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewLedgerReconcileJob(db, cfg, svc.Point, logger)
	go reconcileJob.Start(ctx)

	if cfg.Business.ExpirySweepEnabled {
		sweep := job.NewListingExpirySweep(db, cfg, logger, feedCache.Purge)
		go sweep.Start(ctx)
	}

	h := handler.NewHandler(svc, cfg.JWT.Secret, cfg.JWT.Issuer, logger)
	router := handler.SetupRouter(h, cfg.Server.Mode, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("服务启动", slog.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	logger.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", slog.Any("err", err))
	}

	logger.Info("服务已关闭")
	return nil
}
