// Package main запускает HTTP-сервер сервиса выдачи купонов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dkovalev/couponrush-system/internal/cache"
	"github.com/dkovalev/couponrush-system/internal/config"
	"github.com/dkovalev/couponrush-system/internal/handler"
	"github.com/dkovalev/couponrush-system/internal/ledger"
	"github.com/dkovalev/couponrush-system/internal/middleware"
	"github.com/dkovalev/couponrush-system/internal/notify"
	"github.com/dkovalev/couponrush-system/internal/ratelimit"
	"github.com/dkovalev/couponrush-system/internal/repository"
	"github.com/dkovalev/couponrush-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ldg, err := ledger.New(ctx, rdb)
	if err != nil {
		sugar.Fatalw("ledger initialization error", "error", err.Error())
	}

	limiter, err := ratelimit.New(ctx, rdb,
		time.Duration(cfg.RateLimitWindowSeconds)*time.Second,
		int64(cfg.RateLimitMaxRequests),
	)
	if err != nil {
		sugar.Fatalw("rate limiter initialization error", "error", err.Error())
	}

	detailCache := cache.New(rdb, time.Duration(cfg.DetailCacheTTLSeconds)*time.Second, logger)

	var notifier service.Notifier
	if cfg.WebhookURL != "" {
		notifier = notify.NewClient(cfg.WebhookURL, logger)
	}

	svc := service.NewService(repo, ldg, limiter, detailCache, notifier, logger, cfg.GateOnCouponWindow)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	throttle := middleware.NewThrottle(50, 100)
	throttle.StartJanitor(ctx.Done(), 2*time.Minute)

	h := handler.NewHandler(svc, logger, authMiddleware, throttle)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting couponrush server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
