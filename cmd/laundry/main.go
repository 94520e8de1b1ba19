// Package main запускает HTTP-сервер платёжного сервиса прачечной.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/laundry-payments/internal/config"
	"github.com/mmeshcher/laundry-payments/internal/handler"
	"github.com/mmeshcher/laundry-payments/internal/income"
	"github.com/mmeshcher/laundry-payments/internal/middleware"
	"github.com/mmeshcher/laundry-payments/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	svc, err := service.FromConfig(cfg, logger)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, issued tokens will not survive a restart")
	}
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Периодическое восстановление доходов по расписанию
	if cfg.BackfillSchedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(cfg.BackfillSchedule, func() {
			if _, err := svc.BackfillIncome(ctx, income.BackfillOptions{}); err != nil {
				logger.Error("scheduled income backfill failed", zap.Error(err))
			}
		})
		if err != nil {
			sugar.Fatalw("invalid backfill schedule", "schedule", cfg.BackfillSchedule, "error", err.Error())
		}

		g.Go(func() error {
			sugar.Infow("income backfill scheduled", "schedule", cfg.BackfillSchedule)
			scheduler.Start()
			<-ctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting laundry payments server", "addr", cfg.RunAddress)
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
