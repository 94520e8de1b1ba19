// Package main содержит консольную утилиту оператора платёжного сервиса.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/config"
	"github.com/mmeshcher/laundry-payments/internal/service"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "laundryctl",
		Short:        "Operator tools for laundry payments",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// errNoDatabase возвращается, если DATABASE_URI не задан.
var errNoDatabase = errors.New("DATABASE_URI is not set: backfill and audit need the payments database")

// openService собирает сервис по переменным окружения, как это делает сервер.
// В отличие от сервера, без базы данных утилита не запускается.
func openService() (*service.Service, *zap.Logger, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURI == "" {
		return nil, nil, errNoDatabase
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	svc, err := service.FromConfig(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, logger, nil
}
