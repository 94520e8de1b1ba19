package service

import (
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/config"
	"github.com/mmeshcher/laundry-payments/internal/gateway"
	"github.com/mmeshcher/laundry-payments/internal/model"
	"github.com/mmeshcher/laundry-payments/internal/repository"
)

// defaultBranch заводится в хранилище в памяти, чтобы сервис можно было запустить без базы.
var defaultBranch = model.Branch{ID: 1, Code: "MAIN", Name: "Main Branch", IsActive: true}

// FromConfig собирает сервис по конфигурации: PostgreSQL, если задан DATABASE_URI,
// иначе хранилище в памяти.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	var repo repository.Store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return nil, err
		}
		repo = pg
	} else {
		logger.Warn("DATABASE_URI is not set, using in-memory storage")
		repo = repository.NewMemoryRepository(defaultBranch)
	}

	gw := gateway.NewClient(gateway.Config{
		StatusURL:   cfg.EsewaStatusURL,
		PaymentURL:  cfg.EsewaPaymentURL,
		ProductCode: cfg.EsewaProductCode,
		SecretKey:   cfg.EsewaSecretKey,
		SuccessURL:  cfg.SuccessURL(),
		FailureURL:  cfg.FailureURL(),
	}, logger)
	if !gw.Configured() {
		logger.Warn("ESEWA_STATUS_URL is not set, wallet payments are confirmed by signed callbacks only")
	}

	return NewService(repo, gw, Options{
		SameBranch: cfg.ReconcileSameBranch,
		Attempts:   cfg.ReconcileAttempts,
		Bank:       cfg.Bank,
	}, logger), nil
}
