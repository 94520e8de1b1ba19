// Package guard защищает создание платежей от повторов клиентских запросов.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/model"
	"github.com/mmeshcher/laundry-payments/internal/repository"
)

// Store описывает часть хранилища, нужную для проверки ключей идемпотентности.
type Store interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	PaymentByIdempotencyKey(ctx context.Context, userID int64, key string) (*model.Payment, error)
	BranchByID(ctx context.Context, id int64) (*model.Branch, error)
}

// Request описывает запрос на создание платежа.
type Request struct {
	UserID         int64
	IdempotencyKey string
	Amount         decimal.Decimal
	TaxAmount      decimal.Decimal
	Method         model.PaymentMethod
	BranchID       *int64
	OrderID        *uuid.UUID
	OrderData      json.RawMessage
}

// Idempotency создаёт платежи не более одного раза на пару (пользователь, ключ идемпотентности).
type Idempotency struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewIdempotency создаёт guard поверх хранилища.
func NewIdempotency(store Store, logger *zap.Logger) *Idempotency {
	return &Idempotency{store: store, logger: logger, now: time.Now}
}

// InitiateOrResume возвращает уже существующий платёж по ключу идемпотентности или создаёт новый в PENDING.
// Второе значение равно true, если платёж создан этим вызовом. Филиал обязателен и должен быть активен.
func (g *Idempotency) InitiateOrResume(ctx context.Context, req Request) (*model.Payment, bool, error) {
	if !req.Amount.IsPositive() || req.TaxAmount.IsNegative() {
		return nil, false, model.ErrInvalidAmount
	}
	if !req.Method.Valid() {
		return nil, false, fmt.Errorf("%w: %q", model.ErrWrongPaymentMethod, req.Method)
	}
	if req.BranchID == nil {
		return nil, false, fmt.Errorf("%w: branch is required", model.ErrBranchInactive)
	}

	if req.IdempotencyKey != "" {
		existing, err := g.store.PaymentByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			g.logger.Debug("idempotent replay",
				zap.Int64("user_id", req.UserID),
				zap.String("transaction_uuid", existing.TransactionUUID))
			return existing, false, nil
		}
		if !errors.Is(err, model.ErrPaymentNotFound) {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	branch, err := g.store.BranchByID(ctx, *req.BranchID)
	if err != nil {
		return nil, false, err
	}
	if !branch.IsActive {
		return nil, false, fmt.Errorf("%w: %s", model.ErrBranchInactive, branch.Code)
	}

	key := req.IdempotencyKey
	if key == "" {
		// без клиентского ключа дедупликация между запросами невозможна
		key = uuid.NewString()
	}

	p := &model.Payment{
		TransactionUUID: model.NewTransactionUUID(g.now()),
		UserID:          req.UserID,
		Amount:          req.Amount,
		TaxAmount:       req.TaxAmount,
		TotalAmount:     model.TotalFor(req.Amount, req.TaxAmount),
		Method:          req.Method,
		Status:          model.PaymentStatusPending,
		BranchID:        req.BranchID,
		IdempotencyKey:  &key,
		OrderID:         req.OrderID,
		OrderData:       req.OrderData,
	}

	err = g.store.CreatePayment(ctx, p)
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		// параллельный запрос с тем же ключом успел раньше
		existing, err := g.store.PaymentByIdempotencyKey(ctx, req.UserID, key)
		if err != nil {
			return nil, false, fmt.Errorf("reload after duplicate key: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create payment: %w", err)
	}

	return p, true, nil
}
