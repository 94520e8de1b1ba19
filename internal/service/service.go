// Package service реализует бизнес-логику платёжного контура прачечной.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/config"
	"github.com/mmeshcher/laundry-payments/internal/gateway"
	"github.com/mmeshcher/laundry-payments/internal/guard"
	"github.com/mmeshcher/laundry-payments/internal/income"
	"github.com/mmeshcher/laundry-payments/internal/model"
	"github.com/mmeshcher/laundry-payments/internal/reconcile"
	"github.com/mmeshcher/laundry-payments/internal/repository"
)

const retryBase = 50 * time.Millisecond

// Gateway описывает кошелёк, через который подтверждаются электронные платежи.
type Gateway interface {
	Configured() bool
	Form(p *model.Payment) *gateway.PaymentForm
	DecodeCallback(data string) (*gateway.Callback, error)
	Verify(ctx context.Context, transactionUUID string, claimed decimal.Decimal) (*gateway.VerifiedReceipt, error)
}

// Options задаёт параметры сервиса.
type Options struct {
	SameBranch bool
	Attempts   uint64
	Bank       config.BankAccount
}

// Service содержит бизнес-логику платёжного контура.
type Service struct {
	repo      repository.Store
	guard     *guard.Idempotency
	engine    *reconcile.Engine
	projector *income.Projector
	gateway   Gateway
	opts      Options
	logger    *zap.Logger
}

// NewService создаёт сервис поверх хранилища и шлюза.
func NewService(repo repository.Store, gw Gateway, opts Options, logger *zap.Logger) *Service {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &Service{
		repo:      repo,
		guard:     guard.NewIdempotency(repo, logger),
		engine:    reconcile.NewEngine(opts.SameBranch, logger),
		projector: income.NewProjector(logger),
		gateway:   gw,
		opts:      opts,
		logger:    logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// InitiateRequest описывает запрос на создание платежа.
type InitiateRequest struct {
	UserID         int64
	IdempotencyKey string
	Amount         decimal.Decimal
	TaxAmount      decimal.Decimal
	Method         model.PaymentMethod
	BranchID       *int64
	OrderID        *uuid.UUID
	Order          *model.OrderDraft
}

// InitiateResult содержит созданный (или найденный по ключу) платёж и данные для его завершения.
// Заполнено ровно одно из Form, Bank, Receipt.
type InitiateResult struct {
	Payment *model.Payment
	Created bool
	Form    *gateway.PaymentForm
	Bank    *config.BankAccount
	Receipt *model.Receipt
}

// InitiatePayment создаёт платёж не более одного раза на ключ идемпотентности.
// Наличный платёж завершается сразу.
func (s *Service) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	greq := guard.Request{
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		TaxAmount:      req.TaxAmount,
		Method:         req.Method,
		BranchID:       req.BranchID,
	}

	switch {
	case req.OrderID != nil:
		o, err := s.repo.OrderByID(ctx, *req.OrderID)
		if err != nil {
			return nil, err
		}
		if o.UserID != req.UserID {
			return nil, model.ErrOrderNotFound
		}
		greq.OrderID = req.OrderID
	case req.Order != nil:
		if !req.Order.TotalAmount.IsPositive() {
			return nil, fmt.Errorf("order: %w", model.ErrInvalidAmount)
		}
		if req.BranchID == nil {
			return nil, fmt.Errorf("%w: order requires a branch", model.ErrBranchInactive)
		}
		data, err := json.Marshal(req.Order)
		if err != nil {
			return nil, fmt.Errorf("encode order: %w", err)
		}
		greq.OrderData = data
	}

	p, created, err := s.guard.InitiateOrResume(ctx, greq)
	if err != nil {
		return nil, err
	}

	res := &InitiateResult{Payment: p, Created: created}

	switch {
	case p.Method == model.PaymentMethodCash || p.Status != model.PaymentStatusPending:
		receipt, err := s.settle(ctx, p)
		if err != nil {
			return nil, err
		}
		res.Receipt = receipt
	case p.Method.IsWallet():
		res.Form = s.gateway.Form(p)
	case p.Method == model.PaymentMethodBank:
		bank := s.opts.Bank
		res.Bank = &bank
	}

	return res, nil
}

// settle завершает наличный платёж или возвращает квитанцию уже завершённого.
func (s *Service) settle(ctx context.Context, p *model.Payment) (*model.Receipt, error) {
	switch p.Status {
	case model.PaymentStatusPending:
		if p.Method != model.PaymentMethodCash {
			return model.NewReceipt(p, nil), nil
		}
		return s.CompletePayment(ctx, p.ID, nil, nil)
	case model.PaymentStatusComplete:
		return s.receiptFor(ctx, p)
	default:
		return model.NewReceipt(p, nil), nil
	}
}

// CompletePayment переводит платёж в COMPLETE, создаёт заказ из сохранённых данных (если есть),
// распределяет платёж по заказам и отражает доход. Повторный вызов возвращает ту же квитанцию.
// Ошибка отражения дохода логируется и не отменяет распределение: его доделает backfill.
func (s *Service) CompletePayment(ctx context.Context, paymentID int64, transactionCode, refID *string) (*model.Receipt, error) {
	var (
		payment *model.Payment
		result  *model.ReconciliationResult
	)

	err := repository.WithContentionRetry(ctx, s.opts.Attempts, retryBase, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			p, err := tx.LockPayment(ctx, paymentID)
			if err != nil {
				return err
			}

			switch p.Status {
			case model.PaymentStatusPending:
				if err := tx.UpdatePaymentStatus(ctx, p.ID, model.PaymentStatusComplete, transactionCode, refID); err != nil {
					return err
				}
				if p.OrderID == nil && len(p.OrderData) > 0 {
					if err := s.createOrderFromDraft(ctx, tx, p); err != nil {
						return err
					}
				}
			case model.PaymentStatusComplete:
			default:
				return fmt.Errorf("%w: %s is %s", model.ErrPaymentTerminal, p.TransactionUUID, p.Status)
			}

			result, err = s.engine.Reconcile(ctx, tx, p.ID)
			if err != nil {
				return err
			}

			payment, err = tx.LockPayment(ctx, p.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.projectIncome(ctx, payment)

	return model.NewReceipt(payment, result), nil
}

func (s *Service) createOrderFromDraft(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	var draft model.OrderDraft
	if err := json.Unmarshal(p.OrderData, &draft); err != nil {
		return fmt.Errorf("decode order data: %w", err)
	}
	if p.BranchID == nil {
		return fmt.Errorf("%w: order requires a branch", model.ErrBranchInactive)
	}

	o := &model.Order{
		UserID:        p.UserID,
		BranchID:      *p.BranchID,
		TotalAmount:   draft.TotalAmount,
		PaymentMethod: p.Method,
		PaymentStatus: model.OrderPaymentPending,
		Description:   draft.Description,
		IsUrgent:      draft.IsUrgent,
	}
	if err := tx.CreateOrder(ctx, o); err != nil {
		return err
	}
	if err := tx.SetPaymentOrder(ctx, p.ID, o.ID); err != nil {
		return err
	}

	s.logger.Info("order created from payment",
		zap.String("transaction_uuid", p.TransactionUUID),
		zap.String("order_id", o.ID.String()))
	return nil
}

func (s *Service) projectIncome(ctx context.Context, p *model.Payment) {
	if p.IncomeRecordID != nil {
		return
	}
	err := repository.WithContentionRetry(ctx, s.opts.Attempts, retryBase, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			_, err := s.projector.Project(ctx, tx, p.ID)
			return err
		})
	})
	if err != nil {
		s.logger.Error("income projection failed",
			zap.String("transaction_uuid", p.TransactionUUID),
			zap.Error(err))
	}
}

// receiptFor собирает квитанцию уже завершённого платежа без изменения данных.
func (s *Service) receiptFor(ctx context.Context, p *model.Payment) (*model.Receipt, error) {
	if p.Status != model.PaymentStatusComplete || p.ProcessedAt == nil {
		return model.NewReceipt(p, nil), nil
	}

	var result *model.ReconciliationResult
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		var err error
		result, err = s.engine.Reconcile(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return model.NewReceipt(p, result), nil
}

// VerifyRequest описывает запрос на подтверждение электронного платежа.
type VerifyRequest struct {
	// UserID равен 0 для подписанного обратного вызова шлюза.
	UserID          int64
	TransactionUUID string
	ClaimedAmount   decimal.Decimal
	TransactionCode *string
}

// VerifyPayment подтверждает электронный платёж через шлюз и завершает его.
// Подтверждённая шлюзом и заявленная суммы должны в точности совпадать с суммой платежа.
func (s *Service) VerifyPayment(ctx context.Context, req VerifyRequest) (*model.Receipt, error) {
	return s.verify(ctx, req, nil)
}

func (s *Service) verify(ctx context.Context, req VerifyRequest, callback *gateway.Callback) (*model.Receipt, error) {
	p, err := s.ownedPayment(ctx, req.UserID, req.TransactionUUID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case model.PaymentStatusComplete:
		return s.receiptFor(ctx, p)
	case model.PaymentStatusPending:
	default:
		return nil, fmt.Errorf("%w: %s is %s", model.ErrPaymentTerminal, p.TransactionUUID, p.Status)
	}

	if !p.Method.IsWallet() {
		return nil, fmt.Errorf("%w: %s", model.ErrWrongPaymentMethod, p.Method)
	}
	if !req.ClaimedAmount.Equal(p.TotalAmount) {
		s.logger.Warn("claimed amount mismatch",
			zap.String("transaction_uuid", p.TransactionUUID),
			zap.String("claimed", req.ClaimedAmount.String()),
			zap.String("total", p.TotalAmount.String()))
		return nil, model.ErrAmountMismatch
	}

	var verified *gateway.VerifiedReceipt
	if callback != nil && !s.gateway.Configured() {
		// без адреса проверки статуса доверяем подписанному обратному вызову
		verified = &gateway.VerifiedReceipt{
			TransactionUUID: callback.TransactionUUID,
			ConfirmedAmount: callback.TotalAmount,
		}
	} else {
		verified, err = s.gateway.Verify(ctx, p.TransactionUUID, p.TotalAmount)
		if err != nil {
			return nil, s.gatewayFailure(ctx, p, err)
		}
	}

	if !verified.ConfirmedAmount.Equal(p.TotalAmount) {
		s.logger.Warn("gateway amount mismatch",
			zap.String("transaction_uuid", p.TransactionUUID),
			zap.String("confirmed", verified.ConfirmedAmount.String()),
			zap.String("total", p.TotalAmount.String()))
		return nil, model.ErrAmountMismatch
	}

	var refID *string
	if verified.ReferenceID != "" {
		refID = &verified.ReferenceID
	}
	return s.CompletePayment(ctx, p.ID, req.TransactionCode, refID)
}

// gatewayFailure переводит платёж в FAILED/CANCELED при явном отказе шлюза и возвращает исходную ошибку.
func (s *Service) gatewayFailure(ctx context.Context, p *model.Payment, err error) error {
	var failure *gateway.FailureError
	if !errors.As(err, &failure) {
		return err
	}

	if _, terr := s.transition(ctx, 0, p.TransactionUUID, failure.PaymentStatus()); terr != nil {
		s.logger.Error("mark payment failed",
			zap.String("transaction_uuid", p.TransactionUUID),
			zap.Error(terr))
	}
	return err
}

// HandleWalletCallback обрабатывает перенаправление от eSewa: проверяет подпись данных
// и запускает подтверждение платежа.
func (s *Service) HandleWalletCallback(ctx context.Context, data string) (*model.Receipt, error) {
	cb, err := s.gateway.DecodeCallback(data)
	if err != nil {
		return nil, err
	}

	switch cb.Status {
	case gateway.StatusComplete:
	case gateway.StatusPending, gateway.StatusAmbiguous:
		return nil, gateway.ErrNotSettled
	default:
		p, err := s.PaymentByUUID(ctx, cb.TransactionUUID)
		if err != nil {
			return nil, err
		}
		return nil, s.gatewayFailure(ctx, p, &gateway.FailureError{Status: cb.Status})
	}

	var code *string
	if cb.TransactionCode != "" {
		code = &cb.TransactionCode
	}
	return s.verify(ctx, VerifyRequest{
		TransactionUUID: cb.TransactionUUID,
		ClaimedAmount:   cb.TotalAmount,
		TransactionCode: code,
	}, cb)
}

// BankConfirmation описывает подтверждение банковского перевода сотрудником.
type BankConfirmation struct {
	TransactionUUID string
	ReferenceID     string
	Amount          decimal.Decimal
}

// ConfirmBankTransfer завершает банковский платёж после сверки поступления сотрудником.
func (s *Service) ConfirmBankTransfer(ctx context.Context, c BankConfirmation) (*model.Receipt, error) {
	p, err := s.PaymentByUUID(ctx, c.TransactionUUID)
	if err != nil {
		return nil, err
	}
	if p.Method != model.PaymentMethodBank {
		return nil, fmt.Errorf("%w: %s", model.ErrWrongPaymentMethod, p.Method)
	}

	switch p.Status {
	case model.PaymentStatusComplete:
		return s.receiptFor(ctx, p)
	case model.PaymentStatusPending:
	default:
		return nil, fmt.Errorf("%w: %s is %s", model.ErrPaymentTerminal, p.TransactionUUID, p.Status)
	}

	if !c.Amount.Equal(p.TotalAmount) {
		return nil, model.ErrAmountMismatch
	}

	ref := c.ReferenceID
	return s.CompletePayment(ctx, p.ID, nil, &ref)
}

// FailPayment помечает ожидающий платёж как FAILED. Завершённые платежи не меняются.
func (s *Service) FailPayment(ctx context.Context, userID int64, txUUID string) (*model.Payment, error) {
	p, err := s.transition(ctx, userID, txUUID, model.PaymentStatusFailed)
	if errors.Is(err, model.ErrPaymentTerminal) {
		return s.ownedPayment(ctx, userID, txUUID)
	}
	return p, err
}

// CancelPayment отменяет ожидающий платёж по просьбе пользователя.
func (s *Service) CancelPayment(ctx context.Context, userID int64, txUUID string) (*model.Payment, error) {
	return s.transition(ctx, userID, txUUID, model.PaymentStatusCanceled)
}

func (s *Service) transition(ctx context.Context, userID int64, txUUID string, to model.PaymentStatus) (*model.Payment, error) {
	var updated *model.Payment

	err := repository.WithContentionRetry(ctx, s.opts.Attempts, retryBase, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			p, err := tx.LockPaymentByTransactionUUID(ctx, txUUID)
			if err != nil {
				return err
			}
			if userID != 0 && p.UserID != userID {
				return model.ErrPaymentNotFound
			}
			if !model.CanTransition(p.Status, to) {
				return fmt.Errorf("%w: %s is %s", model.ErrPaymentTerminal, p.TransactionUUID, p.Status)
			}
			if err := tx.UpdatePaymentStatus(ctx, p.ID, to, nil, nil); err != nil {
				return err
			}
			updated, err = tx.LockPayment(ctx, p.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment status changed",
		zap.String("transaction_uuid", txUUID),
		zap.String("status", string(to)))
	return updated, nil
}

// PaymentByUUID возвращает платёж по идентификатору транзакции.
func (s *Service) PaymentByUUID(ctx context.Context, txUUID string) (*model.Payment, error) {
	return s.repo.PaymentByTransactionUUID(ctx, txUUID)
}

func (s *Service) ownedPayment(ctx context.Context, userID int64, txUUID string) (*model.Payment, error) {
	p, err := s.repo.PaymentByTransactionUUID(ctx, txUUID)
	if err != nil {
		return nil, err
	}
	if userID != 0 && p.UserID != userID {
		return nil, model.ErrPaymentNotFound
	}
	return p, nil
}

// PaymentStatus возвращает квитанцию платежа. Ожидающий электронный платёж сверяется со шлюзом;
// недоступность шлюза не считается ошибкой, платёж просто остаётся PENDING.
// userID равен 0 для сотрудника.
func (s *Service) PaymentStatus(ctx context.Context, userID int64, txUUID string) (*model.Receipt, error) {
	p, err := s.ownedPayment(ctx, userID, txUUID)
	if err != nil {
		return nil, err
	}

	if p.Status != model.PaymentStatusPending || !p.Method.IsWallet() || !s.gateway.Configured() {
		return s.receiptFor(ctx, p)
	}

	receipt, err := s.verify(ctx, VerifyRequest{TransactionUUID: p.TransactionUUID, ClaimedAmount: p.TotalAmount}, nil)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, gateway.ErrNotSettled), errors.Is(err, gateway.ErrGatewayUnavailable),
		errors.Is(err, gateway.ErrVerificationFailed), errors.Is(err, model.ErrAmountMismatch):
		s.logger.Info("status refresh left payment unchanged",
			zap.String("transaction_uuid", p.TransactionUUID),
			zap.Error(err))
	default:
		return nil, err
	}

	current, err := s.repo.PaymentByTransactionUUID(ctx, txUUID)
	if err != nil {
		return nil, err
	}
	return model.NewReceipt(current, nil), nil
}

// PaymentPage содержит страницу истории платежей.
type PaymentPage struct {
	Payments []model.Payment
	Total    int
	Page     int
	PageSize int
}

// ListPayments возвращает историю платежей пользователя с фильтрами и постраничным выводом.
func (s *Service) ListPayments(ctx context.Context, f model.PaymentFilter) (*PaymentPage, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 10
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}

	payments, total, err := s.repo.ListPayments(ctx, f)
	if err != nil {
		return nil, err
	}
	return &PaymentPage{Payments: payments, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

// PlaceOrderRequest описывает запрос на оформление заказа.
type PlaceOrderRequest struct {
	UserID      int64
	BranchID    int64
	TotalAmount decimal.Decimal
	Method      model.PaymentMethod
	Description string
	IsUrgent    bool
}

// PlacedOrder содержит созданный заказ и авансы, которые были в него зачтены.
type PlacedOrder struct {
	Order    *model.Order
	Advances []model.ReconciliationResult
}

// PlaceOrder создаёт заказ и сразу гасит его (и другие долги пользователя) незачтёнными авансами.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlacedOrder, error) {
	if !req.TotalAmount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	if req.Method == "" {
		req.Method = model.PaymentMethodCash
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrWrongPaymentMethod, req.Method)
	}

	branch, err := s.repo.BranchByID(ctx, req.BranchID)
	if err != nil {
		return nil, err
	}
	if !branch.IsActive {
		return nil, fmt.Errorf("%w: %s", model.ErrBranchInactive, branch.Code)
	}

	placed := &PlacedOrder{}
	err = repository.WithContentionRetry(ctx, s.opts.Attempts, retryBase, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx repository.Tx) error {
			o := &model.Order{
				UserID:        req.UserID,
				BranchID:      req.BranchID,
				TotalAmount:   req.TotalAmount,
				PaymentMethod: req.Method,
				PaymentStatus: model.OrderPaymentPending,
				Description:   req.Description,
				IsUrgent:      req.IsUrgent,
			}
			if err := tx.CreateOrder(ctx, o); err != nil {
				return err
			}

			advances, err := s.engine.ApplyAdvances(ctx, tx, req.UserID)
			if err != nil {
				return err
			}

			placed.Order, err = tx.OrderByID(ctx, o.ID)
			placed.Advances = advances
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return placed, nil
}

// ListOrders возвращает заказы пользователя, новые сверху.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

// BackfillIncome отражает в доходах завершённые платежи, пропущенные ранее.
func (s *Service) BackfillIncome(ctx context.Context, opts income.BackfillOptions) (*income.BackfillReport, error) {
	if opts.Attempts == 0 {
		opts.Attempts = s.opts.Attempts
	}
	return s.projector.Backfill(ctx, s.repo, opts)
}

// AuditIncome сверяет завершённые платежи с доходами филиалов.
func (s *Service) AuditIncome(ctx context.Context) (*model.IncomeAudit, error) {
	return s.projector.Audit(ctx, s.repo)
}
