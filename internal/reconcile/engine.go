// Package reconcile распределяет завершённые платежи по неоплаченным заказам пользователя.
//
// Все методы Engine работают внутри одной транзакции хранилища: вызывающий открывает
// транзакцию и передаёт её как Ledger. Сначала блокируется платёж, затем заказы
// в порядке (created_at, id), поэтому конкурирующие попытки для одного платежа
// выполняются строго по очереди.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/laundry-payments/internal/model"
)

// Ledger описывает операции хранилища, доступные движку внутри транзакции.
type Ledger interface {
	LockPayment(ctx context.Context, id int64) (*model.Payment, error)
	LockPaymentsWithUnapplied(ctx context.Context, userID int64) ([]model.Payment, error)
	SetPaymentProcessed(ctx context.Context, id int64, at time.Time) error

	OrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	LockOutstandingOrders(ctx context.Context, userID int64, branchID *int64) ([]model.Order, error)
	UpdateOrderPayment(ctx context.Context, id uuid.UUID, status model.OrderPaymentStatus, method model.PaymentMethod) error

	InsertAllocation(ctx context.Context, a *model.Allocation) error
	AllocationsByPayment(ctx context.Context, paymentID int64) ([]model.Allocation, error)
	AppliedToOrder(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)
}

// Engine распределяет платежи по заказам.
type Engine struct {
	sameBranch bool
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine создаёт движок. Если sameBranch установлен, платёж с филиалом гасит только заказы этого филиала.
func NewEngine(sameBranch bool, logger *zap.Logger) *Engine {
	return &Engine{sameBranch: sameBranch, logger: logger, now: time.Now}
}

// Reconcile распределяет завершённый платёж по заказам пользователя от старых к новым.
// Заказ, ради которого создан платёж, гасится первым. Повторный вызов для уже обработанного
// платежа ничего не пишет и возвращает сохранённое распределение.
func (e *Engine) Reconcile(ctx context.Context, l Ledger, paymentID int64) (*model.ReconciliationResult, error) {
	p, err := l.LockPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if p.Status != model.PaymentStatusComplete {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrPaymentNotComplete, p.TransactionUUID, p.Status)
	}

	if p.ProcessedAt != nil {
		return e.previous(ctx, l, p)
	}

	applied, remaining, err := e.distribute(ctx, l, p, p.TotalAmount, nil)
	if err != nil {
		return nil, err
	}

	if err := l.SetPaymentProcessed(ctx, p.ID, e.now()); err != nil {
		return nil, fmt.Errorf("mark payment processed: %w", err)
	}

	e.logger.Info("payment reconciled",
		zap.String("transaction_uuid", p.TransactionUUID),
		zap.Int("orders", len(applied)),
		zap.String("remaining", remaining.String()))

	return &model.ReconciliationResult{
		PaymentID:          p.ID,
		TransactionUUID:    p.TransactionUUID,
		OrdersPaid:         applied,
		RemainingUnapplied: remaining,
	}, nil
}

// ApplyAdvances гасит неоплаченные заказы пользователя незачтёнными остатками его обработанных платежей,
// начиная с самых ранних. Возвращает результаты только по платежам, которые что-то зачли.
func (e *Engine) ApplyAdvances(ctx context.Context, l Ledger, userID int64) ([]model.ReconciliationResult, error) {
	payments, err := l.LockPaymentsWithUnapplied(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock advance payments: %w", err)
	}

	var results []model.ReconciliationResult
	for i := range payments {
		p := &payments[i]

		allocations, err := l.AllocationsByPayment(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("load allocations: %w", err)
		}
		available := p.Unapplied(allocations)
		if !available.IsPositive() {
			continue
		}

		holds := make(map[uuid.UUID]bool, len(allocations))
		for _, a := range allocations {
			holds[a.OrderID] = true
		}

		applied, remaining, err := e.distribute(ctx, l, p, available, holds)
		if err != nil {
			return nil, err
		}
		if len(applied) == 0 {
			continue
		}

		e.logger.Info("advance applied",
			zap.String("transaction_uuid", p.TransactionUUID),
			zap.Int("orders", len(applied)),
			zap.String("remaining", remaining.String()))

		results = append(results, model.ReconciliationResult{
			PaymentID:          p.ID,
			TransactionUUID:    p.TransactionUUID,
			OrdersPaid:         applied,
			RemainingUnapplied: remaining,
		})
	}

	return results, nil
}

// distribute зачитывает до available денег платежа p в заказы-кандидаты.
// Заказы из skip уже содержат зачёт этого платежа и пропускаются.
func (e *Engine) distribute(ctx context.Context, l Ledger, p *model.Payment, available decimal.Decimal, skip map[uuid.UUID]bool) ([]model.AppliedOrder, decimal.Decimal, error) {
	candidates, err := e.candidates(ctx, l, p)
	if err != nil {
		return nil, decimal.Zero, err
	}

	applied := []model.AppliedOrder{}
	remaining := available

	for i := range candidates {
		o := &candidates[i]
		if skip[o.ID] {
			continue
		}

		already, err := l.AppliedToOrder(ctx, o.ID)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("sum applied to order %s: %w", o.ID, err)
		}
		outstanding := o.TotalAmount.Sub(already)
		if !outstanding.IsPositive() {
			continue
		}

		amount := decimal.Min(remaining, outstanding)
		if !amount.IsPositive() {
			break
		}

		if err := l.InsertAllocation(ctx, &model.Allocation{
			OrderID:       o.ID,
			PaymentID:     p.ID,
			AmountApplied: amount,
		}); err != nil {
			return nil, decimal.Zero, fmt.Errorf("allocate to order %s: %w", o.ID, err)
		}
		remaining = remaining.Sub(amount)

		total := already.Add(amount)
		status := model.OrderStatusFor(o.TotalAmount, total)
		method := o.PaymentMethod
		if o.Settles(total) && method == model.PaymentMethodCash && p.Method.IsWallet() {
			method = p.Method
		}
		if err := l.UpdateOrderPayment(ctx, o.ID, status, method); err != nil {
			return nil, decimal.Zero, fmt.Errorf("update order %s: %w", o.ID, err)
		}

		applied = append(applied, model.AppliedOrder{
			OrderID:       o.ID,
			AmountApplied: amount,
			PaymentStatus: status,
		})
	}

	return applied, remaining, nil
}

// candidates возвращает заблокированные неоплаченные заказы в порядке погашения.
func (e *Engine) candidates(ctx context.Context, l Ledger, p *model.Payment) ([]model.Order, error) {
	var branch *int64
	if e.sameBranch {
		branch = p.BranchID
	}

	orders, err := l.LockOutstandingOrders(ctx, p.UserID, branch)
	if err != nil {
		return nil, fmt.Errorf("lock outstanding orders: %w", err)
	}
	if p.OrderID == nil {
		return orders, nil
	}

	for i := range orders {
		if orders[i].ID == *p.OrderID {
			target := orders[i]
			rest := append(orders[:i:i], orders[i+1:]...)
			return append([]model.Order{target}, rest...), nil
		}
	}

	// целевой заказ мог не попасть в выборку из-за ограничения по филиалу
	target, err := l.LockOrder(ctx, *p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("lock target order: %w", err)
	}
	if target.UserID != p.UserID || !target.PaymentStatus.Outstanding() {
		return orders, nil
	}
	return append([]model.Order{*target}, orders...), nil
}

// previous восстанавливает результат уже выполненного распределения из сохранённых зачётов.
func (e *Engine) previous(ctx context.Context, l Ledger, p *model.Payment) (*model.ReconciliationResult, error) {
	allocations, err := l.AllocationsByPayment(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}

	applied := make([]model.AppliedOrder, 0, len(allocations))
	for _, a := range allocations {
		o, err := l.OrderByID(ctx, a.OrderID)
		if err != nil {
			return nil, fmt.Errorf("load order %s: %w", a.OrderID, err)
		}
		applied = append(applied, model.AppliedOrder{
			OrderID:       a.OrderID,
			AmountApplied: a.AmountApplied,
			PaymentStatus: o.PaymentStatus,
		})
	}

	return &model.ReconciliationResult{
		PaymentID:          p.ID,
		TransactionUUID:    p.TransactionUUID,
		OrdersPaid:         applied,
		RemainingUnapplied: p.Unapplied(allocations),
		AlreadyProcessed:   true,
	}, nil
}
