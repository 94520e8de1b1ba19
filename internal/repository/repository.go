// Package repository содержит реализации хранилища платёжного контура.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/laundry-payments/internal/model"
)

var (
	// ErrDuplicateIdempotencyKey возвращается при нарушении уникальности (user, idempotency_key).
	ErrDuplicateIdempotencyKey = errors.New("payment with this idempotency key already exists")
	// ErrContention возвращается, когда конкурентные транзакции не удалось развести за отведённые попытки.
	ErrContention = errors.New("concurrent update in progress, try again")
)

// DBTX абстрагирует pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx описывает операции над хранилищем. Методы Lock* берут эксклюзивную блокировку строк
// до конца транзакции и имеют смысл только внутри InTx.
type Tx interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	PaymentByIdempotencyKey(ctx context.Context, userID int64, key string) (*model.Payment, error)
	PaymentByTransactionUUID(ctx context.Context, txUUID string) (*model.Payment, error)
	LockPayment(ctx context.Context, id int64) (*model.Payment, error)
	LockPaymentByTransactionUUID(ctx context.Context, txUUID string) (*model.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, status model.PaymentStatus, transactionCode, refID *string) error
	SetPaymentOrder(ctx context.Context, id int64, orderID uuid.UUID) error
	SetPaymentProcessed(ctx context.Context, id int64, at time.Time) error
	SetPaymentIncomeRecord(ctx context.Context, id, incomeID int64) error
	ListPayments(ctx context.Context, f model.PaymentFilter) ([]model.Payment, int, error)
	ListPaymentsMissingIncome(ctx context.Context, afterID int64, limit int) ([]model.Payment, error)
	LockPaymentsWithUnapplied(ctx context.Context, userID int64) ([]model.Payment, error)

	CreateOrder(ctx context.Context, o *model.Order) error
	OrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	LockOutstandingOrders(ctx context.Context, userID int64, branchID *int64) ([]model.Order, error)
	UpdateOrderPayment(ctx context.Context, id uuid.UUID, status model.OrderPaymentStatus, method model.PaymentMethod) error
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)

	InsertAllocation(ctx context.Context, a *model.Allocation) error
	AllocationsByPayment(ctx context.Context, paymentID int64) ([]model.Allocation, error)
	AppliedToOrder(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)

	BranchByID(ctx context.Context, id int64) (*model.Branch, error)
	IncomeCategoryID(ctx context.Context, name string) (int64, error)
	InsertIncome(ctx context.Context, rec *model.IncomeRecord) error
	IncomeAudit(ctx context.Context) (*model.IncomeAudit, error)
}

// Store описывает хранилище с поддержкой атомарных единиц работы.
type Store interface {
	Tx
	// InTx выполняет fn в одной транзакции: либо фиксируется всё, либо ничего.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

var (
	_ Store = (*PostgresRepository)(nil)
	_ Store = (*MemoryRepository)(nil)
)
