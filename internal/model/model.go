// Package model содержит доменные сущности платёжного контура прачечной.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role описывает роль пользователя, от которой зависят доступные операции.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
)

// PaymentMethod описывает способ оплаты.
type PaymentMethod string

const (
	PaymentMethodCash  PaymentMethod = "cash"
	PaymentMethodBank  PaymentMethod = "bank"
	PaymentMethodEsewa PaymentMethod = "esewa"
)

// Valid сообщает, известен ли способ оплаты.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodBank, PaymentMethodEsewa:
		return true
	}
	return false
}

// IsWallet сообщает, является ли способ оплаты электронным кошельком.
func (m PaymentMethod) IsWallet() bool {
	return m == PaymentMethodEsewa
}

// PaymentStatus описывает жизненный цикл платежа.
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "PENDING"
	PaymentStatusComplete      PaymentStatus = "COMPLETE"
	PaymentStatusFailed        PaymentStatus = "FAILED"
	PaymentStatusCanceled      PaymentStatus = "CANCELED"
	PaymentStatusFullRefund    PaymentStatus = "FULL_REFUND"
	PaymentStatusPartialRefund PaymentStatus = "PARTIAL_REFUND"
)

// Valid сообщает, известен ли статус платежа.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusComplete, PaymentStatusFailed,
		PaymentStatusCanceled, PaymentStatusFullRefund, PaymentStatusPartialRefund:
		return true
	}
	return false
}

// OrderPaymentStatus описывает состояние оплаты заказа.
type OrderPaymentStatus string

const (
	OrderPaymentPending       OrderPaymentStatus = "pending"
	OrderPaymentPartiallyPaid OrderPaymentStatus = "partially_paid"
	OrderPaymentPaid          OrderPaymentStatus = "paid"
	OrderPaymentFailed        OrderPaymentStatus = "failed"
)

// Outstanding сообщает, ожидает ли заказ ещё денег.
func (s OrderPaymentStatus) Outstanding() bool {
	return s == OrderPaymentPending || s == OrderPaymentPartiallyPaid
}

// Branch описывает филиал, которому атрибутируется доход.
type Branch struct {
	ID       int64
	Code     string
	Name     string
	IsActive bool
}

// Payment описывает платёжную транзакцию пользователя.
type Payment struct {
	ID              int64
	TransactionUUID string
	UserID          int64
	Amount          decimal.Decimal
	TaxAmount       decimal.Decimal
	TotalAmount     decimal.Decimal
	Method          PaymentMethod
	Status          PaymentStatus
	TransactionCode *string
	RefID           *string
	BranchID        *int64
	IdempotencyKey  *string
	ProcessedAt     *time.Time
	IncomeRecordID  *int64
	OrderID         *uuid.UUID
	OrderData       json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderDraft содержит данные для создания заказа после оплаты.
type OrderDraft struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Description string          `json:"description,omitempty"`
	IsUrgent    bool            `json:"is_urgent,omitempty"`
}

// Order описывает заказ клиента.
type Order struct {
	ID            uuid.UUID
	UserID        int64
	BranchID      int64
	TotalAmount   decimal.Decimal
	PaymentMethod PaymentMethod
	PaymentStatus OrderPaymentStatus
	Description   string
	IsUrgent      bool
	CreatedAt     time.Time
}

// Allocation описывает часть платежа, зачтённую в конкретный заказ.
type Allocation struct {
	ID            int64
	OrderID       uuid.UUID
	PaymentID     int64
	AmountApplied decimal.Decimal
	CreatedAt     time.Time
}

// IncomeRecord описывает запись о доходе филиала.
type IncomeRecord struct {
	ID           int64
	BranchID     int64
	CategoryID   int64
	Amount       decimal.Decimal
	Description  string
	DateReceived time.Time
	CreatedAt    time.Time
}

// AppliedOrder описывает результат зачёта платежа в один заказ.
type AppliedOrder struct {
	OrderID       uuid.UUID          `json:"order_id"`
	AmountApplied decimal.Decimal    `json:"amount_applied"`
	PaymentStatus OrderPaymentStatus `json:"payment_status"`
}

// ReconciliationResult описывает распределение платежа по заказам.
type ReconciliationResult struct {
	PaymentID          int64           `json:"-"`
	TransactionUUID    string          `json:"transaction_uuid"`
	OrdersPaid         []AppliedOrder  `json:"orders_paid"`
	RemainingUnapplied decimal.Decimal `json:"remaining_unapplied"`
	AlreadyProcessed   bool            `json:"already_processed"`
}

// Receipt описывает ответ клиенту после завершения платежа. Повторный вызов возвращает те же
// зачёты с AlreadyProcessed = true. Если позже аванс зачтён в новый заказ, OrdersPaid дополняется
// этим зачётом, а RemainingUnapplied уменьшается.
type Receipt struct {
	TransactionUUID    string          `json:"transaction_uuid"`
	Method             PaymentMethod   `json:"payment_type"`
	Status             PaymentStatus   `json:"status"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	TransactionCode    *string         `json:"transaction_code,omitempty"`
	RefID              *string         `json:"ref_id,omitempty"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	OrdersPaid         []AppliedOrder  `json:"orders_paid"`
	RemainingUnapplied decimal.Decimal `json:"remaining_unapplied"`
	AlreadyProcessed   bool            `json:"already_processed"`
}

// NewReceipt собирает квитанцию из платежа и результата распределения.
func NewReceipt(p *Payment, res *ReconciliationResult) *Receipt {
	r := &Receipt{
		TransactionUUID: p.TransactionUUID,
		Method:          p.Method,
		Status:          p.Status,
		TotalAmount:     p.TotalAmount,
		TransactionCode: p.TransactionCode,
		RefID:           p.RefID,
		ProcessedAt:     p.ProcessedAt,
		OrdersPaid:      []AppliedOrder{},
	}
	if res != nil {
		if res.OrdersPaid != nil {
			r.OrdersPaid = res.OrdersPaid
		}
		r.RemainingUnapplied = res.RemainingUnapplied
		r.AlreadyProcessed = res.AlreadyProcessed
	}
	return r
}

// PaymentFilter задаёт фильтры истории платежей.
type PaymentFilter struct {
	UserID   int64
	Status   PaymentStatus
	Method   PaymentMethod
	Search   string
	Page     int
	PageSize int
}

// BranchIncome содержит сводку по филиалу для сверки платежей и доходов.
type BranchIncome struct {
	BranchID      int64           `json:"branch_id"`
	BranchName    string          `json:"branch_name"`
	PaymentCount  int             `json:"payment_count"`
	PaymentsTotal decimal.Decimal `json:"payments_total"`
	IncomeCount   int             `json:"income_count"`
	IncomeTotal   decimal.Decimal `json:"income_total"`
}

// IncomeAudit содержит отчёт о полноте учёта доходов по завершённым платежам.
type IncomeAudit struct {
	CompletedPayments  int            `json:"completed_payments"`
	WithIncome         int            `json:"with_income"`
	WithoutIncome      int            `json:"without_income"`
	WithoutBranch      int            `json:"without_branch"`
	MissingIncomeUUIDs []string       `json:"missing_income_uuids,omitempty"`
	Branches           []BranchIncome `json:"branches"`
}
