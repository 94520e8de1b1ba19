package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrBranchInactive возвращается для несуществующего или неактивного филиала.
	ErrBranchInactive = errors.New("branch is inactive or does not exist")
	// ErrInvalidAmount возвращается для неположительной суммы.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrAmountMismatch возвращается, если подтверждённая сумма не совпадает с суммой платежа.
	ErrAmountMismatch = errors.New("confirmed amount does not match payment total")
	// ErrPaymentTerminal возвращается при попытке недопустимого перехода статуса.
	ErrPaymentTerminal = errors.New("payment is in a terminal state")
	// ErrPaymentNotComplete возвращается при попытке распределить незавершённый платёж.
	ErrPaymentNotComplete = errors.New("payment is not complete")
	// ErrWrongPaymentMethod возвращается, если операция не подходит для способа оплаты.
	ErrWrongPaymentMethod = errors.New("operation is not supported for this payment method")
)

// TotalFor возвращает полную сумму платежа с налогом.
func TotalFor(amount, tax decimal.Decimal) decimal.Decimal {
	return amount.Add(tax)
}

// OrderStatusFor вычисляет статус оплаты заказа по уже зачтённой сумме.
func OrderStatusFor(total, applied decimal.Decimal) OrderPaymentStatus {
	switch {
	case applied.LessThanOrEqual(decimal.Zero):
		return OrderPaymentPending
	case applied.LessThan(total):
		return OrderPaymentPartiallyPaid
	default:
		return OrderPaymentPaid
	}
}

// SumApplied суммирует зачтённые суммы.
func SumApplied(allocations []Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocations {
		sum = sum.Add(a.AmountApplied)
	}
	return sum
}

// NewTransactionUUID генерирует идентификатор транзакции вида yymmdd-HHMMSS-xxxxxxxx.
func NewTransactionUUID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.Format("060102-150405"), uuid.NewString()[:8])
}

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:       {PaymentStatusComplete, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusComplete:      {PaymentStatusFullRefund, PaymentStatusPartialRefund},
	PaymentStatusPartialRefund: {PaymentStatusFullRefund},
}

// CanTransition сообщает, допустим ли переход статуса платежа.
// Из терминальных статусов возврата в PENDING нет.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Settles сообщает, закрывает ли платёж заказ полностью.
func (o *Order) Settles(applied decimal.Decimal) bool {
	return OrderStatusFor(o.TotalAmount, applied) == OrderPaymentPaid
}

// Unapplied возвращает часть платежа, не зачтённую ни в один заказ.
func (p *Payment) Unapplied(allocations []Allocation) decimal.Decimal {
	rest := p.TotalAmount.Sub(SumApplied(allocations))
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}
