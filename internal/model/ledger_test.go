package model

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderStatusFor(t *testing.T) {
	total := decimal.NewFromInt(100)

	tests := []struct {
		name    string
		applied decimal.Decimal
		want    OrderPaymentStatus
	}{
		{name: "nothing applied", applied: decimal.Zero, want: OrderPaymentPending},
		{name: "partial", applied: decimal.RequireFromString("99.99"), want: OrderPaymentPartiallyPaid},
		{name: "exact", applied: decimal.NewFromInt(100), want: OrderPaymentPaid},
		{name: "over", applied: decimal.NewFromInt(150), want: OrderPaymentPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OrderStatusFor(total, tt.applied))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PaymentStatusPending, PaymentStatusComplete))
	assert.True(t, CanTransition(PaymentStatusPending, PaymentStatusFailed))
	assert.True(t, CanTransition(PaymentStatusComplete, PaymentStatusFullRefund))

	assert.False(t, CanTransition(PaymentStatusComplete, PaymentStatusPending))
	assert.False(t, CanTransition(PaymentStatusFailed, PaymentStatusComplete))
	assert.False(t, CanTransition(PaymentStatusCanceled, PaymentStatusPending))
}

func TestNewTransactionUUID(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	id := NewTransactionUUID(now)

	assert.True(t, strings.HasPrefix(id, "250314-092653-"), id)
	assert.Len(t, id, len("250314-092653-")+8)
	assert.NotEqual(t, id, NewTransactionUUID(now))
}

func TestPaymentUnapplied(t *testing.T) {
	p := &Payment{TotalAmount: decimal.NewFromInt(150)}

	allocs := []Allocation{
		{AmountApplied: decimal.NewFromInt(100)},
		{AmountApplied: decimal.RequireFromString("20.50")},
	}

	assert.True(t, decimal.RequireFromString("29.50").Equal(p.Unapplied(allocs)))
	assert.True(t, p.TotalAmount.Equal(p.Unapplied(nil)))
}

func TestNewReceipt_EmptyOrdersNotNil(t *testing.T) {
	p := &Payment{TransactionUUID: "x", TotalAmount: decimal.NewFromInt(5)}

	r := NewReceipt(p, &ReconciliationResult{RemainingUnapplied: decimal.NewFromInt(5)})

	assert.NotNil(t, r.OrdersPaid)
	assert.True(t, r.RemainingUnapplied.Equal(decimal.NewFromInt(5)))
}

func TestPaymentStatusValid(t *testing.T) {
	assert.True(t, PaymentStatusPending.Valid())
	assert.True(t, PaymentStatusPartialRefund.Valid())
	assert.False(t, PaymentStatus("pending").Valid())
	assert.False(t, PaymentStatus("PAID").Valid())
}
