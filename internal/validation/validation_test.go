package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidTransactionUUID(t *testing.T) {
	tests := []struct {
		name  string
		value string
		valid bool
	}{
		{
			name:  "generated identifier",
			value: "250314-092653-1a2b3c4d",
			valid: true,
		},
		{
			name:  "upper case hex",
			value: "250314-092653-1A2B3C4D",
			valid: false,
		},
		{
			name:  "letters in timestamp",
			value: "25031a-092653-1a2b3c4d",
			valid: false,
		},
		{
			name:  "short suffix",
			value: "250314-092653-1a2b3c",
			valid: false,
		},
		{
			name:  "wrong separator",
			value: "250314_092653-1a2b3c4d",
			valid: false,
		},
		{
			name:  "empty",
			value: "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransactionUUID(tt.value); got != tt.valid {
				t.Fatalf("IsValidTransactionUUID(%q) = %v, want %v", tt.value, got, tt.valid)
			}
		})
	}
}

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount" validate:"money"`
	TaxAmount decimal.Decimal `json:"tax_amount" validate:"money_nonneg"`
	Method    string          `json:"payment_type" validate:"required,oneof=cash bank esewa"`
	BranchID  int64           `json:"branch_id" validate:"gt=0"`
}

type verifyRequest struct {
	TransactionUUID string `json:"transaction_uuid" validate:"required,txuuid"`
}

func TestValidator_Struct(t *testing.T) {
	v := New()

	err := v.Struct(paymentRequest{
		Amount:   decimal.RequireFromString("100.50"),
		Method:   "esewa",
		BranchID: 1,
	})
	require.NoError(t, err)

	err = v.Struct(paymentRequest{
		Amount:    decimal.RequireFromString("-1"),
		TaxAmount: decimal.RequireFromString("0.001"),
		Method:    "crypto",
	})
	var fields FieldErrors
	require.True(t, errors.As(err, &fields))
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields, "tax_amount")
	assert.Contains(t, fields, "branch_id")
	assert.Equal(t, "must be one of: cash, bank, esewa", fields["payment_type"])

	err = v.Struct(paymentRequest{Method: "cash", BranchID: 1})
	require.True(t, errors.As(err, &fields))
	assert.Equal(t, "must be a positive amount with at most two decimal places", fields["amount"])
}

func TestValidator_TransactionUUID(t *testing.T) {
	v := New()

	assert.NoError(t, v.Struct(verifyRequest{TransactionUUID: "250314-092653-1a2b3c4d"}))

	err := v.Struct(verifyRequest{TransactionUUID: "nope"})
	var fields FieldErrors
	require.True(t, errors.As(err, &fields))
	assert.Equal(t, "must be a transaction identifier", fields["transaction_uuid"])
	assert.Contains(t, err.Error(), "transaction_uuid")
}
