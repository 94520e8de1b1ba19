package repository

import (
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericToDecimal(t *testing.T) {
	tests := []struct {
		name string
		in   pgtype.Numeric
		want string
	}{
		{
			name: "scale two",
			in:   pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true},
			want: "123.45",
		},
		{
			name: "positive exponent",
			in:   pgtype.Numeric{Int: big.NewInt(5), Exp: 3, Valid: true},
			want: "5000",
		},
		{
			name: "zero",
			in:   pgtype.Numeric{Int: big.NewInt(0), Exp: 0, Valid: true},
			want: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := numericToDecimal(tt.in)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestNumericToDecimal_Invalid(t *testing.T) {
	_, err := numericToDecimal(pgtype.Numeric{})
	assert.Error(t, err)

	_, err = numericToDecimal(pgtype.Numeric{Valid: true, NaN: true})
	assert.Error(t, err)
}

func TestDecimalToNumeric_RoundTrip(t *testing.T) {
	for _, s := range []string{"0.01", "1500", "99999.99", "-12.5"} {
		d := decimal.RequireFromString(s)

		got, err := numericToDecimal(decimalToNumeric(d))
		require.NoError(t, err)
		assert.True(t, d.Equal(got), "round trip of %s gave %s", s, got)
	}
}
