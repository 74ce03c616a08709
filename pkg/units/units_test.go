package units

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRaw(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals uint8
		want     string
		wantErr  error
	}{
		{name: "whole", amount: "12", decimals: 6, want: "12000000"},
		{name: "fraction", amount: "1.5", decimals: 18, want: "1500000000000000000"},
		{name: "exact precision", amount: "0.000001", decimals: 6, want: "1"},
		{name: "zero", amount: "0", decimals: 9, want: "0"},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantErr: ErrTooPrecise},
		{name: "negative", amount: "-1", decimals: 6, wantErr: ErrNegative},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToRaw(decimal.RequireFromString(tt.amount), tt.decimals)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestToUint64Overflow(t *testing.T) {
	_, err := ToUint64(decimal.RequireFromString("18446744073709.551616"), 6)
	require.ErrorIs(t, err, ErrOverflowU64)

	got, err := ToUint64(decimal.RequireFromString("18446744073709.551615"), 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), got)
}

func TestFromRaw(t *testing.T) {
	got := FromRaw(big.NewInt(1_500_000_000), 9)
	assert.True(t, got.Equal(decimal.RequireFromString("1.5")), got.String())

	assert.True(t, FromRaw(nil, 6).IsZero())
	assert.Equal(t, "0.000042", FromUint64(42, 6).String())
}

func TestMulDivFloor(t *testing.T) {
	got, err := MulDivFloorU64(10, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got)

	_, err = MulDivFloor(big.NewInt(1), big.NewInt(1), big.NewInt(0))
	require.ErrorIs(t, err, ErrZeroDenominator)

	_, err = MulDivFloorU64(1<<63, 4, 1)
	require.ErrorIs(t, err, ErrOverflowU64)
}

func TestCollateral(t *testing.T) {
	collateral, err := Collateral(big.NewInt(2_000_000), big.NewInt(500_000))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), collateral.Int64())

	_, err = Collateral(big.NewInt(2_000_000), nil)
	require.ErrorIs(t, err, ErrNilOperand)
}
