// Package units converts between human-readable token amounts and the raw
// integer representation stored on chain.
package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the fixed precision of pre-market point amounts on both chains.
const AmountDecimals uint8 = 6

// RateScale is the denominator for pledge and settle rates.
const RateScale = 1_000_000

// FeeScale is the denominator for refund and settle fees (basis points).
const FeeScale = 10_000

var (
	ErrNegative        = errors.New("amount must not be negative")
	ErrTooPrecise      = errors.New("amount has more fractional digits than token decimals")
	ErrOverflowU64     = errors.New("amount overflows u64")
	ErrZeroDenominator = errors.New("division by zero")
	ErrNilOperand      = errors.New("nil operand")
)

// ToRaw scales amount by 10^decimals and rejects values that do not fit exactly.
func ToRaw(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%s: %w", amount.String(), ErrNegative)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%s with %d decimals: %w", amount.String(), decimals, ErrTooPrecise)
	}
	return shifted.BigInt(), nil
}

// ToUint64 is ToRaw for amounts stored as u64 on Solana.
func ToUint64(amount decimal.Decimal, decimals uint8) (uint64, error) {
	raw, err := ToRaw(amount, decimals)
	if err != nil {
		return 0, err
	}
	if !raw.IsUint64() {
		return 0, fmt.Errorf("%s: %w", amount.String(), ErrOverflowU64)
	}
	return raw.Uint64(), nil
}

// FromRaw turns a raw on-chain integer into a decimal amount. Nil reads as zero.
func FromRaw(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FromUint64 is FromRaw for u64 amounts.
func FromUint64(raw uint64, decimals uint8) decimal.Decimal {
	return FromRaw(new(big.Int).SetUint64(raw), decimals)
}

// MulDivFloor returns floor(a*b/denominator) for non-negative operands.
func MulDivFloor(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator == nil || denominator.Sign() == 0 {
		return nil, ErrZeroDenominator
	}
	if a == nil || b == nil {
		return nil, ErrNilOperand
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, denominator), nil
}

// MulDivFloorU64 is MulDivFloor for u64 operands, failing if the result overflows.
func MulDivFloorU64(a, b, denominator uint64) (uint64, error) {
	out, err := MulDivFloor(
		new(big.Int).SetUint64(a),
		new(big.Int).SetUint64(b),
		new(big.Int).SetUint64(denominator),
	)
	if err != nil {
		return 0, err
	}
	if !out.IsUint64() {
		return 0, ErrOverflowU64
	}
	return out.Uint64(), nil
}

// Collateral returns value*pledgeRate/RateScale, the deposit a seller locks.
func Collateral(value *big.Int, pledgeRate *big.Int) (*big.Int, error) {
	out, err := MulDivFloor(value, pledgeRate, big.NewInt(RateScale))
	if err != nil {
		return nil, fmt.Errorf("compute collateral: %w", err)
	}
	return out, nil
}
