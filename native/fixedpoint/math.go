// Package fixedpoint implements deterministic 18-decimal fixed-point
// arithmetic over signed 256-bit integers. Every operation rejects results
// outside the 256-bit range instead of wrapping.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fixedpoint: arithmetic overflow")
	ErrNegativeCast   = errors.New("fixedpoint: negative value cast to unsigned")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

// Unit is the precise unit of the fixed-point representation (10^18). Callers
// must treat it as read-only.
var Unit = big.NewInt(1_000_000_000_000_000_000)

var (
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// CheckBounds rejects values outside the signed 256-bit range.
func CheckBounds(v *big.Int) error {
	if v == nil {
		return nil
	}
	if v.Cmp(maxInt256) > 0 || v.Cmp(minInt256) < 0 {
		return ErrOverflow
	}
	return nil
}

// Mul returns a*b/Unit truncated toward zero.
func Mul(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return big.NewInt(0), nil
	}
	product := new(big.Int).Mul(a, b)
	result := product.Quo(product, Unit)
	if err := CheckBounds(result); err != nil {
		return nil, err
	}
	return result, nil
}

// MulCeil returns a*b/Unit rounded away from zero toward positive infinity
// for positive products. It is the rounding used whenever the ledger must not
// under-collect a flow.
func MulCeil(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return big.NewInt(0), nil
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, Unit, new(big.Int))
	if rem.Sign() != 0 && product.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	if err := CheckBounds(quo); err != nil {
		return nil, err
	}
	return quo, nil
}

// Div returns a*Unit/b truncated toward zero.
func Div(a, b *big.Int) (*big.Int, error) {
	if b == nil || b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a == nil {
		return big.NewInt(0), nil
	}
	scaled := new(big.Int).Mul(a, Unit)
	result := scaled.Quo(scaled, b)
	if err := CheckBounds(result); err != nil {
		return nil, err
	}
	return result, nil
}

// DivCeil returns a*Unit/b rounded toward positive infinity for positive
// quotients.
func DivCeil(a, b *big.Int) (*big.Int, error) {
	if b == nil || b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a == nil {
		return big.NewInt(0), nil
	}
	scaled := new(big.Int).Mul(a, Unit)
	quo, rem := new(big.Int).QuoRem(scaled, b, new(big.Int))
	if rem.Sign() != 0 && (scaled.Sign() > 0) == (b.Sign() > 0) {
		quo.Add(quo, big.NewInt(1))
	}
	if err := CheckBounds(quo); err != nil {
		return nil, err
	}
	return quo, nil
}

// SafeCastToUint256 converts a signed value to an unsigned 256-bit integer.
// A negative input signals a position or adjustment inconsistency and fails
// with ErrNegativeCast.
func SafeCastToUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return uint256.NewInt(0), nil
	}
	if v.Sign() < 0 {
		return nil, ErrNegativeCast
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}
