// Package amount holds the fixed-point asset amount used across the
// engine. Values are unsigned integers in the asset's smallest unit;
// the scale says how many decimal places the unit represents.
package amount

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow is returned when an arithmetic result does not fit in uint64.
	ErrOverflow = errors.New("amount overflow")

	// ErrAssetMismatch is returned when combining amounts of different assets.
	ErrAssetMismatch = errors.New("asset mismatch")
)

// MaxPacketValue is the per-network ceiling on a single packet amount.
// Peers narrow it with their own caps in the pipeline.
const MaxPacketValue = uint64(math.MaxInt64)

// Amount is a value in a concrete asset denomination.
type Amount struct {
	Value      uint64 `json:"value,string"`
	AssetCode  string `json:"assetCode"`
	AssetScale uint8  `json:"assetScale"`
}

// New builds an amount.
func New(value uint64, code string, scale uint8) Amount {
	return Amount{Value: value, AssetCode: code, AssetScale: scale}
}

// SameAsset reports whether two amounts share a denomination.
func (a Amount) SameAsset(b Amount) bool {
	return a.AssetCode == b.AssetCode && a.AssetScale == b.AssetScale
}

// IsZero reports whether the value is zero.
func (a Amount) IsZero() bool { return a.Value == 0 }

func (a Amount) String() string {
	return fmt.Sprintf("%d %s(%d)", a.Value, a.AssetCode, a.AssetScale)
}

// Add returns a+b, failing on overflow or asset mismatch.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.SameAsset(b) {
		return Amount{}, ErrAssetMismatch
	}
	sum := a.Value + b.Value
	if sum < a.Value {
		return Amount{}, ErrOverflow
	}
	a.Value = sum
	return a, nil
}

// Sub returns a-b, failing when b exceeds a or on asset mismatch.
func (a Amount) Sub(b Amount) (Amount, error) {
	if !a.SameAsset(b) {
		return Amount{}, ErrAssetMismatch
	}
	if b.Value > a.Value {
		return Amount{}, ErrOverflow
	}
	a.Value -= b.Value
	return a, nil
}

// Decimal returns the value as a decimal in whole asset units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a.Value), -int32(a.AssetScale))
}

// MulFloor returns floor(value × rate). Used when estimating how much a
// destination receives for a given source value: the estimate must never
// promise more than the rate can deliver.
func MulFloor(value uint64, rate decimal.Decimal) (uint64, error) {
	return toUint64(decimal.NewFromUint64(value).Mul(rate).Floor())
}

// MulCeil returns ceil(value × rate).
func MulCeil(value uint64, rate decimal.Decimal) (uint64, error) {
	return toUint64(decimal.NewFromUint64(value).Mul(rate).Ceil())
}

// DivCeil returns ceil(value / rate). Used when deriving the source value
// needed to deliver a given destination value: rounding down could leave
// the delivery short.
func DivCeil(value uint64, rate decimal.Decimal) (uint64, error) {
	if rate.Sign() <= 0 {
		return 0, fmt.Errorf("non-positive rate %s", rate)
	}
	return toUint64(decimal.NewFromUint64(value).Div(rate).Ceil())
}

func toUint64(d decimal.Decimal) (uint64, error) {
	if d.Sign() < 0 {
		return 0, ErrOverflow
	}
	if !d.IsInteger() {
		// Floor/Ceil always hand us integers; guard anyway.
		d = d.Floor()
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return 0, ErrOverflow
	}
	return bi.Uint64(), nil
}

// ScaleRate converts a rate quoted between whole asset units into a rate
// between smallest units of the two assets.
func ScaleRate(rate decimal.Decimal, sourceScale, destScale uint8) decimal.Decimal {
	return rate.Shift(int32(destScale) - int32(sourceScale))
}
