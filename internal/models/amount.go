package models

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the number of decimal places of the native value unit.
const AmountDecimals = 6

// FormatAmount renders a base-unit amount in whole native units, e.g. 1500000 -> "1.5".
func FormatAmount(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -AmountDecimals).String()
}
