package model

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// ISKScale is the number of decimal places kept for ISK amounts.
const ISKScale int32 = 2

// iskCode is registered with go-money as a two-decimal currency. The ISO
// code ISK (Icelandic króna) has no fraction digits, which is wrong here.
const iskCode = "EVEISK"

func init() {
	money.AddCurrency(iskCode, "ISK", "1 $", ".", ",", int(ISKScale))
}

// RoundISK rounds to ISK cents, half away from zero.
func RoundISK(v decimal.Decimal) decimal.Decimal { return v.Round(ISKScale) }

// FormatISK renders an amount like "5,000,000.00 ISK".
func FormatISK(v decimal.Decimal) string {
	cents := RoundISK(v).Shift(ISKScale).IntPart()
	return money.New(cents, iskCode).Display()
}
