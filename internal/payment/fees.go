package payment

import "github.com/shopspring/decimal"

// Fee policy table, keyed by transaction type so new per-type rates slot in
// without touching the coordinator. Transfers pay 1% of amount; all other
// types are free.
var feeRates = map[TransactionType]decimal.Decimal{
	TypeTransfer: decimal.RequireFromString("0.01"),
}

func FeeFor(t TransactionType, amount decimal.Decimal) decimal.Decimal {
	rate, ok := feeRates[t]
	if !ok {
		return decimal.Zero
	}
	return amount.Mul(rate).Round(2)
}
