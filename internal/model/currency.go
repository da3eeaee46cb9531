package model

// Currency is one of the closed set of supported currency codes.
type Currency string

const (
	CurrencyAOA Currency = "AOA"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// SupportedCurrencies lists every currency a wallet may hold a balance in.
var SupportedCurrencies = []Currency{CurrencyAOA, CurrencyUSD, CurrencyEUR}

// Supported reports whether c belongs to the closed currency set.
func (c Currency) Supported() bool {
	switch c {
	case CurrencyAOA, CurrencyUSD, CurrencyEUR:
		return true
	}
	return false
}
