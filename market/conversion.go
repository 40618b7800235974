package market

import (
	"context"
	"fmt"
)

// QuoteToAccountRate returns how many units of the account currency one unit
// of the instrument's quote currency is worth.
//
//	EUR_USD, USD account → 1
//	USD_JPY, USD account → 1 / USD_JPY mid
//	EUR_GBP, USD account → GBP_USD mid
func QuoteToAccountRate(ctx context.Context, instrument, accountCurrency string, prices TickSource) (float64, error) {
	meta, err := Lookup(instrument)
	if err != nil {
		return 0, err
	}

	if meta.QuoteCurrency == accountCurrency {
		return 1.0, nil
	}

	if meta.BaseCurrency == accountCurrency {
		px, err := prices.GetTick(ctx, instrument)
		if err != nil {
			return 0, err
		}
		return invert(px.Mid(), instrument)
	}

	// Cross: find a pair linking the quote currency to the account currency.
	direct := meta.QuoteCurrency + "_" + accountCurrency
	if _, ok := Instruments[direct]; ok {
		px, err := prices.GetTick(ctx, direct)
		if err != nil {
			return 0, err
		}
		return px.Mid(), nil
	}
	inverse := accountCurrency + "_" + meta.QuoteCurrency
	if _, ok := Instruments[inverse]; ok {
		px, err := prices.GetTick(ctx, inverse)
		if err != nil {
			return 0, err
		}
		return invert(px.Mid(), inverse)
	}

	return 0, fmt.Errorf("no conversion from %s to %s", meta.QuoteCurrency, accountCurrency)
}

func invert(mid float64, instrument string) (float64, error) {
	if mid <= 0 {
		return 0, fmt.Errorf("invalid mid price %v for %s", mid, instrument)
	}
	return 1.0 / mid, nil
}
