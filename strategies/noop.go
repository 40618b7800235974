package strategies

import "github.com/rustyeddy/fxengine/market"

// Noop never signals. Binding it to an account keeps the account
// configured while taking it out of trading.
type Noop struct{}

func init() {
	Register("noop", func(Params) (Strategy, error) { return Noop{}, nil })
	Register("none", func(Params) (Strategy, error) { return Noop{}, nil })
}

func (Noop) Name() string  { return "noop" }
func (Noop) Lookback() int { return 0 }

func (Noop) Evaluate(string, []market.Candle) (*Signal, error) { return nil, nil }
