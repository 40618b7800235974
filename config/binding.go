package config

import "github.com/rustyeddy/fxengine/market"

// Binding is the resolved (account, strategy) pairing for one cycle. It is
// derived from the document on demand and never stored.
type Binding struct {
	AccountID        string
	Currency         string
	RiskPct          float64
	MaxOpenPositions int
	MaxMarginUsage   float64

	Strategy      string
	Params        map[string]float64
	Instruments   []string
	Granularity   market.Granularity
	CandleCount   int
	DailyCap      int
	MinConfidence float64
	Lifecycle     LifecycleConfig
}

// Bindings resolves every active account. Accounts that fail validation are
// returned as ConfigurationErrors instead of bindings.
func (c *Config) Bindings() ([]Binding, []*ConfigurationError) {
	var out []Binding
	var bad []*ConfigurationError
	for _, a := range c.Accounts {
		if err := a.validate(); err != nil {
			bad = append(bad, &ConfigurationError{AccountID: a.ID, Msg: err.Error()})
			continue
		}
		if a.Strategy.Paused {
			continue
		}
		out = append(out, c.resolve(a))
	}
	return out, bad
}

// Binding returns the resolved binding for accountID.
func (c *Config) Binding(accountID string) (Binding, bool) {
	for _, a := range c.Accounts {
		if a.ID == accountID && a.validate() == nil {
			return c.resolve(a), true
		}
	}
	return Binding{}, false
}

func (c *Config) resolve(a AccountConfig) Binding {
	s := a.Strategy
	b := Binding{
		AccountID:        a.ID,
		Currency:         a.Currency,
		RiskPct:          a.RiskPct,
		MaxOpenPositions: a.MaxOpenPositions,
		MaxMarginUsage:   a.MaxMarginUsage,
		Strategy:         s.Name,
		Params:           s.Params,
		Instruments:      append([]string(nil), s.Instruments...),
		Granularity:      market.Granularity(s.Granularity),
		CandleCount:      s.CandleCount,
		DailyCap:         dailyCap(a.MaxDailyTrades, s.MaxDailyQualityTrades),
		MinConfidence:    s.MinConfidence,
		Lifecycle:        c.Lifecycle,
	}
	if b.Granularity == "" {
		b.Granularity = market.Granularity(c.Engine.Granularity)
	}
	if b.CandleCount == 0 {
		b.CandleCount = c.Engine.CandleCount
	}
	if b.MaxMarginUsage == 0 {
		b.MaxMarginUsage = c.Risk.MaxMarginUsage
	}
	if s.Lifecycle != nil {
		b.Lifecycle = *s.Lifecycle
	}
	return b
}

// dailyCap is the tighter of the account and strategy caps; zero means unset.
func dailyCap(account, strategy int) int {
	switch {
	case account <= 0:
		return strategy
	case strategy <= 0:
		return account
	case account < strategy:
		return account
	default:
		return strategy
	}
}
