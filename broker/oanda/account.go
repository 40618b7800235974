package oanda

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
)

type accountSummaryResponse struct {
	Account struct {
		ID                string `json:"id"`
		Currency          string `json:"currency"`
		Balance           string `json:"balance"`
		NAV               string `json:"NAV"`
		UnrealizedPL      string `json:"unrealizedPL"`
		MarginUsed        string `json:"marginUsed"`
		MarginAvailable   string `json:"marginAvailable"`
		OpenTradeCount    int    `json:"openTradeCount"`
		OpenPositionCount int    `json:"openPositionCount"`
	} `json:"account"`
}

func (c *Client) GetAccountSummary(ctx context.Context, accountID string) (broker.AccountSummary, error) {
	var resp accountSummaryResponse
	if err := c.do(ctx, "GET", "/v3/accounts/"+url.PathEscape(accountID)+"/summary", nil, &resp); err != nil {
		return broker.AccountSummary{}, err
	}

	a := resp.Account
	out := broker.AccountSummary{
		ID:                a.ID,
		Currency:          a.Currency,
		OpenTradeCount:    a.OpenTradeCount,
		OpenPositionCount: a.OpenPositionCount,
	}
	fields := []struct {
		dst *float64
		src string
	}{
		{&out.Balance, a.Balance},
		{&out.NAV, a.NAV},
		{&out.UnrealizedPL, a.UnrealizedPL},
		{&out.MarginUsed, a.MarginUsed},
		{&out.MarginAvailable, a.MarginAvailable},
	}
	for _, f := range fields {
		v, err := parseFloat(f.src)
		if err != nil {
			return broker.AccountSummary{}, fmt.Errorf("parse account summary: %w", err)
		}
		*f.dst = v
	}
	return out, nil
}

type pricingResponse struct {
	Prices []struct {
		Instrument string `json:"instrument"`
		Time       string `json:"time"`
		Bids       []struct {
			Price string `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
		} `json:"asks"`
	} `json:"prices"`
}

// GetTick returns the top-of-book price for instrument.
func (c *Client) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	if c.pricingAccount == "" {
		return market.Tick{}, errors.New("oanda: no pricing account configured")
	}
	path := fmt.Sprintf("/v3/accounts/%s/pricing?instruments=%s", url.PathEscape(c.pricingAccount), url.QueryEscape(instrument))

	var resp pricingResponse
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return market.Tick{}, err
	}
	if len(resp.Prices) == 0 || len(resp.Prices[0].Bids) == 0 || len(resp.Prices[0].Asks) == 0 {
		return market.Tick{}, fmt.Errorf("oanda: no price for %s", instrument)
	}

	p := resp.Prices[0]
	bid, err := parseFloat(p.Bids[0].Price)
	if err != nil {
		return market.Tick{}, fmt.Errorf("parse bid: %w", err)
	}
	ask, err := parseFloat(p.Asks[0].Price)
	if err != nil {
		return market.Tick{}, fmt.Errorf("parse ask: %w", err)
	}
	t, err := parseTime(p.Time)
	if err != nil {
		return market.Tick{}, fmt.Errorf("parse time: %w", err)
	}
	return market.Tick{Instrument: p.Instrument, Time: t, Bid: bid, Ask: ask}, nil
}
