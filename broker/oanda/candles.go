package oanda

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

// PriceComponent represents the price component for candles
type PriceComponent string

const (
	MidPrice PriceComponent = "M" // Midpoint candles
	BidPrice PriceComponent = "B" // Bid candles
	AskPrice PriceComponent = "A" // Ask candles
)

// CandlesRequest represents parameters for fetching historical candles
type CandlesRequest struct {
	Instrument  string             // Required: The instrument to fetch candles for (e.g., "EUR_USD")
	Price       PriceComponent     // Price component (default: MidPrice)
	Granularity market.Granularity // Candle granularity (default: M15)
	Count       int                // Number of candles (max 5000, mutually exclusive with From/To)
	From        *time.Time         // Start time (ISO 8601)
	To          *time.Time         // End time (ISO 8601)
}

// candleData represents the OHLC data in the API response
type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

// apiCandle represents a single candle in the API response
type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int        `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid,omitempty"`
	Bid      candleData `json:"bid,omitempty"`
	Ask      candleData `json:"ask,omitempty"`
}

// candlesResponse represents the API response for candles
type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

// GetCandles returns the last count completed candles.
func (c *Client) GetCandles(ctx context.Context, instrument string, g market.Granularity, count int) ([]market.Candle, error) {
	return c.Candles(ctx, CandlesRequest{
		Instrument:  instrument,
		Price:       MidPrice,
		Granularity: g,
		Count:       count,
	})
}

// Candles fetches historical candles. Incomplete candles are skipped so
// strategies only ever see closed bars.
func (c *Client) Candles(ctx context.Context, req CandlesRequest) ([]market.Candle, error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("instrument is required")
	}

	params := url.Values{}
	if req.Price == "" {
		req.Price = MidPrice
	}
	params.Set("price", string(req.Price))

	if req.Granularity == "" {
		req.Granularity = market.M15
	}
	params.Set("granularity", string(req.Granularity))

	if req.Count > 0 {
		if req.Count > 5000 {
			return nil, fmt.Errorf("count cannot exceed 5000")
		}
		params.Set("count", fmt.Sprintf("%d", req.Count))
	} else {
		if req.From != nil {
			params.Set("from", req.From.Format(time.RFC3339))
		}
		if req.To != nil {
			params.Set("to", req.To.Format(time.RFC3339))
		}
	}

	var resp candlesResponse
	path := fmt.Sprintf("/v3/instruments/%s/candles?%s", url.PathEscape(req.Instrument), params.Encode())
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(resp.Candles))
	for _, ac := range resp.Candles {
		if !ac.Complete {
			continue
		}

		t, err := parseTime(ac.Time)
		if err != nil {
			return nil, fmt.Errorf("parse time %s: %w", ac.Time, err)
		}

		var pd candleData
		switch req.Price {
		case BidPrice:
			pd = ac.Bid
		case AskPrice:
			pd = ac.Ask
		default:
			pd = ac.Mid
		}

		var ohlc [4]float64
		for i, s := range []string{pd.O, pd.H, pd.L, pd.C} {
			v, err := parseFloat(s)
			if err != nil {
				return nil, fmt.Errorf("parse price %q: %w", s, err)
			}
			ohlc[i] = v
		}

		candles = append(candles, market.Candle{
			Time:     t,
			Open:     ohlc[0],
			High:     ohlc[1],
			Low:      ohlc[2],
			Close:    ohlc[3],
			Volume:   float64(ac.Volume),
			Complete: true,
		})
	}

	return candles, nil
}
