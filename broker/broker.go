package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

// MarketData supplies candle history. Results may be stale; callers check
// freshness before use.
type MarketData interface {
	GetCandles(ctx context.Context, instrument string, g market.Granularity, count int) ([]market.Candle, error)
}

// Trading is the order side of the venue. Every call is scoped to one
// sub-account.
type Trading interface {
	GetAccountSummary(ctx context.Context, accountID string) (AccountSummary, error)
	PlaceOrder(ctx context.Context, accountID string, req OrderRequest) (OrderFill, error)
	SetProtection(ctx context.Context, accountID, tradeRef string, stopLoss, takeProfit float64) error
	CloseTrade(ctx context.Context, accountID, tradeRef string) (CloseFill, error)
	OpenTrades(ctx context.Context, accountID string) ([]OpenTrade, error)
	TradeByClientID(ctx context.Context, accountID, clientID string) (OpenTrade, error)
}

type Broker interface {
	MarketData
	market.TickSource
	Trading
}

type AccountSummary struct {
	ID                string
	Currency          string
	Balance           float64
	NAV               float64
	UnrealizedPL      float64
	MarginUsed        float64
	MarginAvailable   float64
	OpenTradeCount    int
	OpenPositionCount int
}

// OrderRequest is a market order. Units are signed: negative sells. ClientID
// is echoed back by the venue so a retried request can be matched to an
// earlier fill. Tag and Comment ride along with the trade and come back on
// OpenTrade.
type OrderRequest struct {
	Instrument string
	Units      float64
	StopLoss   float64
	TakeProfit float64
	ClientID   string
	Tag        string
	Comment    string
}

// OrderFill is the venue's acknowledgment. Price and Units are what was
// actually filled.
type OrderFill struct {
	TradeRef      string
	ClientID      string
	Instrument    string
	Units         float64
	Price         float64
	Time          time.Time
	StopLossSet   bool
	TakeProfitSet bool
}

type CloseFill struct {
	TradeRef   string
	Units      float64
	Price      float64
	Time       time.Time
	RealizedPL float64
}

type OpenTrade struct {
	TradeRef     string
	ClientID     string
	Instrument   string
	Units        float64
	Price        float64
	OpenTime     time.Time
	StopLoss     float64
	TakeProfit   float64
	UnrealizedPL float64
	Tag          string
	Comment      string
}

// Fill converts an open trade found after the fact into the fill it came from.
func (t OpenTrade) Fill() OrderFill {
	return OrderFill{
		TradeRef:      t.TradeRef,
		ClientID:      t.ClientID,
		Instrument:    t.Instrument,
		Units:         t.Units,
		Price:         t.Price,
		Time:          t.OpenTime,
		StopLossSet:   t.StopLoss > 0,
		TakeProfitSet: t.TakeProfit > 0,
	}
}
