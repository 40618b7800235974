package oanda

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
	"github.com/shopspring/decimal"
)

// defaultTag marks orders placed without an explicit tag.
const defaultTag = "fxengine"

type priceDetails struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce"`
}

type clientExtensions struct {
	ID      string `json:"id,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type marketOrder struct {
	Type                  string            `json:"type"`
	Instrument            string            `json:"instrument"`
	Units                 string            `json:"units"`
	TimeInForce           string            `json:"timeInForce"`
	PositionFill          string            `json:"positionFill"`
	ClientExtensions      *clientExtensions `json:"clientExtensions,omitempty"`
	TradeClientExtensions *clientExtensions `json:"tradeClientExtensions,omitempty"`
	StopLossOnFill        *priceDetails     `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill      *priceDetails     `json:"takeProfitOnFill,omitempty"`
}

type orderResponse struct {
	OrderFillTransaction *struct {
		ID          string `json:"id"`
		Time        string `json:"time"`
		Price       string `json:"price"`
		TradeOpened *struct {
			TradeID string `json:"tradeID"`
			Units   string `json:"units"`
			Price   string `json:"price"`
		} `json:"tradeOpened"`
	} `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
}

type apiTrade struct {
	ID               string           `json:"id"`
	Instrument       string           `json:"instrument"`
	Price            string           `json:"price"`
	OpenTime         string           `json:"openTime"`
	State            string           `json:"state"`
	CurrentUnits     string           `json:"currentUnits"`
	UnrealizedPL     string           `json:"unrealizedPL"`
	ClientExtensions clientExtensions `json:"clientExtensions"`
	StopLossOrder    *struct {
		Price string `json:"price"`
	} `json:"stopLossOrder"`
	TakeProfitOrder *struct {
		Price string `json:"price"`
	} `json:"takeProfitOrder"`
}

// formatPrice renders p at the instrument's display precision. OANDA rejects
// prices with more digits than that.
func formatPrice(meta market.InstrumentMeta, p float64) string {
	return decimal.NewFromFloat(p).StringFixed(int32(meta.DisplayPrecision))
}

func formatUnits(meta market.InstrumentMeta, u float64) string {
	return decimal.NewFromFloat(u).Truncate(int32(meta.TradeUnitsPrecision)).String()
}

// PlaceOrder submits a FOK market order with stop-loss and take-profit
// attached. The fill is followed by a trade lookup so the returned
// StopLossSet/TakeProfitSet reflect what the venue actually holds.
func (c *Client) PlaceOrder(ctx context.Context, accountID string, req broker.OrderRequest) (broker.OrderFill, error) {
	meta, err := market.Lookup(req.Instrument)
	if err != nil {
		return broker.OrderFill{}, err
	}
	if req.StopLoss <= 0 || req.TakeProfit <= 0 {
		return broker.OrderFill{}, broker.Reject(broker.InvalidPrice, "stop-loss and take-profit are required")
	}

	order := marketOrder{
		Type:             "MARKET",
		Instrument:       req.Instrument,
		Units:            formatUnits(meta, req.Units),
		TimeInForce:      "FOK",
		PositionFill:     "DEFAULT",
		StopLossOnFill:   &priceDetails{Price: formatPrice(meta, req.StopLoss), TimeInForce: "GTC"},
		TakeProfitOnFill: &priceDetails{Price: formatPrice(meta, req.TakeProfit), TimeInForce: "GTC"},
	}
	if req.ClientID != "" {
		ext := clientExtensions{ID: req.ClientID, Tag: req.Tag, Comment: req.Comment}
		if ext.Tag == "" {
			ext.Tag = defaultTag
		}
		order.ClientExtensions = &ext
		trade := ext
		order.TradeClientExtensions = &trade
	}

	var resp orderResponse
	path := "/v3/accounts/" + url.PathEscape(accountID) + "/orders"
	if err := c.do(ctx, "POST", path, map[string]any{"order": order}, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			reason := apiErr.RejectReason
			if reason == "" {
				reason = apiErr.ErrorCode
			}
			return broker.OrderFill{}, broker.Reject(rejectCode(reason), reason)
		}
		return broker.OrderFill{}, err
	}

	fill := resp.OrderFillTransaction
	if fill == nil || fill.TradeOpened == nil {
		reason := "NO_FILL"
		if resp.OrderCancelTransaction != nil {
			reason = resp.OrderCancelTransaction.Reason
		}
		return broker.OrderFill{}, broker.Reject(rejectCode(reason), reason)
	}

	units, err := parseFloat(fill.TradeOpened.Units)
	if err != nil {
		return broker.OrderFill{}, fmt.Errorf("parse fill units: %w", err)
	}
	price, err := parseFloat(fill.TradeOpened.Price)
	if err != nil || price == 0 {
		price, err = parseFloat(fill.Price)
		if err != nil {
			return broker.OrderFill{}, fmt.Errorf("parse fill price: %w", err)
		}
	}
	t, err := parseTime(fill.Time)
	if err != nil {
		return broker.OrderFill{}, fmt.Errorf("parse fill time: %w", err)
	}

	out := broker.OrderFill{
		TradeRef:   fill.TradeOpened.TradeID,
		ClientID:   req.ClientID,
		Instrument: req.Instrument,
		Units:      units,
		Price:      price,
		Time:       t,
	}

	// A failed confirmation leaves both flags false and the caller re-applies
	// protection, which is idempotent on the venue side.
	if tr, err := c.trade(ctx, accountID, fill.TradeOpened.TradeID); err == nil {
		out.StopLossSet = tr.StopLoss > 0
		out.TakeProfitSet = tr.TakeProfit > 0
	}
	return out, nil
}

// SetProtection replaces the stop-loss and take-profit orders of a trade.
func (c *Client) SetProtection(ctx context.Context, accountID, tradeRef string, stopLoss, takeProfit float64) error {
	tr, err := c.trade(ctx, accountID, tradeRef)
	if err != nil {
		return err
	}
	meta, err := market.Lookup(tr.Instrument)
	if err != nil {
		return err
	}
	body := map[string]any{
		"stopLoss":   priceDetails{Price: formatPrice(meta, stopLoss), TimeInForce: "GTC"},
		"takeProfit": priceDetails{Price: formatPrice(meta, takeProfit), TimeInForce: "GTC"},
	}
	path := fmt.Sprintf("/v3/accounts/%s/trades/%s/orders", url.PathEscape(accountID), url.PathEscape(tradeRef))
	err = c.do(ctx, "PUT", path, body, nil)
	return mapTradeErr(err)
}

type closeResponse struct {
	OrderFillTransaction *struct {
		Time  string `json:"time"`
		Price string `json:"price"`
		Units string `json:"units"`
		PL    string `json:"pl"`
	} `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
}

// CloseTrade closes the whole trade at market.
func (c *Client) CloseTrade(ctx context.Context, accountID, tradeRef string) (broker.CloseFill, error) {
	var resp closeResponse
	path := fmt.Sprintf("/v3/accounts/%s/trades/%s/close", url.PathEscape(accountID), url.PathEscape(tradeRef))
	if err := c.do(ctx, "PUT", path, map[string]string{"units": "ALL"}, &resp); err != nil {
		return broker.CloseFill{}, mapTradeErr(err)
	}

	f := resp.OrderFillTransaction
	if f == nil {
		reason := "NO_FILL"
		if resp.OrderCancelTransaction != nil {
			reason = resp.OrderCancelTransaction.Reason
		}
		return broker.CloseFill{}, broker.Reject(rejectCode(reason), reason)
	}

	out := broker.CloseFill{TradeRef: tradeRef}
	var err error
	if out.Price, err = parseFloat(f.Price); err != nil {
		return broker.CloseFill{}, fmt.Errorf("parse close price: %w", err)
	}
	if out.Units, err = parseFloat(f.Units); err != nil {
		return broker.CloseFill{}, fmt.Errorf("parse close units: %w", err)
	}
	if out.RealizedPL, err = parseFloat(f.PL); err != nil {
		return broker.CloseFill{}, fmt.Errorf("parse close pl: %w", err)
	}
	if out.Time, err = parseTime(f.Time); err != nil {
		return broker.CloseFill{}, fmt.Errorf("parse close time: %w", err)
	}
	return out, nil
}

func (c *Client) OpenTrades(ctx context.Context, accountID string) ([]broker.OpenTrade, error) {
	var resp struct {
		Trades []apiTrade `json:"trades"`
	}
	if err := c.do(ctx, "GET", "/v3/accounts/"+url.PathEscape(accountID)+"/openTrades", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]broker.OpenTrade, 0, len(resp.Trades))
	for _, at := range resp.Trades {
		ot, err := at.toOpenTrade()
		if err != nil {
			return nil, err
		}
		out = append(out, ot)
	}
	return out, nil
}

// TradeByClientID finds a trade by the client id attached at order time.
func (c *Client) TradeByClientID(ctx context.Context, accountID, clientID string) (broker.OpenTrade, error) {
	return c.trade(ctx, accountID, "@"+clientID)
}

func (c *Client) trade(ctx context.Context, accountID, specifier string) (broker.OpenTrade, error) {
	var resp struct {
		Trade apiTrade `json:"trade"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/trades/%s", url.PathEscape(accountID), url.PathEscape(specifier))
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return broker.OpenTrade{}, mapTradeErr(err)
	}
	if resp.Trade.State != "" && resp.Trade.State != "OPEN" {
		return broker.OpenTrade{}, fmt.Errorf("trade %s is %s: %w", specifier, resp.Trade.State, broker.ErrTradeNotFound)
	}
	return resp.Trade.toOpenTrade()
}

func (at apiTrade) toOpenTrade() (broker.OpenTrade, error) {
	ot := broker.OpenTrade{
		TradeRef:   at.ID,
		ClientID:   at.ClientExtensions.ID,
		Tag:        at.ClientExtensions.Tag,
		Comment:    at.ClientExtensions.Comment,
		Instrument: at.Instrument,
	}
	var err error
	if ot.Units, err = parseFloat(at.CurrentUnits); err != nil {
		return ot, fmt.Errorf("parse trade units: %w", err)
	}
	if ot.Price, err = parseFloat(at.Price); err != nil {
		return ot, fmt.Errorf("parse trade price: %w", err)
	}
	if ot.UnrealizedPL, err = parseFloat(at.UnrealizedPL); err != nil {
		return ot, fmt.Errorf("parse trade pl: %w", err)
	}
	if ot.OpenTime, err = parseTime(at.OpenTime); err != nil {
		return ot, fmt.Errorf("parse trade time: %w", err)
	}
	if at.StopLossOrder != nil {
		if ot.StopLoss, err = parseFloat(at.StopLossOrder.Price); err != nil {
			return ot, fmt.Errorf("parse stop loss: %w", err)
		}
	}
	if at.TakeProfitOrder != nil {
		if ot.TakeProfit, err = parseFloat(at.TakeProfitOrder.Price); err != nil {
			return ot, fmt.Errorf("parse take profit: %w", err)
		}
	}
	return ot, nil
}

func mapTradeErr(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", apiErr.ErrorMessage, broker.ErrTradeNotFound)
	}
	return err
}

// rejectCode maps an OANDA reject reason onto the engine's rejection codes.
func rejectCode(reason string) broker.RejectCode {
	r := strings.ToUpper(reason)
	switch {
	case strings.Contains(r, "INSUFFICIENT_MARGIN"), strings.Contains(r, "INSUFFICIENT_LIQUIDITY"):
		return broker.InsufficientMargin
	case strings.Contains(r, "CLIENT_ORDER_ID_ALREADY_EXISTS"), strings.Contains(r, "CLIENT_TRADE_ID_ALREADY_EXISTS"):
		return broker.DuplicateClientID
	case strings.Contains(r, "MARKET_HALTED"):
		return broker.MarketHalted
	case strings.Contains(r, "UNITS"):
		return broker.InvalidUnits
	case strings.Contains(r, "PRICE"), strings.Contains(r, "BOUND"), strings.Contains(r, "LOSS"), strings.Contains(r, "PROFIT"):
		return broker.InvalidPrice
	default:
		return broker.Rejected
	}
}
