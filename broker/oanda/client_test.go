package oanda

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewClient("test-token", true,
		WithBaseURL(server.URL),
		WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
		WithRateLimit(1000, 10),
		WithPricingAccount("acct-1"),
	)
}

func TestNewClient(t *testing.T) {
	t.Run("practice mode", func(t *testing.T) {
		client := NewClient("test-token", true)
		assert.Equal(t, PracticeURL, client.baseURL)
		assert.Equal(t, "test-token", client.token)
		assert.NotNil(t, client.httpClient)
	})

	t.Run("live mode", func(t *testing.T) {
		client := NewClient("test-token", false)
		assert.Equal(t, LiveURL, client.baseURL)
	})

	t.Run("env names", func(t *testing.T) {
		u, err := BaseURL("demo")
		require.NoError(t, err)
		assert.Equal(t, PracticeURL, u)
		_, err = BaseURL("paper")
		assert.Error(t, err)
	})
}

func TestGetCandlesSkipsIncomplete(t *testing.T) {
	mockResponse := candlesResponse{
		Instrument:  "EUR_USD",
		Granularity: "M5",
		Candles: []apiCandle{
			{Complete: true, Volume: 100, Time: "2024-01-01T10:00:00.000000000Z",
				Mid: candleData{O: "1.0850", H: "1.0860", L: "1.0840", C: "1.0855"}},
			{Complete: true, Volume: 150, Time: "2024-01-01T10:05:00.000000000Z",
				Mid: candleData{O: "1.0855", H: "1.0870", L: "1.0850", C: "1.0865"}},
			{Complete: false, Volume: 5, Time: "2024-01-01T10:10:00.000000000Z",
				Mid: candleData{O: "1.0865", H: "1.0866", L: "1.0864", C: "1.0865"}},
		},
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/v3/instruments/EUR_USD/candles", r.URL.Path)
		assert.Equal(t, "M", r.URL.Query().Get("price"))
		assert.Equal(t, "M5", r.URL.Query().Get("granularity"))
		assert.Equal(t, "100", r.URL.Query().Get("count"))
		json.NewEncoder(w).Encode(mockResponse)
	}))

	candles, err := c.GetCandles(context.Background(), "EUR_USD", market.M5, 100)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 1.0855, candles[0].Close)
	assert.Equal(t, 1.0870, candles[1].High)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), candles[1].Time)
	assert.True(t, candles[1].Complete)
}

func TestServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream", http.StatusServiceUnavailable)
	}))

	_, err := c.GetCandles(context.Background(), "EUR_USD", market.M5, 10)
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "client does not retry on its own")
}

func TestGetAccountSummary(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/acct-1/summary", r.URL.Path)
		w.Write([]byte(`{"account":{"id":"acct-1","currency":"USD","balance":"100000.00","NAV":"100250.50",
			"unrealizedPL":"250.50","marginUsed":"2000.00","marginAvailable":"98250.50",
			"openTradeCount":2,"openPositionCount":1}}`))
	}))

	s, err := c.GetAccountSummary(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 100000.0, s.Balance)
	assert.Equal(t, 100250.50, s.NAV)
	assert.Equal(t, 98250.50, s.MarginAvailable)
	assert.Equal(t, 2, s.OpenTradeCount)
}

func TestGetTick(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/acct-1/pricing", r.URL.Path)
		assert.Equal(t, "USD_JPY", r.URL.Query().Get("instruments"))
		w.Write([]byte(`{"prices":[{"instrument":"USD_JPY","time":"2024-01-01T10:00:00.5Z",
			"bids":[{"price":"149.990"}],"asks":[{"price":"150.010"}]}]}`))
	}))

	tk, err := c.GetTick(context.Background(), "USD_JPY")
	require.NoError(t, err)
	assert.Equal(t, 149.99, tk.Bid)
	assert.Equal(t, 150.01, tk.Ask)
	assert.InDelta(t, 150.0, tk.Mid(), 1e-9)
}

func TestPlaceOrderAttachesProtection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/acct-1/orders", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Order marketOrder `json:"order"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "MARKET", body.Order.Type)
		assert.Equal(t, "-10000", body.Order.Units)
		assert.Equal(t, "1.10200", body.Order.StopLossOnFill.Price)
		assert.Equal(t, "1.09600", body.Order.TakeProfitOnFill.Price)
		assert.Equal(t, "cid-1", body.Order.TradeClientExtensions.ID)
		assert.Equal(t, "fxengine", body.Order.TradeClientExtensions.Tag)
		assert.Equal(t, "acct-1/ema/2024-01-01|sig-1", body.Order.TradeClientExtensions.Comment)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"orderFillTransaction":{"id":"7","time":"2024-01-01T10:00:00Z","price":"1.09990",
			"tradeOpened":{"tradeID":"42","units":"-10000","price":"1.09990"}}}`))
	})
	mux.HandleFunc("/v3/accounts/acct-1/trades/42", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"trade":{"id":"42","instrument":"EUR_USD","price":"1.09990","state":"OPEN",
			"currentUnits":"-10000","stopLossOrder":{"price":"1.10200"},"takeProfitOrder":{"price":"1.09600"}}}`))
	})
	c := newTestClient(t, mux)

	fill, err := c.PlaceOrder(context.Background(), "acct-1", broker.OrderRequest{
		Instrument: "EUR_USD",
		Units:      -10000,
		StopLoss:   1.102,
		TakeProfit: 1.096,
		ClientID:   "cid-1",
		Comment:    "acct-1/ema/2024-01-01|sig-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", fill.TradeRef)
	assert.Equal(t, 1.0999, fill.Price)
	assert.Equal(t, -10000.0, fill.Units)
	assert.True(t, fill.StopLossSet)
	assert.True(t, fill.TakeProfitSet)
}

func TestPlaceOrderRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   broker.RejectCode
	}{
		{"cancelled for margin", http.StatusCreated,
			`{"orderCancelTransaction":{"reason":"INSUFFICIENT_MARGIN"}}`, broker.InsufficientMargin},
		{"reject invalid stop", http.StatusBadRequest,
			`{"errorCode":"STOP_LOSS_ON_FILL_PRICE_PRECISION_EXCEEDED","orderRejectTransaction":{"rejectReason":"STOP_LOSS_ON_FILL_PRICE_PRECISION_EXCEEDED"}}`,
			broker.InvalidPrice},
		{"duplicate client id", http.StatusBadRequest,
			`{"orderRejectTransaction":{"rejectReason":"CLIENT_TRADE_ID_ALREADY_EXISTS"}}`, broker.DuplicateClientID},
		{"halted", http.StatusCreated,
			`{"orderCancelTransaction":{"reason":"MARKET_HALTED"}}`, broker.MarketHalted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			_, err := c.PlaceOrder(context.Background(), "acct-1", broker.OrderRequest{
				Instrument: "EUR_USD", Units: 1000, StopLoss: 1.09, TakeProfit: 1.11,
			})
			r, ok := broker.AsRejection(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.want, r.Code)
			assert.False(t, broker.IsTransient(err))
		})
	}
}

func TestPlaceOrderRequiresProtection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	_, err := c.PlaceOrder(context.Background(), "acct-1", broker.OrderRequest{Instrument: "EUR_USD", Units: 1000})
	r, ok := broker.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, broker.InvalidPrice, r.Code)
}

func TestCloseTrade(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/acct-1/trades/42/close", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.Write([]byte(`{"orderFillTransaction":{"time":"2024-01-01T12:00:00Z","price":"1.10100","units":"-10000","pl":"110.00"}}`))
	})
	mux.HandleFunc("/v3/accounts/acct-1/trades/99/close", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errorMessage":"The Trade specified does not exist"}`))
	})
	c := newTestClient(t, mux)

	fill, err := c.CloseTrade(context.Background(), "acct-1", "42")
	require.NoError(t, err)
	assert.Equal(t, 1.101, fill.Price)
	assert.Equal(t, 110.0, fill.RealizedPL)

	_, err = c.CloseTrade(context.Background(), "acct-1", "99")
	assert.True(t, errors.Is(err, broker.ErrTradeNotFound))
}

func TestOpenTradesAndClientLookup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/acct-1/openTrades", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"trades":[{"id":"42","instrument":"EUR_USD","price":"1.10000","openTime":"2024-01-01T10:00:00Z",
			"state":"OPEN","currentUnits":"1000","unrealizedPL":"1.5","clientExtensions":{"id":"cid-1","tag":"fxengine","comment":"c"},
			"stopLossOrder":{"price":"1.09000"}}]}`))
	})
	mux.HandleFunc("/v3/accounts/acct-1/trades/@cid-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"trade":{"id":"42","instrument":"EUR_USD","price":"1.10000","state":"OPEN",
			"currentUnits":"1000","clientExtensions":{"id":"cid-1"}}}`))
	})
	c := newTestClient(t, mux)

	trades, err := c.OpenTrades(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "cid-1", trades[0].ClientID)
	assert.Equal(t, "fxengine", trades[0].Tag)
	assert.Equal(t, "c", trades[0].Comment)
	assert.Equal(t, 1.09, trades[0].StopLoss)
	assert.Equal(t, 0.0, trades[0].TakeProfit)

	ot, err := c.TradeByClientID(context.Background(), "acct-1", "cid-1")
	require.NoError(t, err)
	assert.Equal(t, "42", ot.TradeRef)
	assert.False(t, ot.Fill().TakeProfitSet)
}

func TestFormatting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "150.123", formatPrice(market.Instruments["USD_JPY"], 150.12345))
	assert.Equal(t, "1.34500", formatPrice(market.Instruments["EUR_USD"], 1.345))
	assert.Equal(t, "1234", formatUnits(market.Instruments["EUR_USD"], 1234.9))
}
