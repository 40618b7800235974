package analytics

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"event", "time", "trade_id", "account_id", "strategy", "instrument", "side", "units",
	"entry_price", "stop_loss", "take_profit", "exit_price", "exit_time", "realized_pl", "reason",
}

// CSV appends records to a file, writing the header when the file is new.
type CSV struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

func NewCSV(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return &CSV{f: f, w: w}, nil
}

func (c *CSV) Publish(_ context.Context, r Record) error {
	exitTime := ""
	if !r.ExitTime.IsZero() {
		exitTime = r.ExitTime.UTC().Format(time.RFC3339)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.w.Write([]string{
		string(r.Event),
		r.Time.UTC().Format(time.RFC3339),
		r.TradeID,
		r.AccountID,
		r.Strategy,
		r.Instrument,
		r.Side,
		num(r.Units),
		num(r.EntryPrice),
		num(r.StopLoss),
		num(r.TakeProfit),
		num(r.ExitPrice),
		exitTime,
		num(r.RealizedPL),
		r.ExitReason,
	})
	if err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		_ = c.f.Close()
		return err
	}
	return c.f.Close()
}

func num(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
