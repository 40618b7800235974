package analytics

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Influx writes each record as a point in the "trades" measurement.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

func (i *Influx) Publish(ctx context.Context, r Record) error {
	fields := map[string]interface{}{
		"trade_id":    r.TradeID,
		"units":       r.Units,
		"confidence":  r.Confidence,
		"entry_price": r.EntryPrice,
		"stop_loss":   r.StopLoss,
		"take_profit": r.TakeProfit,
	}
	if r.Event == Closed {
		fields["exit_price"] = r.ExitPrice
		fields["realized_pl"] = r.RealizedPL
		fields["hold_seconds"] = r.ExitTime.Sub(r.EntryTime).Seconds()
	}

	tags := map[string]string{
		"event":      string(r.Event),
		"account":    r.AccountID,
		"strategy":   r.Strategy,
		"instrument": r.Instrument,
		"side":       r.Side,
	}
	if r.ExitReason != "" {
		tags["exit_reason"] = r.ExitReason
	}

	point := influxdb2.NewPoint("trades", tags, fields, r.Time)
	if err := i.write.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influx write %s: %w", r.TradeID, err)
	}
	return nil
}

func (i *Influx) Close() error {
	i.client.Close()
	return nil
}
