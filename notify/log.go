package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log writes events to the engine log.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log.Named("notify")}
}

func (l *Log) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("account", e.AccountID),
	}
	if e.Strategy != "" {
		fields = append(fields, zap.String("strategy", e.Strategy))
	}
	if e.Instrument != "" {
		fields = append(fields, zap.String("instrument", e.Instrument))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.TradeID != "" {
		fields = append(fields, zap.String("trade", e.TradeID))
	}

	if e.Kind == OrderRejected {
		l.log.Warn(e.Text(), fields...)
		return nil
	}
	l.log.Info(e.Text(), fields...)
	return nil
}
