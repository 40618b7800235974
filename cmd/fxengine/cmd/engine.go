package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rustyeddy/fxengine/analytics"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/oanda"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/ledger"
	"github.com/rustyeddy/fxengine/lifecycle"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/scheduler"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// engine holds everything a run or scan command wires together.
type engine struct {
	src       *config.FileSource
	log       *zap.Logger
	venue     broker.Broker
	claims    ledger.Store
	trades    journal.Store
	notify    *notify.Async
	analytics *analytics.Async
	exec      *execution.Manager
	scheduler *scheduler.Scheduler
	monitor   *lifecycle.Monitor
}

// paper sends orders to the simulator while candles and prices come from
// the live venue.
type paper struct {
	*sim.Broker
	data broker.MarketData
}

func (p paper) GetCandles(ctx context.Context, instrument string, g market.Granularity, count int) ([]market.Candle, error) {
	return p.data.GetCandles(ctx, instrument, g, count)
}

func newEngine(ctx context.Context, path string, dryRun bool) (*engine, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dryRun {
		cfg.Broker.DryRun = true
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	e := &engine{src: config.NewFileSource(path), log: log}
	if err := e.wire(ctx, cfg); err != nil {
		_ = e.Close(context.Background())
		return nil, err
	}
	return e, nil
}

func (e *engine) wire(ctx context.Context, cfg *config.Config) error {
	var err error
	if e.venue, err = openBroker(cfg, e.log); err != nil {
		return err
	}
	if e.trades, err = openJournal(cfg.Journal); err != nil {
		return err
	}
	if e.claims, err = openClaims(ctx, cfg.Claims); err != nil {
		return err
	}

	timeout := cfg.Engine.CallTimeout.D()
	e.notify = notify.NewAsync(notifySink(cfg.Notify, e.log), cfg.Notify.QueueSize, timeout, e.log.Named("notify"))

	sink, err := analyticsSink(cfg.Analytics)
	if err != nil {
		return err
	}
	e.analytics = analytics.NewAsync(sink, cfg.Analytics.QueueSize, timeout, e.log.Named("analytics"))

	e.exec = execution.New(e.venue, e.claims, e.trades,
		execution.WithNotifier(e.notify),
		execution.WithAnalytics(e.analytics),
		execution.WithLogger(e.log.Named("execution")),
		execution.WithRetryDelay(cfg.Engine.RetryDelay.D()),
	)
	e.scheduler = scheduler.New(e.src, e.venue, e.claims, e.trades, e.exec,
		scheduler.WithLogger(e.log.Named("scheduler")),
		scheduler.WithNotifier(e.notify),
	)
	e.monitor = lifecycle.New(e.src, e.venue, e.trades, e.exec,
		lifecycle.WithLogger(e.log.Named("lifecycle")),
	)
	return nil
}

// Close drains the event queues before the stores go away.
func (e *engine) Close(ctx context.Context) error {
	var err error
	if e.notify != nil {
		err = multierr.Append(err, e.notify.Close(ctx))
	}
	if e.analytics != nil {
		err = multierr.Append(err, e.analytics.Close())
	}
	if e.trades != nil {
		err = multierr.Append(err, e.trades.Close())
	}
	if e.claims != nil {
		err = multierr.Append(err, e.claims.Close())
	}
	_ = e.log.Sync()
	return err
}

func openBroker(cfg *config.Config, log *zap.Logger) (broker.Broker, error) {
	newSim := func(opts ...sim.Option) *sim.Broker {
		b := sim.New(opts...)
		for _, a := range cfg.Accounts {
			b.AddAccount(a.ID, a.Currency, cfg.Broker.SimBalance)
		}
		return b
	}

	switch cfg.Broker.Kind {
	case "sim":
		log.Warn("sim broker has no market data feed; scans will find no candles")
		return newSim(), nil
	case "oanda":
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}

	base, err := oanda.BaseURL(cfg.Broker.Environment)
	if err != nil {
		return nil, err
	}
	token := os.Getenv(cfg.Broker.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%s is not set", cfg.Broker.TokenEnv)
	}
	opts := []oanda.Option{oanda.WithRateLimit(cfg.Broker.RatePerSecond, cfg.Broker.Burst)}
	if len(cfg.Accounts) > 0 {
		opts = append(opts, oanda.WithPricingAccount(cfg.Accounts[0].ID))
	}
	client := oanda.NewClient(token, base == oanda.PracticeURL, opts...)

	if !cfg.Broker.DryRun {
		log.Info("trading live", zap.String("environment", cfg.Broker.Environment), zap.Int("accounts", len(cfg.Accounts)))
		return client, nil
	}
	log.Info("dry run: orders go to the simulator", zap.Float64("sim_balance", cfg.Broker.SimBalance))
	return paper{Broker: newSim(sim.WithPriceFeed(client)), data: client}, nil
}

func openJournal(c config.JournalConfig) (journal.Store, error) {
	switch c.Type {
	case "memory":
		return journal.NewMemory(), nil
	case "sqlite", "":
		j, err := journal.NewSQLite(c.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return j, nil
	}
	return nil, fmt.Errorf("unknown journal type %q", c.Type)
}

func openClaims(ctx context.Context, c config.ClaimsConfig) (ledger.Store, error) {
	switch c.Backend {
	case "memory", "":
		return ledger.NewMemory(c.Retention.D()), nil
	case "redis":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, err := ledger.OpenRedis(ctx, ledger.RedisOptions{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			Prefix:    c.Redis.Prefix,
			Retention: c.Retention.D(),
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown claims backend %q", c.Backend)
}

func notifySink(c config.NotifyConfig, log *zap.Logger) notify.Sink {
	var sinks notify.Multi
	if c.Log {
		sinks = append(sinks, notify.NewLog(log.Named("events")))
	}
	if c.DiscordEnv != "" {
		if hook := os.Getenv(c.DiscordEnv); hook != "" {
			sinks = append(sinks, notify.NewDiscord(hook, nil))
		} else {
			log.Warn("discord webhook not set", zap.String("env", c.DiscordEnv))
		}
	}
	if len(sinks) == 0 {
		return notify.Nop{}
	}
	return sinks
}

func analyticsSink(c config.AnalyticsConfig) (analytics.Sink, error) {
	var sinks analytics.Multi
	if c.CSVPath != "" {
		s, err := analytics.NewCSV(c.CSVPath)
		if err != nil {
			return nil, fmt.Errorf("analytics csv: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(c.Kafka.Brokers) > 0 {
		sinks = append(sinks, analytics.NewKafka(c.Kafka.Brokers, c.Kafka.Topic))
	}
	if c.Influx.URL != "" {
		sinks = append(sinks, analytics.NewInflux(c.Influx.URL, os.Getenv(c.Influx.TokenEnv), c.Influx.Org, c.Influx.Bucket))
	}
	if len(sinks) == 0 {
		return analytics.Nop{}, nil
	}
	return sinks, nil
}
