package cmd

import (
	"fmt"
	"strings"

	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/spf13/cobra"
)

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Calculate a position size from a risk budget",
	Long: `Calculate the units to trade so that hitting the stop loses the given
percentage of the balance, using the same clamps the engine applies.

The quote-to-account rate is derived from the entry price when the account
currency is one side of the pair. Cross pairs need --rate.

Examples:
  fxengine size --balance 100000 --risk 1 --instrument EUR_USD --entry 1.1000 --stop 1.0950
  fxengine size --balance 5000 --risk 2 --instrument EUR_GBP --entry 0.8550 --stop 0.8520 --rate 1.27`,
	Args: cobra.NoArgs,
	RunE: runSize,
}

var (
	sizeBalance     float64
	sizeRiskPct     float64
	sizeInstrument  string
	sizeCurrency    string
	sizeEntry       float64
	sizeStop        float64
	sizeTarget      float64
	sizeRate        float64
	sizeMinUnits    float64
	sizeMaxUnits    float64
	sizeMaxLeverage float64
)

func init() {
	rootCmd.AddCommand(sizeCmd)

	f := sizeCmd.Flags()
	f.Float64Var(&sizeBalance, "balance", 0, "account balance (required)")
	f.Float64Var(&sizeRiskPct, "risk", 1, "risk per trade in percent")
	f.StringVar(&sizeInstrument, "instrument", "EUR_USD", "instrument, e.g. EUR_USD")
	f.StringVar(&sizeCurrency, "currency", "USD", "account currency")
	f.Float64Var(&sizeEntry, "entry", 0, "entry price (required)")
	f.Float64Var(&sizeStop, "stop", 0, "stop-loss price (required)")
	f.Float64Var(&sizeTarget, "target", 0, "take-profit price, for the reward:risk ratio")
	f.Float64Var(&sizeRate, "rate", 0, "quote-to-account conversion rate")
	f.Float64Var(&sizeMinUnits, "min-units", 1000, "minimum units")
	f.Float64Var(&sizeMaxUnits, "max-units", 1000000, "maximum units")
	f.Float64Var(&sizeMaxLeverage, "max-leverage", 20, "maximum leverage")
	for _, name := range []string{"balance", "entry", "stop"} {
		sizeCmd.MarkFlagRequired(name)
	}
}

func runSize(cmd *cobra.Command, args []string) error {
	meta, err := market.Lookup(strings.ToUpper(sizeInstrument))
	if err != nil {
		return err
	}

	rate := sizeRate
	if rate <= 0 {
		ts := market.NewTickStore()
		ts.Set(market.Tick{Instrument: meta.Name, Bid: sizeEntry, Ask: sizeEntry})
		rate, err = market.QuoteToAccountRate(cmd.Context(), meta.Name, strings.ToUpper(sizeCurrency), ts)
		if err != nil {
			return fmt.Errorf("%w (pass --rate)", err)
		}
	}

	s, err := risk.Size(risk.SizingInput{
		Balance:        sizeBalance,
		RiskPct:        sizeRiskPct / 100,
		Entry:          sizeEntry,
		Stop:           sizeStop,
		Instrument:     meta,
		QuoteToAccount: rate,
		MinUnits:       sizeMinUnits,
		MaxUnits:       sizeMaxUnits,
		MaxLeverage:    sizeMaxLeverage,
	})
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}

	fmt.Printf("Instrument:    %s\n", meta.Name)
	fmt.Printf("Risk amount:   %.2f %s\n", s.RiskAmount, strings.ToUpper(sizeCurrency))
	fmt.Printf("Stop distance: %.*f (%.1f pips)\n", meta.DisplayPrecision, s.StopDistance, s.StopPips)
	fmt.Printf("Units:         %.0f\n", s.Units)
	if s.Clamped() {
		fmt.Printf("  clamped from %.0f by %v\n", s.RawUnits, s.Clamps)
	}
	fmt.Printf("Planned risk:  %.2f\n", risk.PlannedRisk(sizeEntry, sizeStop, s.Units, rate))
	if sizeTarget > 0 {
		fmt.Printf("Reward:risk:   %.2f\n", risk.RewardRisk(sizeEntry, sizeStop, sizeTarget))
	}
	return nil
}
