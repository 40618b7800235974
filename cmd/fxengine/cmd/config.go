package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/strategies"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate, validate or edit the engine configuration",
	Long: `Manage the engine configuration file.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file
  bind     - Bind a strategy to an account

Examples:
  fxengine config init -o engine.yaml
  fxengine config validate -f engine.yaml
  fxengine config bind -f engine.yaml --account 101-001-1 --strategy breakout --instruments EUR_USD,GBP_USD`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check that a configuration file loads and list the binding each
account resolves to. Accounts with an invalid strategy block are reported
but do not fail validation; the engine skips them.`,
	Args: cobra.NoArgs,
	RunE: runConfigValidate,
}

var configBindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Bind a strategy to an account",
	Long: `Replace the strategy of one account and write the file back. The
running engine picks the change up on its next cycle.

Example:
  fxengine config bind -f engine.yaml --account 101-001-1 --strategy ema-cross \
    --instruments EUR_USD,USD_JPY --max-quality 3 --param fast=9 --param slow=21`,
	Args: cobra.NoArgs,
	RunE: runConfigBind,
}

var (
	configInitOutput   string
	configValidatePath string

	bindPath          string
	bindAccount       string
	bindStrategy      string
	bindInstruments   []string
	bindGranularity   string
	bindMaxQuality    int
	bindMinConfidence float64
	bindParams        map[string]string
	bindPaused        bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configBindCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "engine.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")

	f := configBindCmd.Flags()
	f.StringVarP(&bindPath, "file", "f", "", "path to config file (required)")
	f.StringVar(&bindAccount, "account", "", "account id (required)")
	f.StringVar(&bindStrategy, "strategy", "", "strategy name (required)")
	f.StringSliceVar(&bindInstruments, "instruments", nil, "instruments to scan (required)")
	f.StringVar(&bindGranularity, "granularity", "", "candle granularity, defaults to the engine setting")
	f.IntVar(&bindMaxQuality, "max-quality", 3, "max quality trades per day")
	f.Float64Var(&bindMinConfidence, "min-confidence", 0, "drop signals below this confidence")
	f.StringToStringVar(&bindParams, "param", nil, "strategy parameter as key=value, repeatable")
	f.BoolVar(&bindPaused, "paused", false, "bind the strategy but do not scan it")
	for _, name := range []string{"file", "account", "strategy", "instruments"} {
		configBindCmd.MarkFlagRequired(name)
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ Created default configuration: %s\n", configInitOutput)
	fmt.Println("\nEdit the file and run with:")
	fmt.Printf("  fxengine run -f %s --dry-run\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("✓ Configuration valid: %s\n", configValidatePath)
	fmt.Printf("  Broker: %s (%s, dry run %v)\n", cfg.Broker.Kind, cfg.Broker.Environment, cfg.Broker.DryRun)
	fmt.Printf("  Journal: %s  Claims: %s\n", cfg.Journal.Type, cfg.Claims.Backend)

	bindings, bad := cfg.Bindings()
	for _, b := range bindings {
		fmt.Printf("  %s: %s on %s (risk %.2f%%, %d/day)\n",
			b.AccountID, b.Strategy, strings.Join(b.Instruments, ","), b.RiskPct*100, b.DailyCap)
		if !strategies.Default.Has(b.Strategy) {
			fmt.Printf("    ! unknown strategy %q\n", b.Strategy)
		}
	}
	for _, e := range bad {
		fmt.Printf("  ! %v\n", e)
	}
	if paused := len(cfg.Accounts) - len(bindings) - len(bad); paused > 0 {
		fmt.Printf("  %d paused\n", paused)
	}
	return nil
}

func runConfigBind(cmd *cobra.Command, args []string) error {
	if !strategies.Default.Has(bindStrategy) {
		return fmt.Errorf("unknown strategy %q (have %s)", bindStrategy, strings.Join(strategies.Default.Names(), ", "))
	}
	params, err := parseParams(bindParams)
	if err != nil {
		return err
	}

	sc := config.StrategyConfig{
		Name:                  bindStrategy,
		Paused:                bindPaused,
		Instruments:           bindInstruments,
		Granularity:           bindGranularity,
		MaxDailyQualityTrades: bindMaxQuality,
		MinConfidence:         bindMinConfidence,
		Params:                params,
	}

	src := config.NewFileSource(bindPath)
	if err := src.Update(cmd.Context(), config.BindStrategy(bindAccount, sc)); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	fmt.Printf("✓ %s now runs %s on %s\n", bindAccount, bindStrategy, strings.Join(bindInstruments, ","))
	return nil
}

func parseParams(in map[string]string) (map[string]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}
