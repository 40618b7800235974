package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/fxengine/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "fxengine",
	Short: "A multi-account FX trading engine",
	Long: `fxengine scans strategies across many broker sub-accounts, sizes each
signal against the account's risk budget, places bracketed orders and
manages open trades until they close.

It provides tools for:
  - Running the scan and lifecycle loops against OANDA or the simulator
  - Running a single scan cycle
  - Generating, validating and editing the engine configuration
  - Risk-based position sizing
  - Querying the trade journal`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

var (
	logLevel string
	envFile  string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file of environment variables to load before running")
}

// newLogger builds the process logger from the config block, honoring
// --log-level when it is set.
func newLogger(cfg logger.Config) (*zap.Logger, error) {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	return logger.New(cfg)
}
