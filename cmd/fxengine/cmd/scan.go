package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan cycle",
	Long: `Run one scan and execution cycle across every account and print the
cycle summary. Open trades are not monitored.

Example:
  fxengine scan -f engine.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanConfigPath string
	scanDryRun     bool
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanConfigPath, "file", "f", "", "path to engine config (YAML or JSON) (required)")
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "route orders to the simulator using live prices")
	scanCmd.MarkFlagRequired("file")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	e, err := newEngine(ctx, scanConfigPath, scanDryRun)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Close(closeCtx)
	}()

	sum, err := e.scheduler.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	fmt.Println(sum.Text())
	for _, be := range sum.Errors {
		fmt.Printf("  ! %v\n", be)
	}
	return nil
}
