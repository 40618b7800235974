package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan and lifecycle loops",
	Long: `Run the engine until interrupted. The scan loop evaluates every
account's strategy once per scan interval and places the selected trades;
the lifecycle loop watches open trades and closes them when an exit rule
fires.

The config file is re-read at the start of every cycle, so accounts and
strategies can be edited while the engine runs.

Example:
  fxengine run -f engine.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runConfigPath string
	runDryRun     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "file", "f", "", "path to engine config (YAML or JSON) (required)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "route orders to the simulator using live prices")
	runCmd.MarkFlagRequired("file")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, runConfigPath, runDryRun)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	e.log.Info("engine starting", zap.String("config", runConfigPath), zap.Bool("dry_run", runDryRun))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scheduler.Run(ctx) })
	g.Go(func() error { return e.monitor.Run(ctx) })
	err = g.Wait()

	e.log.Info("engine stopped")
	return err
}
